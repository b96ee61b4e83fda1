package handler

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"meetsync-server/internal/websocket"
)

// WebSocketHandler upgrades dashboard connections onto the sync event feed.
type WebSocketHandler struct {
	manager  *websocket.Manager
	upgrader ws.Upgrader
	logger   *log.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, readBufferSize, writeBufferSize int, logger *log.Logger) *WebSocketHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WebSocketHandler{
		manager: manager,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "ws_handler"),
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "err", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
