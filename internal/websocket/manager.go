package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Manager fans sync lifecycle events out to connected dashboard clients.
// It implements the orchestrator's Broadcaster interface.
type Manager struct {
	clients      map[string]*Client
	clientsMutex sync.RWMutex
	Register     chan *Client
	Unregister   chan *Client
	maxClients   int
	writeWait    time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
	logger       *log.Logger
}

func NewManager(maxClients int, writeWait, pongWait, pingPeriod time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		maxClients: maxClients,
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		logger:     logger.With("component", "websocket"),
	}
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if len(m.clients) >= m.maxClients {
		m.logger.Warn("max dashboard connections reached, rejecting client", "client_id", client.ID)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.logger.Info("dashboard client connected", "client_id", client.ID, "clients", len(m.clients))
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		close(client.Send)
		m.logger.Info("dashboard client disconnected", "client_id", client.ID, "clients", len(m.clients))
	}
}

// Broadcast pushes one event to every connected client. Slow clients are
// dropped rather than allowed to stall the sync loop.
func (m *Manager) Broadcast(event string, payload interface{}) {
	msg, err := NewMessage(MessageType(event), payload)
	if err != nil {
		m.logger.Error("failed to encode broadcast", "event", event, "err", err)
		return
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to encode broadcast", "event", event, "err", err)
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	for clientID, client := range m.clients {
		select {
		case client.Send <- messageBytes:
		default:
			m.logger.Warn("client send buffer full, closing connection", "client_id", clientID)
			go func(c *Client) { m.Unregister <- c }(client)
		}
	}
}

func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
