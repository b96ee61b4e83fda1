package handler

import (
	"net/http"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/service"
	"meetsync-server/pkg/response"
)

type SyncHandler struct {
	syncService *service.SyncService
}

func NewSyncHandler(syncService *service.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

// Trigger schedules an immediate sync cycle. The cycle runs asynchronously;
// clients follow progress on the event feed or poll the status endpoint.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.syncService.TriggerSync()
	response.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncService.Status(r.Context())
	if err != nil {
		response.InternalError(w, "failed to read ledger status")
		return
	}

	response.Success(w, status)
}

// ListPairs returns ledger entries filtered by status, defaulting to the
// pairs that need attention.
func (h *SyncHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	status := domain.SyncStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusFailed
	}

	switch status {
	case domain.StatusSynced, domain.StatusPending, domain.StatusConflict, domain.StatusFailed:
	default:
		response.BadRequest(w, "unknown status filter")
		return
	}

	pairs, err := h.syncService.ListPairs(r.Context(), status)
	if err != nil {
		response.InternalError(w, "failed to list sync pairs")
		return
	}

	response.Success(w, map[string]interface{}{
		"status": status,
		"pairs":  pairs,
	})
}
