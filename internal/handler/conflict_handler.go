package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/repository"
	"meetsync-server/internal/service"
	"meetsync-server/pkg/response"
)

type ConflictHandler struct {
	syncService *service.SyncService
	resolver    *service.ResolverService
	validate    *validator.Validate
}

func NewConflictHandler(syncService *service.SyncService, resolver *service.ResolverService) *ConflictHandler {
	return &ConflictHandler{
		syncService: syncService,
		resolver:    resolver,
		validate:    validator.New(),
	}
}

// List returns the conflicts waiting on a human decision.
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.resolver.ListAwaiting(r.Context())
	if err != nil {
		response.InternalError(w, "failed to list conflicts")
		return
	}

	response.Success(w, conflicts)
}

func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	conflictID := mux.Vars(r)["id"]

	rec, err := h.resolver.Get(r.Context(), conflictID)
	if err != nil {
		if errors.Is(err, repository.ErrConflictNotFound) {
			response.NotFound(w, "conflict not found")
			return
		}
		response.InternalError(w, "failed to load conflict")
		return
	}

	response.Success(w, rec)
}

// Resolve closes an awaiting_decision conflict and commits the accepted
// values to both stores.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	conflictID := mux.Vars(r)["id"]

	var req domain.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if req.Resolution == domain.ResolutionMerged && len(req.MergedValues) == 0 {
		response.BadRequest(w, "merged resolution requires merged_values")
		return
	}

	rec, err := h.syncService.ResolveConflict(r.Context(), conflictID, &req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflictNotFound):
			response.NotFound(w, "conflict not found")
		case errors.Is(err, service.ErrAlreadyResolved):
			response.Conflict(w, "conflict already resolved")
		case errors.Is(err, service.ErrNotAwaitingDecision):
			response.Conflict(w, "conflict is not awaiting a decision")
		default:
			response.InternalError(w, err.Error())
		}
		return
	}

	response.Success(w, rec)
}
