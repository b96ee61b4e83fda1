package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/service"
	"meetsync-server/pkg/response"
)

type MatchHandler struct {
	matchService *service.MatchService
	validate     *validator.Validate
}

func NewMatchHandler(matchService *service.MatchService) *MatchHandler {
	return &MatchHandler{
		matchService: matchService,
		validate:     validator.New(),
	}
}

// ListPending returns the manual-linking queue, oldest first.
func (h *MatchHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.matchService.ListPending())
}

// Confirm accepts a queued candidate and creates its sync pair.
func (h *MatchHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	candidateID := mux.Vars(r)["id"]

	var req domain.ConfirmMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	pair, err := h.matchService.Confirm(r.Context(), candidateID, req.Actor)
	if err != nil {
		if errors.Is(err, service.ErrCandidateNotFound) {
			response.NotFound(w, "match candidate not found")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.Created(w, pair)
}

// Reject discards a queued candidate without creating a pair.
func (h *MatchHandler) Reject(w http.ResponseWriter, r *http.Request) {
	candidateID := mux.Vars(r)["id"]

	var req domain.ConfirmMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.matchService.Reject(candidateID, req.Actor); err != nil {
		if errors.Is(err, service.ErrCandidateNotFound) {
			response.NotFound(w, "match candidate not found")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, map[string]string{"status": "rejected"})
}
