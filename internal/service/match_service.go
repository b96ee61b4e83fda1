package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/repository"
)

// Broadcaster pushes sync lifecycle events to connected dashboard clients.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// MatchService holds the ambiguous and low-confidence candidates queued for
// manual linking. Candidates are transient: they live in memory for the
// decision window only and are never mutated, just accepted or discarded.
type MatchService struct {
	ledger repository.LedgerRepository
	events Broadcaster
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*domain.MatchCandidate
}

func NewMatchService(ledger repository.LedgerRepository, events Broadcaster, logger *log.Logger) *MatchService {
	if logger == nil {
		logger = log.Default()
	}
	return &MatchService{
		ledger:  ledger,
		events:  events,
		logger:  logger.With("component", "match"),
		now:     time.Now,
		pending: make(map[string]*domain.MatchCandidate),
	}
}

// Enqueue queues candidates for a human decision and notifies the surface.
func (s *MatchService) Enqueue(cands ...*domain.MatchCandidate) {
	if len(cands) == 0 {
		return
	}

	s.mu.Lock()
	for _, c := range cands {
		s.pending[c.ID] = c
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Broadcast("match_pending", cands)
	}
	s.logger.Info("match candidates queued for manual linking", "count", len(cands))
}

// ListPending returns the open manual-linking queue, oldest first.
func (s *MatchService) ListPending() []*domain.MatchCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.MatchCandidate, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Confirm accepts a candidate, creating the pending SyncPair that links the
// local entity to the chosen CRM record. Every other candidate for the same
// source entity is discarded: the decision window is closed.
func (s *MatchService) Confirm(ctx context.Context, candidateID, actor string) (*domain.SyncPair, error) {
	s.mu.Lock()
	cand, ok := s.pending[candidateID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrCandidateNotFound
	}

	now := s.now()
	pair := &domain.SyncPair{
		LocalID:     cand.SourceID,
		RemoteID:    cand.TargetID,
		EntityType:  cand.EntityType,
		Direction:   domain.DirectionBidirectional,
		Status:      domain.StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// A pair may already exist from an earlier confirmation retry; keep the
	// stored one so the confirm is idempotent.
	if existing, err := s.ledger.Get(ctx, cand.EntityType, cand.SourceID); err == nil {
		s.discardSource(cand.SourceID)
		return existing, nil
	}

	if err := s.ledger.Upsert(ctx, pair); err != nil {
		return nil, err
	}
	s.discardSource(cand.SourceID)

	s.logger.Info("match confirmed",
		"candidate_id", candidateID, "local_id", cand.SourceID,
		"remote_id", cand.TargetID, "actor", actor)
	return pair, nil
}

// Reject discards a candidate without linking.
func (s *MatchService) Reject(candidateID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cand, ok := s.pending[candidateID]
	if !ok {
		return ErrCandidateNotFound
	}
	delete(s.pending, candidateID)

	s.logger.Info("match rejected",
		"candidate_id", candidateID, "local_id", cand.SourceID, "actor", actor)
	return nil
}

// HasPending reports whether a source entity already sits in the manual
// queue, so repeated cycles do not enqueue duplicates.
func (s *MatchService) HasPending(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.pending {
		if c.SourceID == sourceID {
			return true
		}
	}
	return false
}

func (s *MatchService) discardSource(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.pending {
		if c.SourceID == sourceID {
			delete(s.pending, id)
		}
	}
}
