package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/repository"
)

// ErrAlreadyResolved is returned when resolve is called on a conflict that
// already has a permanent decision.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// ErrNotAwaitingDecision is returned when resolve targets a conflict the
// automatic rules have not yet escalated.
var ErrNotAwaitingDecision = errors.New("conflict is not awaiting a decision")

// ResolverService owns the ConflictRecord state machine:
// open -> {auto_resolved, awaiting_decision} -> resolved. Decisions are
// permanent and carry the resolving actor for audit; no conflict is ever
// silently discarded.
type ResolverService struct {
	conflicts repository.ConflictRepository
	policies  map[string]domain.FieldPolicy

	// autoResolveAfter, when positive, closes awaiting_decision conflicts
	// whose fields are all system-managed once they have sat unanswered
	// this long. Zero disables the sweep.
	autoResolveAfter time.Duration

	logger *log.Logger
	now    func() time.Time
}

func NewResolverService(
	conflicts repository.ConflictRepository,
	policies map[string]domain.FieldPolicy,
	autoResolveAfter time.Duration,
	logger *log.Logger,
) *ResolverService {
	if logger == nil {
		logger = log.Default()
	}
	return &ResolverService{
		conflicts:        conflicts,
		policies:         policies,
		autoResolveAfter: autoResolveAfter,
		logger:           logger.With("component", "resolver"),
		now:              time.Now,
	}
}

// Open records a new conflict for a pair, or returns the existing open
// record: at most one unresolved conflict may exist per pair.
func (s *ResolverService) Open(ctx context.Context, pair *domain.SyncPair, fields []domain.FieldConflict) (*domain.ConflictRecord, error) {
	existing, err := s.conflicts.GetOpenByPair(ctx, pair.Key())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrConflictNotFound) {
		return nil, err
	}

	rec := &domain.ConflictRecord{
		ID:         uuid.New().String(),
		PairKey:    pair.Key(),
		LocalID:    pair.LocalID,
		EntityType: pair.EntityType,
		Fields:     fields,
		State:      domain.ConflictOpen,
		Resolution: domain.ResolutionPending,
		DetectedAt: s.now(),
	}
	if err := s.conflicts.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("conflict opened", "conflict_id", rec.ID, "pair", rec.PairKey, "fields", len(fields))
	return rec, nil
}

// ResolveAutomatic runs the rule chain over an open conflict. Rules are
// tried per field, first match wins: a populated value beats an empty one,
// system-managed fields take the remote value, user-authored fields take the
// local value. If every field resolves, the record closes as a system
// decision and the accepted values are returned; otherwise the record
// transitions to awaiting_decision for a human approver.
func (s *ResolverService) ResolveAutomatic(ctx context.Context, rec *domain.ConflictRecord) (bool, error) {
	if rec.State == domain.ConflictResolved {
		return false, ErrAlreadyResolved
	}

	merged := make(map[string]string, len(rec.Fields))
	localWins, remoteWins := 0, 0
	for _, fc := range rec.Fields {
		value, side, ok := s.decideField(fc)
		if !ok {
			rec.State = domain.ConflictAwaitingDecision
			if err := s.conflicts.Update(ctx, rec); err != nil {
				return false, err
			}
			s.logger.Info("conflict awaiting decision", "conflict_id", rec.ID, "pair", rec.PairKey, "field", fc.Field)
			return false, nil
		}
		merged[fc.Field] = value
		if side == domain.ResolutionLocalWins {
			localWins++
		} else {
			remoteWins++
		}
	}

	resolution := domain.ResolutionMerged
	switch {
	case remoteWins == 0:
		resolution = domain.ResolutionLocalWins
	case localWins == 0:
		resolution = domain.ResolutionRemoteWins
	}

	s.close(rec, resolution, merged, "auto-rule", domain.ActorSystem)
	if err := s.conflicts.Update(ctx, rec); err != nil {
		return false, err
	}

	s.logger.Info("conflict auto-resolved",
		"conflict_id", rec.ID, "pair", rec.PairKey, "resolution", resolution)
	return true, nil
}

// decideField applies the automatic rules to one field. The second return
// names the winning side for resolution bookkeeping.
func (s *ResolverService) decideField(fc domain.FieldConflict) (string, domain.Resolution, bool) {
	localEmpty := strings.TrimSpace(fc.LocalValue) == ""
	remoteEmpty := strings.TrimSpace(fc.RemoteValue) == ""

	switch {
	case localEmpty && !remoteEmpty:
		return fc.RemoteValue, domain.ResolutionRemoteWins, true
	case remoteEmpty && !localEmpty:
		return fc.LocalValue, domain.ResolutionLocalWins, true
	}

	switch s.policies[fc.Field] {
	case domain.FieldPolicySystemManaged:
		return fc.RemoteValue, domain.ResolutionRemoteWins, true
	case domain.FieldPolicyUserAuthored:
		return fc.LocalValue, domain.ResolutionLocalWins, true
	}

	return "", "", false
}

// Resolve closes an awaiting_decision conflict with a human decision. It is
// the only legal way out of awaiting_decision; calling it on a resolved
// record fails with ErrAlreadyResolved.
func (s *ResolverService) Resolve(ctx context.Context, conflictID string, req *domain.ResolveConflictRequest) (*domain.ConflictRecord, error) {
	rec, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.State == domain.ConflictResolved {
		return nil, ErrAlreadyResolved
	}
	if rec.State != domain.ConflictAwaitingDecision {
		return nil, ErrNotAwaitingDecision
	}

	merged := make(map[string]string, len(rec.Fields))
	switch req.Resolution {
	case domain.ResolutionLocalWins:
		for _, fc := range rec.Fields {
			merged[fc.Field] = fc.LocalValue
		}
	case domain.ResolutionRemoteWins:
		for _, fc := range rec.Fields {
			merged[fc.Field] = fc.RemoteValue
		}
	case domain.ResolutionMerged:
		for _, fc := range rec.Fields {
			value, ok := req.MergedValues[fc.Field]
			if !ok {
				return nil, fmt.Errorf("merged resolution missing value for field %q", fc.Field)
			}
			merged[fc.Field] = value
		}
	default:
		return nil, fmt.Errorf("unknown resolution %q", req.Resolution)
	}

	s.close(rec, req.Resolution, merged, req.Actor, domain.ActorHuman)
	if err := s.conflicts.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		"conflict_id", rec.ID, "pair", rec.PairKey,
		"resolution", req.Resolution, "actor", req.Actor, "resolved_at", *rec.ResolvedAt)
	return rec, nil
}

// SweepTimeouts auto-resolves awaiting_decision conflicts that have aged
// past the configured window and whose fields are all system-managed, the
// one field class where unattended auto-approval is safe. Disabled unless
// configured.
func (s *ResolverService) SweepTimeouts(ctx context.Context) ([]*domain.ConflictRecord, error) {
	if s.autoResolveAfter <= 0 {
		return nil, nil
	}

	waiting, err := s.conflicts.ListByState(ctx, domain.ConflictAwaitingDecision)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.autoResolveAfter)
	var swept []*domain.ConflictRecord
	for _, rec := range waiting {
		if rec.DetectedAt.After(cutoff) || !s.allSystemManaged(rec) {
			continue
		}

		merged := make(map[string]string, len(rec.Fields))
		for _, fc := range rec.Fields {
			merged[fc.Field] = fc.RemoteValue
		}
		s.close(rec, domain.ResolutionRemoteWins, merged, "timeout-rule", domain.ActorSystem)
		if err := s.conflicts.Update(ctx, rec); err != nil {
			return swept, err
		}

		s.logger.Warn("conflict auto-resolved by timeout",
			"conflict_id", rec.ID, "pair", rec.PairKey, "age", s.now().Sub(rec.DetectedAt))
		swept = append(swept, rec)
	}

	return swept, nil
}

func (s *ResolverService) allSystemManaged(rec *domain.ConflictRecord) bool {
	for _, fc := range rec.Fields {
		if s.policies[fc.Field] != domain.FieldPolicySystemManaged {
			return false
		}
	}
	return len(rec.Fields) > 0
}

func (s *ResolverService) close(rec *domain.ConflictRecord, resolution domain.Resolution, merged map[string]string, actor string, kind domain.ActorKind) {
	now := s.now()
	rec.State = domain.ConflictResolved
	rec.Resolution = resolution
	rec.MergedValues = merged
	rec.ResolvedBy = actor
	rec.ResolvedByKind = kind
	rec.ResolvedAt = &now
}

// ListAwaiting returns the conflicts surfaced to the manual-decision UI.
func (s *ResolverService) ListAwaiting(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return s.conflicts.ListByState(ctx, domain.ConflictAwaitingDecision)
}

// Get exposes a single record for the decision surface.
func (s *ResolverService) Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error) {
	return s.conflicts.Get(ctx, conflictID)
}
