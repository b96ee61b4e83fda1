package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"meetsync-server/internal/crm"
	"meetsync-server/internal/domain"
	"meetsync-server/internal/fingerprint"
	"meetsync-server/internal/match"
	"meetsync-server/internal/repository"
	"meetsync-server/pkg/backoff"
)

const (
	remoteCursorName = "remote"
	localCursorName  = "local"
)

// OrchestratorConfig wires the sync service. A struct because the
// orchestrator touches every other component.
type OrchestratorConfig struct {
	Ledger    repository.LedgerRepository
	Conflicts repository.ConflictRepository
	Entities  repository.EntityRepository
	Remote    crm.Client
	Detector  *DetectorService
	Resolver  *ResolverService
	Scorer    *match.Scorer
	Matches   *MatchService
	Hashers   map[domain.EntityType]*fingerprint.Hasher
	Limiter   *rate.Limiter
	Backoff   backoff.Policy
	Events    Broadcaster
	Logger    *log.Logger

	// Workers bounds cycle concurrency. Pairs are partitioned by local ID
	// so no two workers ever process the same local entity at once.
	Workers int
}

// SyncService drives the reconciliation cycle: pull remote deltas, push
// local deltas, classify every pair, resolve or surface conflicts, and keep
// the ledger consistent. Re-running a cycle against unchanged state is a
// no-op; that idempotence is the engine's core correctness property.
type SyncService struct {
	ledger    repository.LedgerRepository
	conflicts repository.ConflictRepository
	entities  repository.EntityRepository
	remote    crm.Client
	detector  *DetectorService
	resolver  *ResolverService
	scorer    *match.Scorer
	matches   *MatchService
	hashers   map[domain.EntityType]*fingerprint.Hasher
	limiter   *rate.Limiter
	policy    backoff.Policy
	events    Broadcaster
	logger    *log.Logger
	workers   int
	now       func() time.Time

	trigger chan struct{}

	mu        sync.Mutex
	cycling   bool
	lastCycle *domain.CycleReport
}

func NewSyncService(cfg OrchestratorConfig) *SyncService {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &SyncService{
		ledger:    cfg.Ledger,
		conflicts: cfg.Conflicts,
		entities:  cfg.Entities,
		remote:    cfg.Remote,
		detector:  cfg.Detector,
		resolver:  cfg.Resolver,
		scorer:    cfg.Scorer,
		matches:   cfg.Matches,
		hashers:   cfg.Hashers,
		limiter:   limiter,
		policy:    cfg.Backoff,
		events:    cfg.Events,
		logger:    logger.With("component", "orchestrator"),
		workers:   workers,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// Run executes cycles on a fixed interval until the context is cancelled.
// TriggerSync schedules an immediate extra cycle.
func (s *SyncService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started", "interval", interval, "workers", s.workers)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sync cycle failed", "err", err)
		}
	}
}

// TriggerSync requests an immediate cycle, e.g. right after a local entity
// was modified. Coalesces when one is already queued.
func (s *SyncService) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// workItem is one pair plus whichever snapshots the delta fetch already
// produced for it.
type workItem struct {
	pair   *domain.SyncPair
	local  *domain.LocalSnapshot
	remote *domain.RemoteSnapshot
}

// RunCycle performs one full reconciliation pass. Cycles never overlap.
func (s *SyncService) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	s.mu.Lock()
	if s.cycling {
		s.mu.Unlock()
		return nil, errors.New("sync cycle already running")
	}
	s.cycling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cycling = false
		s.mu.Unlock()
	}()

	started := s.now()
	report := &domain.CycleReport{JobID: uuid.New().String(), StartedAt: started}
	s.logger.Info("sync cycle started", "job_id", report.JobID)

	// 1. Remote deltas since the last committed cursor.
	cursor, err := s.ledger.GetCursor(ctx, remoteCursorName)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	remoteSnaps, nextCursor, err := s.remote.FetchChangedSince(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote deltas: %w", err)
	}
	report.RemoteDelta = len(remoteSnaps)

	// 2. Local deltas since the last cycle.
	localSince, err := s.localCursor(ctx)
	if err != nil {
		return nil, err
	}
	localSnaps, err := s.entities.FetchChangedSince(ctx, localSince)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch local deltas: %w", err)
	}
	report.LocalDelta = len(localSnaps)

	items, err := s.collectWork(ctx, localSnaps, remoteSnaps, report)
	if err != nil {
		return nil, err
	}

	// 3. Process pairs concurrently, partitioned by local ID so the
	// read-then-write ledger sequence for one entity is never interleaved.
	if err := s.processAll(ctx, items, report); err != nil {
		return report, err
	}

	// 4. Timeout sweep for stale awaiting_decision conflicts, when enabled.
	swept, err := s.resolver.SweepTimeouts(ctx)
	if err != nil {
		s.logger.Error("timeout sweep failed", "err", err)
	}
	for _, rec := range swept {
		if err := s.commitResolution(ctx, rec); err != nil {
			s.logger.Error("failed to commit swept resolution", "conflict_id", rec.ID, "err", err)
		} else {
			report.Resolved++
		}
	}

	// 5. Cursors advance only after the cycle completed; a cancelled or
	// failed cycle re-reads the same deltas next time.
	if err := s.ledger.SetCursor(ctx, remoteCursorName, nextCursor); err != nil {
		return report, err
	}
	if err := s.ledger.SetCursor(ctx, localCursorName, strconv.FormatInt(started.Unix(), 10)); err != nil {
		return report, err
	}

	report.FinishedAt = s.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	s.mu.Lock()
	s.lastCycle = report
	s.mu.Unlock()

	s.logger.Info("sync cycle finished",
		"job_id", report.JobID, "duration", report.Duration,
		"pushed", report.Pushed, "pulled", report.Pulled, "created", report.Created,
		"conflicts", report.Conflicts, "failed", report.Failed)
	s.broadcast("cycle_complete", report)
	return report, nil
}

func (s *SyncService) localCursor(ctx context.Context) (time.Time, error) {
	raw, err := s.ledger.GetCursor(ctx, localCursorName)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed local cursor %q: %w", raw, err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

// collectWork builds the cycle's work set: due pairs, pairs touched by a
// delta on either side, and brand-new local entities routed through the
// scorer.
func (s *SyncService) collectWork(ctx context.Context, localSnaps []*domain.LocalSnapshot, remoteSnaps []*domain.RemoteSnapshot, report *domain.CycleReport) (map[string]*workItem, error) {
	items := make(map[string]*workItem)
	now := s.now()

	upsertItem := func(pair *domain.SyncPair) *workItem {
		item, ok := items[pair.Key()]
		if !ok {
			item = &workItem{pair: pair}
			items[pair.Key()] = item
		}
		return item
	}

	// Pairs already scheduled for this cycle (pending retries). Failed
	// pairs are returned too but stay terminal until manual intervention.
	due, err := s.ledger.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, pair := range due {
		if pair.Status == domain.StatusFailed {
			continue
		}
		upsertItem(pair)
	}

	// Remote deltas onto their pairs.
	for _, snap := range remoteSnaps {
		pair, err := s.ledger.GetByRemote(ctx, snap.Type, snap.ID)
		if err != nil {
			if errors.Is(err, repository.ErrPairNotFound) {
				// Remote record with no local counterpart; out of scope
				// until a local entity matches against it.
				continue
			}
			return nil, err
		}
		upsertItem(pair).remote = snap
	}

	// Local deltas: attach to existing pairs, or run matching for entities
	// that have none yet.
	for _, snap := range localSnaps {
		if err := validateLocal(snap, s.hashers); err != nil {
			s.logger.Warn("rejected malformed local entity", "err", err)
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		pair, err := s.ledger.Get(ctx, snap.Type, snap.ID)
		if err == nil {
			upsertItem(pair).local = snap
			continue
		}
		if !errors.Is(err, repository.ErrPairNotFound) {
			return nil, err
		}

		newPair := s.matchNew(snap, remoteSnaps, report)
		if newPair != nil {
			upsertItem(newPair).local = snap
		}
	}

	return items, nil
}

// matchNew links an unpaired local entity. A clear scorer winner creates a
// pending pair; near-ties are queued for manual linking, never guessed; no
// candidates at all means the entity is new to the CRM and a create-pending
// pair is opened.
func (s *SyncService) matchNew(snap *domain.LocalSnapshot, remoteSnaps []*domain.RemoteSnapshot, report *domain.CycleReport) *domain.SyncPair {
	if s.matches.HasPending(snap.ID) {
		return nil
	}

	pool := candidatePool(snap.Type, remoteSnaps)
	cands := s.scorer.Score(signalsFromLocal(snap), pool)

	now := s.now()
	pair := &domain.SyncPair{
		LocalID:     snap.ID,
		EntityType:  snap.Type,
		Direction:   domain.DirectionBidirectional,
		Status:      domain.StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if len(cands) == 0 {
		// No plausible counterpart: the pair starts without a remote ID
		// and the cycle creates the CRM record.
		return pair
	}

	top := cands[0]
	if top.Ambiguous {
		queue := make([]*domain.MatchCandidate, 0, len(cands))
		for i := range cands {
			if cands[i].Ambiguous {
				c := cands[i]
				c.ID = uuid.New().String()
				c.CreatedAt = now
				queue = append(queue, &c)
			}
		}
		s.matches.Enqueue(queue...)
		report.Ambiguous++
		return nil
	}

	pair.RemoteID = top.TargetID
	report.Matched++
	s.logger.Info("matched local entity to CRM record",
		"local_id", snap.ID, "remote_id", top.TargetID,
		"tier", top.Tier, "confidence", top.Confidence)
	return pair
}

func (s *SyncService) processAll(ctx context.Context, items map[string]*workItem, report *domain.CycleReport) error {
	if len(items) == 0 {
		return nil
	}

	buckets := make([][]*workItem, s.workers)
	for _, item := range items {
		h := fnv.New32a()
		h.Write([]byte(item.pair.LocalID))
		idx := int(h.Sum32()) % s.workers
		if idx < 0 {
			idx += s.workers
		}
		buckets[idx] = append(buckets[idx], item)
	}

	var reportMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		bucket := bucket
		g.Go(func() error {
			for _, item := range bucket {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.processPair(gctx, item, report, &reportMu); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// processPair reconciles one pair. Ledger hashes move only inside
// commitPair, after the corresponding data write succeeded, so cancellation
// mid-flight leaves the pair either fully committed or untouched.
func (s *SyncService) processPair(ctx context.Context, item *workItem, report *domain.CycleReport, reportMu *sync.Mutex) error {
	pair := item.pair

	count := func(field *int) {
		reportMu.Lock()
		*field++
		reportMu.Unlock()
	}

	if pair.PendingResolutionID != "" {
		// A decision was made but its accepted values are not confirmed
		// on both stores yet. Finish that commit before any
		// classification; the stale ledger hashes would otherwise route
		// the pair as a plain edit and override the decision.
		rec, err := s.conflicts.Get(ctx, pair.PendingResolutionID)
		if err != nil {
			return err
		}
		return s.retryResolution(ctx, rec, report, reportMu)
	}

	if pair.Status == domain.StatusConflict {
		if _, err := s.conflicts.GetOpenByPair(ctx, pair.Key()); err == nil {
			// Parked until a decision arrives through the decision
			// surface.
			count(&report.Conflicts)
			return nil
		} else if !errors.Is(err, repository.ErrConflictNotFound) {
			return err
		}
		// Parked with no open record: a decision exists but the ledger
		// stamp never landed. Recover the record and finish the commit.
		rec, err := s.conflicts.LatestResolvedByPair(ctx, pair.Key())
		if err != nil {
			if errors.Is(err, repository.ErrConflictNotFound) {
				s.logger.Warn("conflict pair has no record, leaving parked", "pair", pair.Key())
				count(&report.Conflicts)
				return nil
			}
			return err
		}
		return s.retryResolution(ctx, rec, report, reportMu)
	}

	local := item.local
	if local == nil {
		snap, err := s.entities.Get(ctx, pair.EntityType, pair.LocalID)
		if err != nil {
			if errors.Is(err, repository.ErrEntityNotFound) {
				return s.failPair(ctx, pair, "local entity missing", report, reportMu)
			}
			return err
		}
		local = snap
	}

	// First push: the CRM record does not exist yet.
	if pair.RemoteID == "" {
		return s.pushCreate(ctx, pair, local, report, reportMu)
	}

	result, err := s.detector.Classify(pair, local, item.remote)
	if err != nil {
		return err
	}

	switch result.Class {
	case ClassUnchanged:
		if pair.Status != domain.StatusSynced {
			pair.Status = domain.StatusSynced
			pair.RetryCount = 0
			pair.LastError = ""
			pair.UpdatedAt = s.now()
			if err := s.ledger.Upsert(ctx, pair); err != nil {
				return err
			}
		}
		count(&report.Unchanged)
		return nil

	case ClassLocalAhead:
		if err := s.pushLocal(ctx, pair, local, result.LocalChanged); err != nil {
			return s.handleIOError(ctx, pair, err, report, reportMu)
		}
		count(&report.Pushed)
		return nil

	case ClassRemoteAhead:
		if err := s.pullRemote(ctx, pair, local, item.remote, result.RemoteChanged); err != nil {
			return s.handleIOError(ctx, pair, err, report, reportMu)
		}
		count(&report.Pulled)
		return nil

	case ClassBothAhead:
		// Disjoint edits: push ours, pull theirs, no conflict.
		if err := s.pushPullDisjoint(ctx, pair, local, item.remote, result); err != nil {
			return s.handleIOError(ctx, pair, err, report, reportMu)
		}
		count(&report.Pushed)
		count(&report.Pulled)
		return nil

	case ClassConflict:
		return s.openConflict(ctx, pair, local, item.remote, result, report, reportMu)
	}

	return nil
}

func (s *SyncService) pushCreate(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, report *domain.CycleReport, reportMu *sync.Mutex) error {
	if !pair.CanPush() {
		// Pull-only pair with no remote counterpart: nothing to do until
		// a remote record appears and is matched.
		return nil
	}

	fields := syncFields(local.Fields, s.hashers[pair.EntityType])
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	remoteID, err := s.remote.Create(ctx, pair.EntityType, fields)
	if err != nil {
		return s.handleIOError(ctx, pair, err, report, reportMu)
	}

	pair.RemoteID = remoteID
	if err := s.commitPair(ctx, pair, local.Fields); err != nil {
		return err
	}
	_ = s.entities.ClearDirty(ctx, pair.EntityType, pair.LocalID)

	reportMu.Lock()
	report.Created++
	reportMu.Unlock()
	s.broadcast("pair_synced", pair)
	return nil
}

func (s *SyncService) pushLocal(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, changed []string) error {
	if !pair.CanPush() {
		// Push disallowed by direction; accept the local state into the
		// ledger so the same edit does not resurface every cycle.
		return s.commitPair(ctx, pair, local.Fields)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.remote.Update(ctx, pair.RemoteID, pair.EntityType, pick(local.Fields, changed)); err != nil {
		return err
	}

	if err := s.commitPair(ctx, pair, local.Fields); err != nil {
		return err
	}
	_ = s.entities.ClearDirty(ctx, pair.EntityType, pair.LocalID)
	s.broadcast("pair_synced", pair)
	return nil
}

func (s *SyncService) pullRemote(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, remote *domain.RemoteSnapshot, changed []string) error {
	final := overlay(local.Fields, pick(remote.Fields, changed))

	if !pair.CanPull() {
		return s.commitPair(ctx, pair, final)
	}

	if err := s.entities.ApplyRemoteUpdate(ctx, pair.EntityType, pair.LocalID, pick(remote.Fields, changed)); err != nil {
		return err
	}
	if err := s.commitPair(ctx, pair, final); err != nil {
		return err
	}
	s.broadcast("pair_synced", pair)
	return nil
}

func (s *SyncService) pushPullDisjoint(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, remote *domain.RemoteSnapshot, result *DetectResult) error {
	if pair.CanPush() {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.remote.Update(ctx, pair.RemoteID, pair.EntityType, pick(local.Fields, result.LocalChanged)); err != nil {
			return err
		}
	}

	pulled := pick(remote.Fields, result.RemoteChanged)
	if pair.CanPull() {
		if err := s.entities.ApplyRemoteUpdate(ctx, pair.EntityType, pair.LocalID, pulled); err != nil {
			return err
		}
	}

	if err := s.commitPair(ctx, pair, overlay(local.Fields, pulled)); err != nil {
		return err
	}
	_ = s.entities.ClearDirty(ctx, pair.EntityType, pair.LocalID)
	s.broadcast("pair_synced", pair)
	return nil
}

func (s *SyncService) openConflict(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, remote *domain.RemoteSnapshot, result *DetectResult, report *domain.CycleReport, reportMu *sync.Mutex) error {
	rec, err := s.resolver.Open(ctx, pair, result.Conflicting)
	if err != nil {
		return err
	}

	resolved, err := s.resolver.ResolveAutomatic(ctx, rec)
	if err != nil {
		return err
	}

	if resolved {
		if err := s.applyMerged(ctx, pair, local, remote, result, rec.MergedValues); err != nil {
			return s.handleIOError(ctx, pair, err, report, reportMu)
		}
		reportMu.Lock()
		report.Resolved++
		reportMu.Unlock()
		s.broadcast("conflict_resolved", rec)
		return nil
	}

	pair.Status = domain.StatusConflict
	pair.UpdatedAt = s.now()
	if err := s.ledger.Upsert(ctx, pair); err != nil {
		return err
	}

	reportMu.Lock()
	report.Conflicts++
	reportMu.Unlock()
	s.broadcast("conflict_detected", rec)
	return nil
}

// applyMerged commits an accepted value set both ways, together with each
// side's non-conflicting edits.
func (s *SyncService) applyMerged(ctx context.Context, pair *domain.SyncPair, local *domain.LocalSnapshot, remote *domain.RemoteSnapshot, result *DetectResult, merged map[string]string) error {
	conflictSet := make(map[string]bool, len(result.Conflicting))
	for _, fc := range result.Conflicting {
		conflictSet[fc.Field] = true
	}

	toRemote := map[string]string{}
	for _, field := range result.LocalChanged {
		if !conflictSet[field] {
			toRemote[field] = local.Fields[field]
		}
	}
	toLocal := map[string]string{}
	if remote != nil {
		for _, field := range result.RemoteChanged {
			if !conflictSet[field] {
				toLocal[field] = remote.Fields[field]
			}
		}
	}
	for field, value := range merged {
		toRemote[field] = value
		toLocal[field] = value
	}

	if pair.CanPush() && len(toRemote) > 0 {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.remote.Update(ctx, pair.RemoteID, pair.EntityType, toRemote); err != nil {
			return err
		}
	}
	if pair.CanPull() && len(toLocal) > 0 {
		if err := s.entities.ApplyRemoteUpdate(ctx, pair.EntityType, pair.LocalID, toLocal); err != nil {
			return err
		}
	}

	final := overlay(overlay(local.Fields, toLocal), merged)
	if err := s.commitPair(ctx, pair, final); err != nil {
		return err
	}
	_ = s.entities.ClearDirty(ctx, pair.EntityType, pair.LocalID)
	return nil
}

// commitPair records a successful reconciliation: both hashes captured
// atomically with the confirmed write, retry state cleared. This is the only
// place ledger hashes move.
func (s *SyncService) commitPair(ctx context.Context, pair *domain.SyncPair, finalFields map[string]string) error {
	h, ok := s.hashers[pair.EntityType]
	if !ok {
		return fmt.Errorf("no fingerprint rules configured for entity type %q", pair.EntityType)
	}

	digest := h.Sum(finalFields)
	fieldDigests := h.FieldDigests(finalFields)

	pair.LocalHash = digest
	pair.RemoteHash = digest
	pair.LocalFieldHashes = fieldDigests
	pair.RemoteFieldHashes = fieldDigests
	pair.Status = domain.StatusSynced
	pair.RetryCount = 0
	pair.LastError = ""
	pair.PendingResolutionID = ""
	pair.UpdatedAt = s.now()

	return s.ledger.Upsert(ctx, pair)
}

// handleIOError routes a failed remote or local write onto the retry or
// terminal path. Cancellation leaves the pair untouched; the cycle will
// re-read the same state next time.
func (s *SyncService) handleIOError(ctx context.Context, pair *domain.SyncPair, ioErr error, report *domain.CycleReport, reportMu *sync.Mutex) error {
	if errors.Is(ioErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ioErr
	}

	now := s.now()
	pair.LastError = ioErr.Error()
	pair.UpdatedAt = now

	if crm.IsTransient(ioErr) {
		pair.RetryCount++
		if s.policy.Exhausted(pair.RetryCount) {
			pair.Status = domain.StatusFailed
			s.logger.Error("pair failed after exhausting retries",
				"pair", pair.Key(), "retries", pair.RetryCount, "err", ioErr)
		} else {
			pair.Status = domain.StatusPending
			pair.NextRetryAt = s.policy.NextRetryAt(now, pair.RetryCount)
			s.logger.Warn("transient sync failure, scheduled retry",
				"pair", pair.Key(), "retry", pair.RetryCount,
				"next_retry_at", pair.NextRetryAt, "err", ioErr)
		}
	} else {
		pair.Status = domain.StatusFailed
		s.logger.Error("permanent sync failure, manual remediation required",
			"pair", pair.Key(), "err", ioErr)
	}

	if err := s.ledger.Upsert(ctx, pair); err != nil {
		return err
	}

	reportMu.Lock()
	report.Failed++
	report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pair.Key(), ioErr))
	reportMu.Unlock()
	return nil
}

func (s *SyncService) failPair(ctx context.Context, pair *domain.SyncPair, reason string, report *domain.CycleReport, reportMu *sync.Mutex) error {
	pair.Status = domain.StatusFailed
	pair.LastError = reason
	pair.UpdatedAt = s.now()
	if err := s.ledger.Upsert(ctx, pair); err != nil {
		return err
	}

	reportMu.Lock()
	report.Failed++
	reportMu.Unlock()
	return nil
}

// ResolveConflict closes an awaiting_decision conflict with a human
// decision and commits the accepted values to both stores.
func (s *SyncService) ResolveConflict(ctx context.Context, conflictID string, req *domain.ResolveConflictRequest) (*domain.ConflictRecord, error) {
	rec, err := s.resolver.Resolve(ctx, conflictID, req)
	if err != nil {
		return nil, err
	}

	if err := s.commitResolution(ctx, rec); err != nil {
		// The decision is permanent either way; the pair carries the
		// resolution ID and later cycles re-drive this commit until the
		// accepted values land on both sides.
		s.logger.Error("failed to commit resolution, deferring to next cycle",
			"conflict_id", rec.ID, "err", err)
	}

	s.broadcast("conflict_resolved", rec)
	return rec, nil
}

// commitResolution writes a resolved conflict's accepted values to both
// sides and releases the pair from conflict status. The pair is stamped
// with the resolution ID before either store is touched, so a failure at
// any later point leaves a durable marker that routes the pair back here
// on subsequent cycles instead of through classification.
func (s *SyncService) commitResolution(ctx context.Context, rec *domain.ConflictRecord) error {
	pair, err := s.ledger.Get(ctx, rec.EntityType, rec.LocalID)
	if err != nil {
		return err
	}

	if pair.PendingResolutionID != rec.ID {
		pair.PendingResolutionID = rec.ID
		pair.Status = domain.StatusPending
		pair.NextRetryAt = s.now()
		pair.UpdatedAt = s.now()
		if err := s.ledger.Upsert(ctx, pair); err != nil {
			return err
		}
	}

	local, err := s.entities.Get(ctx, rec.EntityType, rec.LocalID)
	if err != nil {
		return s.releaseForRetry(ctx, pair, err)
	}

	if pair.CanPull() {
		if err := s.entities.ApplyRemoteUpdate(ctx, rec.EntityType, rec.LocalID, rec.MergedValues); err != nil {
			return s.releaseForRetry(ctx, pair, err)
		}
	}
	if pair.CanPush() && pair.RemoteID != "" {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.remote.Update(ctx, pair.RemoteID, pair.EntityType, rec.MergedValues); err != nil {
			return s.releaseForRetry(ctx, pair, err)
		}
	}

	if err := s.commitPair(ctx, pair, overlay(local.Fields, rec.MergedValues)); err != nil {
		return err
	}
	_ = s.entities.ClearDirty(ctx, pair.EntityType, pair.LocalID)
	return nil
}

// retryResolution re-drives an uncommitted resolution from within a cycle,
// folding the outcome into the report.
func (s *SyncService) retryResolution(ctx context.Context, rec *domain.ConflictRecord, report *domain.CycleReport, reportMu *sync.Mutex) error {
	if err := s.commitResolution(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		reportMu.Lock()
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.PairKey, err))
		reportMu.Unlock()
		return nil
	}

	reportMu.Lock()
	report.Resolved++
	reportMu.Unlock()
	return nil
}

// releaseForRetry schedules another attempt at committing a resolution. The
// pair keeps its resolution stamp; only the retry bookkeeping moves.
func (s *SyncService) releaseForRetry(ctx context.Context, pair *domain.SyncPair, ioErr error) error {
	now := s.now()
	pair.RetryCount++
	pair.LastError = ioErr.Error()
	pair.UpdatedAt = now
	if s.policy.Exhausted(pair.RetryCount) {
		pair.Status = domain.StatusFailed
		s.logger.Error("resolution commit failed after exhausting retries, manual remediation required",
			"pair", pair.Key(), "conflict_id", pair.PendingResolutionID, "err", ioErr)
	} else {
		pair.Status = domain.StatusPending
		pair.NextRetryAt = s.policy.NextRetryAt(now, pair.RetryCount)
		s.logger.Warn("failed to commit resolution, scheduled retry",
			"pair", pair.Key(), "conflict_id", pair.PendingResolutionID,
			"retry", pair.RetryCount, "err", ioErr)
	}
	if err := s.ledger.Upsert(ctx, pair); err != nil {
		return err
	}
	return ioErr
}

// Status summarizes the ledger for the dashboard.
func (s *SyncService) Status(ctx context.Context) (*domain.LedgerStatus, error) {
	counts, err := s.ledger.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := s.ledger.GetCursor(ctx, remoteCursorName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	last := s.lastCycle
	s.mu.Unlock()

	return &domain.LedgerStatus{
		Counts:       counts,
		RemoteCursor: cursor,
		LastCycle:    last,
		SyncTime:     s.now(),
	}, nil
}

// ListPairs exposes ledger entries by status for the dashboard.
func (s *SyncService) ListPairs(ctx context.Context, status domain.SyncStatus) ([]*domain.SyncPair, error) {
	return s.ledger.ListByStatus(ctx, status)
}

func (s *SyncService) broadcast(event string, payload interface{}) {
	if s.events != nil {
		s.events.Broadcast(event, payload)
	}
}

// validateLocal rejects malformed entities before they can reach the ledger.
func validateLocal(snap *domain.LocalSnapshot, hashers map[domain.EntityType]*fingerprint.Hasher) error {
	if snap.ID == "" {
		return &LocalDataError{LocalID: snap.ID, Reason: "empty entity id"}
	}
	if _, ok := hashers[snap.Type]; !ok {
		return &LocalDataError{LocalID: snap.ID, Reason: fmt.Sprintf("unknown entity type %q", snap.Type)}
	}
	if snap.Fields == nil {
		return &LocalDataError{LocalID: snap.ID, Reason: "missing field set"}
	}
	return nil
}

// syncFields restricts a snapshot to the synchronizable field set.
func syncFields(fields map[string]string, h *fingerprint.Hasher) map[string]string {
	if h == nil {
		return fields
	}
	out := make(map[string]string)
	for _, name := range h.Fields() {
		if value, ok := fields[name]; ok {
			out[name] = value
		}
	}
	return out
}

func pick(fields map[string]string, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = fields[name]
	}
	return out
}

func overlay(base, updates map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func signalsFromLocal(snap *domain.LocalSnapshot) domain.SignalSet {
	return domain.SignalSet{
		SourceID:   snap.ID,
		EntityType: snap.Type,
		Email:      snap.Fields["email"],
		Name:       snap.Fields["name"],
		Company:    snap.Fields["company"],
		Phone:      snap.Fields["phone"],
		Social:     snap.Fields["social"],
	}
}

func candidatePool(entityType domain.EntityType, remoteSnaps []*domain.RemoteSnapshot) []domain.CandidateRecord {
	var pool []domain.CandidateRecord
	for _, snap := range remoteSnaps {
		if snap.Type != entityType {
			continue
		}
		rec := domain.CandidateRecord{
			RemoteID:   snap.ID,
			EntityType: snap.Type,
			Email:      snap.Fields["email"],
			Name:       snap.Fields["name"],
			Company:    snap.Fields["company"],
			Phone:      snap.Fields["phone"],
			Social:     snap.Fields["social"],
		}
		if raw := snap.Fields["last_interaction_at"]; raw != "" {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				rec.LastInteractionAt = ts
			}
		}
		pool = append(pool, rec)
	}
	return pool
}
