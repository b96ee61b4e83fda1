package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"meetsync-server/internal/domain"
)

func resolverFixture(autoResolveAfter time.Duration) (*ResolverService, *fakeConflicts, time.Time) {
	conflicts := newFakeConflicts()
	policies := map[string]domain.FieldPolicy{
		"notes": domain.FieldPolicyUserAuthored,
		"stage": domain.FieldPolicySystemManaged,
		"score": domain.FieldPolicySystemManaged,
	}
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	svc := NewResolverService(conflicts, policies, autoResolveAfter, nil)
	svc.now = func() time.Time { return now }
	return svc, conflicts, now
}

func conflictPair() *domain.SyncPair {
	return &domain.SyncPair{
		LocalID:    "p1",
		RemoteID:   "crm-1",
		EntityType: domain.EntityTypeContact,
		Direction:  domain.DirectionBidirectional,
		Status:     domain.StatusSynced,
	}
}

func TestOpen_ReturnsExistingOpenRecord(t *testing.T) {
	svc, _, _ := resolverFixture(0)
	pair := conflictPair()
	fields := []domain.FieldConflict{{Field: "notes", LocalValue: "a", RemoteValue: "b"}}

	first, err := svc.Open(context.Background(), pair, fields)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	second, err := svc.Open(context.Background(), pair, fields)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected one open conflict per pair, got %s and %s", first.ID, second.ID)
	}
}

func TestResolveAutomatic_PopulatedBeatsEmpty(t *testing.T) {
	svc, _, _ := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "company", LocalValue: "Acme Corp", RemoteValue: "  "},
	})

	resolved, err := svc.ResolveAutomatic(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved {
		t.Fatal("expected auto-resolution")
	}
	if rec.MergedValues["company"] != "Acme Corp" {
		t.Errorf("expected populated value to win, got %q", rec.MergedValues["company"])
	}
	if rec.Resolution != domain.ResolutionLocalWins {
		t.Errorf("expected local_wins, got %s", rec.Resolution)
	}
}

func TestResolveAutomatic_PolicyRules(t *testing.T) {
	svc, _, _ := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "notes", LocalValue: "my summary", RemoteValue: "crm text"},
		{Field: "stage", LocalValue: "guess", RemoteValue: "opportunity"},
	})

	resolved, err := svc.ResolveAutomatic(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved {
		t.Fatal("expected auto-resolution")
	}
	if rec.MergedValues["notes"] != "my summary" {
		t.Errorf("user-authored field must keep the local edit, got %q", rec.MergedValues["notes"])
	}
	if rec.MergedValues["stage"] != "opportunity" {
		t.Errorf("system-managed field must keep the remote value, got %q", rec.MergedValues["stage"])
	}
	if rec.Resolution != domain.ResolutionMerged {
		t.Errorf("mixed winners should close as merged, got %s", rec.Resolution)
	}
	if rec.ResolvedByKind != domain.ActorSystem {
		t.Errorf("expected system actor, got %s", rec.ResolvedByKind)
	}
}

func TestResolveAutomatic_UnownedFieldEscalates(t *testing.T) {
	svc, conflicts, _ := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "company", LocalValue: "Acme Corp", RemoteValue: "Acme GmbH"},
	})

	resolved, err := svc.ResolveAutomatic(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved {
		t.Fatal("unowned conflicting field must not auto-resolve")
	}

	stored, err := conflicts.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("conflict lookup failed: %v", err)
	}
	if stored.State != domain.ConflictAwaitingDecision {
		t.Errorf("expected awaiting_decision, got %s", stored.State)
	}
}

func TestResolve_HumanDecisionIsPermanent(t *testing.T) {
	svc, _, now := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "company", LocalValue: "Acme Corp", RemoteValue: "Acme GmbH"},
	})
	if _, err := svc.ResolveAutomatic(context.Background(), rec); err != nil {
		t.Fatalf("escalation failed: %v", err)
	}

	closed, err := svc.Resolve(context.Background(), rec.ID, &domain.ResolveConflictRequest{
		Resolution: domain.ResolutionLocalWins,
		Actor:      "ops@meetsync.io",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if closed.MergedValues["company"] != "Acme Corp" {
		t.Errorf("expected local value accepted, got %q", closed.MergedValues["company"])
	}
	if closed.ResolvedBy != "ops@meetsync.io" || closed.ResolvedByKind != domain.ActorHuman {
		t.Errorf("expected human actor, got %s/%s", closed.ResolvedBy, closed.ResolvedByKind)
	}
	if closed.ResolvedAt == nil || !closed.ResolvedAt.Equal(now) {
		t.Errorf("expected resolution timestamp %v, got %v", now, closed.ResolvedAt)
	}

	if _, err := svc.Resolve(context.Background(), rec.ID, &domain.ResolveConflictRequest{
		Resolution: domain.ResolutionRemoteWins,
		Actor:      "someone-else",
	}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolve_RejectsOpenConflict(t *testing.T) {
	svc, _, _ := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "company", LocalValue: "a", RemoteValue: "b"},
	})

	if _, err := svc.Resolve(context.Background(), rec.ID, &domain.ResolveConflictRequest{
		Resolution: domain.ResolutionLocalWins,
		Actor:      "ops",
	}); !errors.Is(err, ErrNotAwaitingDecision) {
		t.Errorf("expected ErrNotAwaitingDecision, got %v", err)
	}
}

func TestResolve_MergedRequiresEveryField(t *testing.T) {
	svc, _, _ := resolverFixture(0)
	rec, _ := svc.Open(context.Background(), conflictPair(), []domain.FieldConflict{
		{Field: "company", LocalValue: "a", RemoteValue: "b"},
		{Field: "title", LocalValue: "x", RemoteValue: "y"},
	})
	if _, err := svc.ResolveAutomatic(context.Background(), rec); err != nil {
		t.Fatalf("escalation failed: %v", err)
	}

	if _, err := svc.Resolve(context.Background(), rec.ID, &domain.ResolveConflictRequest{
		Resolution:   domain.ResolutionMerged,
		MergedValues: map[string]string{"company": "Acme"},
		Actor:        "ops",
	}); err == nil {
		t.Error("expected error for merged decision missing a field")
	}
}

func TestSweepTimeouts_ResolvesAgedSystemManagedOnly(t *testing.T) {
	svc, conflicts, now := resolverFixture(time.Hour)

	aged := &domain.ConflictRecord{
		ID:         "aged",
		PairKey:    "contact:p1",
		LocalID:    "p1",
		EntityType: domain.EntityTypeContact,
		Fields:     []domain.FieldConflict{{Field: "score", LocalValue: "10", RemoteValue: "42"}},
		State:      domain.ConflictAwaitingDecision,
		Resolution: domain.ResolutionPending,
		DetectedAt: now.Add(-2 * time.Hour),
	}
	mixed := &domain.ConflictRecord{
		ID:         "mixed",
		PairKey:    "contact:p2",
		LocalID:    "p2",
		EntityType: domain.EntityTypeContact,
		Fields: []domain.FieldConflict{
			{Field: "score", LocalValue: "10", RemoteValue: "42"},
			{Field: "company", LocalValue: "a", RemoteValue: "b"},
		},
		State:      domain.ConflictAwaitingDecision,
		Resolution: domain.ResolutionPending,
		DetectedAt: now.Add(-2 * time.Hour),
	}
	recent := &domain.ConflictRecord{
		ID:         "recent",
		PairKey:    "contact:p3",
		LocalID:    "p3",
		EntityType: domain.EntityTypeContact,
		Fields:     []domain.FieldConflict{{Field: "score", LocalValue: "1", RemoteValue: "2"}},
		State:      domain.ConflictAwaitingDecision,
		Resolution: domain.ResolutionPending,
		DetectedAt: now.Add(-time.Minute),
	}
	for _, rec := range []*domain.ConflictRecord{aged, mixed, recent} {
		if err := conflicts.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	swept, err := svc.SweepTimeouts(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != "aged" {
		t.Fatalf("expected only the aged system-managed conflict swept, got %+v", swept)
	}
	if swept[0].Resolution != domain.ResolutionRemoteWins {
		t.Errorf("timeout sweep must take the remote value, got %s", swept[0].Resolution)
	}
	if swept[0].MergedValues["score"] != "42" {
		t.Errorf("expected remote score accepted, got %q", swept[0].MergedValues["score"])
	}

	// Conflicts with human-owned fields stay in the queue regardless of age.
	stored, _ := conflicts.Get(context.Background(), "mixed")
	if stored.State != domain.ConflictAwaitingDecision {
		t.Errorf("mixed conflict must not be swept, got %s", stored.State)
	}
}

func TestSweepTimeouts_DisabledByDefault(t *testing.T) {
	svc, conflicts, now := resolverFixture(0)
	rec := &domain.ConflictRecord{
		ID:         "aged",
		PairKey:    "contact:p1",
		LocalID:    "p1",
		EntityType: domain.EntityTypeContact,
		Fields:     []domain.FieldConflict{{Field: "score", LocalValue: "1", RemoteValue: "2"}},
		State:      domain.ConflictAwaitingDecision,
		Resolution: domain.ResolutionPending,
		DetectedAt: now.Add(-240 * time.Hour),
	}
	if err := conflicts.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	swept, err := svc.SweepTimeouts(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("sweep must be disabled when no window is configured, swept %d", len(swept))
	}
}
