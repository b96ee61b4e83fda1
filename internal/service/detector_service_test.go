package service

import (
	"testing"
	"time"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/fingerprint"
)

func detectorFixture(t *testing.T) (*DetectorService, *fingerprint.Hasher) {
	t.Helper()
	h, err := fingerprint.New(map[string]fingerprint.Kind{
		"email": fingerprint.KindEmail,
		"notes": fingerprint.KindText,
		"stage": fingerprint.KindText,
	})
	if err != nil {
		t.Fatalf("failed to build hasher: %v", err)
	}
	return NewDetectorService(map[domain.EntityType]*fingerprint.Hasher{domain.EntityTypeContact: h}), h
}

func baselinePair(h *fingerprint.Hasher, fields map[string]string) *domain.SyncPair {
	digest := h.Sum(fields)
	fieldDigests := h.FieldDigests(fields)
	return &domain.SyncPair{
		LocalID:           "p1",
		RemoteID:          "crm-1",
		EntityType:        domain.EntityTypeContact,
		LocalHash:         digest,
		RemoteHash:        digest,
		LocalFieldHashes:  fieldDigests,
		RemoteFieldHashes: fieldDigests,
		Direction:         domain.DirectionBidirectional,
		Status:            domain.StatusSynced,
	}
}

func localSnap(fields map[string]string) *domain.LocalSnapshot {
	return &domain.LocalSnapshot{ID: "p1", Type: domain.EntityTypeContact, Fields: fields, UpdatedAt: time.Now()}
}

func remoteSnap(fields map[string]string) *domain.RemoteSnapshot {
	return &domain.RemoteSnapshot{ID: "crm-1", Type: domain.EntityTypeContact, Fields: fields, UpdatedAt: time.Now()}
}

func TestClassify_Unchanged(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"email": "ana@acme.io", "notes": "intro"}
	pair := baselinePair(h, base)

	res, err := d.Classify(pair, localSnap(base), remoteSnap(base))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassUnchanged {
		t.Errorf("expected unchanged, got %s", res.Class)
	}
}

func TestClassify_NormalizationOnlyDifferenceIsUnchanged(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"email": "ana@acme.io", "notes": "intro"}
	pair := baselinePair(h, base)

	// Case change in an email and surrounding whitespace in text do not
	// register as edits.
	res, err := d.Classify(pair,
		localSnap(map[string]string{"email": "Ana@Acme.IO", "notes": "  intro  "}),
		remoteSnap(base))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassUnchanged {
		t.Errorf("expected unchanged, got %s", res.Class)
	}
}

func TestClassify_LocalAhead(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"email": "ana@acme.io", "notes": "intro"}
	pair := baselinePair(h, base)

	res, err := d.Classify(pair,
		localSnap(map[string]string{"email": "ana@acme.io", "notes": "edited"}),
		remoteSnap(base))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassLocalAhead {
		t.Fatalf("expected local_ahead, got %s", res.Class)
	}
	if len(res.LocalChanged) != 1 || res.LocalChanged[0] != "notes" {
		t.Errorf("expected changed set [notes], got %v", res.LocalChanged)
	}
}

func TestClassify_RemoteAheadWithoutRemoteSnapshot(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"email": "ana@acme.io", "notes": "intro"}
	pair := baselinePair(h, base)

	// No remote delta this cycle: the stored remote hash stands in and the
	// local edit still classifies correctly.
	res, err := d.Classify(pair,
		localSnap(map[string]string{"email": "ana@acme.io", "notes": "edited"}),
		nil)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassLocalAhead {
		t.Errorf("expected local_ahead with nil remote, got %s", res.Class)
	}
	if res.RemoteHash != pair.RemoteHash {
		t.Errorf("expected stored remote hash carried through")
	}
}

func TestClassify_RemoteAhead(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"email": "ana@acme.io", "stage": "lead"}
	pair := baselinePair(h, base)

	res, err := d.Classify(pair,
		localSnap(base),
		remoteSnap(map[string]string{"email": "ana@acme.io", "stage": "opportunity"}))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassRemoteAhead {
		t.Fatalf("expected remote_ahead, got %s", res.Class)
	}
	if len(res.RemoteChanged) != 1 || res.RemoteChanged[0] != "stage" {
		t.Errorf("expected changed set [stage], got %v", res.RemoteChanged)
	}
}

func TestClassify_DisjointEditsAreBothAhead(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"notes": "intro", "stage": "lead"}
	pair := baselinePair(h, base)

	res, err := d.Classify(pair,
		localSnap(map[string]string{"notes": "edited", "stage": "lead"}),
		remoteSnap(map[string]string{"notes": "intro", "stage": "opportunity"}))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassBothAhead {
		t.Fatalf("expected both_ahead, got %s", res.Class)
	}
	if len(res.Conflicting) != 0 {
		t.Errorf("disjoint edits must not produce conflicting fields, got %v", res.Conflicting)
	}
}

func TestClassify_OverlappingEditsConflict(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"notes": "intro"}
	pair := baselinePair(h, base)

	res, err := d.Classify(pair,
		localSnap(map[string]string{"notes": "local edit"}),
		remoteSnap(map[string]string{"notes": "remote edit"}))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassConflict {
		t.Fatalf("expected conflict, got %s", res.Class)
	}
	if len(res.Conflicting) != 1 {
		t.Fatalf("expected one conflicting field, got %d", len(res.Conflicting))
	}
	fc := res.Conflicting[0]
	if fc.Field != "notes" || fc.LocalValue != "local edit" || fc.RemoteValue != "remote edit" {
		t.Errorf("unexpected conflict detail: %+v", fc)
	}
}

func TestClassify_ConvergentEditsDoNotConflict(t *testing.T) {
	d, h := detectorFixture(t)
	base := map[string]string{"notes": "intro"}
	pair := baselinePair(h, base)

	// Both sides changed the same field to the same value.
	res, err := d.Classify(pair,
		localSnap(map[string]string{"notes": "same edit"}),
		remoteSnap(map[string]string{"notes": "same edit"}))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassBothAhead {
		t.Errorf("expected both_ahead for convergent edits, got %s", res.Class)
	}
}

func TestClassify_FreshPairWithoutBaseline(t *testing.T) {
	d, _ := detectorFixture(t)
	pair := &domain.SyncPair{
		LocalID:    "p1",
		RemoteID:   "crm-1",
		EntityType: domain.EntityTypeContact,
		Direction:  domain.DirectionBidirectional,
		Status:     domain.StatusPending,
	}

	res, err := d.Classify(pair,
		localSnap(map[string]string{"email": "ana@acme.io"}),
		nil)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if res.Class != ClassLocalAhead {
		t.Fatalf("expected local_ahead for fresh pair, got %s", res.Class)
	}
	if len(res.LocalChanged) != 1 || res.LocalChanged[0] != "email" {
		t.Errorf("expected every populated field changed, got %v", res.LocalChanged)
	}
}

func TestClassify_UnknownEntityType(t *testing.T) {
	d, _ := detectorFixture(t)
	pair := &domain.SyncPair{LocalID: "p1", EntityType: domain.EntityTypeMeeting}

	if _, err := d.Classify(pair, localSnap(nil), nil); err == nil {
		t.Error("expected error for entity type without fingerprint rules")
	}
}
