package service

import (
	"fmt"
	"sort"

	"meetsync-server/internal/domain"
	"meetsync-server/internal/fingerprint"
)

// Classification is the detector's verdict for one pair.
type Classification string

const (
	ClassUnchanged   Classification = "unchanged"
	ClassLocalAhead  Classification = "local_ahead"
	ClassRemoteAhead Classification = "remote_ahead"
	ClassConflict    Classification = "conflict"

	// ClassBothAhead is the divergent-but-disjoint outcome: both sides
	// changed, but no field overlaps, so each side's edits are applied
	// field-wise as two independent ahead updates rather than opening a
	// conflict.
	ClassBothAhead Classification = "both_ahead"
)

// DetectResult carries the classification plus the per-side changed field
// sets the orchestrator needs to push, pull, or open a conflict.
type DetectResult struct {
	Class         Classification
	LocalHash     string
	RemoteHash    string
	LocalChanged  []string
	RemoteChanged []string

	// Conflicting holds the overlapping fields with both sides' current
	// values; empty unless Class is ClassConflict.
	Conflicting []domain.FieldConflict
}

// DetectorService classifies a pair by recomputing fingerprints for both
// snapshots against the hashes stored in the ledger. It is a pure function
// of its inputs: no I/O, no side effects.
type DetectorService struct {
	hashers map[domain.EntityType]*fingerprint.Hasher
}

func NewDetectorService(hashers map[domain.EntityType]*fingerprint.Hasher) *DetectorService {
	return &DetectorService{hashers: hashers}
}

func (d *DetectorService) hasher(entityType domain.EntityType) (*fingerprint.Hasher, error) {
	h, ok := d.hashers[entityType]
	if !ok {
		return nil, fmt.Errorf("no fingerprint rules configured for entity type %q", entityType)
	}
	return h, nil
}

// Classify compares local and remote snapshots against the pair's stored
// hashes. Divergence on both sides is a conflict only when the changed field
// sets overlap; disjoint edits are two independent *_ahead updates applied
// field-wise, which keeps unnecessary manual review out of the queue.
func (d *DetectorService) Classify(pair *domain.SyncPair, local *domain.LocalSnapshot, remote *domain.RemoteSnapshot) (*DetectResult, error) {
	h, err := d.hasher(pair.EntityType)
	if err != nil {
		return nil, err
	}

	res := &DetectResult{
		LocalHash:  pair.LocalHash,
		RemoteHash: pair.RemoteHash,
	}

	localChanged := false
	if local != nil {
		res.LocalHash = h.Sum(local.Fields)
		localChanged = res.LocalHash != pair.LocalHash
		if localChanged {
			res.LocalChanged = h.ChangedFields(pair.LocalFieldHashes, local.Fields)
		}
	}

	remoteChanged := false
	if remote != nil {
		res.RemoteHash = h.Sum(remote.Fields)
		remoteChanged = res.RemoteHash != pair.RemoteHash
		if remoteChanged {
			res.RemoteChanged = h.ChangedFields(pair.RemoteFieldHashes, remote.Fields)
		}
	}

	switch {
	case !localChanged && !remoteChanged:
		res.Class = ClassUnchanged
	case localChanged && !remoteChanged:
		res.Class = ClassLocalAhead
	case !localChanged && remoteChanged:
		res.Class = ClassRemoteAhead
	default:
		overlap := fieldOverlap(res.LocalChanged, res.RemoteChanged)
		localDigests := h.FieldDigests(local.Fields)
		remoteDigests := h.FieldDigests(remote.Fields)
		for _, field := range overlap {
			// Both sides moved but landed on the same value; a convergent
			// edit is not a conflict.
			if localDigests[field] == remoteDigests[field] {
				continue
			}
			res.Conflicting = append(res.Conflicting, domain.FieldConflict{
				Field:       field,
				LocalValue:  local.Fields[field],
				RemoteValue: remote.Fields[field],
			})
		}
		if len(res.Conflicting) == 0 {
			res.Class = ClassBothAhead
			return res, nil
		}
		res.Class = ClassConflict
	}

	return res, nil
}

func fieldOverlap(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var overlap []string
	for _, f := range b {
		if set[f] {
			overlap = append(overlap, f)
		}
	}
	sort.Strings(overlap)
	return overlap
}
