package domain

import "time"

type ConflictStatus string

const (
	ConflictOpen             ConflictStatus = "open"
	ConflictAwaitingDecision ConflictStatus = "awaiting_decision"
	ConflictResolved         ConflictStatus = "resolved"
)

type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

type ActorKind string

const (
	ActorSystem ActorKind = "system"
	ActorHuman  ActorKind = "human"
)

// FieldConflict records one divergent field with the values seen on each
// side at detection time.
type FieldConflict struct {
	Field       string `json:"field"`
	LocalValue  string `json:"local_value"`
	RemoteValue string `json:"remote_value"`
}

// ConflictRecord is created when the detector classifies a pair as
// conflicting. At most one record per pair may be open at a time; resolving
// it is the only way the pair leaves the conflict status.
type ConflictRecord struct {
	ID         string          `json:"id"`
	PairKey    string          `json:"pair_key"`
	LocalID    string          `json:"local_id"`
	EntityType EntityType      `json:"entity_type"`
	Fields     []FieldConflict `json:"fields"`

	State      ConflictStatus `json:"state"`
	Resolution Resolution     `json:"resolution"`

	// MergedValues is the accepted value set once resolved: field name to
	// winning value.
	MergedValues map[string]string `json:"merged_values,omitempty"`

	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedByKind ActorKind  `json:"resolved_by_kind,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// ResolveConflictRequest is the manual-decision surface's input for closing
// an awaiting_decision conflict.
type ResolveConflictRequest struct {
	Resolution   Resolution        `json:"resolution" validate:"required,oneof=local_wins remote_wins merged"`
	MergedValues map[string]string `json:"merged_values,omitempty"`
	Actor        string            `json:"actor" validate:"required"`
}
