package domain

import (
	"fmt"
	"time"
)

type SyncDirection string

const (
	DirectionToRemote      SyncDirection = "to_remote"
	DirectionToLocal       SyncDirection = "to_local"
	DirectionBidirectional SyncDirection = "bidirectional"
)

type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
)

// SyncPair tracks the association between one local entity and its CRM
// counterpart. It is the unit of synchronization and is never deleted, only
// marked failed with a terminal reason.
type SyncPair struct {
	LocalID    string     `json:"local_id"`
	RemoteID   string     `json:"remote_id,omitempty"`
	EntityType EntityType `json:"entity_type"`

	// Hashes captured at the last successful reconciliation. The per-field
	// digests allow the detector to recover which fields changed on each
	// side without storing full snapshots.
	LocalHash         string            `json:"local_hash,omitempty"`
	RemoteHash        string            `json:"remote_hash,omitempty"`
	LocalFieldHashes  map[string]string `json:"local_field_hashes,omitempty"`
	RemoteFieldHashes map[string]string `json:"remote_field_hashes,omitempty"`

	Direction   SyncDirection `json:"direction"`
	Status      SyncStatus    `json:"status"`
	RetryCount  int           `json:"retry_count"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	LastError   string        `json:"last_error,omitempty"`

	// PendingResolutionID names a resolved conflict whose accepted values
	// have not been confirmed on both stores yet. While set, cycles finish
	// that commit instead of classifying the pair; a decision is never
	// overridden by a later classification.
	PendingResolutionID string `json:"pending_resolution_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key uniquely identifies a pair within the ledger.
func (p *SyncPair) Key() string {
	return fmt.Sprintf("%s:%s", p.EntityType, p.LocalID)
}

// CanPush reports whether this pair is allowed to write to the CRM.
func (p *SyncPair) CanPush() bool {
	return p.Direction == DirectionToRemote || p.Direction == DirectionBidirectional
}

// CanPull reports whether this pair is allowed to write to the local store.
func (p *SyncPair) CanPull() bool {
	return p.Direction == DirectionToLocal || p.Direction == DirectionBidirectional
}

// CycleReport summarizes one orchestrator cycle.
type CycleReport struct {
	JobID       string        `json:"job_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	RemoteDelta int           `json:"remote_delta"`
	LocalDelta  int           `json:"local_delta"`
	Pushed      int           `json:"pushed"`
	Pulled      int           `json:"pulled"`
	Created     int           `json:"created"`
	Unchanged   int           `json:"unchanged"`
	Conflicts   int           `json:"conflicts"`
	Resolved    int           `json:"resolved"`
	Matched     int           `json:"matched"`
	Ambiguous   int           `json:"ambiguous"`
	Failed      int           `json:"failed"`
	Errors      []string      `json:"errors,omitempty"`
}

// LedgerStatus is the compact summary served by the status endpoint.
type LedgerStatus struct {
	Counts       map[SyncStatus]int `json:"counts"`
	RemoteCursor string             `json:"remote_cursor,omitempty"`
	LastCycle    *CycleReport       `json:"last_cycle,omitempty"`
	SyncTime     time.Time          `json:"sync_time"`
}
