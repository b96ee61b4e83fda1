package domain

import "time"

type EntityType string

const (
	EntityTypeLead     EntityType = "lead"
	EntityTypeContact  EntityType = "contact"
	EntityTypeActivity EntityType = "activity"
	EntityTypeTask     EntityType = "task"
	EntityTypeMeeting  EntityType = "meeting"
)

// FieldPolicy tags a synchronizable field with ownership semantics used by
// automatic conflict resolution.
type FieldPolicy string

const (
	// FieldPolicyNone means neither side owns the field; conflicting edits
	// require a decision.
	FieldPolicyNone FieldPolicy = ""

	// FieldPolicyUserAuthored marks free-text content written by a person
	// in the local store (meeting notes, follow-ups). Local wins.
	FieldPolicyUserAuthored FieldPolicy = "user_authored"

	// FieldPolicySystemManaged marks values computed by the CRM (scores,
	// lifecycle stages). Remote wins.
	FieldPolicySystemManaged FieldPolicy = "system_managed"
)

// LocalSnapshot is the local store's view of one entity at a point in time.
// Fields holds only synchronizable field values, keyed by canonical field name.
type LocalSnapshot struct {
	ID        string            `json:"id"`
	Type      EntityType        `json:"type"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt time.Time         `json:"updated_at"`
	Dirty     bool              `json:"dirty"`
}

// RemoteSnapshot is the CRM's view of one entity, as returned by a delta fetch.
type RemoteSnapshot struct {
	ID        string            `json:"id"`
	Type      EntityType        `json:"type"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt time.Time         `json:"updated_at"`
}
