package domain

import "time"

// MatchTier identifies which signal tier produced a candidate, strongest
// first.
type MatchTier string

const (
	TierExactEmail  MatchTier = "exact_email"
	TierNameCompany MatchTier = "name_company"
	TierDomain      MatchTier = "domain"
	TierFuzzy       MatchTier = "fuzzy"
)

// SignalSet carries the weak identity signals available for one source
// entity, typically a meeting participant.
type SignalSet struct {
	SourceID   string     `json:"source_id"`
	EntityType EntityType `json:"entity_type"`
	Email      string     `json:"email,omitempty"`
	Name       string     `json:"name,omitempty"`
	Company    string     `json:"company,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Social     string     `json:"social,omitempty"`
}

// CandidateRecord is one entry of the injected candidate pool: the identity
// signals the CRM knows for a target entity.
type CandidateRecord struct {
	RemoteID          string     `json:"remote_id"`
	EntityType        EntityType `json:"entity_type"`
	Email             string     `json:"email,omitempty"`
	Name              string     `json:"name,omitempty"`
	Company           string     `json:"company,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Social            string     `json:"social,omitempty"`
	LastInteractionAt time.Time  `json:"last_interaction_at"`
}

// SignalContribution is one signal's share of a candidate's confidence.
type SignalContribution struct {
	Signal string  `json:"signal"`
	Weight float64 `json:"weight"`
}

// MatchCandidate is the scorer's ranked output. Candidates are immutable
// after creation; the orchestrator either accepts one into a SyncPair or
// discards the batch.
type MatchCandidate struct {
	ID         string               `json:"id"`
	SourceID   string               `json:"source_id"`
	TargetID   string               `json:"target_id"`
	EntityType EntityType           `json:"entity_type"`
	Confidence float64              `json:"confidence"`
	Tier       MatchTier            `json:"tier"`
	Breakdown  []SignalContribution `json:"breakdown"`
	Ambiguous  bool                 `json:"ambiguous"`
	CreatedAt  time.Time            `json:"created_at"`
}

// ConfirmMatchRequest accepts or rejects a pending candidate from the
// manual-linking surface.
type ConfirmMatchRequest struct {
	Actor string `json:"actor" validate:"required"`
}
