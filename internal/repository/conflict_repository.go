package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"

	"meetsync-server/internal/domain"
)

// ErrConflictNotFound is returned when no conflict record exists for an ID.
var ErrConflictNotFound = errors.New("conflict record not found")

type ConflictRepository interface {
	Create(ctx context.Context, rec *domain.ConflictRecord) error
	Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error)
	// GetOpenByPair returns the single unresolved record for a pair, or
	// ErrConflictNotFound. The one-open-record-per-pair invariant is
	// enforced by the resolver before Create.
	GetOpenByPair(ctx context.Context, pairKey string) (*domain.ConflictRecord, error)
	// LatestResolvedByPair returns the most recently resolved record for a
	// pair. It recovers a decision whose commit never reached the ledger.
	LatestResolvedByPair(ctx context.Context, pairKey string) (*domain.ConflictRecord, error)
	ListByState(ctx context.Context, state domain.ConflictStatus) ([]*domain.ConflictRecord, error)
	Update(ctx context.Context, rec *domain.ConflictRecord) error
}

type conflictRepository struct {
	client *kivik.Client
	dbName string
}

func NewConflictRepository(client *kivik.Client, dbName string) ConflictRepository {
	return &conflictRepository{client: client, dbName: dbName}
}

type conflictDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Kind string `json:"kind"`
	domain.ConflictRecord
}

func conflictDocID(id string) string {
	return fmt.Sprintf("conflict:%s", id)
}

func (r *conflictRepository) Create(ctx context.Context, rec *domain.ConflictRecord) error {
	db := r.client.DB(r.dbName)

	doc := conflictDoc{
		ID:             conflictDocID(rec.ID),
		Kind:           "conflict",
		ConflictRecord: *rec,
	}
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to create conflict record: %w", err)
	}

	return nil
}

func (r *conflictRepository) Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error) {
	db := r.client.DB(r.dbName)

	var doc conflictDoc
	row := db.Get(ctx, conflictDocID(conflictID))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict record: %w", err)
	}

	rec := doc.ConflictRecord
	return &rec, nil
}

func (r *conflictRepository) GetOpenByPair(ctx context.Context, pairKey string) (*domain.ConflictRecord, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":     "conflict",
			"pair_key": pairKey,
			"state": map[string]interface{}{
				"$in": []string{string(domain.ConflictOpen), string(domain.ConflictAwaitingDecision)},
			},
		},
		"limit": 1,
	}

	recs, err := r.find(ctx, query, "failed to find open conflict")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrConflictNotFound
	}

	return recs[0], nil
}

func (r *conflictRepository) LatestResolvedByPair(ctx context.Context, pairKey string) (*domain.ConflictRecord, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":     "conflict",
			"pair_key": pairKey,
			"state":    string(domain.ConflictResolved),
		},
	}

	recs, err := r.find(ctx, query, "failed to find resolved conflict")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrConflictNotFound
	}

	// A pair can conflict and resolve more than once over its lifetime;
	// only the newest decision is still actionable.
	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.ResolvedAt != nil && (latest.ResolvedAt == nil || rec.ResolvedAt.After(*latest.ResolvedAt)) {
			latest = rec
		}
	}

	return latest, nil
}

func (r *conflictRepository) ListByState(ctx context.Context, state domain.ConflictStatus) ([]*domain.ConflictRecord, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":  "conflict",
			"state": string(state),
		},
	}
	return r.find(ctx, query, "failed to list conflicts")
}

func (r *conflictRepository) Update(ctx context.Context, rec *domain.ConflictRecord) error {
	db := r.client.DB(r.dbName)
	docID := conflictDocID(rec.ID)

	var existing conflictDoc
	row := db.Get(ctx, docID)
	if err := row.ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrConflictNotFound
		}
		return fmt.Errorf("failed to fetch conflict record for update: %w", err)
	}

	doc := conflictDoc{
		ID:             docID,
		Rev:            existing.Rev,
		Kind:           "conflict",
		ConflictRecord: *rec,
	}
	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to update conflict record: %w", err)
	}

	return nil
}

func (r *conflictRepository) find(ctx context.Context, query interface{}, msg string) ([]*domain.ConflictRecord, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	defer rows.Close()

	var recs []*domain.ConflictRecord
	for rows.Next() {
		var doc conflictDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		rec := doc.ConflictRecord
		recs = append(recs, &rec)
	}

	return recs, nil
}
