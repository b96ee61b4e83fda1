package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"

	"meetsync-server/internal/domain"
)

// ErrPairNotFound is returned when no ledger entry exists for a key.
var ErrPairNotFound = errors.New("sync pair not found")

// LedgerRepository is the durable record of sync state per (local entity,
// remote entity) pair. All writes touch a single pair document; upserts are
// idempotent under retried delivery.
type LedgerRepository interface {
	Get(ctx context.Context, entityType domain.EntityType, localID string) (*domain.SyncPair, error)
	GetByRemote(ctx context.Context, entityType domain.EntityType, remoteID string) (*domain.SyncPair, error)
	Upsert(ctx context.Context, pair *domain.SyncPair) error
	ListDue(ctx context.Context, before time.Time) ([]*domain.SyncPair, error)
	ListByStatus(ctx context.Context, status domain.SyncStatus) ([]*domain.SyncPair, error)
	StatusCounts(ctx context.Context) (map[domain.SyncStatus]int, error)
	GetCursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error
}

type ledgerRepository struct {
	client *kivik.Client
	dbName string
}

func NewLedgerRepository(client *kivik.Client, dbName string) LedgerRepository {
	return &ledgerRepository{client: client, dbName: dbName}
}

// pairDoc is the CouchDB shape of a SyncPair. Timestamps are stored as Unix
// seconds so Mango range selectors compare numerically.
type pairDoc struct {
	ID                  string            `json:"_id"`
	Rev                 string            `json:"_rev,omitempty"`
	Kind                string            `json:"kind"`
	LocalID             string            `json:"local_id"`
	RemoteID            string            `json:"remote_id,omitempty"`
	EntityType          string            `json:"entity_type"`
	LocalHash           string            `json:"local_hash,omitempty"`
	RemoteHash          string            `json:"remote_hash,omitempty"`
	LocalFieldHashes    map[string]string `json:"local_field_hashes,omitempty"`
	RemoteFieldHashes   map[string]string `json:"remote_field_hashes,omitempty"`
	Direction           string            `json:"direction"`
	Status              string            `json:"status"`
	RetryCount          int               `json:"retry_count"`
	NextRetryAt         int64             `json:"next_retry_at"`
	LastError           string            `json:"last_error,omitempty"`
	PendingResolutionID string            `json:"pending_resolution_id,omitempty"`
	CreatedAt           int64             `json:"created_at"`
	UpdatedAt           int64             `json:"updated_at"`
}

func pairDocID(entityType domain.EntityType, localID string) string {
	return fmt.Sprintf("pair:%s:%s", entityType, localID)
}

func toPairDoc(pair *domain.SyncPair) *pairDoc {
	return &pairDoc{
		ID:                  pairDocID(pair.EntityType, pair.LocalID),
		Kind:                "pair",
		LocalID:             pair.LocalID,
		RemoteID:            pair.RemoteID,
		EntityType:          string(pair.EntityType),
		LocalHash:           pair.LocalHash,
		RemoteHash:          pair.RemoteHash,
		LocalFieldHashes:    pair.LocalFieldHashes,
		RemoteFieldHashes:   pair.RemoteFieldHashes,
		Direction:           string(pair.Direction),
		Status:              string(pair.Status),
		RetryCount:          pair.RetryCount,
		NextRetryAt:         pair.NextRetryAt.Unix(),
		LastError:           pair.LastError,
		PendingResolutionID: pair.PendingResolutionID,
		CreatedAt:           pair.CreatedAt.Unix(),
		UpdatedAt:           pair.UpdatedAt.Unix(),
	}
}

func fromPairDoc(doc *pairDoc) *domain.SyncPair {
	return &domain.SyncPair{
		LocalID:             doc.LocalID,
		RemoteID:            doc.RemoteID,
		EntityType:          domain.EntityType(doc.EntityType),
		LocalHash:           doc.LocalHash,
		RemoteHash:          doc.RemoteHash,
		LocalFieldHashes:    doc.LocalFieldHashes,
		RemoteFieldHashes:   doc.RemoteFieldHashes,
		Direction:           domain.SyncDirection(doc.Direction),
		Status:              domain.SyncStatus(doc.Status),
		RetryCount:          doc.RetryCount,
		NextRetryAt:         time.Unix(doc.NextRetryAt, 0).UTC(),
		LastError:           doc.LastError,
		PendingResolutionID: doc.PendingResolutionID,
		CreatedAt:           time.Unix(doc.CreatedAt, 0).UTC(),
		UpdatedAt:           time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}

func (r *ledgerRepository) Get(ctx context.Context, entityType domain.EntityType, localID string) (*domain.SyncPair, error) {
	db := r.client.DB(r.dbName)

	var doc pairDoc
	row := db.Get(ctx, pairDocID(entityType, localID))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrPairNotFound
		}
		return nil, fmt.Errorf("failed to get sync pair: %w", err)
	}

	return fromPairDoc(&doc), nil
}

func (r *ledgerRepository) GetByRemote(ctx context.Context, entityType domain.EntityType, remoteID string) (*domain.SyncPair, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":        "pair",
			"entity_type": string(entityType),
			"remote_id":   remoteID,
		},
		"limit": 1,
	}

	pairs, err := r.find(ctx, query, "failed to get sync pair by remote id")
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, ErrPairNotFound
	}

	return pairs[0], nil
}

func (r *ledgerRepository) Upsert(ctx context.Context, pair *domain.SyncPair) error {
	db := r.client.DB(r.dbName)
	doc := toPairDoc(pair)

	var existing pairDoc
	row := db.Get(ctx, doc.ID)
	if err := row.ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch sync pair for upsert: %w", err)
	}

	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to upsert sync pair: %w", err)
	}

	return nil
}

func (r *ledgerRepository) ListDue(ctx context.Context, before time.Time) ([]*domain.SyncPair, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":          "pair",
			"status":        map[string]interface{}{"$in": []string{string(domain.StatusPending), string(domain.StatusFailed)}},
			"next_retry_at": map[string]interface{}{"$lte": before.Unix()},
		},
	}
	return r.find(ctx, query, "failed to list due pairs")
}

func (r *ledgerRepository) ListByStatus(ctx context.Context, status domain.SyncStatus) ([]*domain.SyncPair, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":   "pair",
			"status": string(status),
		},
	}
	return r.find(ctx, query, "failed to list pairs by status")
}

func (r *ledgerRepository) StatusCounts(ctx context.Context) (map[domain.SyncStatus]int, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{"kind": "pair"},
		"fields":   []string{"status"},
	}

	db := r.client.DB(r.dbName)
	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count pairs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var doc struct {
			Status string `json:"status"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		counts[domain.SyncStatus(doc.Status)]++
	}

	return counts, nil
}

func (r *ledgerRepository) find(ctx context.Context, query interface{}, msg string) ([]*domain.SyncPair, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	defer rows.Close()

	var pairs []*domain.SyncPair
	for rows.Next() {
		var doc pairDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		pairs = append(pairs, fromPairDoc(&doc))
	}

	return pairs, nil
}

func (r *ledgerRepository) GetCursor(ctx context.Context, name string) (string, error) {
	db := r.client.DB(r.dbName)

	var doc struct {
		Value string `json:"value"`
	}
	row := db.Get(ctx, "cursor:"+name)
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get cursor %s: %w", name, err)
	}

	return doc.Value, nil
}

func (r *ledgerRepository) SetCursor(ctx context.Context, name, value string) error {
	db := r.client.DB(r.dbName)
	docID := "cursor:" + name

	doc := map[string]interface{}{
		"_id":   docID,
		"kind":  "cursor",
		"value": value,
	}

	var existing struct {
		Rev string `json:"_rev"`
	}
	row := db.Get(ctx, docID)
	if err := row.ScanDoc(&existing); err == nil {
		doc["_rev"] = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch cursor %s: %w", name, err)
	}

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", name, err)
	}

	return nil
}
