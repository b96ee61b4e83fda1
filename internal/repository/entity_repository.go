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

// ErrEntityNotFound is returned when no local entity exists for an ID.
var ErrEntityNotFound = errors.New("local entity not found")

// EntityRepository is the local meeting-intelligence store boundary. The
// sync core only reads snapshots, applies remote updates, and flips dirty
// flags; everything else about local entities belongs to the ingestion
// pipeline.
type EntityRepository interface {
	Get(ctx context.Context, entityType domain.EntityType, id string) (*domain.LocalSnapshot, error)
	FetchChangedSince(ctx context.Context, since time.Time) ([]*domain.LocalSnapshot, error)
	ApplyRemoteUpdate(ctx context.Context, entityType domain.EntityType, id string, fields map[string]string) error
	MarkDirty(ctx context.Context, entityType domain.EntityType, id string) error
	ClearDirty(ctx context.Context, entityType domain.EntityType, id string) error
}

type entityRepository struct {
	client *kivik.Client
	dbName string
}

func NewEntityRepository(client *kivik.Client, dbName string) EntityRepository {
	return &entityRepository{client: client, dbName: dbName}
}

type entityDoc struct {
	ID         string            `json:"_id"`
	Rev        string            `json:"_rev,omitempty"`
	Kind       string            `json:"kind"`
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Fields     map[string]string `json:"fields"`
	UpdatedAt  int64             `json:"updated_at"`
	Dirty      bool              `json:"dirty"`
}

func entityDocID(entityType domain.EntityType, id string) string {
	return fmt.Sprintf("entity:%s:%s", entityType, id)
}

func fromEntityDoc(doc *entityDoc) *domain.LocalSnapshot {
	return &domain.LocalSnapshot{
		ID:        doc.EntityID,
		Type:      domain.EntityType(doc.EntityType),
		Fields:    doc.Fields,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
		Dirty:     doc.Dirty,
	}
}

func (r *entityRepository) Get(ctx context.Context, entityType domain.EntityType, id string) (*domain.LocalSnapshot, error) {
	db := r.client.DB(r.dbName)

	var doc entityDoc
	row := db.Get(ctx, entityDocID(entityType, id))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get local entity: %w", err)
	}

	return fromEntityDoc(&doc), nil
}

func (r *entityRepository) FetchChangedSince(ctx context.Context, since time.Time) ([]*domain.LocalSnapshot, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind": "entity",
			"$or": []map[string]interface{}{
				{"updated_at": map[string]interface{}{"$gt": since.Unix()}},
				{"dirty": true},
			},
		},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch changed local entities: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.LocalSnapshot
	for rows.Next() {
		var doc entityDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		snaps = append(snaps, fromEntityDoc(&doc))
	}

	return snaps, nil
}

func (r *entityRepository) ApplyRemoteUpdate(ctx context.Context, entityType domain.EntityType, id string, fields map[string]string) error {
	return r.mutate(ctx, entityType, id, func(doc *entityDoc) {
		if doc.Fields == nil {
			doc.Fields = make(map[string]string, len(fields))
		}
		for name, value := range fields {
			doc.Fields[name] = value
		}
		doc.UpdatedAt = time.Now().Unix()
	})
}

func (r *entityRepository) MarkDirty(ctx context.Context, entityType domain.EntityType, id string) error {
	return r.mutate(ctx, entityType, id, func(doc *entityDoc) {
		doc.Dirty = true
	})
}

func (r *entityRepository) ClearDirty(ctx context.Context, entityType domain.EntityType, id string) error {
	return r.mutate(ctx, entityType, id, func(doc *entityDoc) {
		doc.Dirty = false
	})
}

func (r *entityRepository) mutate(ctx context.Context, entityType domain.EntityType, id string, apply func(*entityDoc)) error {
	db := r.client.DB(r.dbName)
	docID := entityDocID(entityType, id)

	var doc entityDoc
	row := db.Get(ctx, docID)
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrEntityNotFound
		}
		return fmt.Errorf("failed to fetch local entity for update: %w", err)
	}

	apply(&doc)

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to update local entity: %w", err)
	}

	return nil
}
