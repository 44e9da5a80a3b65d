// Package events is the one-way channel between the protocol core and
// external indexers: an append-only log written in the same transaction as
// each mutation, plus a projector that pumps committed records out to a
// message exchange. The core never reads projections back.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/backend/internal/models"
)

// Recorder appends protocol events inside the caller's transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, kind, entityType string, entityID int64, payload any) error
}

// Store is the Postgres event log.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ Recorder = (*Store)(nil)

// Append writes one event row. The payload must carry the entity id and
// every field the operation changed; indexers see nothing else.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, kind, entityType string, entityID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO events (kind, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4)
	`, kind, entityType, entityID, body)
	return err
}

// ListAfter returns up to limit committed events with id > cursor, in id
// order. Used by the projector and by indexers that prefer polling.
func (s *Store) ListAfter(ctx context.Context, cursor int64, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, entity_type, entity_id, payload, created_at
		FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityType, &e.EntityID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// LoadCursor returns the projector's durable cursor, or 0 when unset.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `SELECT position FROM event_cursors WHERE name = $1`, name).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// SaveCursor advances the projector's durable cursor.
func (s *Store) SaveCursor(ctx context.Context, name string, position int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_cursors (name, position) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position
	`, name, position)
	return err
}
