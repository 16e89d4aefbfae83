package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clara-ai/clara/internal/model"
)

// InsertEvent appends an event. Events are immutable; there is no update
// path.
func (db *DB) InsertEvent(ctx context.Context, e model.Event) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO events (id, user_id, event_type, payload, parent_event_id, causal_depth, origin_installation_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.Type, e.Payload, e.ParentEventID, e.CausalDepth,
		e.OriginInstallationID, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	var e model.Event
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, event_type, payload, parent_event_id, causal_depth, origin_installation_id, occurred_at
		   FROM events WHERE id = $1`, id,
	).Scan(&e.ID, &e.UserID, &e.Type, &e.Payload, &e.ParentEventID, &e.CausalDepth,
		&e.OriginInstallationID, &e.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// ListRecentEvents returns the user's most recent events, newest first,
// capped at limit.
func (db *DB) ListRecentEvents(ctx context.Context, userID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, event_type, payload, parent_event_id, causal_depth, origin_installation_id, occurred_at
		   FROM events WHERE user_id = $1
		  ORDER BY occurred_at DESC, id DESC
		  LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Payload, &e.ParentEventID, &e.CausalDepth,
			&e.OriginInstallationID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
