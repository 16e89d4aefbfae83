package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clara-ai/clara/internal/model"
)

// GetSharedContext retrieves the per-user shared context with its version
// token.
func (db *DB) GetSharedContext(ctx context.Context, userID uuid.UUID) (model.SharedContext, error) {
	var sc model.SharedContext
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, values_json, version, updated_at FROM shared_contexts WHERE user_id = $1`,
		userID,
	).Scan(&sc.UserID, &sc.Values, &sc.Version, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SharedContext{}, ErrNotFound
	}
	if err != nil {
		return model.SharedContext{}, fmt.Errorf("storage: get shared context: %w", err)
	}
	return sc, nil
}

// ApplySharedContext merges updates into the shared context if and only if
// the stored version still equals expectedVersion. On success the version is
// bumped and returned. A concurrent write in between yields
// ErrVersionMismatch; the row-level UPDATE makes the check-and-merge atomic.
func (db *DB) ApplySharedContext(ctx context.Context, userID uuid.UUID, updates map[string]any, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := db.pool.QueryRow(ctx,
		`UPDATE shared_contexts
		    SET values_json = values_json || $2, version = version + 1, updated_at = now()
		  WHERE user_id = $1 AND version = $3
		 RETURNING version`,
		userID, updates, expectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a stale token.
		if _, gerr := db.GetSharedContext(ctx, userID); gerr != nil {
			return 0, gerr
		}
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, fmt.Errorf("storage: apply shared context: %w", err)
	}
	return newVersion, nil
}
