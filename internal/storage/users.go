package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clara-ai/clara/internal/model"
)

// CreateUser inserts a user together with its empty profile and shared
// context rows, so later reads never have to special-case missing rows.
func (db *DB) CreateUser(ctx context.Context, u model.User) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, phone, email, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Phone, u.Email, string(u.Status), u.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert user: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_profiles (user_id) VALUES ($1)`, u.ID,
	); err != nil {
		return fmt.Errorf("storage: insert user profile: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO shared_contexts (user_id) VALUES ($1)`, u.ID,
	); err != nil {
		return fmt.Errorf("storage: insert shared context: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, phone, email, status, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Phone, &u.Email, &status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	u.Status = model.UserStatus(status)
	return u, nil
}

// GetUserProfile retrieves the profile attributes for a user.
func (db *DB) GetUserProfile(ctx context.Context, userID uuid.UUID) (model.UserProfile, error) {
	var p model.UserProfile
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, attributes, updated_at FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Attributes, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("storage: get user profile: %w", err)
	}
	return p, nil
}

// UpdateUserProfile merges attributes into the user's profile. This is the
// explicit profile-update pathway; agents never reach it.
func (db *DB) UpdateUserProfile(ctx context.Context, userID uuid.UUID, attributes map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_profiles SET attributes = attributes || $2, updated_at = now() WHERE user_id = $1`,
		userID, attributes,
	)
	if err != nil {
		return fmt.Errorf("storage: update user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
