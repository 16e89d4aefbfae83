package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clara-ai/clara/internal/model"
)

// CreateManifest publishes a manifest version. Manifests are immutable: a
// duplicate (agent_id, version) insert is rejected with ErrDuplicate.
func (db *DB) CreateManifest(ctx context.Context, m model.Manifest) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_manifests
		   (agent_id, version, name, description, subscribed_events, emitted_events, tools, permissions, inputs, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.AgentID, m.Version, m.Name, m.Description,
		m.SubscribedEvents, m.EmittedEvents, m.Tools, m.Permissions, m.Inputs,
		string(m.Status), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("storage: create manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves a manifest by its compound key.
func (db *DB) GetManifest(ctx context.Context, key model.ManifestKey) (model.Manifest, error) {
	var m model.Manifest
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, version, name, description, subscribed_events, emitted_events, tools, permissions, inputs, status, created_at
		   FROM agent_manifests WHERE agent_id = $1 AND version = $2`,
		key.AgentID, key.Version,
	).Scan(&m.AgentID, &m.Version, &m.Name, &m.Description,
		&m.SubscribedEvents, &m.EmittedEvents, &m.Tools, &m.Permissions, &m.Inputs,
		&status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Manifest{}, ErrNotFound
	}
	if err != nil {
		return model.Manifest{}, fmt.Errorf("storage: get manifest: %w", err)
	}
	m.Status = model.ManifestStatus(status)
	return m, nil
}

// CreateInstallation inserts a new installation row. A second installation of
// the same agent version for the same user is rejected with ErrDuplicate.
func (db *DB) CreateInstallation(ctx context.Context, inst model.AgentInstallation) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_installations (id, user_id, agent_id, version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.UserID, inst.AgentID, inst.Version, string(inst.Status),
		inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("storage: create installation: %w", err)
	}
	return nil
}

// GetInstallation retrieves an installation by id.
func (db *DB) GetInstallation(ctx context.Context, id uuid.UUID) (model.AgentInstallation, error) {
	var inst model.AgentInstallation
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, agent_id, version, status, created_at, updated_at
		   FROM agent_installations WHERE id = $1`, id,
	).Scan(&inst.ID, &inst.UserID, &inst.AgentID, &inst.Version, &status,
		&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentInstallation{}, ErrNotFound
	}
	if err != nil {
		return model.AgentInstallation{}, fmt.Errorf("storage: get installation: %w", err)
	}
	inst.Status = model.InstallStatus(status)
	return inst, nil
}

// ListInstallations returns all of a user's installations in creation order,
// so subscriber resolution (and therefore trace output) is deterministic.
func (db *DB) ListInstallations(ctx context.Context, userID uuid.UUID) ([]model.AgentInstallation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, agent_id, version, status, created_at, updated_at
		   FROM agent_installations WHERE user_id = $1
		  ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list installations: %w", err)
	}
	defer rows.Close()

	var out []model.AgentInstallation
	for rows.Next() {
		var inst model.AgentInstallation
		var status string
		if err := rows.Scan(&inst.ID, &inst.UserID, &inst.AgentID, &inst.Version, &status,
			&inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan installation: %w", err)
		}
		inst.Status = model.InstallStatus(status)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateInstallationStatus performs a guarded status transition. The WHERE
// clause carries the expected current status so illegal or racing transitions
// fail rather than clobber.
func (db *DB) UpdateInstallationStatus(ctx context.Context, id uuid.UUID, from, to model.InstallStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: installation transition %s -> %s", model.ErrValidation, from, to)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_installations SET status = $3, updated_at = now()
		  WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("storage: update installation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgentContext retrieves an installation's private memory.
func (db *DB) GetAgentContext(ctx context.Context, installationID uuid.UUID) (model.AgentContext, error) {
	var ac model.AgentContext
	err := db.pool.QueryRow(ctx,
		`SELECT installation_id, memory, updated_at FROM agent_contexts WHERE installation_id = $1`,
		installationID,
	).Scan(&ac.InstallationID, &ac.Memory, &ac.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentContext{}, ErrNotFound
	}
	if err != nil {
		return model.AgentContext{}, fmt.Errorf("storage: get agent context: %w", err)
	}
	return ac, nil
}

// UpsertAgentContext merges updates into an installation's memory, creating
// the row on first write. The jsonb merge keeps the whole apply atomic at the
// row level.
func (db *DB) UpsertAgentContext(ctx context.Context, installationID uuid.UUID, updates map[string]any) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_contexts (installation_id, memory, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (installation_id)
		 DO UPDATE SET memory = agent_contexts.memory || EXCLUDED.memory, updated_at = now()`,
		installationID, updates,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent context: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
