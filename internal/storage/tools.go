package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clara-ai/clara/internal/model"
)

// UpsertToolDefinition registers or refreshes a static tool definition.
// Definitions are seeded at startup, so replacing an existing row is allowed.
func (db *DB) UpsertToolDefinition(ctx context.Context, def model.ToolDefinition) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_definitions (name, description, requires_approval, input_schema, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name)
		 DO UPDATE SET description = EXCLUDED.description,
		               requires_approval = EXCLUDED.requires_approval,
		               input_schema = EXCLUDED.input_schema`,
		def.Name, def.Description, def.RequiresApproval, def.InputSchema, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tool definition: %w", err)
	}
	return nil
}

// GetToolDefinition retrieves a tool definition by name.
func (db *DB) GetToolDefinition(ctx context.Context, name string) (model.ToolDefinition, error) {
	var def model.ToolDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT name, description, requires_approval, input_schema, created_at
		   FROM tool_definitions WHERE name = $1`, name,
	).Scan(&def.Name, &def.Description, &def.RequiresApproval, &def.InputSchema, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ToolDefinition{}, ErrNotFound
	}
	if err != nil {
		return model.ToolDefinition{}, fmt.Errorf("storage: get tool definition: %w", err)
	}
	return def, nil
}

// CreateToolExecution inserts a new tool execution row.
func (db *DB) CreateToolExecution(ctx context.Context, exec model.ToolExecution) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_executions (id, user_id, installation_id, agent_id, event_id, tool, payload, status, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.UserID, exec.InstallationID, exec.AgentID, exec.EventID, exec.Tool,
		exec.Payload, string(exec.Status), exec.Result, exec.Error,
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create tool execution: %w", err)
	}
	return nil
}

// GetToolExecution retrieves a tool execution by id.
func (db *DB) GetToolExecution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error) {
	var exec model.ToolExecution
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, installation_id, agent_id, event_id, tool, payload, status, result, error, created_at, updated_at
		   FROM tool_executions WHERE id = $1`, id,
	).Scan(&exec.ID, &exec.UserID, &exec.InstallationID, &exec.AgentID, &exec.EventID, &exec.Tool,
		&exec.Payload, &status, &exec.Result, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ToolExecution{}, ErrNotFound
	}
	if err != nil {
		return model.ToolExecution{}, fmt.Errorf("storage: get tool execution: %w", err)
	}
	exec.Status = model.ToolStatus(status)
	return exec, nil
}

// TransitionToolExecution moves an execution from one status to another,
// optionally recording a result or error. The WHERE clause carries the
// expected current status so a concurrent decision cannot double-fire.
func (db *DB) TransitionToolExecution(ctx context.Context, id uuid.UUID, from, to model.ToolStatus, result map[string]any, execErr *string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: tool transition %s -> %s", model.ErrValidation, from, to)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tool_executions
		    SET status = $3, result = COALESCE($4, result), error = $5, updated_at = now()
		  WHERE id = $1 AND status = $2`,
		id, string(from), string(to), result, execErr,
	)
	if err != nil {
		return fmt.Errorf("storage: transition tool execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListToolExecutionsByStatus returns a user's executions in a given status,
// oldest first. Used to surface pending approvals.
func (db *DB) ListToolExecutionsByStatus(ctx context.Context, userID uuid.UUID, status model.ToolStatus) ([]model.ToolExecution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, installation_id, agent_id, event_id, tool, payload, status, result, error, created_at, updated_at
		   FROM tool_executions WHERE user_id = $1 AND status = $2
		  ORDER BY created_at, id`, userID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool executions: %w", err)
	}
	defer rows.Close()

	var out []model.ToolExecution
	for rows.Next() {
		var exec model.ToolExecution
		var st string
		if err := rows.Scan(&exec.ID, &exec.UserID, &exec.InstallationID, &exec.AgentID, &exec.EventID, &exec.Tool,
			&exec.Payload, &st, &exec.Result, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool execution: %w", err)
		}
		exec.Status = model.ToolStatus(st)
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CreateHumanApproval records the single decision for a pending execution.
// The primary key makes a second decision impossible.
func (db *DB) CreateHumanApproval(ctx context.Context, a model.HumanApproval) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO human_approvals (tool_execution_id, decider_id, decision, comment, decided_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ToolExecutionID, a.DeciderID, string(a.Decision), a.Comment, a.DecidedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("storage: create human approval: %w", err)
	}
	return nil
}

// GetHumanApproval retrieves the decision recorded for a tool execution.
func (db *DB) GetHumanApproval(ctx context.Context, toolExecutionID uuid.UUID) (model.HumanApproval, error) {
	var a model.HumanApproval
	var decision string
	err := db.pool.QueryRow(ctx,
		`SELECT tool_execution_id, decider_id, decision, comment, decided_at
		   FROM human_approvals WHERE tool_execution_id = $1`, toolExecutionID,
	).Scan(&a.ToolExecutionID, &a.DeciderID, &decision, &a.Comment, &a.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.HumanApproval{}, ErrNotFound
	}
	if err != nil {
		return model.HumanApproval{}, fmt.Errorf("storage: get human approval: %w", err)
	}
	a.Decision = model.Decision(decision)
	return a, nil
}
