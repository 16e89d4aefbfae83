package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/model"
)

// InsertTrace appends one execution trace record. Traces are write-once;
// there is deliberately no update or delete path in this package.
func (db *DB) InsertTrace(ctx context.Context, t model.ExecutionTrace) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO execution_traces
		   (id, kind, event_id, installation_id, agent_id, outcome, inputs_snapshot, outputs_summary, tool_execution_id, tool_status, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, string(t.Kind), t.EventID, t.InstallationID, t.AgentID, string(t.Outcome),
		t.InputsSnapshot, t.OutputsSummary, t.ToolExecutionID, string(t.ToolStatus),
		t.Error, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	return nil
}

// ListTracesByEvent returns all trace records for one event in insertion
// order.
func (db *DB) ListTracesByEvent(ctx context.Context, eventID uuid.UUID) ([]model.ExecutionTrace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, event_id, installation_id, agent_id, outcome, inputs_snapshot, outputs_summary, tool_execution_id, tool_status, error, started_at, finished_at
		   FROM execution_traces WHERE event_id = $1
		  ORDER BY started_at, id`, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionTrace
	for rows.Next() {
		var t model.ExecutionTrace
		var kind, outcome, toolStatus string
		if err := rows.Scan(&t.ID, &kind, &t.EventID, &t.InstallationID, &t.AgentID, &outcome,
			&t.InputsSnapshot, &t.OutputsSummary, &t.ToolExecutionID, &toolStatus,
			&t.Error, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		t.Kind = model.TraceKind(kind)
		t.Outcome = model.TraceOutcome(outcome)
		t.ToolStatus = model.ToolStatus(toolStatus)
		out = append(out, t)
	}
	return out, rows.Err()
}
