// Package audit writes the append-only execution trace log.
//
// Both the dispatch engine and the tool gateway record through a Recorder, so
// trace shape and logging stay uniform. Trace writes are best-effort with
// respect to the caller: a failed insert is logged and surfaced, but callers
// decide whether it aborts the branch.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/model"
)

// Store is the persistence surface the recorder needs.
type Store interface {
	InsertTrace(ctx context.Context, t model.ExecutionTrace) error
	ListTracesByEvent(ctx context.Context, eventID uuid.UUID) ([]model.ExecutionTrace, error)
}

// Recorder appends execution traces and mirrors them to structured logs.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger falls back to slog.Default.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Invocation describes one completed agent invocation attempt.
type Invocation struct {
	EventID        uuid.UUID
	InstallationID uuid.UUID
	AgentID        string
	Outcome        model.TraceOutcome
	Inputs         any
	OutputsSummary string
	Err            error
	StartedAt      time.Time
}

// RecordInvocation writes one invocation trace. Exactly one record is written
// per attempt, whatever the outcome.
func (r *Recorder) RecordInvocation(ctx context.Context, inv Invocation) error {
	now := time.Now().UTC()
	t := model.ExecutionTrace{
		ID:         uuid.New(),
		Kind:       model.TraceInvocation,
		EventID:    inv.EventID,
		AgentID:    inv.AgentID,
		Outcome:    inv.Outcome,
		StartedAt:  inv.StartedAt,
		FinishedAt: &now,
	}
	instID := inv.InstallationID
	t.InstallationID = &instID
	if inv.Inputs != nil {
		if snap, err := json.Marshal(inv.Inputs); err == nil {
			t.InputsSnapshot = snap
		}
	}
	if inv.OutputsSummary != "" {
		summary := inv.OutputsSummary
		t.OutputsSummary = &summary
	}
	if inv.Err != nil {
		msg := inv.Err.Error()
		t.Error = &msg
	}
	if err := r.store.InsertTrace(ctx, t); err != nil {
		r.logger.Error("trace insert failed",
			"kind", t.Kind, "event_id", inv.EventID, "agent_id", inv.AgentID, "error", err)
		return fmt.Errorf("audit: record invocation: %w", err)
	}
	r.logger.Info("invocation recorded",
		"event_id", inv.EventID,
		"installation_id", inv.InstallationID,
		"agent_id", inv.AgentID,
		"outcome", inv.Outcome,
	)
	return nil
}

// RecordDrop writes the single trace for an event dropped at the hop ceiling.
// The record belongs to the event as a whole, so it carries no installation.
func (r *Recorder) RecordDrop(ctx context.Context, event model.Event) error {
	now := time.Now().UTC()
	msg := fmt.Sprintf("causal depth %d reached the hop ceiling", event.CausalDepth)
	t := model.ExecutionTrace{
		ID:         uuid.New(),
		Kind:       model.TraceInvocation,
		EventID:    event.ID,
		Outcome:    model.OutcomeDroppedMaxHops,
		Error:      &msg,
		StartedAt:  now,
		FinishedAt: &now,
	}
	if err := r.store.InsertTrace(ctx, t); err != nil {
		r.logger.Error("trace insert failed",
			"kind", t.Kind, "event_id", event.ID, "error", err)
		return fmt.Errorf("audit: record drop: %w", err)
	}
	r.logger.Warn("event dropped at hop ceiling",
		"event_id", event.ID, "event_type", event.Type, "causal_depth", event.CausalDepth)
	return nil
}

// RecordToolTransition writes one trace per tool execution state change.
func (r *Recorder) RecordToolTransition(ctx context.Context, exec model.ToolExecution, entered model.ToolStatus, execErr error) error {
	now := time.Now().UTC()
	instID := exec.InstallationID
	execID := exec.ID
	t := model.ExecutionTrace{
		ID:              uuid.New(),
		Kind:            model.TraceToolTransition,
		EventID:         exec.EventID,
		InstallationID:  &instID,
		AgentID:         exec.AgentID,
		ToolExecutionID: &execID,
		ToolStatus:      entered,
		StartedAt:       now,
		FinishedAt:      &now,
	}
	if execErr != nil {
		msg := execErr.Error()
		t.Error = &msg
	}
	if err := r.store.InsertTrace(ctx, t); err != nil {
		r.logger.Error("trace insert failed",
			"kind", t.Kind, "tool_execution_id", exec.ID, "error", err)
		return fmt.Errorf("audit: record tool transition: %w", err)
	}
	r.logger.Info("tool transition recorded",
		"tool_execution_id", exec.ID,
		"tool", exec.Tool,
		"status", entered,
	)
	return nil
}

// ListByEvent returns the trace records for one event in recorded order.
func (r *Recorder) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]model.ExecutionTrace, error) {
	traces, err := r.store.ListTracesByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("audit: list traces: %w", err)
	}
	return traces, nil
}
