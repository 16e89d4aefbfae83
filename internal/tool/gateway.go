// Package tool is the single chokepoint for tool execution.
//
// Every tool request passes the same gauntlet: manifest allow-list, input
// schema validation, a persisted execution record, and either immediate
// execution or suspension for human approval. State changes go through the
// guarded transition in storage and each one lands in the trace log.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/sdk"
)

// ResultEventType is the event type of the follow-up emitted when a tool
// execution reaches a terminal state. Agents subscribe to it like any other
// event type.
const ResultEventType = "tool.result"

// Store is the persistence surface the gateway needs.
type Store interface {
	GetToolDefinition(ctx context.Context, name string) (model.ToolDefinition, error)
	CreateToolExecution(ctx context.Context, exec model.ToolExecution) error
	GetToolExecution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error)
	TransitionToolExecution(ctx context.Context, id uuid.UUID, from, to model.ToolStatus, result map[string]any, execErr *string) error
	ListToolExecutionsByStatus(ctx context.Context, userID uuid.UUID, status model.ToolStatus) ([]model.ToolExecution, error)
	CreateHumanApproval(ctx context.Context, a model.HumanApproval) error
}

// Request is one tool invocation ask, already attributed to the installation
// whose handler produced it.
type Request struct {
	Installation model.AgentInstallation
	Manifest     model.Manifest
	EventID      uuid.UUID
	Tool         string
	Payload      map[string]any
}

// Outcome is what the gateway hands back to the dispatch engine. FollowUp is
// non-nil only when the execution landed in completed or failed; a suspended
// (pending_approval) or rejected execution produces no follow-up.
type Outcome struct {
	Execution model.ToolExecution
	FollowUp  *sdk.EventDraft
}

// Gateway mediates all tool execution.
type Gateway struct {
	store    Store
	registry *Registry
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewGateway creates a Gateway. A nil logger falls back to slog.Default.
func NewGateway(store Store, registry *Registry, recorder *audit.Recorder, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, registry: registry, recorder: recorder, logger: logger}
}

// Execute runs one tool request through the full lifecycle.
//
// Permission and schema checks happen before any row is created: a denied or
// invalid request leaves no tool_executions record. Once a record exists,
// every failure is captured on it rather than returned as a bare error.
func (g *Gateway) Execute(ctx context.Context, req Request) (Outcome, error) {
	if !req.Manifest.AllowsTool(req.Tool) {
		return Outcome{}, fmt.Errorf("%w: tool %q is not in the allow-list of %s",
			model.ErrPermissionDenied, req.Tool, req.Manifest.ManifestKey)
	}
	def, err := g.store.GetToolDefinition(ctx, req.Tool)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: unknown tool %q", model.ErrValidation, req.Tool)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("tool: load definition: %w", err)
	}
	if err := ValidatePayload(def.InputSchema, req.Payload); err != nil {
		return Outcome{}, err
	}

	now := time.Now().UTC()
	exec := model.ToolExecution{
		ID:             uuid.New(),
		UserID:         req.Installation.UserID,
		InstallationID: req.Installation.ID,
		AgentID:        req.Installation.AgentID,
		EventID:        req.EventID,
		Tool:           req.Tool,
		Payload:        req.Payload,
		Status:         model.ToolRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateToolExecution(ctx, exec); err != nil {
		return Outcome{}, fmt.Errorf("tool: create execution: %w", err)
	}
	_ = g.recorder.RecordToolTransition(ctx, exec, model.ToolRequested, nil)

	if def.RequiresApproval {
		if err := g.transition(ctx, &exec, model.ToolRequested, model.ToolPendingApproval, nil, nil); err != nil {
			return Outcome{}, err
		}
		g.logger.Info("tool execution awaiting approval",
			"tool_execution_id", exec.ID, "tool", exec.Tool, "agent_id", exec.AgentID)
		return Outcome{Execution: exec}, nil
	}

	if err := g.transition(ctx, &exec, model.ToolRequested, model.ToolExecuting, nil, nil); err != nil {
		return Outcome{}, err
	}
	return g.finish(ctx, exec)
}

// Decide records the single human decision for a pending execution and, on
// approval, runs the tool. A second decision fails with model.ErrConflict.
func (g *Gateway) Decide(ctx context.Context, executionID, deciderID uuid.UUID, decision model.Decision, comment *string) (Outcome, error) {
	exec, err := g.store.GetToolExecution(ctx, executionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: tool execution %s", model.ErrNotFound, executionID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("tool: load execution: %w", err)
	}
	if exec.Status != model.ToolPendingApproval {
		return Outcome{}, fmt.Errorf("%w: tool execution %s is %s, not pending approval",
			model.ErrValidation, executionID, exec.Status)
	}

	approval := model.HumanApproval{
		ToolExecutionID: executionID,
		DeciderID:       deciderID,
		Decision:        decision,
		Comment:         comment,
		DecidedAt:       time.Now().UTC(),
	}
	if err := g.store.CreateHumanApproval(ctx, approval); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Outcome{}, fmt.Errorf("%w: decision already recorded for %s", model.ErrConflict, executionID)
		}
		return Outcome{}, fmt.Errorf("tool: record approval: %w", err)
	}

	if decision == model.DecisionRejected {
		reason := "rejected by reviewer"
		if comment != nil && *comment != "" {
			reason = "rejected by reviewer: " + *comment
		}
		if err := g.transition(ctx, &exec, model.ToolPendingApproval, model.ToolRejected, nil, &reason); err != nil {
			return Outcome{}, err
		}
		g.logger.Info("tool execution rejected",
			"tool_execution_id", exec.ID, "tool", exec.Tool, "decider_id", deciderID)
		return Outcome{Execution: exec}, nil
	}

	if err := g.transition(ctx, &exec, model.ToolPendingApproval, model.ToolApproved, nil, nil); err != nil {
		return Outcome{}, err
	}
	if err := g.transition(ctx, &exec, model.ToolApproved, model.ToolExecuting, nil, nil); err != nil {
		return Outcome{}, err
	}
	return g.finish(ctx, exec)
}

// ListPending returns a user's executions suspended on approval, oldest first.
func (g *Gateway) ListPending(ctx context.Context, userID uuid.UUID) ([]model.ToolExecution, error) {
	return g.ListByStatus(ctx, userID, model.ToolPendingApproval)
}

// ListByStatus returns a user's executions in one status, oldest first.
func (g *Gateway) ListByStatus(ctx context.Context, userID uuid.UUID, status model.ToolStatus) ([]model.ToolExecution, error) {
	return g.store.ListToolExecutionsByStatus(ctx, userID, status)
}

// Execution retrieves one tool execution by id.
func (g *Gateway) Execution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error) {
	exec, err := g.store.GetToolExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ToolExecution{}, fmt.Errorf("%w: tool execution %s", model.ErrNotFound, id)
	}
	return exec, err
}

// finish runs the tool for an execution already in the executing state and
// lands it in completed or failed.
func (g *Gateway) finish(ctx context.Context, exec model.ToolExecution) (Outcome, error) {
	result, runErr := g.run(ctx, exec)
	if runErr != nil {
		msg := runErr.Error()
		if err := g.transition(ctx, &exec, model.ToolExecuting, model.ToolFailed, nil, &msg); err != nil {
			return Outcome{}, err
		}
		g.logger.Warn("tool execution failed",
			"tool_execution_id", exec.ID, "tool", exec.Tool, "error", runErr)
		return Outcome{Execution: exec, FollowUp: followUp(exec)}, nil
	}
	if err := g.transition(ctx, &exec, model.ToolExecuting, model.ToolCompleted, result, nil); err != nil {
		return Outcome{}, err
	}
	g.logger.Info("tool execution completed",
		"tool_execution_id", exec.ID, "tool", exec.Tool)
	return Outcome{Execution: exec, FollowUp: followUp(exec)}, nil
}

// run invokes the registered runner, converting a panic into an error so a
// misbehaving tool fails its own execution instead of the process.
func (g *Gateway) run(ctx context.Context, exec model.ToolExecution) (result map[string]any, err error) {
	runner, err := g.registry.Runner(exec.Tool)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool: runner panic: %v", r)
		}
	}()
	return runner.Run(ctx, exec.Payload)
}

// transition moves exec between states, mirrors the change onto the local
// copy, and records one trace.
func (g *Gateway) transition(ctx context.Context, exec *model.ToolExecution, from, to model.ToolStatus, result map[string]any, execErr *string) error {
	if err := g.store.TransitionToolExecution(ctx, exec.ID, from, to, result, execErr); err != nil {
		return fmt.Errorf("tool: transition %s -> %s: %w", from, to, err)
	}
	exec.Status = to
	if result != nil {
		exec.Result = result
	}
	exec.Error = execErr
	exec.UpdatedAt = time.Now().UTC()
	_ = g.recorder.RecordToolTransition(ctx, *exec, to, nil)
	return nil
}

// followUp builds the tool.result event draft for a terminal execution.
func followUp(exec model.ToolExecution) *sdk.EventDraft {
	payload := map[string]any{
		"tool_execution_id": exec.ID.String(),
		"tool":              exec.Tool,
		"status":            string(exec.Status),
	}
	if exec.Result != nil {
		payload["result"] = exec.Result
	}
	if exec.Error != nil {
		payload["error"] = *exec.Error
	}
	return &sdk.EventDraft{Type: ResultEventType, Payload: payload}
}
