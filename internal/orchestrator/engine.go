package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/internal/telemetry"
	"github.com/clara-ai/clara/internal/tool"
	"github.com/clara-ai/clara/sdk"
)

// DefaultMaxHops bounds the causal depth of any cascade.
const DefaultMaxHops = 10

// Engine drives event dispatch.
//
// Dispatch is iterative: a FIFO work queue holds events awaiting delivery, so
// a deep cascade costs queue entries, not stack frames. Subscribers of one
// event run in parallel; every branch failure is recorded in the trace log
// and contained to that branch. The only entry points that start dispatch are
// ProcessEvent and ResolveApproval.
type Engine struct {
	store     Store
	registry  *Registry
	assembler *Assembler
	invoker   *Invoker
	applier   *Applier
	gateway   *tool.Gateway
	recorder  *audit.Recorder
	logger    *slog.Logger
	maxHops   int

	eventsDispatched metric.Int64Counter
	eventsDropped    metric.Int64Counter
	invocations      metric.Int64Counter
}

// EngineParams collects the engine's collaborators.
type EngineParams struct {
	Store     Store
	Registry  *Registry
	Assembler *Assembler
	Invoker   *Invoker
	Applier   *Applier
	Gateway   *tool.Gateway
	Recorder  *audit.Recorder
	Logger    *slog.Logger

	// MaxHops overrides DefaultMaxHops when positive.
	MaxHops int
}

// NewEngine creates an Engine.
func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxHops := p.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	meter := telemetry.Meter("clara/orchestrator")
	dispatched, _ := meter.Int64Counter("clara.events.dispatched",
		metric.WithDescription("Events delivered to subscribers"),
	)
	dropped, _ := meter.Int64Counter("clara.events.dropped",
		metric.WithDescription("Events dropped at the hop ceiling"),
	)
	invocations, _ := meter.Int64Counter("clara.invocations",
		metric.WithDescription("Agent invocation attempts by outcome"),
	)
	return &Engine{
		store:     p.Store,
		registry:  p.Registry,
		assembler: p.Assembler,
		invoker:   p.Invoker,
		applier:   p.Applier,
		gateway:   p.Gateway,
		recorder:  p.Recorder,
		logger:    logger,
		maxHops:   maxHops,

		eventsDispatched: dispatched,
		eventsDropped:    dropped,
		invocations:      invocations,
	}
}

// ProcessEvent ingests a user-initiated root event and runs the cascade it
// triggers to completion. The returned event is the persisted root.
func (e *Engine) ProcessEvent(ctx context.Context, userID uuid.UUID, eventType string, payload map[string]any) (model.Event, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Event{}, fmt.Errorf("%w: user %s", model.ErrNotFound, userID)
		}
		return model.Event{}, fmt.Errorf("orchestrator: load user: %w", err)
	}
	root := model.Event{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := root.Validate(); err != nil {
		return model.Event{}, err
	}
	if err := e.store.InsertEvent(ctx, root); err != nil {
		return model.Event{}, fmt.Errorf("orchestrator: persist root event: %w", err)
	}
	e.dispatch(ctx, root)
	return root, nil
}

// ResolveApproval records a human decision on a suspended tool execution.
// If the decision lands the execution in a terminal state, the resulting
// tool.result event resumes dispatch from where the branch suspended.
func (e *Engine) ResolveApproval(ctx context.Context, executionID, deciderID uuid.UUID, decision model.Decision, comment *string) (model.ToolExecution, error) {
	out, err := e.gateway.Decide(ctx, executionID, deciderID, decision, comment)
	if err != nil {
		return model.ToolExecution{}, err
	}
	if out.FollowUp != nil {
		parent, err := e.store.GetEvent(ctx, out.Execution.EventID)
		if err != nil {
			e.logger.Error("cannot resume dispatch, originating event unavailable",
				"tool_execution_id", out.Execution.ID, "event_id", out.Execution.EventID, "error", err)
			return out.Execution, nil
		}
		child := parent.Child(out.FollowUp.Type, out.FollowUp.Payload, out.Execution.InstallationID)
		if err := e.store.InsertEvent(ctx, child); err != nil {
			e.logger.Error("cannot persist tool result event",
				"tool_execution_id", out.Execution.ID, "error", err)
			return out.Execution, nil
		}
		e.dispatch(ctx, child)
	}
	return out.Execution, nil
}

// dispatch delivers start and everything it causes, breadth-first. It never
// returns an error: dispatch failures degrade to traces and logs, not to a
// crashed cascade.
func (e *Engine) dispatch(ctx context.Context, start model.Event) {
	queue := []model.Event{start}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		if ev.CausalDepth >= e.maxHops {
			_ = e.recorder.RecordDrop(ctx, ev)
			e.eventsDropped.Add(ctx, 1)
			continue
		}
		e.eventsDispatched.Add(ctx, 1)

		subs, err := e.registry.SubscribersFor(ctx, ev)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				e.logger.Debug("event has no possible subscribers",
					"event_id", ev.ID, "event_type", ev.Type)
			} else {
				e.logger.Error("subscriber resolution failed",
					"event_id", ev.ID, "event_type", ev.Type, "error", err)
			}
			continue
		}
		if len(subs) == 0 {
			continue
		}

		// Branches run in parallel but children are collected per subscriber
		// index, so queue order stays deterministic.
		children := make([][]model.Event, len(subs))
		g, gctx := errgroup.WithContext(ctx)
		for idx, sub := range subs {
			g.Go(func() error {
				children[idx] = e.runBranch(gctx, ev, sub)
				return nil
			})
		}
		_ = g.Wait()
		for _, c := range children {
			queue = append(queue, c...)
		}
	}
}

// runBranch delivers one event to one subscriber. It returns the child
// events the branch produced. A failure before the result is applied ends
// the branch with a trace; a refused tool request is scoped to that single
// request and the rest of the result still lands.
func (e *Engine) runBranch(ctx context.Context, ev model.Event, sub Subscriber) []model.Event {
	started := time.Now().UTC()
	record := func(outcome model.TraceOutcome, summary string, err error) {
		e.invocations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
		))
		_ = e.recorder.RecordInvocation(ctx, audit.Invocation{
			EventID:        ev.ID,
			InstallationID: sub.Installation.ID,
			AgentID:        sub.Installation.AgentID,
			Outcome:        outcome,
			Inputs: map[string]any{
				"event_type":   ev.Type,
				"causal_depth": ev.CausalDepth,
				"manifest":     sub.Manifest.ManifestKey.String(),
			},
			OutputsSummary: summary,
			Err:            err,
			StartedAt:      started,
		})
	}

	impl, err := e.registry.Implementation(sub.Installation.AgentID)
	if err != nil {
		record(model.OutcomeHandlerFailure, "", err)
		return nil
	}

	ec, err := e.assembler.Assemble(ctx, ev.UserID, sub.Installation.ID)
	if err != nil {
		record(model.OutcomeHandlerFailure, "", err)
		return nil
	}

	res, err := e.invoker.Invoke(ctx, impl, toSDKEvent(ev, e.originAgent(ctx, ev)), ec)
	if err != nil {
		record(model.OutcomeHandlerFailure, "", err)
		return nil
	}

	if err := e.applier.Apply(ctx, sub, res.ContextUpdates, ec.SharedVersion); err != nil {
		record(classifyOutcome(err), "", err)
		return nil
	}

	var children []model.Event
	for _, tr := range res.ToolRequests {
		out, err := e.gateway.Execute(ctx, tool.Request{
			Installation: sub.Installation,
			Manifest:     sub.Manifest,
			EventID:      ev.ID,
			Tool:         tr.Tool,
			Payload:      tr.Payload,
		})
		if err != nil {
			e.logger.Warn("tool request refused",
				"agent_id", sub.Installation.AgentID, "tool", tr.Tool, "error", err)
			_ = e.recorder.RecordInvocation(ctx, audit.Invocation{
				EventID:        ev.ID,
				InstallationID: sub.Installation.ID,
				AgentID:        sub.Installation.AgentID,
				Outcome:        classifyOutcome(err),
				Inputs:         map[string]any{"tool": tr.Tool},
				Err:            err,
				StartedAt:      started,
			})
			continue
		}
		if out.FollowUp != nil {
			if child, ok := e.emit(ctx, ev, sub, *out.FollowUp); ok {
				children = append(children, child)
			}
		}
	}

	for _, draft := range res.EmittedEvents {
		if draft.Type == "" {
			e.logger.Warn("dropping emitted event with empty type",
				"installation_id", sub.Installation.ID, "agent_id", sub.Installation.AgentID)
			continue
		}
		if child, ok := e.emit(ctx, ev, sub, draft); ok {
			children = append(children, child)
		}
	}

	summary := fmt.Sprintf("updates=%d tools=%d events=%d",
		len(res.ContextUpdates), len(res.ToolRequests), len(res.EmittedEvents))
	record(model.OutcomeCompleted, summary, nil)
	return children
}

// emit persists one child event derived from ev on behalf of sub. Drafts of
// types the manifest never declared are dropped, keeping the emitted-events
// contract honest without failing the branch.
func (e *Engine) emit(ctx context.Context, ev model.Event, sub Subscriber, draft sdk.EventDraft) (model.Event, bool) {
	if draft.Type != tool.ResultEventType && !declares(sub.Manifest.EmittedEvents, draft.Type) {
		e.logger.Warn("dropping undeclared emitted event",
			"agent_id", sub.Installation.AgentID, "event_type", draft.Type)
		return model.Event{}, false
	}
	child := ev.Child(draft.Type, draft.Payload, sub.Installation.ID)
	if err := e.store.InsertEvent(ctx, child); err != nil {
		e.logger.Error("cannot persist emitted event",
			"event_type", draft.Type, "parent_event_id", ev.ID, "error", err)
		return model.Event{}, false
	}
	return child, true
}

// originAgent resolves the agent id behind the event's origin installation.
func (e *Engine) originAgent(ctx context.Context, ev model.Event) string {
	if ev.OriginInstallationID == nil {
		return ""
	}
	inst, err := e.store.GetInstallation(ctx, *ev.OriginInstallationID)
	if err != nil {
		return ""
	}
	return inst.AgentID
}

func declares(declared []string, eventType string) bool {
	for _, t := range declared {
		if t == eventType {
			return true
		}
	}
	return false
}

// classifyOutcome maps a branch error to its trace outcome.
func classifyOutcome(err error) model.TraceOutcome {
	switch {
	case errors.Is(err, model.ErrConflict):
		return model.OutcomeConflict
	case errors.Is(err, model.ErrPermissionDenied):
		return model.OutcomePermissionDenied
	default:
		return model.OutcomeHandlerFailure
	}
}
