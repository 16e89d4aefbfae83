package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/sdk"
)

// Invoker runs agent handlers with panic isolation. A handler that panics or
// returns an error fails only its own branch; the error comes back wrapped in
// model.ErrHandlerFailure so the engine can classify the trace outcome.
type Invoker struct {
	logger *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{logger: logger}
}

// Invoke calls HandleEvent on one agent.
func (i *Invoker) Invoke(ctx context.Context, agent sdk.Agent, event sdk.Event, ec sdk.ExecutionContext) (result sdk.AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("agent handler panicked",
				"event_type", event.Type, "panic", r, "stack", string(debug.Stack()))
			result = sdk.AgentResult{}
			err = fmt.Errorf("%w: handler panic: %v", model.ErrHandlerFailure, r)
		}
	}()
	result, err = agent.HandleEvent(ctx, event, ec)
	if err != nil {
		return sdk.AgentResult{}, fmt.Errorf("%w: %v", model.ErrHandlerFailure, err)
	}
	return result, nil
}

// Onboard calls Onboard on one agent with the same isolation as Invoke.
func (i *Invoker) Onboard(ctx context.Context, agent sdk.Agent, inputs map[string]any, ec sdk.ExecutionContext) (memory map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("agent onboarding panicked",
				"panic", r, "stack", string(debug.Stack()))
			memory = nil
			err = fmt.Errorf("%w: onboarding panic: %v", model.ErrHandlerFailure, r)
		}
	}()
	memory, err = agent.Onboard(ctx, inputs, ec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrHandlerFailure, err)
	}
	return memory, nil
}
