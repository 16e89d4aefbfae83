// Package sdk is the public surface for agent and tool authors.
//
// Agents are pure logic: they receive an immutable event plus a point-in-time
// context snapshot and return structured results (context updates, tool
// requests, events to emit). They must not perform their own I/O; all side
// effects flow through the orchestrator, which enforces manifest permissions
// and records an audit trail.
//
// The types here are standalone structs with no internal imports, so external
// modules can implement Agent and Tool without depending on the engine.
package sdk

import (
	"context"
	"time"
)

// Scope names a writable region of agent context.
type Scope string

const (
	// ScopeShared is the per-user collaborative key/value surface.
	// Writing it requires the shared_context permission in the manifest.
	ScopeShared Scope = "shared_context"

	// ScopeMemory is the installation's private key/value memory.
	ScopeMemory Scope = "agent_memory"
)

// Event is the agent-facing view of an orchestrator event.
type Event struct {
	ID string `json:"id"`
	// Type is the event type string agents subscribe to, e.g. "user.checkin".
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	// OriginAgentID is the agent_id that emitted this event, empty for
	// user-initiated events.
	OriginAgentID string    `json:"origin_agent_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ExecutionContext is the read-only snapshot an agent sees during a single
// invocation. All maps and slices are copies taken at assembly time; mutating
// them has no effect on stored state.
type ExecutionContext struct {
	UserProfile   map[string]any `json:"user_profile"`
	SharedContext map[string]any `json:"shared_context"`
	// SharedVersion is the optimistic-concurrency token for SharedContext as
	// read at assembly time. The orchestrator uses it when applying
	// ScopeShared updates; agents can ignore it.
	SharedVersion int64          `json:"shared_version"`
	AgentMemory   map[string]any `json:"agent_memory"`
	// RecentEvents holds the user's most recent events, newest first.
	RecentEvents []Event `json:"recent_events"`
}

// ToolRequest asks the orchestrator to invoke a named tool. The tool must be
// present in the agent's manifest allow-list and the payload must validate
// against the tool definition's input schema.
type ToolRequest struct {
	Tool    string         `json:"tool"`
	Payload map[string]any `json:"payload"`
}

// EventDraft is an event an agent wants to emit. The orchestrator stamps
// identity, causal parentage, and depth before dispatching it.
type EventDraft struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// AgentResult is the structured outcome of a single HandleEvent invocation.
// The zero value means "no effects".
type AgentResult struct {
	// ContextUpdates maps a scope to the keys the agent wants written there.
	// Updates are applied all-or-nothing per invocation.
	ContextUpdates map[Scope]map[string]any `json:"context_updates,omitempty"`
	ToolRequests   []ToolRequest            `json:"tool_requests,omitempty"`
	EmittedEvents  []EventDraft             `json:"emitted_events,omitempty"`
}

// Agent is the capability contract every agent implements.
//
// Both methods are synchronous and must be deterministic for identical inputs.
// A panic inside either method is recovered by the orchestrator and recorded
// as a handler failure; it never crashes the process.
type Agent interface {
	// Onboard personalizes the agent at install time and returns the initial
	// agent memory for the new installation.
	Onboard(ctx context.Context, inputs map[string]any, ec ExecutionContext) (map[string]any, error)

	// HandleEvent reacts to one event with the given context snapshot.
	HandleEvent(ctx context.Context, event Event, ec ExecutionContext) (AgentResult, error)
}

// Tool is a named side-effecting capability the orchestrator can execute on
// behalf of an agent, after permission and schema checks (and human approval
// when the tool definition requires it).
type Tool interface {
	// Run executes the tool with an input payload that already validated
	// against the tool definition's schema.
	Run(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Run implements Tool.
func (f ToolFunc) Run(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}
