package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TraceKind distinguishes the two record shapes in the execution log.
type TraceKind string

const (
	// TraceInvocation records one agent invocation attempt for one event.
	TraceInvocation TraceKind = "invocation"

	// TraceToolTransition records one tool execution state transition.
	TraceToolTransition TraceKind = "tool_transition"
)

// TraceOutcome classifies how an invocation attempt ended.
type TraceOutcome string

const (
	OutcomeCompleted        TraceOutcome = "completed"
	OutcomeHandlerFailure   TraceOutcome = "handler_failure"
	OutcomePermissionDenied TraceOutcome = "permission_denied"
	OutcomeConflict         TraceOutcome = "conflict"
	OutcomeDroppedMaxHops   TraceOutcome = "dropped_max_hops"
)

// ExecutionTrace is one write-once record in the append-only execution log.
// Invocation traces carry the installation and outcome; tool transition
// traces carry the execution id and the status entered. Traces are never
// edited or deleted by the core; they are the durable audit trail.
type ExecutionTrace struct {
	ID      uuid.UUID `json:"id"`
	Kind    TraceKind `json:"kind"`
	EventID uuid.UUID `json:"event_id"`

	// Invocation fields. InstallationID is nil for dropped_max_hops records,
	// which belong to the event as a whole.
	InstallationID *uuid.UUID   `json:"installation_id,omitempty"`
	AgentID        string       `json:"agent_id,omitempty"`
	Outcome        TraceOutcome `json:"outcome,omitempty"`

	// InputsSnapshot references the context snapshot the handler saw;
	// OutputsSummary condenses what it returned.
	InputsSnapshot json.RawMessage `json:"inputs_snapshot,omitempty"`
	OutputsSummary *string         `json:"outputs_summary,omitempty"`

	// Tool transition fields.
	ToolExecutionID *uuid.UUID `json:"tool_execution_id,omitempty"`
	ToolStatus      ToolStatus `json:"tool_status,omitempty"`

	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
