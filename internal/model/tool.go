package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolDefinition is a static registry entry for one named tool.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// RequiresApproval gates every execution of this tool on an explicit
	// human decision.
	RequiresApproval bool `json:"requires_approval"`

	// InputSchema is a JSON schema (draft 2020-12) that request payloads must
	// satisfy. Empty means any payload is accepted.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolStatus is the state of a tool execution.
//
// The machine is:
//
//	requested → (pending_approval | approved) → executing → (completed | failed)
//	pending_approval → rejected
//
// pending_approval is a real suspension point: the dispatch branch ends there
// and resumes only when a human decision is recorded.
type ToolStatus string

const (
	ToolRequested       ToolStatus = "requested"
	ToolPendingApproval ToolStatus = "pending_approval"
	ToolApproved        ToolStatus = "approved"
	ToolExecuting       ToolStatus = "executing"
	ToolCompleted       ToolStatus = "completed"
	ToolFailed          ToolStatus = "failed"
	ToolRejected        ToolStatus = "rejected"
)

var toolTransitions = map[ToolStatus][]ToolStatus{
	ToolRequested:       {ToolPendingApproval, ToolApproved, ToolExecuting},
	ToolPendingApproval: {ToolApproved, ToolRejected},
	ToolApproved:        {ToolExecuting},
	ToolExecuting:       {ToolCompleted, ToolFailed},
}

// CanTransition reports whether from → to is a legal tool execution
// transition.
func (s ToolStatus) CanTransition(to ToolStatus) bool {
	for _, next := range toolTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ToolStatus) Terminal() bool {
	return len(toolTransitions[s]) == 0
}

// ToolExecution is one tool invocation request and its lifecycle.
type ToolExecution struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	InstallationID uuid.UUID      `json:"installation_id"`
	AgentID        string         `json:"agent_id"`
	EventID        uuid.UUID      `json:"event_id"`
	Tool           string         `json:"tool"`
	Payload        map[string]any `json:"payload"`
	Status         ToolStatus     `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Decision is a human reviewer's verdict on a pending tool execution.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// HumanApproval records exactly one decision for a tool execution that
// required approval. Immutable once written.
type HumanApproval struct {
	ToolExecutionID uuid.UUID `json:"tool_execution_id"`
	DeciderID       uuid.UUID `json:"decider_id"`
	Decision        Decision  `json:"decision"`
	Comment         *string   `json:"comment,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}
