package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, append-only fact forming a node of the causal DAG.
// Never updated after creation.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	UserID  uuid.UUID      `json:"user_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`

	// ParentEventID links to the event that caused this one; nil for
	// user-initiated root events.
	ParentEventID *uuid.UUID `json:"parent_event_id,omitempty"`

	// CausalDepth is the hop count from the root event (root = 0). Every
	// non-root event has CausalDepth = parent.CausalDepth + 1.
	CausalDepth int `json:"causal_depth"`

	// OriginInstallationID identifies the installation whose handler emitted
	// this event; nil for user-initiated events. The dispatch engine excludes
	// this installation from the event's subscribers (self-loop rule).
	OriginInstallationID *uuid.UUID `json:"origin_installation_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the invariants of an event before it is persisted.
func (e Event) Validate() error {
	if e.UserID == uuid.Nil {
		return fmt.Errorf("%w: event user_id is required", ErrValidation)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if e.CausalDepth < 0 {
		return fmt.Errorf("%w: event causal_depth must be non-negative", ErrValidation)
	}
	if e.CausalDepth > 0 && e.ParentEventID == nil {
		return fmt.Errorf("%w: non-root event requires a parent", ErrValidation)
	}
	return nil
}

// Child derives an event caused by this one: depth is incremented, parentage
// and origin are stamped, identity is fresh.
func (e Event) Child(eventType string, payload map[string]any, origin uuid.UUID) Event {
	parent := e.ID
	org := origin
	return Event{
		ID:                   uuid.New(),
		UserID:               e.UserID,
		Type:                 eventType,
		Payload:              payload,
		ParentEventID:        &parent,
		CausalDepth:          e.CausalDepth + 1,
		OriginInstallationID: &org,
		OccurredAt:           time.Now().UTC(),
	}
}
