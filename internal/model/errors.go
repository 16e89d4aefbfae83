package model

import "errors"

// Failure taxonomy for the orchestration core. Every failure kind is isolated
// to the installation or event branch that caused it and is recorded in the
// execution trace; none of them crash the process.
var (
	// ErrNotFound reports a missing user, manifest, installation, tool
	// definition, or tool execution.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied reports a manifest scope or tool allow-list
	// violation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation reports malformed tool input or onboarding input.
	ErrValidation = errors.New("validation failed")

	// ErrHandlerFailure reports an agent capability that returned an error or
	// panicked. Treated as "no updates, no events" for that installation.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrConflict reports a SharedContext version mismatch that persisted
	// after the single permitted retry.
	ErrConflict = errors.New("shared context version conflict")

	// ErrMaxHops reports an event dropped at the causal depth ceiling.
	ErrMaxHops = errors.New("max event hops exceeded")
)
