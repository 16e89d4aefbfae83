package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionMismatch is returned when an optimistic shared-context write
// finds a version other than the one the caller read.
var ErrVersionMismatch = errors.New("storage: shared context version mismatch")

// ErrDuplicate is returned when a uniqueness constraint would be violated,
// e.g. installing the same agent version twice for one user.
var ErrDuplicate = errors.New("storage: duplicate")
