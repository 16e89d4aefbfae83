package model

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

// User is the identity anchor. Identity fields are immutable after creation;
// only the profile changes, and only through the profile-update pathway.
type User struct {
	ID        uuid.UUID  `json:"id"`
	Phone     *string    `json:"phone,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// UserProfile holds semi-structured attributes describing the user.
// Read-only to agents.
type UserProfile struct {
	UserID     uuid.UUID      `json:"user_id"`
	Attributes map[string]any `json:"attributes"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SharedContext is the single collaborative key/value surface per user.
// Writes are last-writer-wins per key; Version is bumped on every successful
// write and checked optimistically to detect concurrent overwrite.
type SharedContext struct {
	UserID    uuid.UUID      `json:"user_id"`
	Values    map[string]any `json:"values"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}
