package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManifestKey is the compound identity of a manifest version. Manifests are
// immutable: a new version supersedes, never mutates, an old one.
type ManifestKey struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version"`
}

// String renders the key in the canonical agent_id:version form.
func (k ManifestKey) String() string {
	return k.AgentID + ":" + k.Version
}

// ManifestStatus is the publication state of a manifest version.
type ManifestStatus string

const (
	ManifestActive     ManifestStatus = "active"
	ManifestDeprecated ManifestStatus = "deprecated"
	ManifestArchived   ManifestStatus = "archived"
)

// Permissions declares which context scopes an agent may write. Reads are
// always allowed; the assembler hands every agent its own snapshot.
type Permissions struct {
	SharedContext bool `json:"shared_context"`
	AgentMemory   bool `json:"agent_memory"`
}

// Manifest is the versioned, immutable definition of an agent: what it
// subscribes to, what it may emit, which tools it may request, and the JSON
// schema of its onboarding inputs.
type Manifest struct {
	ManifestKey
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SubscribedEvents []string `json:"subscribed_events"`
	EmittedEvents    []string `json:"emitted_events"`

	// Tools is the allow-list of tool names this agent may request.
	Tools []string `json:"tools,omitempty"`

	Permissions Permissions `json:"permissions"`

	// Inputs is a JSON schema (draft 2020-12) describing required and
	// optional onboarding inputs. Empty means no inputs.
	Inputs json.RawMessage `json:"inputs,omitempty"`

	Status    ManifestStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubscribesTo reports whether the manifest declares a subscription to the
// given event type.
func (m Manifest) SubscribesTo(eventType string) bool {
	for _, t := range m.SubscribedEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the tool name is on the manifest allow-list.
func (m Manifest) AllowsTool(name string) bool {
	for _, t := range m.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a manifest at publish time.
func (m Manifest) Validate() error {
	if m.AgentID == "" {
		return fmt.Errorf("%w: manifest agent_id is required", ErrValidation)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: manifest version is required", ErrValidation)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: manifest name is required", ErrValidation)
	}
	return nil
}

// InstallStatus is the lifecycle state of an installation.
type InstallStatus string

const (
	InstallPending     InstallStatus = "pending"
	InstallActive      InstallStatus = "active"
	InstallPaused      InstallStatus = "paused"
	InstallUninstalled InstallStatus = "uninstalled"
)

// installTransitions is the set of legal installation state changes.
var installTransitions = map[InstallStatus][]InstallStatus{
	InstallPending: {InstallActive, InstallUninstalled},
	InstallActive:  {InstallPaused, InstallUninstalled},
	InstallPaused:  {InstallActive, InstallUninstalled},
}

// CanTransition reports whether from → to is a legal installation transition.
func (s InstallStatus) CanTransition(to InstallStatus) bool {
	for _, next := range installTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentInstallation is a user-specific instance of a manifest. The dispatch
// engine consults it to decide whether an agent is eligible to receive events.
type AgentInstallation struct {
	ID        uuid.UUID     `json:"id"`
	UserID    uuid.UUID     `json:"user_id"`
	AgentID   string        `json:"agent_id"`
	Version   string        `json:"version"`
	Status    InstallStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key returns the manifest key this installation is bound to.
func (i AgentInstallation) Key() ManifestKey {
	return ManifestKey{AgentID: i.AgentID, Version: i.Version}
}

// AgentContext is the private memory of one installation. Only code executing
// on behalf of that installation may read or write it.
type AgentContext struct {
	InstallationID uuid.UUID      `json:"installation_id"`
	Memory         map[string]any `json:"memory"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
