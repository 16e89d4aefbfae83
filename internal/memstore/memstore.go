// Package memstore is an in-memory implementation of the persistence
// collaborator. It backs unit tests and the quickstart example; the Postgres
// implementation in internal/storage is the production path.
//
// Values are copied through a JSON round trip on the way in and out, so
// callers observe the same value semantics as rows read from a database:
// mutating a returned map never changes stored state.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
)

// Store holds all engine state in process memory, guarded by one mutex.
type Store struct {
	mu sync.Mutex

	users          map[uuid.UUID]model.User
	profiles       map[uuid.UUID]model.UserProfile
	shared         map[uuid.UUID]model.SharedContext
	manifests      map[model.ManifestKey]model.Manifest
	installations  map[uuid.UUID]model.AgentInstallation
	agentContexts  map[uuid.UUID]model.AgentContext
	events         map[uuid.UUID]model.Event
	eventOrder     []uuid.UUID
	traces         []model.ExecutionTrace
	toolDefs       map[string]model.ToolDefinition
	toolExecutions map[uuid.UUID]model.ToolExecution
	approvals      map[uuid.UUID]model.HumanApproval
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:          make(map[uuid.UUID]model.User),
		profiles:       make(map[uuid.UUID]model.UserProfile),
		shared:         make(map[uuid.UUID]model.SharedContext),
		manifests:      make(map[model.ManifestKey]model.Manifest),
		installations:  make(map[uuid.UUID]model.AgentInstallation),
		agentContexts:  make(map[uuid.UUID]model.AgentContext),
		events:         make(map[uuid.UUID]model.Event),
		toolDefs:       make(map[string]model.ToolDefinition),
		toolExecutions: make(map[uuid.UUID]model.ToolExecution),
		approvals:      make(map[uuid.UUID]model.HumanApproval),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

func mergeInto(dst, updates map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for k, v := range cloneMap(updates) {
		dst[k] = v
	}
	return dst
}

// CreateUser inserts a user with empty profile and shared context rows.
func (s *Store) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return storage.ErrDuplicate
	}
	s.users[u.ID] = u
	s.profiles[u.ID] = model.UserProfile{UserID: u.ID, Attributes: map[string]any{}}
	s.shared[u.ID] = model.SharedContext{UserID: u.ID, Values: map[string]any{}}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

// GetUserProfile retrieves the profile attributes for a user.
func (s *Store) GetUserProfile(_ context.Context, userID uuid.UUID) (model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return model.UserProfile{}, storage.ErrNotFound
	}
	p.Attributes = cloneMap(p.Attributes)
	return p, nil
}

// UpdateUserProfile merges attributes into the user's profile.
func (s *Store) UpdateUserProfile(_ context.Context, userID uuid.UUID, attributes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Attributes = mergeInto(p.Attributes, attributes)
	s.profiles[userID] = p
	return nil
}

// GetSharedContext retrieves the per-user shared context with its version.
func (s *Store) GetSharedContext(_ context.Context, userID uuid.UUID) (model.SharedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.shared[userID]
	if !ok {
		return model.SharedContext{}, storage.ErrNotFound
	}
	sc.Values = cloneMap(sc.Values)
	return sc, nil
}

// ApplySharedContext merges updates if the stored version still equals
// expectedVersion, mirroring the atomic row-level check in Postgres.
func (s *Store) ApplySharedContext(_ context.Context, userID uuid.UUID, updates map[string]any, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.shared[userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if sc.Version != expectedVersion {
		return 0, storage.ErrVersionMismatch
	}
	sc.Values = mergeInto(sc.Values, updates)
	sc.Version++
	s.shared[userID] = sc
	return sc.Version, nil
}

// CreateManifest publishes a manifest version; duplicates are rejected.
func (s *Store) CreateManifest(_ context.Context, m model.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manifests[m.ManifestKey]; ok {
		return storage.ErrDuplicate
	}
	s.manifests[m.ManifestKey] = m
	return nil
}

// GetManifest retrieves a manifest by its compound key.
func (s *Store) GetManifest(_ context.Context, key model.ManifestKey) (model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[key]
	if !ok {
		return model.Manifest{}, storage.ErrNotFound
	}
	return m, nil
}

// CreateInstallation inserts a new installation row.
func (s *Store) CreateInstallation(_ context.Context, inst model.AgentInstallation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.installations {
		if existing.UserID == inst.UserID && existing.AgentID == inst.AgentID && existing.Version == inst.Version {
			return storage.ErrDuplicate
		}
	}
	s.installations[inst.ID] = inst
	return nil
}

// GetInstallation retrieves an installation by id.
func (s *Store) GetInstallation(_ context.Context, id uuid.UUID) (model.AgentInstallation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok {
		return model.AgentInstallation{}, storage.ErrNotFound
	}
	return inst, nil
}

// ListInstallations returns a user's installations in creation order.
func (s *Store) ListInstallations(_ context.Context, userID uuid.UUID) ([]model.AgentInstallation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AgentInstallation
	for _, inst := range s.installations {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// UpdateInstallationStatus performs a guarded status transition.
func (s *Store) UpdateInstallationStatus(_ context.Context, id uuid.UUID, from, to model.InstallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok || inst.Status != from {
		return storage.ErrNotFound
	}
	if !from.CanTransition(to) {
		return model.ErrValidation
	}
	inst.Status = to
	s.installations[id] = inst
	return nil
}

// GetAgentContext retrieves an installation's private memory.
func (s *Store) GetAgentContext(_ context.Context, installationID uuid.UUID) (model.AgentContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.agentContexts[installationID]
	if !ok {
		return model.AgentContext{}, storage.ErrNotFound
	}
	ac.Memory = cloneMap(ac.Memory)
	return ac, nil
}

// UpsertAgentContext merges updates into an installation's memory.
func (s *Store) UpsertAgentContext(_ context.Context, installationID uuid.UUID, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.agentContexts[installationID]
	if !ok {
		ac = model.AgentContext{InstallationID: installationID}
	}
	ac.Memory = mergeInto(ac.Memory, updates)
	s.agentContexts[installationID] = ac
	return nil
}

// InsertEvent appends an immutable event.
func (s *Store) InsertEvent(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return storage.ErrDuplicate
	}
	e.Payload = cloneMap(e.Payload)
	s.events[e.ID] = e
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

// GetEvent retrieves an event by id.
func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return model.Event{}, storage.ErrNotFound
	}
	e.Payload = cloneMap(e.Payload)
	return e, nil
}

// ListRecentEvents returns the user's most recent events, newest first.
// Insertion order stands in for occurred_at ordering, which keeps tests
// deterministic even when events share a timestamp.
func (s *Store) ListRecentEvents(_ context.Context, userID uuid.UUID, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	var out []model.Event
	for i := len(s.eventOrder) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[s.eventOrder[i]]
		if e.UserID == userID {
			e.Payload = cloneMap(e.Payload)
			out = append(out, e)
		}
	}
	return out, nil
}

// InsertTrace appends one execution trace record.
func (s *Store) InsertTrace(_ context.Context, t model.ExecutionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
	return nil
}

// ListTracesByEvent returns all trace records for one event in insertion
// order.
func (s *Store) ListTracesByEvent(_ context.Context, eventID uuid.UUID) ([]model.ExecutionTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExecutionTrace
	for _, t := range s.traces {
		if t.EventID == eventID {
			out = append(out, t)
		}
	}
	return out, nil
}

// UpsertToolDefinition registers or refreshes a static tool definition.
func (s *Store) UpsertToolDefinition(_ context.Context, def model.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolDefs[def.Name] = def
	return nil
}

// GetToolDefinition retrieves a tool definition by name.
func (s *Store) GetToolDefinition(_ context.Context, name string) (model.ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.toolDefs[name]
	if !ok {
		return model.ToolDefinition{}, storage.ErrNotFound
	}
	return def, nil
}

// CreateToolExecution inserts a new tool execution row.
func (s *Store) CreateToolExecution(_ context.Context, exec model.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toolExecutions[exec.ID]; ok {
		return storage.ErrDuplicate
	}
	exec.Payload = cloneMap(exec.Payload)
	s.toolExecutions[exec.ID] = exec
	return nil
}

// GetToolExecution retrieves a tool execution by id.
func (s *Store) GetToolExecution(_ context.Context, id uuid.UUID) (model.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.toolExecutions[id]
	if !ok {
		return model.ToolExecution{}, storage.ErrNotFound
	}
	exec.Payload = cloneMap(exec.Payload)
	exec.Result = cloneMap(exec.Result)
	return exec, nil
}

// TransitionToolExecution moves an execution between states with the same
// guarded semantics as the Postgres implementation.
func (s *Store) TransitionToolExecution(_ context.Context, id uuid.UUID, from, to model.ToolStatus, result map[string]any, execErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.toolExecutions[id]
	if !ok || exec.Status != from {
		return storage.ErrNotFound
	}
	if !from.CanTransition(to) {
		return model.ErrValidation
	}
	exec.Status = to
	if result != nil {
		exec.Result = cloneMap(result)
	}
	exec.Error = execErr
	s.toolExecutions[id] = exec
	return nil
}

// ListToolExecutionsByStatus returns a user's executions in a given status,
// oldest first.
func (s *Store) ListToolExecutionsByStatus(_ context.Context, userID uuid.UUID, status model.ToolStatus) ([]model.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ToolExecution
	for _, exec := range s.toolExecutions {
		if exec.UserID == userID && exec.Status == status {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// CreateHumanApproval records the single decision for a pending execution.
func (s *Store) CreateHumanApproval(_ context.Context, a model.HumanApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ToolExecutionID]; ok {
		return storage.ErrDuplicate
	}
	s.approvals[a.ToolExecutionID] = a
	return nil
}

// GetHumanApproval retrieves the decision recorded for a tool execution.
func (s *Store) GetHumanApproval(_ context.Context, toolExecutionID uuid.UUID) (model.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[toolExecutionID]
	if !ok {
		return model.HumanApproval{}, storage.ErrNotFound
	}
	return a, nil
}
