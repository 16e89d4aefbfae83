// Package orchestrator turns inbound events into bounded, traceable cascades
// of agent executions.
//
// The package splits the pipeline into small collaborators: the Registry
// resolves manifests, installations, and subscribers; the Assembler builds
// per-invocation context snapshots; the Invoker runs handlers with panic
// isolation; the Applier writes context updates under optimistic concurrency;
// and the Engine drives dispatch through a FIFO work queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/clara-ai/clara/internal/cache"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/internal/tool"
	"github.com/clara-ai/clara/sdk"
)

// Store is the persistence surface the orchestrator needs. Both *storage.DB
// and the in-memory store satisfy it.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserProfile(ctx context.Context, userID uuid.UUID) (model.UserProfile, error)
	GetSharedContext(ctx context.Context, userID uuid.UUID) (model.SharedContext, error)
	ApplySharedContext(ctx context.Context, userID uuid.UUID, updates map[string]any, expectedVersion int64) (int64, error)

	CreateManifest(ctx context.Context, m model.Manifest) error
	GetManifest(ctx context.Context, key model.ManifestKey) (model.Manifest, error)
	CreateInstallation(ctx context.Context, inst model.AgentInstallation) error
	GetInstallation(ctx context.Context, id uuid.UUID) (model.AgentInstallation, error)
	ListInstallations(ctx context.Context, userID uuid.UUID) ([]model.AgentInstallation, error)
	UpdateInstallationStatus(ctx context.Context, id uuid.UUID, from, to model.InstallStatus) error
	GetAgentContext(ctx context.Context, installationID uuid.UUID) (model.AgentContext, error)
	UpsertAgentContext(ctx context.Context, installationID uuid.UUID, updates map[string]any) error

	InsertEvent(ctx context.Context, e model.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error)
	ListRecentEvents(ctx context.Context, userID uuid.UUID, limit int) ([]model.Event, error)
}

// Subscriber is one installation eligible to receive an event, paired with
// the manifest version it is bound to.
type Subscriber struct {
	Installation model.AgentInstallation
	Manifest     model.Manifest
}

// Registry resolves manifests, installations, and agent implementations.
// Manifest and installation reads go through the cache; manifest loads are
// additionally deduplicated with singleflight since manifests are immutable
// and shared across every user of an agent version.
type Registry struct {
	store  Store
	cache  cache.Cache
	logger *slog.Logger

	sf singleflight.Group

	mu     sync.RWMutex
	agents map[string]sdk.Agent
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, c cache.Cache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &Registry{
		store:  store,
		cache:  c,
		logger: logger,
		agents: make(map[string]sdk.Agent),
	}
}

// RegisterAgent binds a Go implementation to an agent id. All versions of the
// agent share one implementation; behavioral differences between versions
// belong in the manifest.
func (r *Registry) RegisterAgent(agentID string, impl sdk.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = impl
}

// Implementation returns the registered implementation for an agent id.
func (r *Registry) Implementation(agentID string) (sdk.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: no implementation registered for agent %q", model.ErrNotFound, agentID)
	}
	return impl, nil
}

// PublishManifest validates and persists a new manifest version.
func (r *Registry) PublishManifest(ctx context.Context, m model.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := tool.CompileSchema(m.Inputs); err != nil {
		return fmt.Errorf("%w: manifest inputs schema: %v", model.ErrValidation, err)
	}
	if err := r.store.CreateManifest(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("%w: manifest %s already published", model.ErrConflict, m.ManifestKey)
		}
		return fmt.Errorf("orchestrator: publish manifest: %w", err)
	}
	return nil
}

// Manifest loads one manifest version, read-through cached. Concurrent
// misses for the same key collapse into one storage read.
func (r *Registry) Manifest(ctx context.Context, key model.ManifestKey) (model.Manifest, error) {
	ck := cache.ManifestKey(key)
	v, err, _ := r.sf.Do(ck, func() (any, error) {
		var m model.Manifest
		hit, cerr := r.cache.Get(ctx, ck, &m)
		if cerr != nil {
			r.logger.Warn("manifest cache read failed", "key", ck, "error", cerr)
		}
		if hit {
			return m, nil
		}
		m, serr := r.store.GetManifest(ctx, key)
		if serr != nil {
			return model.Manifest{}, serr
		}
		if cerr := r.cache.Set(ctx, ck, m, cache.ManifestTTL); cerr != nil {
			r.logger.Warn("manifest cache write failed", "key", ck, "error", cerr)
		}
		return m, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return model.Manifest{}, fmt.Errorf("%w: manifest %s", model.ErrNotFound, key)
	}
	if err != nil {
		return model.Manifest{}, fmt.Errorf("orchestrator: load manifest %s: %w", key, err)
	}
	return v.(model.Manifest), nil
}

// Installations returns a user's installations in creation order,
// read-through cached.
func (r *Registry) Installations(ctx context.Context, userID uuid.UUID) ([]model.AgentInstallation, error) {
	ck := cache.InstallationsKey(userID)
	var installs []model.AgentInstallation
	hit, cerr := r.cache.Get(ctx, ck, &installs)
	if cerr != nil {
		r.logger.Warn("installations cache read failed", "key", ck, "error", cerr)
	}
	if hit {
		return installs, nil
	}
	installs, err := r.store.ListInstallations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list installations: %w", err)
	}
	if cerr := r.cache.Set(ctx, ck, installs, cache.InstallationsTTL); cerr != nil {
		r.logger.Warn("installations cache write failed", "key", ck, "error", cerr)
	}
	return installs, nil
}

// InvalidateInstallations drops the cached installation list after a
// lifecycle change.
func (r *Registry) InvalidateInstallations(ctx context.Context, userID uuid.UUID) {
	if err := r.cache.Delete(ctx, cache.InstallationsKey(userID)); err != nil {
		r.logger.Warn("installations cache invalidation failed", "user_id", userID, "error", err)
	}
}

// SubscribersFor resolves which installations receive an event: active
// installations whose manifest subscribes to the event type, excluding the
// installation that emitted it. Returns model.ErrNotFound only when the user
// has no installations at all; an empty subscriber set is a normal outcome.
func (r *Registry) SubscribersFor(ctx context.Context, event model.Event) ([]Subscriber, error) {
	installs, err := r.Installations(ctx, event.UserID)
	if err != nil {
		return nil, err
	}
	if len(installs) == 0 {
		return nil, fmt.Errorf("%w: user %s has no installations", model.ErrNotFound, event.UserID)
	}

	var subs []Subscriber
	for _, inst := range installs {
		if inst.Status != model.InstallActive {
			continue
		}
		if event.OriginInstallationID != nil && inst.ID == *event.OriginInstallationID {
			continue
		}
		m, err := r.Manifest(ctx, inst.Key())
		if err != nil {
			r.logger.Warn("skipping installation with unresolvable manifest",
				"installation_id", inst.ID, "manifest", inst.Key(), "error", err)
			continue
		}
		if !m.SubscribesTo(event.Type) {
			continue
		}
		subs = append(subs, Subscriber{Installation: inst, Manifest: m})
	}
	return subs, nil
}
