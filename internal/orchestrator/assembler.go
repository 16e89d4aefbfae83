package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/cache"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/sdk"
)

// DefaultRecentEvents is how many recent events a snapshot carries when no
// limit is configured.
const DefaultRecentEvents = 10

// Assembler builds the point-in-time context snapshot an agent sees during
// one invocation. Each subscriber gets its own snapshot; nothing is shared
// between branches, so a handler mutating its maps affects nobody.
type Assembler struct {
	store       Store
	cache       cache.Cache
	logger      *slog.Logger
	recentLimit int
}

// NewAssembler creates an Assembler. recentLimit <= 0 selects the default.
func NewAssembler(store Store, c cache.Cache, logger *slog.Logger, recentLimit int) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.Noop{}
	}
	if recentLimit <= 0 {
		recentLimit = DefaultRecentEvents
	}
	return &Assembler{store: store, cache: c, logger: logger, recentLimit: recentLimit}
}

// Assemble builds the snapshot for one installation of one user. The shared
// context version is captured here and travels with the snapshot as the
// optimistic concurrency token for any later write.
func (a *Assembler) Assemble(ctx context.Context, userID, installationID uuid.UUID) (sdk.ExecutionContext, error) {
	profile, err := a.store.GetUserProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sdk.ExecutionContext{}, fmt.Errorf("%w: user %s", model.ErrNotFound, userID)
		}
		return sdk.ExecutionContext{}, fmt.Errorf("orchestrator: assemble profile: %w", err)
	}

	if _, err := a.store.GetInstallation(ctx, installationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sdk.ExecutionContext{}, fmt.Errorf("%w: installation %s", model.ErrNotFound, installationID)
		}
		return sdk.ExecutionContext{}, fmt.Errorf("orchestrator: assemble installation: %w", err)
	}

	shared, err := a.sharedContext(ctx, userID)
	if err != nil {
		return sdk.ExecutionContext{}, err
	}

	memory := map[string]any{}
	ac, err := a.store.GetAgentContext(ctx, installationID)
	switch {
	case err == nil:
		memory = ac.Memory
	case errors.Is(err, storage.ErrNotFound):
		// First invocation for this installation; empty memory is fine.
	default:
		return sdk.ExecutionContext{}, fmt.Errorf("orchestrator: assemble agent memory: %w", err)
	}

	events, err := a.store.ListRecentEvents(ctx, userID, a.recentLimit)
	if err != nil {
		return sdk.ExecutionContext{}, fmt.Errorf("orchestrator: assemble recent events: %w", err)
	}
	recent := make([]sdk.Event, 0, len(events))
	agentIDs := map[uuid.UUID]string{}
	for _, e := range events {
		recent = append(recent, toSDKEvent(e, a.originAgentID(ctx, e, agentIDs)))
	}

	return sdk.ExecutionContext{
		UserProfile:   profile.Attributes,
		SharedContext: shared.Values,
		SharedVersion: shared.Version,
		AgentMemory:   memory,
		RecentEvents:  recent,
	}, nil
}

// sharedContext reads the user's shared context through the cache.
func (a *Assembler) sharedContext(ctx context.Context, userID uuid.UUID) (model.SharedContext, error) {
	ck := cache.SharedContextKey(userID)
	var shared model.SharedContext
	hit, cerr := a.cache.Get(ctx, ck, &shared)
	if cerr != nil {
		a.logger.Warn("shared context cache read failed", "key", ck, "error", cerr)
	}
	if hit {
		return shared, nil
	}
	shared, err := a.store.GetSharedContext(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.SharedContext{}, fmt.Errorf("%w: shared context for user %s", model.ErrNotFound, userID)
		}
		return model.SharedContext{}, fmt.Errorf("orchestrator: assemble shared context: %w", err)
	}
	if cerr := a.cache.Set(ctx, ck, shared, cache.SharedContextTTL); cerr != nil {
		a.logger.Warn("shared context cache write failed", "key", ck, "error", cerr)
	}
	return shared, nil
}

// originAgentID resolves the agent id behind an event's origin installation,
// memoizing lookups across one snapshot.
func (a *Assembler) originAgentID(ctx context.Context, e model.Event, memo map[uuid.UUID]string) string {
	if e.OriginInstallationID == nil {
		return ""
	}
	id := *e.OriginInstallationID
	if agentID, ok := memo[id]; ok {
		return agentID
	}
	inst, err := a.store.GetInstallation(ctx, id)
	if err != nil {
		memo[id] = ""
		return ""
	}
	memo[id] = inst.AgentID
	return inst.AgentID
}

// toSDKEvent converts a stored event to its agent-facing view.
func toSDKEvent(e model.Event, originAgentID string) sdk.Event {
	return sdk.Event{
		ID:            e.ID.String(),
		Type:          e.Type,
		Payload:       e.Payload,
		OriginAgentID: originAgentID,
		OccurredAt:    e.OccurredAt,
	}
}
