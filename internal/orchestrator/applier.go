package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clara-ai/clara/internal/cache"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/sdk"
)

// Applier writes the context updates an invocation returned.
//
// Permission checks are all-or-nothing: if any requested scope is not granted
// by the manifest, nothing is written. Shared context writes are guarded by
// the optimistic version token captured at assembly time; on a version
// mismatch the write is retried once with the same token, and a second
// mismatch fails the branch with model.ErrConflict. The retry never adopts a
// newer version, so an update computed against a stale snapshot can never
// slip in silently.
type Applier struct {
	store  Store
	cache  cache.Cache
	logger *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(store Store, c cache.Cache, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &Applier{store: store, cache: c, logger: logger}
}

// Apply writes updates for one invocation of one installation.
func (ap *Applier) Apply(ctx context.Context, sub Subscriber, updates map[sdk.Scope]map[string]any, sharedVersion int64) error {
	if len(updates) == 0 {
		return nil
	}
	for scope := range updates {
		switch scope {
		case sdk.ScopeShared:
			if !sub.Manifest.Permissions.SharedContext {
				return fmt.Errorf("%w: %s may not write shared_context",
					model.ErrPermissionDenied, sub.Manifest.ManifestKey)
			}
		case sdk.ScopeMemory:
			if !sub.Manifest.Permissions.AgentMemory {
				return fmt.Errorf("%w: %s may not write agent_memory",
					model.ErrPermissionDenied, sub.Manifest.ManifestKey)
			}
		default:
			return fmt.Errorf("%w: unknown context scope %q", model.ErrValidation, scope)
		}
	}

	if shared, ok := updates[sdk.ScopeShared]; ok && len(shared) > 0 {
		if err := ap.applyShared(ctx, sub, shared, sharedVersion); err != nil {
			return err
		}
	}
	if memory, ok := updates[sdk.ScopeMemory]; ok && len(memory) > 0 {
		if err := ap.store.UpsertAgentContext(ctx, sub.Installation.ID, memory); err != nil {
			return fmt.Errorf("orchestrator: apply agent memory: %w", err)
		}
	}
	return nil
}

func (ap *Applier) applyShared(ctx context.Context, sub Subscriber, updates map[string]any, version int64) error {
	userID := sub.Installation.UserID
	_, err := ap.store.ApplySharedContext(ctx, userID, updates, version)
	if errors.Is(err, storage.ErrVersionMismatch) {
		ap.logger.Debug("shared context version mismatch, retrying once",
			"user_id", userID, "installation_id", sub.Installation.ID, "version", version)
		_, err = ap.store.ApplySharedContext(ctx, userID, updates, version)
	}
	if errors.Is(err, storage.ErrVersionMismatch) {
		return fmt.Errorf("%w: shared context moved past version %d", model.ErrConflict, version)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: apply shared context: %w", err)
	}
	if cerr := ap.cache.Delete(ctx, cache.SharedContextKey(userID)); cerr != nil {
		ap.logger.Warn("shared context cache invalidation failed", "user_id", userID, "error", cerr)
	}
	return nil
}
