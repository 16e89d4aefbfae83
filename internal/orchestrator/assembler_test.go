package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/memstore"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/orchestrator"
)

func TestAssembleSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assembler := orchestrator.NewAssembler(store, nil, logger, 3)

	userID := uuid.New()
	require.NoError(t, store.CreateUser(ctx, model.User{
		ID: userID, Status: model.UserActive, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.UpdateUserProfile(ctx, userID, map[string]any{"name": "Dana"}))
	_, err := store.ApplySharedContext(ctx, userID, map[string]any{"mood": "ok"}, 0)
	require.NoError(t, err)

	installID := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, store.CreateInstallation(ctx, model.AgentInstallation{
		ID: installID, UserID: userID, AgentID: "coach", Version: "1.0.0",
		Status: model.InstallActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertAgentContext(ctx, installID, map[string]any{"seen": 2}))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertEvent(ctx, model.Event{
			ID: uuid.New(), UserID: userID, Type: fmt.Sprintf("e.%d", i),
			OccurredAt: time.Now().UTC(),
		}))
	}

	ec, err := assembler.Assemble(ctx, userID, installID)
	require.NoError(t, err)

	assert.Equal(t, "Dana", ec.UserProfile["name"])
	assert.Equal(t, "ok", ec.SharedContext["mood"])
	assert.Equal(t, int64(1), ec.SharedVersion)
	assert.Equal(t, float64(2), ec.AgentMemory["seen"])

	// Recent events are capped at the configured limit, newest first.
	require.Len(t, ec.RecentEvents, 3)
	assert.Equal(t, "e.4", ec.RecentEvents[0].Type)
	assert.Equal(t, "e.2", ec.RecentEvents[2].Type)

	// The snapshot is a copy: mutating it leaves stored state alone.
	ec.SharedContext["mood"] = "mutated"
	shared, err := store.GetSharedContext(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "ok", shared.Values["mood"])
}

func TestAssembleFirstInvocationHasEmptyMemory(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	assembler := orchestrator.NewAssembler(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)

	userID := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, store.CreateUser(ctx, model.User{
		ID: userID, Status: model.UserActive, CreatedAt: now,
	}))
	installID := uuid.New()
	require.NoError(t, store.CreateInstallation(ctx, model.AgentInstallation{
		ID: installID, UserID: userID, AgentID: "coach", Version: "1.0.0",
		Status: model.InstallActive, CreatedAt: now, UpdatedAt: now,
	}))

	ec, err := assembler.Assemble(ctx, userID, installID)
	require.NoError(t, err)
	assert.Empty(t, ec.AgentMemory)
	assert.Equal(t, int64(0), ec.SharedVersion)
}

func TestAssembleUnknownInstallation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	assembler := orchestrator.NewAssembler(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)

	userID := uuid.New()
	require.NoError(t, store.CreateUser(ctx, model.User{
		ID: userID, Status: model.UserActive, CreatedAt: time.Now().UTC(),
	}))

	_, err := assembler.Assemble(ctx, userID, uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAssembleUnknownUser(t *testing.T) {
	store := memstore.New()
	assembler := orchestrator.NewAssembler(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)

	_, err := assembler.Assemble(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
