package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/memstore"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
)

func newUser(t *testing.T, s *memstore.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.CreateUser(context.Background(), model.User{
		ID: id, Status: model.UserActive, CreatedAt: time.Now().UTC(),
	}))
	return id
}

func TestSharedContextVersioning(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	userID := newUser(t, s)

	v, err := s.ApplySharedContext(ctx, userID, map[string]any{"a": 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// A stale token is rejected without touching state.
	_, err = s.ApplySharedContext(ctx, userID, map[string]any{"b": 2}, 0)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)

	sc, err := s.GetSharedContext(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sc.Version)
	assert.NotContains(t, sc.Values, "b")

	// Updates merge, they do not replace.
	_, err = s.ApplySharedContext(ctx, userID, map[string]any{"b": 2}, 1)
	require.NoError(t, err)
	sc, err = s.GetSharedContext(ctx, userID)
	require.NoError(t, err)
	assert.Contains(t, sc.Values, "a")
	assert.Contains(t, sc.Values, "b")

	_, err = s.ApplySharedContext(ctx, uuid.New(), map[string]any{}, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValueIsolation(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	userID := newUser(t, s)

	_, err := s.ApplySharedContext(ctx, userID, map[string]any{"k": "v"}, 0)
	require.NoError(t, err)

	sc, err := s.GetSharedContext(ctx, userID)
	require.NoError(t, err)
	sc.Values["k"] = "mutated"

	again, err := s.GetSharedContext(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Values["k"])
}

func TestInstallationGuardedTransition(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	userID := newUser(t, s)

	inst := model.AgentInstallation{
		ID: uuid.New(), UserID: userID, AgentID: "a", Version: "1.0.0",
		Status: model.InstallPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateInstallation(ctx, inst))

	// Same user+agent+version is a duplicate even under a fresh id.
	dup := inst
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateInstallation(ctx, dup), storage.ErrDuplicate)

	// Guard mismatch reads as not-found, like a guarded UPDATE matching no row.
	err := s.UpdateInstallationStatus(ctx, inst.ID, model.InstallActive, model.InstallPaused)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// An illegal transition is a validation failure.
	err = s.UpdateInstallationStatus(ctx, inst.ID, model.InstallPending, model.InstallPaused)
	assert.ErrorIs(t, err, model.ErrValidation)

	require.NoError(t, s.UpdateInstallationStatus(ctx, inst.ID, model.InstallPending, model.InstallActive))
	got, err := s.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstallActive, got.Status)
}

func TestToolExecutionGuardedTransition(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	exec := model.ToolExecution{
		ID: uuid.New(), UserID: uuid.New(), InstallationID: uuid.New(),
		AgentID: "a", EventID: uuid.New(), Tool: "t",
		Status: model.ToolRequested, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateToolExecution(ctx, exec))
	assert.ErrorIs(t, s.CreateToolExecution(ctx, exec), storage.ErrDuplicate)

	err := s.TransitionToolExecution(ctx, exec.ID, model.ToolExecuting, model.ToolCompleted, nil, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.TransitionToolExecution(ctx, exec.ID, model.ToolRequested, model.ToolCompleted, nil, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	require.NoError(t, s.TransitionToolExecution(ctx, exec.ID, model.ToolRequested, model.ToolExecuting, nil, nil))
	result := map[string]any{"ok": true}
	require.NoError(t, s.TransitionToolExecution(ctx, exec.ID, model.ToolExecuting, model.ToolCompleted, result, nil))

	got, err := s.GetToolExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCompleted, got.Status)
	assert.Equal(t, true, got.Result["ok"])
}

func TestListRecentEventsOrderAndLimit(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	userID := newUser(t, s)
	otherID := newUser(t, s)

	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.InsertEvent(ctx, model.Event{
			ID: ids[i], UserID: userID, Type: "e", OccurredAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, s.InsertEvent(ctx, model.Event{
		ID: uuid.New(), UserID: otherID, Type: "noise", OccurredAt: time.Now().UTC(),
	}))

	events, err := s.ListRecentEvents(ctx, userID, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ids[3], events[0].ID)
	assert.Equal(t, ids[1], events[2].ID)
}

func TestHumanApprovalSingleDecision(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	a := model.HumanApproval{
		ToolExecutionID: uuid.New(),
		DeciderID:       uuid.New(),
		Decision:        model.DecisionApproved,
		DecidedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.CreateHumanApproval(ctx, a))
	assert.ErrorIs(t, s.CreateHumanApproval(ctx, a), storage.ErrDuplicate)

	got, err := s.GetHumanApproval(ctx, a.ToolExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, got.Decision)
}
