package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/memstore"
	"github.com/clara-ai/clara/internal/model"
)

func newRecorder() (*audit.Recorder, *memstore.Store) {
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return audit.NewRecorder(store, logger), store
}

func TestRecordInvocation(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()

	eventID := uuid.New()
	installID := uuid.New()
	started := time.Now().UTC().Add(-50 * time.Millisecond)

	require.NoError(t, r.RecordInvocation(ctx, audit.Invocation{
		EventID:        eventID,
		InstallationID: installID,
		AgentID:        "coach",
		Outcome:        model.OutcomeCompleted,
		Inputs:         map[string]any{"shared_version": 3},
		OutputsSummary: "2 context updates, 1 emitted event",
		StartedAt:      started,
	}))

	traces, err := r.ListByEvent(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, traces, 1)

	tr := traces[0]
	assert.Equal(t, model.TraceInvocation, tr.Kind)
	assert.Equal(t, eventID, tr.EventID)
	require.NotNil(t, tr.InstallationID)
	assert.Equal(t, installID, *tr.InstallationID)
	assert.Equal(t, "coach", tr.AgentID)
	assert.Equal(t, model.OutcomeCompleted, tr.Outcome)
	assert.JSONEq(t, `{"shared_version": 3}`, string(tr.InputsSnapshot))
	require.NotNil(t, tr.OutputsSummary)
	assert.Equal(t, "2 context updates, 1 emitted event", *tr.OutputsSummary)
	assert.Nil(t, tr.Error)
	assert.Equal(t, started, tr.StartedAt)
	require.NotNil(t, tr.FinishedAt)
	assert.False(t, tr.FinishedAt.Before(started))
}

func TestRecordInvocationFailure(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()
	eventID := uuid.New()

	require.NoError(t, r.RecordInvocation(ctx, audit.Invocation{
		EventID:        eventID,
		InstallationID: uuid.New(),
		AgentID:        "flaky",
		Outcome:        model.OutcomeHandlerFailure,
		Err:            errors.New("handler panicked"),
		StartedAt:      time.Now().UTC(),
	}))

	traces, err := r.ListByEvent(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, model.OutcomeHandlerFailure, traces[0].Outcome)
	require.NotNil(t, traces[0].Error)
	assert.Contains(t, *traces[0].Error, "handler panicked")
}

func TestRecordDrop(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()

	event := model.Event{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Type:        "ping",
		CausalDepth: 10,
		OccurredAt:  time.Now().UTC(),
	}
	require.NoError(t, r.RecordDrop(ctx, event))

	traces, err := r.ListByEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, traces, 1)

	tr := traces[0]
	assert.Equal(t, model.OutcomeDroppedMaxHops, tr.Outcome)
	// The drop belongs to the event as a whole, not to any installation.
	assert.Nil(t, tr.InstallationID)
	assert.Empty(t, tr.AgentID)
	require.NotNil(t, tr.Error)
	assert.Contains(t, *tr.Error, "causal depth 10")
}

func TestRecordToolTransition(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()

	exec := model.ToolExecution{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		InstallationID: uuid.New(),
		AgentID:        "payer",
		EventID:        uuid.New(),
		Tool:           "wire_money",
		Status:         model.ToolExecuting,
	}
	require.NoError(t, r.RecordToolTransition(ctx, exec, model.ToolExecuting, nil))
	require.NoError(t, r.RecordToolTransition(ctx, exec, model.ToolFailed, errors.New("upstream unavailable")))

	traces, err := r.ListByEvent(ctx, exec.EventID)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	first := traces[0]
	assert.Equal(t, model.TraceToolTransition, first.Kind)
	require.NotNil(t, first.ToolExecutionID)
	assert.Equal(t, exec.ID, *first.ToolExecutionID)
	assert.Equal(t, model.ToolExecuting, first.ToolStatus)
	assert.Nil(t, first.Error)

	second := traces[1]
	assert.Equal(t, model.ToolFailed, second.ToolStatus)
	require.NotNil(t, second.Error)
	assert.Contains(t, *second.Error, "upstream unavailable")
}

func TestListByEventEmpty(t *testing.T) {
	r, _ := newRecorder()
	traces, err := r.ListByEvent(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, traces)
}
