package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/sdk"
)

func publish(t *testing.T, e *env, m model.Manifest) model.ManifestKey {
	t.Helper()
	if m.Name == "" {
		m.Name = m.AgentID
	}
	m.Status = model.ManifestActive
	m.CreatedAt = time.Now().UTC()
	require.NoError(t, e.registry.PublishManifest(context.Background(), m))
	return m.ManifestKey
}

func TestInstallOnboardsAndActivates(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	e.registry.RegisterAgent("coach", scriptedAgent{
		onboard: func(ctx context.Context, inputs map[string]any, ec sdk.ExecutionContext) (map[string]any, error) {
			return map[string]any{"target_weight": inputs["target_weight"]}, nil
		},
	})
	key := publish(t, e, model.Manifest{
		ManifestKey:      model.ManifestKey{AgentID: "coach", Version: "1.0.0"},
		SubscribedEvents: []string{"user.checkin"},
		EmittedEvents:    []string{},
		Inputs: json.RawMessage(`{
			"type": "object",
			"properties": {"target_weight": {"type": "number"}},
			"required": ["target_weight"]
		}`),
	})

	inst, err := e.installer.Install(ctx, e.userID, key, map[string]any{"target_weight": 72})
	require.NoError(t, err)
	assert.Equal(t, model.InstallActive, inst.Status)
	assert.Equal(t, "coach", inst.AgentID)

	// The onboarding memory was persisted before activation.
	ac, err := e.store.GetAgentContext(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(72), ac.Memory["target_weight"])
}

func TestInstallValidatesInputs(t *testing.T) {
	e := newEnv(t, 0)

	e.registry.RegisterAgent("coach", scriptedAgent{})
	key := publish(t, e, model.Manifest{
		ManifestKey:   model.ManifestKey{AgentID: "coach", Version: "1.0.0"},
		EmittedEvents: []string{},
		Inputs: json.RawMessage(`{
			"type": "object",
			"properties": {"target_weight": {"type": "number"}},
			"required": ["target_weight"]
		}`),
	})

	_, err := e.installer.Install(context.Background(), e.userID, key, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestInstallErrors(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		e.registry.RegisterAgent("a", scriptedAgent{})
		key := publish(t, e, model.Manifest{
			ManifestKey: model.ManifestKey{AgentID: "a", Version: "1.0.0"}, EmittedEvents: []string{},
		})
		_, err := e.installer.Install(ctx, uuid.New(), key, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("unknown manifest", func(t *testing.T) {
		_, err := e.installer.Install(ctx, e.userID, model.ManifestKey{AgentID: "ghost", Version: "1.0.0"}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("deprecated manifest", func(t *testing.T) {
		e.registry.RegisterAgent("old", scriptedAgent{})
		m := model.Manifest{
			ManifestKey: model.ManifestKey{AgentID: "old", Version: "1.0.0"},
			Name:        "old", EmittedEvents: []string{},
			Status:    model.ManifestDeprecated,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, e.registry.PublishManifest(ctx, m))
		_, err := e.installer.Install(ctx, e.userID, m.ManifestKey, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("no implementation", func(t *testing.T) {
		key := publish(t, e, model.Manifest{
			ManifestKey: model.ManifestKey{AgentID: "unbound", Version: "1.0.0"}, EmittedEvents: []string{},
		})
		_, err := e.installer.Install(ctx, e.userID, key, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("double install conflicts", func(t *testing.T) {
		e.registry.RegisterAgent("dup", scriptedAgent{})
		key := publish(t, e, model.Manifest{
			ManifestKey: model.ManifestKey{AgentID: "dup", Version: "1.0.0"}, EmittedEvents: []string{},
		})
		_, err := e.installer.Install(ctx, e.userID, key, nil)
		require.NoError(t, err)
		_, err = e.installer.Install(ctx, e.userID, key, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrConflict)
	})
}

func TestInstallAbortsOnOnboardingFailure(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	e.registry.RegisterAgent("broken", scriptedAgent{
		onboard: func(ctx context.Context, inputs map[string]any, ec sdk.ExecutionContext) (map[string]any, error) {
			return nil, errors.New("cannot reach upstream")
		},
	})
	key := publish(t, e, model.Manifest{
		ManifestKey: model.ManifestKey{AgentID: "broken", Version: "1.0.0"}, EmittedEvents: []string{},
	})

	_, err := e.installer.Install(ctx, e.userID, key, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrHandlerFailure)

	// The failed installation was retired, never left half-active.
	installs, err := e.store.ListInstallations(ctx, e.userID)
	require.NoError(t, err)
	require.Len(t, installs, 1)
	assert.Equal(t, model.InstallUninstalled, installs[0].Status)
}

func TestInstallationLifecycle(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	inst := e.install(t, "agent", scriptedAgent{}, model.Manifest{EmittedEvents: []string{}})

	require.NoError(t, e.installer.Pause(ctx, inst.ID))
	got, err := e.store.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstallPaused, got.Status)

	// Pausing a paused installation is a conflict, not a silent no-op.
	err = e.installer.Pause(ctx, inst.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, e.installer.Resume(ctx, inst.ID))
	got, err = e.store.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstallActive, got.Status)

	require.NoError(t, e.installer.Uninstall(ctx, inst.ID))
	// Uninstall is idempotent.
	require.NoError(t, e.installer.Uninstall(ctx, inst.ID))
	got, err = e.store.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstallUninstalled, got.Status)

	// Nothing revives an uninstalled installation.
	err = e.installer.Resume(ctx, inst.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)

	t.Run("unknown installation", func(t *testing.T) {
		err := e.installer.Pause(ctx, uuid.New())
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
