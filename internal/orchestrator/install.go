package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/internal/tool"
)

// Installer manages the installation lifecycle: onboarding a manifest version
// for a user and moving installations between pending, active, paused, and
// uninstalled.
type Installer struct {
	store     Store
	registry  *Registry
	assembler *Assembler
	invoker   *Invoker
	logger    *slog.Logger
}

// NewInstaller creates an Installer.
func NewInstaller(store Store, registry *Registry, assembler *Assembler, invoker *Invoker, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		store:     store,
		registry:  registry,
		assembler: assembler,
		invoker:   invoker,
		logger:    logger,
	}
}

// Install onboards one manifest version for one user.
//
// The flow is: validate inputs against the manifest schema, create the
// installation as pending, run the agent's Onboard to produce its initial
// memory, persist that memory, and only then activate. An installation whose
// onboarding failed ends up uninstalled, never half-active.
func (in *Installer) Install(ctx context.Context, userID uuid.UUID, key model.ManifestKey, inputs map[string]any) (model.AgentInstallation, error) {
	if _, err := in.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.AgentInstallation{}, fmt.Errorf("%w: user %s", model.ErrNotFound, userID)
		}
		return model.AgentInstallation{}, fmt.Errorf("orchestrator: load user: %w", err)
	}

	manifest, err := in.registry.Manifest(ctx, key)
	if err != nil {
		return model.AgentInstallation{}, err
	}
	if manifest.Status != model.ManifestActive {
		return model.AgentInstallation{}, fmt.Errorf("%w: manifest %s is %s",
			model.ErrValidation, key, manifest.Status)
	}
	if err := tool.ValidatePayload(manifest.Inputs, inputs); err != nil {
		return model.AgentInstallation{}, err
	}
	impl, err := in.registry.Implementation(manifest.AgentID)
	if err != nil {
		return model.AgentInstallation{}, err
	}

	now := time.Now().UTC()
	inst := model.AgentInstallation{
		ID:        uuid.New(),
		UserID:    userID,
		AgentID:   manifest.AgentID,
		Version:   manifest.Version,
		Status:    model.InstallPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.store.CreateInstallation(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.AgentInstallation{}, fmt.Errorf("%w: %s already installed for user %s",
				model.ErrConflict, key, userID)
		}
		return model.AgentInstallation{}, fmt.Errorf("orchestrator: create installation: %w", err)
	}
	in.registry.InvalidateInstallations(ctx, userID)

	ec, err := in.assembler.Assemble(ctx, userID, inst.ID)
	if err != nil {
		in.abort(ctx, inst)
		return model.AgentInstallation{}, err
	}
	memory, err := in.invoker.Onboard(ctx, impl, inputs, ec)
	if err != nil {
		in.abort(ctx, inst)
		return model.AgentInstallation{}, err
	}
	if len(memory) > 0 {
		if err := in.store.UpsertAgentContext(ctx, inst.ID, memory); err != nil {
			in.abort(ctx, inst)
			return model.AgentInstallation{}, fmt.Errorf("orchestrator: persist onboarding memory: %w", err)
		}
	}

	if err := in.store.UpdateInstallationStatus(ctx, inst.ID, model.InstallPending, model.InstallActive); err != nil {
		return model.AgentInstallation{}, fmt.Errorf("orchestrator: activate installation: %w", err)
	}
	inst.Status = model.InstallActive
	in.registry.InvalidateInstallations(ctx, userID)
	in.logger.Info("agent installed",
		"user_id", userID, "installation_id", inst.ID, "manifest", key)
	return inst, nil
}

// Pause suspends event delivery for an installation.
func (in *Installer) Pause(ctx context.Context, id uuid.UUID) error {
	return in.setStatus(ctx, id, model.InstallActive, model.InstallPaused)
}

// Resume reactivates a paused installation.
func (in *Installer) Resume(ctx context.Context, id uuid.UUID) error {
	return in.setStatus(ctx, id, model.InstallPaused, model.InstallActive)
}

// Uninstall permanently retires an installation. Its events and traces
// remain; only future delivery stops.
func (in *Installer) Uninstall(ctx context.Context, id uuid.UUID) error {
	inst, err := in.store.GetInstallation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: installation %s", model.ErrNotFound, id)
		}
		return fmt.Errorf("orchestrator: load installation: %w", err)
	}
	if inst.Status == model.InstallUninstalled {
		return nil
	}
	return in.setStatus(ctx, id, inst.Status, model.InstallUninstalled)
}

func (in *Installer) setStatus(ctx context.Context, id uuid.UUID, from, to model.InstallStatus) error {
	inst, err := in.store.GetInstallation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: installation %s", model.ErrNotFound, id)
		}
		return fmt.Errorf("orchestrator: load installation: %w", err)
	}
	if err := in.store.UpdateInstallationStatus(ctx, id, from, to); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: installation %s is not %s", model.ErrConflict, id, from)
		}
		return err
	}
	in.registry.InvalidateInstallations(ctx, inst.UserID)
	in.logger.Info("installation status changed",
		"installation_id", id, "from", from, "to", to)
	return nil
}

// abort retires an installation whose onboarding did not finish.
func (in *Installer) abort(ctx context.Context, inst model.AgentInstallation) {
	if err := in.store.UpdateInstallationStatus(ctx, inst.ID, model.InstallPending, model.InstallUninstalled); err != nil {
		in.logger.Error("cannot retire failed installation",
			"installation_id", inst.ID, "error", err)
	}
	in.registry.InvalidateInstallations(ctx, inst.UserID)
}
