package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/internal/tool"
)

// Store is the persistence surface the handlers use directly. Everything
// else goes through the orchestrator collaborators.
type Store interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error)
}

// HandlersDeps holds the dependencies for the HTTP handlers.
type HandlersDeps struct {
	Store     Store
	Engine    *orchestrator.Engine
	Installer *orchestrator.Installer
	Registry  *orchestrator.Registry
	Gateway   *tool.Gateway
	Recorder  *audit.Recorder
	Logger    *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	store     Store
	engine    *orchestrator.Engine
	installer *orchestrator.Installer
	registry  *orchestrator.Registry
	gateway   *tool.Gateway
	recorder  *audit.Recorder
	logger    *slog.Logger

	version string
	maxBody int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:     deps.Store,
		engine:    deps.Engine,
		installer: deps.Installer,
		registry:  deps.Registry,
		gateway:   deps.Gateway,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		version:   deps.Version,
		maxBody:   maxBody,
	}
}

// writeDomainError maps the failure taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, model.ErrCodePermissionDenied, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrHandlerFailure):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue(name))
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleCreateUser creates a user with empty profile and shared context.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req struct {
		Phone *string `json:"phone"`
		Email *string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}
	u := model.User{
		ID:        uuid.New(),
		Phone:     req.Phone,
		Email:     req.Email,
		Status:    model.UserActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), u); err != nil {
		h.logger.Error("create user failed", "error", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, u)
}

// HandleGetUser retrieves one user.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid user id")
		return
	}
	u, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandlePublishManifest publishes a new immutable manifest version.
func (h *Handlers) HandlePublishManifest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var m model.Manifest
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}
	if m.Status == "" {
		m.Status = model.ManifestActive
	}
	m.CreatedAt = time.Now().UTC()
	if err := h.registry.PublishManifest(r.Context(), m); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleGetManifest retrieves one manifest version.
func (h *Handlers) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	key := model.ManifestKey{
		AgentID: r.PathValue("agent_id"),
		Version: r.PathValue("version"),
	}
	m, err := h.registry.Manifest(r.Context(), key)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleIngestEvent accepts a user-initiated root event and runs the cascade
// it triggers. The cascade completes before the response, so the returned
// event id can immediately be used to fetch traces.
func (h *Handlers) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req struct {
		UserID  uuid.UUID      `json:"user_id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}
	event, err := h.engine.ProcessEvent(r.Context(), req.UserID, req.Type, req.Payload)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, event)
}

// HandleInstall onboards an agent for a user.
func (h *Handlers) HandleInstall(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req struct {
		UserID  uuid.UUID      `json:"user_id"`
		AgentID string         `json:"agent_id"`
		Version string         `json:"version"`
		Inputs  map[string]any `json:"inputs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}
	inst, err := h.installer.Install(r.Context(), req.UserID,
		model.ManifestKey{AgentID: req.AgentID, Version: req.Version}, req.Inputs)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, inst)
}

// HandleListInstallations lists a user's installations.
func (h *Handlers) HandleListInstallations(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "user_id query parameter is required")
		return
	}
	installs, err := h.registry.Installations(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, installs)
}

// HandlePauseInstallation suspends event delivery for an installation.
func (h *Handlers) HandlePauseInstallation(w http.ResponseWriter, r *http.Request) {
	h.setInstallationStatus(w, r, h.installer.Pause)
}

// HandleResumeInstallation reactivates a paused installation.
func (h *Handlers) HandleResumeInstallation(w http.ResponseWriter, r *http.Request) {
	h.setInstallationStatus(w, r, h.installer.Resume)
}

// HandleUninstall permanently retires an installation.
func (h *Handlers) HandleUninstall(w http.ResponseWriter, r *http.Request) {
	h.setInstallationStatus(w, r, h.installer.Uninstall)
}

func (h *Handlers) setInstallationStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) error) {
	id, err := pathUUID(r, "installation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid installation id")
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"installation_id": id.String()})
}

// HandleListToolExecutions lists a user's tool executions by status,
// defaulting to those suspended on approval.
func (h *Handlers) HandleListToolExecutions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "user_id query parameter is required")
		return
	}
	status := model.ToolStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ToolPendingApproval
	}
	execs, err := h.gateway.ListByStatus(r.Context(), userID, status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, execs)
}

// HandleGetToolExecution retrieves one tool execution.
func (h *Handlers) HandleGetToolExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "execution_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid tool execution id")
		return
	}
	exec, err := h.gateway.Execution(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}

// HandleDecision records a human decision on a suspended tool execution and
// resumes the cascade when the decision is terminal.
func (h *Handlers) HandleDecision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	id, err := pathUUID(r, "execution_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid tool execution id")
		return
	}
	var req struct {
		DeciderID uuid.UUID `json:"decider_id"`
		Decision  string    `json:"decision"`
		Comment   *string   `json:"comment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}
	decision := model.Decision(req.Decision)
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "decision must be approved or rejected")
		return
	}
	exec, err := h.engine.ResolveApproval(r.Context(), id, req.DeciderID, decision, req.Comment)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}

// HandleEventTraces returns the execution trace log for one event.
func (h *Handlers) HandleEventTraces(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "event_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid event id")
		return
	}
	if _, err := h.store.GetEvent(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	traces, err := h.recorder.ListByEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, traces)
}
