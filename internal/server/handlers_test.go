package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/memstore"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/server"
	"github.com/clara-ai/clara/internal/tool"
	"github.com/clara-ai/clara/sdk"
)

// stack wires the full API surface over the in-memory store so tests can
// drive it exactly like an external client.
type stack struct {
	store    *memstore.Store
	registry *orchestrator.Registry
	toolReg  *tool.Registry
	handler  http.Handler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()

	recorder := audit.NewRecorder(store, logger)
	registry := orchestrator.NewRegistry(store, nil, logger)
	assembler := orchestrator.NewAssembler(store, nil, logger, 10)
	invoker := orchestrator.NewInvoker(logger)
	applier := orchestrator.NewApplier(store, nil, logger)
	toolReg := tool.NewRegistry()
	gateway := tool.NewGateway(store, toolReg, recorder, logger)
	engine := orchestrator.NewEngine(orchestrator.EngineParams{
		Store:     store,
		Registry:  registry,
		Assembler: assembler,
		Invoker:   invoker,
		Applier:   applier,
		Gateway:   gateway,
		Recorder:  recorder,
		Logger:    logger,
	})
	installer := orchestrator.NewInstaller(store, registry, assembler, invoker, logger)

	srv := server.New(server.ServerConfig{
		Store:     store,
		Engine:    engine,
		Installer: installer,
		Registry:  registry,
		Gateway:   gateway,
		Recorder:  recorder,
		Logger:    logger,
		Version:   "test",
	})

	return &stack{
		store:    store,
		registry: registry,
		toolReg:  toolReg,
		handler:  srv.Handler(),
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

// do issues one request against the handler chain and decodes the envelope.
// When out is non-nil the data payload is unmarshalled into it.
func (s *stack) do(t *testing.T, method, path string, body, out any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), "body: %s", rec.Body.String())
	if out != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return rec, env
}

func (s *stack) createUser(t *testing.T) uuid.UUID {
	t.Helper()
	var u model.User
	rec, _ := s.do(t, http.MethodPost, "/v1/users", map[string]any{}, &u)
	require.Equal(t, http.StatusCreated, rec.Code)
	return u.ID
}

// handlerAgent adapts a function to the agent interface for HTTP-level tests.
type handlerAgent func(context.Context, sdk.Event, sdk.ExecutionContext) (sdk.AgentResult, error)

func (a handlerAgent) Onboard(ctx context.Context, inputs map[string]any, ec sdk.ExecutionContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (a handlerAgent) HandleEvent(ctx context.Context, event sdk.Event, ec sdk.ExecutionContext) (sdk.AgentResult, error) {
	if a == nil {
		return sdk.AgentResult{}, nil
	}
	return a(ctx, event, ec)
}

func TestHandleHealth(t *testing.T) {
	s := newStack(t)

	var data map[string]string
	rec, env := s.do(t, http.MethodGet, "/healthz", nil, &data)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.Equal(t, env.Meta.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPassthrough(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "req-42", env.Meta.RequestID)
}

func TestUserEndpoints(t *testing.T) {
	s := newStack(t)

	email := "dana@example.com"
	var created model.User
	rec, _ := s.do(t, http.MethodPost, "/v1/users", map[string]any{"email": email}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, model.UserActive, created.Status)
	require.NotNil(t, created.Email)
	assert.Equal(t, email, *created.Email)

	var fetched model.User
	rec, _ = s.do(t, http.MethodGet, "/v1/users/"+created.ID.String(), nil, &fetched)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, fetched.ID)

	t.Run("unknown user", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/users/"+uuid.NewString(), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/users/not-a-uuid", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeValidation, env.Error.Code)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/users", map[string]any{"nickname": "d"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeValidation, env.Error.Code)
	})
}

func TestManifestEndpoints(t *testing.T) {
	s := newStack(t)

	manifest := map[string]any{
		"agent_id":          "coach",
		"version":           "1.0.0",
		"name":              "Coach",
		"subscribed_events": []string{"user.checkin"},
		"emitted_events":    []string{"health.goal_updated"},
		"permissions":       map[string]bool{"shared_context": true},
	}

	rec, _ := s.do(t, http.MethodPost, "/v1/manifests", manifest, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("republish conflicts", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/manifests", manifest, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
	})

	t.Run("get published version", func(t *testing.T) {
		var m model.Manifest
		rec, _ := s.do(t, http.MethodGet, "/v1/manifests/coach/1.0.0", nil, &m)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Coach", m.Name)
		assert.Equal(t, model.ManifestActive, m.Status)
	})

	t.Run("unknown version", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/manifests/coach/9.9.9", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
	})

	t.Run("missing name rejected", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/manifests", map[string]any{
			"agent_id": "anon", "version": "1.0.0",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeValidation, env.Error.Code)
	})
}

func TestInstallationEndpoints(t *testing.T) {
	s := newStack(t)
	userID := s.createUser(t)

	s.registry.RegisterAgent("coach", handlerAgent(nil))
	rec, _ := s.do(t, http.MethodPost, "/v1/manifests", map[string]any{
		"agent_id": "coach", "version": "1.0.0", "name": "Coach",
		"subscribed_events": []string{"user.checkin"},
		"emitted_events":    []string{},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var inst model.AgentInstallation
	rec, _ = s.do(t, http.MethodPost, "/v1/installations", map[string]any{
		"user_id": userID, "agent_id": "coach", "version": "1.0.0",
	}, &inst)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, model.InstallActive, inst.Status)

	t.Run("list by user", func(t *testing.T) {
		var installs []model.AgentInstallation
		rec, _ := s.do(t, http.MethodGet, "/v1/installations?user_id="+userID.String(), nil, &installs)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, installs, 1)
		assert.Equal(t, inst.ID, installs[0].ID)
	})

	t.Run("missing user_id param", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/installations", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
	})

	base := "/v1/installations/" + inst.ID.String()

	t.Run("pause and resume", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPost, base+"/pause", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, env := s.do(t, http.MethodPost, base+"/pause", nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

		rec, _ = s.do(t, http.MethodPost, base+"/resume", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("uninstall", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodDelete, base, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		got, err := s.store.GetInstallation(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, model.InstallUninstalled, got.Status)
	})

	t.Run("unknown installation", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/installations/"+uuid.NewString()+"/pause", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
	})
}

func TestEventIngestAndTraces(t *testing.T) {
	s := newStack(t)
	userID := s.createUser(t)

	s.registry.RegisterAgent("coach", handlerAgent(func(ctx context.Context, event sdk.Event, ec sdk.ExecutionContext) (sdk.AgentResult, error) {
		return sdk.AgentResult{
			EmittedEvents: []sdk.EventDraft{
				{Type: "health.goal_updated", Payload: map[string]any{"source": "checkin"}},
			},
		}, nil
	}))
	rec, _ := s.do(t, http.MethodPost, "/v1/manifests", map[string]any{
		"agent_id": "coach", "version": "1.0.0", "name": "Coach",
		"subscribed_events": []string{"user.checkin"},
		"emitted_events":    []string{"health.goal_updated"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/v1/installations", map[string]any{
		"user_id": userID, "agent_id": "coach", "version": "1.0.0",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var event model.Event
	rec, _ = s.do(t, http.MethodPost, "/v1/events", map[string]any{
		"user_id": userID, "type": "user.checkin",
		"payload": map[string]any{"mood": "motivated"},
	}, &event)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "user.checkin", event.Type)
	assert.Equal(t, 0, event.CausalDepth)

	t.Run("traces for the root event", func(t *testing.T) {
		var traces []model.ExecutionTrace
		rec, _ := s.do(t, http.MethodGet, fmt.Sprintf("/v1/events/%s/traces", event.ID), nil, &traces)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, traces, 1)
		assert.Equal(t, model.OutcomeCompleted, traces[0].Outcome)
		assert.Equal(t, "coach", traces[0].AgentID)
	})

	t.Run("unknown event", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/events/"+uuid.NewString()+"/traces", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
	})

	t.Run("unknown user rejected", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/events", map[string]any{
			"user_id": uuid.New(), "type": "user.checkin",
		}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
	})
}

func TestToolExecutionEndpoints(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	userID := s.createUser(t)

	require.NoError(t, s.store.UpsertToolDefinition(ctx, model.ToolDefinition{
		Name:             "wire_money",
		RequiresApproval: true,
		CreatedAt:        time.Now().UTC(),
	}))
	s.toolReg.Register("wire_money", sdk.ToolFunc(func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"confirmation": "tx-1"}, nil
	}))

	s.registry.RegisterAgent("payer", handlerAgent(func(ctx context.Context, event sdk.Event, ec sdk.ExecutionContext) (sdk.AgentResult, error) {
		if event.Type != "invoice.due" {
			return sdk.AgentResult{}, nil
		}
		return sdk.AgentResult{
			ToolRequests: []sdk.ToolRequest{
				{Tool: "wire_money", Payload: map[string]any{"amount": 120}},
			},
		}, nil
	}))
	rec, _ := s.do(t, http.MethodPost, "/v1/manifests", map[string]any{
		"agent_id": "payer", "version": "1.0.0", "name": "Payer",
		"subscribed_events": []string{"invoice.due"},
		"emitted_events":    []string{},
		"tools":             []string{"wire_money"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/v1/installations", map[string]any{
		"user_id": userID, "agent_id": "payer", "version": "1.0.0",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/events", map[string]any{
		"user_id": userID, "type": "invoice.due",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var pending []model.ToolExecution
	rec, _ = s.do(t, http.MethodGet, "/v1/tool-executions?user_id="+userID.String(), nil, &pending)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ToolPendingApproval, pending[0].Status)
	execID := pending[0].ID

	t.Run("get one execution", func(t *testing.T) {
		var exec model.ToolExecution
		rec, _ := s.do(t, http.MethodGet, "/v1/tool-executions/"+execID.String(), nil, &exec)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "wire_money", exec.Tool)
	})

	t.Run("invalid decision value", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/tool-executions/"+execID.String()+"/decision", map[string]any{
			"decider_id": userID, "decision": "maybe",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, model.ErrCodeValidation, env.Error.Code)
	})

	t.Run("approve runs the tool", func(t *testing.T) {
		var exec model.ToolExecution
		rec, _ := s.do(t, http.MethodPost, "/v1/tool-executions/"+execID.String()+"/decision", map[string]any{
			"decider_id": userID, "decision": "approved",
		}, &exec)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.ToolCompleted, exec.Status)
		assert.Equal(t, "tx-1", exec.Result["confirmation"])
	})

	t.Run("second decision rejected", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/v1/tool-executions/"+execID.String()+"/decision", map[string]any{
			"decider_id": userID, "decision": "rejected",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
	})

	t.Run("list filters by status", func(t *testing.T) {
		var completed []model.ToolExecution
		rec, _ := s.do(t, http.MethodGet,
			"/v1/tool-executions?user_id="+userID.String()+"&status=completed", nil, &completed)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, completed, 1)

		var stillPending []model.ToolExecution
		rec, _ = s.do(t, http.MethodGet, "/v1/tool-executions?user_id="+userID.String(), nil, &stillPending)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, stillPending)
	})

	t.Run("unknown execution", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/tool-executions/"+uuid.NewString(), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
	})
}
