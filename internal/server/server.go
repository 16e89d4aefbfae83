package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/tool"
)

// Server is the orchestrator HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. MCPServer is optional; nil disables the MCP transport.
type ServerConfig struct {
	Store     Store
	Engine    *orchestrator.Engine
	Installer *orchestrator.Installer
	Registry  *orchestrator.Registry
	Gateway   *tool.Gateway
	Recorder  *audit.Recorder
	Logger    *slog.Logger

	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		Installer:           cfg.Installer,
		Registry:            cfg.Registry,
		Gateway:             cfg.Gateway,
		Recorder:            cfg.Recorder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Users.
	mux.HandleFunc("POST /v1/users", h.HandleCreateUser)
	mux.HandleFunc("GET /v1/users/{user_id}", h.HandleGetUser)

	// Manifests.
	mux.HandleFunc("POST /v1/manifests", h.HandlePublishManifest)
	mux.HandleFunc("GET /v1/manifests/{agent_id}/{version}", h.HandleGetManifest)

	// Installations.
	mux.HandleFunc("POST /v1/installations", h.HandleInstall)
	mux.HandleFunc("GET /v1/installations", h.HandleListInstallations)
	mux.HandleFunc("POST /v1/installations/{installation_id}/pause", h.HandlePauseInstallation)
	mux.HandleFunc("POST /v1/installations/{installation_id}/resume", h.HandleResumeInstallation)
	mux.HandleFunc("DELETE /v1/installations/{installation_id}", h.HandleUninstall)

	// Event ingestion and traces.
	mux.HandleFunc("POST /v1/events", h.HandleIngestEvent)
	mux.HandleFunc("GET /v1/events/{event_id}/traces", h.HandleEventTraces)

	// Tool executions and human approvals.
	mux.HandleFunc("GET /v1/tool-executions", h.HandleListToolExecutions)
	mux.HandleFunc("GET /v1/tool-executions/{execution_id}", h.HandleGetToolExecution)
	mux.HandleFunc("POST /v1/tool-executions/{execution_id}/decision", h.HandleDecision)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health.
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
