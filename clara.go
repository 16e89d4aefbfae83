// Package clara is the public API for embedding the agent orchestration
// engine.
//
// Consumers construct an App with their agents and tools, then run it:
//
//	app, err := clara.New(
//	    clara.WithLogger(logger),
//	    clara.WithAgent("coach", coachAgent{}),
//	    clara.WithTool(clara.ToolDefinition{Name: "send_message"}, sendMessageTool),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: clara (root) imports
// internal/*, but internal/* never imports clara (root). Agent-facing types
// live in sdk, which has no internal imports either.
package clara

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/clara-ai/clara/internal/audit"
	"github.com/clara-ai/clara/internal/cache"
	"github.com/clara-ai/clara/internal/config"
	"github.com/clara-ai/clara/internal/mcp"
	"github.com/clara-ai/clara/internal/memstore"
	"github.com/clara-ai/clara/internal/model"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/server"
	"github.com/clara-ai/clara/internal/storage"
	"github.com/clara-ai/clara/internal/telemetry"
	"github.com/clara-ai/clara/internal/tool"
	"github.com/clara-ai/clara/migrations"
)

// coreStore is the full persistence surface the App wires together. Both the
// Postgres store and the in-memory store satisfy it.
type coreStore interface {
	orchestrator.Store
	tool.Store
	audit.Store

	CreateUser(ctx context.Context, u model.User) error
	UpsertToolDefinition(ctx context.Context, def model.ToolDefinition) error
}

// App is the orchestrator server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil with the in-memory store
	redis        *cache.Redis
	srv          *server.Server
	engine       *orchestrator.Engine
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the App: it connects to the database (or builds the
// in-memory store), runs migrations, wires all collaborators, and seeds the
// registered tool definitions. It does NOT start any goroutines or accept
// HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisAddr != "" {
		cfg.RedisAddr = o.redisAddr
	}
	if o.maxHops != 0 {
		cfg.MaxHops = o.maxHops
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("clara starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.TraceSampleRatio,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var (
		store coreStore
		db    *storage.DB
	)
	if o.memoryStore {
		logger.Info("storage: in-memory (state will not survive restart)")
		store = memstore.New()
	} else {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		store = db
	}

	var (
		c     cache.Cache = cache.Noop{}
		redis *cache.Redis
	)
	if cfg.RedisAddr != "" {
		redis, err = cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix, logger)
		if err != nil {
			if db != nil {
				db.Close()
			}
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("cache: %w", err)
		}
		c = redis
		logger.Info("cache: redis", "addr", cfg.RedisAddr)
	} else {
		logger.Info("cache: disabled (no REDIS_ADDR)")
	}

	recorder := audit.NewRecorder(store, logger)

	registry := orchestrator.NewRegistry(store, c, logger)
	for agentID, impl := range o.agents {
		registry.RegisterAgent(agentID, impl)
	}

	toolRegistry := tool.NewRegistry()
	for _, rt := range o.tools {
		if err := tool.CompileSchema(rt.def.InputSchema); err != nil {
			if redis != nil {
				_ = redis.Close()
			}
			if db != nil {
				db.Close()
			}
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("tool %q: %w", rt.def.Name, err)
		}
		if rt.runner != nil {
			toolRegistry.Register(rt.def.Name, rt.runner)
		}
		if err := store.UpsertToolDefinition(ctx, model.ToolDefinition{
			Name:             rt.def.Name,
			Description:      rt.def.Description,
			RequiresApproval: rt.def.RequiresApproval,
			InputSchema:      rt.def.InputSchema,
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			if redis != nil {
				_ = redis.Close()
			}
			if db != nil {
				db.Close()
			}
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("seed tool %q: %w", rt.def.Name, err)
		}
	}

	assembler := orchestrator.NewAssembler(store, c, logger, cfg.RecentEvents)
	invoker := orchestrator.NewInvoker(logger)
	applier := orchestrator.NewApplier(store, c, logger)
	gateway := tool.NewGateway(store, toolRegistry, recorder, logger)

	engine := orchestrator.NewEngine(orchestrator.EngineParams{
		Store:     store,
		Registry:  registry,
		Assembler: assembler,
		Invoker:   invoker,
		Applier:   applier,
		Gateway:   gateway,
		Recorder:  recorder,
		Logger:    logger,
		MaxHops:   cfg.MaxHops,
	})
	installer := orchestrator.NewInstaller(store, registry, assembler, invoker, logger)

	mcpSrv := mcp.New(engine, gateway, recorder, logger)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Engine:              engine,
		Installer:           installer,
		Registry:            registry,
		Gateway:             gateway,
		Recorder:            recorder,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		redis:        redis,
		srv:          srv,
		engine:       engine,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has already been called; callers
// should not call it separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the cache, the
// database pool, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("clara shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("clara stopped")
	return nil
}

// Engine exposes the dispatch engine for embedded use: emitting events and
// resolving approvals without going through HTTP.
func (a *App) Engine() *orchestrator.Engine {
	return a.engine
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ProcessEvent ingests a user-initiated root event and runs its cascade.
func (a *App) ProcessEvent(ctx context.Context, userID uuid.UUID, eventType string, payload map[string]any) (uuid.UUID, error) {
	event, err := a.engine.ProcessEvent(ctx, userID, eventType, payload)
	if err != nil {
		return uuid.Nil, err
	}
	return event.ID, nil
}
