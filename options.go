package clara

import (
	"encoding/json"
	"log/slog"

	"github.com/clara-ai/clara/sdk"
)

// ToolDefinition declares a tool at registration time: its name, whether
// every execution needs a human decision, and the JSON schema (draft 2020-12)
// request payloads must satisfy. An empty schema accepts any payload.
type ToolDefinition struct {
	Name             string
	Description      string
	RequiresApproval bool
	InputSchema      json.RawMessage
}

type registeredTool struct {
	def    ToolDefinition
	runner sdk.Tool
}

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	redisAddr   string
	maxHops     int
	logger      *slog.Logger
	version     string
	memoryStore bool
	agents      map[string]sdk.Agent
	tools       []registeredTool
}

// WithPort overrides the TCP port from config (CLARA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisAddr overrides the Redis address from config (REDIS_ADDR env var).
func WithRedisAddr(addr string) Option {
	return func(o *resolvedOptions) { o.redisAddr = addr }
}

// WithMaxHops overrides the cascade hop ceiling from config (CLARA_MAX_HOPS
// env var).
func WithMaxHops(n int) Option {
	return func(o *resolvedOptions) { o.maxHops = n }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and
// logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMemoryStore runs the App against an in-process store instead of
// Postgres. State does not survive a restart; meant for examples and local
// development.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.memoryStore = true }
}

// WithAgent binds a Go implementation to an agent id. All manifest versions
// of that agent dispatch to the same implementation.
func WithAgent(agentID string, impl sdk.Agent) Option {
	return func(o *resolvedOptions) {
		if o.agents == nil {
			o.agents = make(map[string]sdk.Agent)
		}
		o.agents[agentID] = impl
	}
}

// WithTool registers a tool definition together with its runner. The
// definition is seeded into storage at startup so approval policy and input
// schema survive restarts.
func WithTool(def ToolDefinition, runner sdk.Tool) Option {
	return func(o *resolvedOptions) {
		o.tools = append(o.tools, registeredTool{def: def, runner: runner})
	}
}
