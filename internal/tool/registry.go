package tool

import (
	"fmt"
	"sync"

	"github.com/clara-ai/clara/sdk"
)

// Registry maps tool names to their runners. Definitions (approval policy,
// input schema) live in storage; the registry only holds executable code, so
// a tool can be defined without a local runner and vice versa.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]sdk.Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]sdk.Tool)}
}

// Register binds a runner to a tool name, replacing any previous binding.
func (r *Registry) Register(name string, runner sdk.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// Runner returns the runner bound to name.
func (r *Registry) Runner(name string) (sdk.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("tool: no runner registered for %q", name)
	}
	return runner, nil
}
