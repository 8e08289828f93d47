package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/nftmarket/core"
)

// Handler is the function signature every entrypoint module must implement.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry maps entrypoint names to Handlers. Thread-safe for concurrent
// registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.Entrypoint]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.Entrypoint]Handler)}
}

// Register associates ep with h. Panics on duplicate registration.
func (r *Registry) Register(ep core.Entrypoint, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[ep]; exists {
		panic(fmt.Sprintf("vm: handler already registered for entrypoint %q", ep))
	}
	r.handlers[ep] = h
}

// Execute dispatches payload to the handler registered for ep.
func (r *Registry) Execute(ep core.Entrypoint, ctx *Context, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[ep]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vm: no handler registered for entrypoint %q", ep)
	}
	return h(ctx, payload)
}

// globalRegistry is the package-level singleton that modules register into.
var globalRegistry = NewRegistry()

// Register adds a handler to the global registry.
// Module init() functions call this to self-register.
func Register(ep core.Entrypoint, h Handler) {
	globalRegistry.Register(ep, h)
}
