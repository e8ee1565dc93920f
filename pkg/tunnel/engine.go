package tunnel

import (
	"fmt"
	"sort"
	"sync"
)

// Engine is the per-tunnel-ID context registry. The control plane adds and
// removes tunnels; workers look contexts up once per packet. The registry
// is the only shared state, guarded by a read-mostly lock; the per-packet
// crypto call itself needs no synchronization.
type Engine struct {
	mu       sync.RWMutex
	contexts map[uint32]*Context
}

// NewEngine creates an empty registry.
func NewEngine() *Engine {
	return &Engine{contexts: make(map[uint32]*Context)}
}

// AddTunnel registers a provisioned tunnel context. Re-adding an existing
// ID is rejected; tear the tunnel down first so its nonce counter cannot
// restart under the same key.
func (e *Engine) AddTunnel(ctx *Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[ctx.id]; ok {
		return fmt.Errorf("tunnel %d already provisioned", ctx.id)
	}
	e.contexts[ctx.id] = ctx
	return nil
}

// Get returns the context for a tunnel ID.
func (e *Engine) Get(id uint32) (*Context, bool) {
	e.mu.RLock()
	ctx, ok := e.contexts[id]
	e.mu.RUnlock()
	return ctx, ok
}

// RemoveTunnel tears a tunnel down.
func (e *Engine) RemoveTunnel(id uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[id]; !ok {
		return false
	}
	delete(e.contexts, id)
	return true
}

// List returns all contexts ordered by ID, for the observability paths.
func (e *Engine) List() []*Context {
	e.mu.RLock()
	out := make([]*Context, 0, len(e.contexts))
	for _, ctx := range e.contexts {
		out = append(out, ctx)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
