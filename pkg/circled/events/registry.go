package events

import (
	"sync"

	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/store"
)

// Runtime bundles the collaborators event handlers operate on. One Runtime
// exists per instance and is shared by every handler invocation.
type Runtime struct {
	Store     *store.Store
	Engine    *inherit.Engine
	Conflicts *conflict.Manager
	Instance  string
}

// Handlers holds the lifecycle callbacks for one event kind. Verify runs
// purely local precondition checks and must not touch the network. Manage
// applies the mutation and must be idempotent under re-delivery. Rollback
// compensates a previously managed event on high-severity failure. Result
// runs once on the origin after all reachable instances have responded and
// never mutates protocol state.
type Handlers struct {
	Verify   func(rt *Runtime, ev *Event) error
	Manage   func(rt *Runtime, ev *Event) error
	Rollback func(rt *Runtime, ev *Event) error
	Result   func(rt *Runtime, ev *Event)

	// LocalOnly events are never broadcast to remote instances.
	LocalOnly bool
}

// Registry maps event kinds to their handlers. Kinds are registered once at
// startup and looked up by name at dispatch time.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Handlers
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Handlers{}}
}

// Register binds handlers to an event kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = h
}

// Lookup returns the handlers for a kind.
func (r *Registry) Lookup(kind string) (Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.kinds[kind]
	return h, ok
}
