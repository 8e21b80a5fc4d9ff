package task

import (
	"context"
	"sync"
)

// HandlerFunc performs the side effect for one task type. A returned error
// feeds the retry state machine; wrap with Permanent to skip retries.
type HandlerFunc func(ctx context.Context, t *Task) error

// Registry maps task types to handlers. It is an explicit value constructed
// at startup and injected into the dispatcher; there is no package-level
// registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a task type. The last registration for a type
// wins, which lets tests swap in scoped handlers.
func (r *Registry) Register(taskType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Lookup returns the handler for the given task type.
func (r *Registry) Lookup(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
