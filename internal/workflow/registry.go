package workflow

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/repro/internal/ir"
)

// Registry maps code_handler references to handlers. Documents can only name
// handlers that were registered; nothing is looked up dynamically.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ir.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ir.Handler)}
}

// Register adds a handler. Names must be unique and non-empty.
func (r *Registry) Register(name string, h ir.Handler) error {
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register handler %q: already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(name string, h ir.Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (ir.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
