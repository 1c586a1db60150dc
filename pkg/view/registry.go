// ABOUTME: Registry of view definitions by name
// ABOUTME: Built once at startup and passed to the coordinator and query engine

package view

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps view names to definitions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*Definition)}
}

// Register adds def. Registering the same definition twice is a no-op;
// registering a different definition under a taken name fails with
// ErrDuplicateViewName.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.views[def.Name]; ok {
		if cur.sameAs(def) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateViewName, def.Name)
	}
	r.views[def.Name] = def
	return nil
}

// MustRegister is Register for startup code; it panics on error
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns the definition registered under name
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	return def, nil
}

// Names returns the registered view names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.views))
	for name := range r.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered views
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}
