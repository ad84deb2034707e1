// Package registry holds the explicitly registered methods, validates their
// arguments and serializes their results.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps fully qualified names to methods.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds methods; duplicate names are rejected.
func (r *Registry) Register(methods ...*Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range methods {
		if err := m.validateDescriptor(); err != nil {
			return err
		}
		if _, exists := r.methods[m.Name]; exists {
			return fmt.Errorf("registry: method %s already registered", m.Name)
		}
		r.methods[m.Name] = m
	}
	return nil
}

// MustRegister panics on registration errors. Registration happens once at
// startup, where a bad descriptor is a programming error.
func (r *Registry) MustRegister(methods ...*Method) {
	if err := r.Register(methods...); err != nil {
		panic(err)
	}
}

// Lookup finds a method.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Methods returns all methods sorted by name.
func (r *Registry) Methods() []*Method {
	r.mu.RLock()
	out := make([]*Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Services returns the distinct service names.
func (r *Registry) Services() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Methods() {
		svc := m.Service()
		if !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	return out
}
