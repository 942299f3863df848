package lock

import (
	"fmt"
	"sort"
	"sync"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Registry maps backend names to Backend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register stores b under name, replacing any previous backend.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	r.backends[name] = b
	r.mu.Unlock()
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", dlockerrors.ErrUnknownBackend, name)
	}
	return b, nil
}

// Names returns the registered backend names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
