package batch

import (
	"sync"
	"time"

	"github.com/shellvault/shellvault/internal/storage"
)

// Registry hands out one coordinator per namespace, created lazily. It
// is owned by the session manager and passed by reference; there is no
// module-level registry.
type Registry struct {
	backend  storage.Backend
	debounce time.Duration

	mu     sync.Mutex
	coords map[string]*Coordinator
}

// NewRegistry creates an empty registry bound to one backend.
func NewRegistry(backend storage.Backend, debounce time.Duration) *Registry {
	return &Registry{
		backend:  backend,
		debounce: debounce,
		coords:   make(map[string]*Coordinator),
	}
}

// For returns the coordinator for a namespace, creating it on first use.
func (r *Registry) For(namespace string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[namespace]
	if !ok {
		c = New(namespace, r.backend, r.debounce)
		r.coords[namespace] = c
	}
	return c
}

// Remove cancels and forgets a namespace's coordinator, typically at
// session teardown.
func (r *Registry) Remove(namespace string) {
	r.mu.Lock()
	c, ok := r.coords[namespace]
	delete(r.coords, namespace)
	r.mu.Unlock()
	if ok {
		c.Cancel()
	}
}

// Backend returns the backend all coordinators write through.
func (r *Registry) Backend() storage.Backend { return r.backend }
