package env

import (
	"fmt"
	"sync"
)

// Registry holds the Environments known to a page, keyed by scheme. One
// of them is active; it provides the roots the virtual scheme maps onto.
type Registry struct {
	mu     sync.RWMutex
	envs   map[string]Environment
	active string
}

func NewRegistry(envs ...Environment) *Registry {
	r := &Registry{envs: make(map[string]Environment)}
	for _, e := range envs {
		r.Register(e)
	}
	return r
}

// Register adds e. The first registered Environment becomes active.
func (r *Registry) Register(e Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[e.Scheme()] = e
	if r.active == "" {
		r.active = e.Scheme()
	}
}

// Activate makes the Environment registered under scheme the active one.
func (r *Registry) Activate(scheme string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[scheme]; !ok {
		return fmt.Errorf("activate %q: %w", scheme, ErrNotFound)
	}
	r.active = scheme
	return nil
}

// Active returns the active Environment, or nil if none is registered.
func (r *Registry) Active() Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.envs[r.active]
}

// Lookup returns the Environment registered under exactly scheme.
func (r *Registry) Lookup(scheme string) (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.envs[scheme]
	return e, ok
}

// ForAddress returns the Environment serving addr's scheme.
func (r *Registry) ForAddress(addr string) (Environment, error) {
	scheme := Scheme(addr)
	if e, ok := r.Lookup(scheme); ok {
		return e, nil
	}
	return nil, &PathError{Op: "lookup", Path: addr, Err: fmt.Errorf("no environment for scheme %q: %w", scheme, ErrNotFound)}
}
