package algo

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named algorithm presets for lookup by the front ends.
// Names are free-form ("nvda-default"); lookups fall back to Parse so any
// compact encoding is also accepted.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{algs: make(map[string]Algorithm)}
}

// DefaultRegistry returns a registry pre-loaded with the common presets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, code := range []string{"buy-and-hold", "ath-only-9.05,50", "sd-9.05,50", "sd-ath-9.05,50", "sd-19.08,50"} {
		_ = r.Register(code, MustParse(code))
	}
	return r
}

// Register validates a and stores it under name, replacing any previous
// entry.
func (r *Registry) Register(name string, a Algorithm) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("registering %q: %w", name, err)
	}
	r.mu.Lock()
	r.algs[name] = a
	r.mu.Unlock()
	return nil
}

// Get returns the preset registered under name, or parses name as a
// compact encoding.
func (r *Registry) Get(name string) (Algorithm, error) {
	r.mu.RLock()
	a, ok := r.algs[name]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	return Parse(name)
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.algs))
	for name := range r.algs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
