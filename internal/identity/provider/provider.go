// Package provider defines the pluggable authentication providers the
// identity service delegates credential handling to. A provider validates
// offered details, commits them into a storable record, and later checks
// offered credentials against that record.
package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Provider implements one authentication scheme.
type Provider interface {
	// Name is the scheme tag identities reference ("password", "totp").
	Name() string

	// Validate checks offered authentication details and returns a cleaned
	// copy suitable for Commit. It must reject unusable input with a
	// request-classified error.
	Validate(details json.RawMessage) (json.RawMessage, error)

	// Commit turns validated details into the record to persist. Secrets are
	// derived here (hashes, salts); the raw credential never reaches
	// storage.
	Commit(details json.RawMessage) (json.RawMessage, error)

	// Authenticate checks offered credentials against a committed record.
	// A mismatch returns an authentication-classified error.
	Authenticate(record, offered json.RawMessage) error
}

// Registry holds the providers available to the identity service.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry preloaded with the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider has no name")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("auth provider %q is already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
