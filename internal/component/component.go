// Package component hosts the server's plugin components: named modules
// that mount routes under /api/<name>, register session message providers,
// and declare the permission functions their routes are guarded by.
package component

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/web"
)

// Component is one pluggable server extension.
type Component interface {
	// Functions returns the permission function names this component's
	// routes are guarded by. They become grantable on identities and must
	// be known before the bootstrap identity is created.
	Functions() []string
	// Setup mounts routes and providers. Failures are recorded per
	// component and never abort the other components or the lifecycle.
	Setup(ctx context.Context, env *Env) error
}

// ShutdownHandler is implemented by components that need teardown. The
// reason is the lifecycle stop reason.
type ShutdownHandler interface {
	Shutdown(ctx context.Context, reason string) error
}

// MiddlewareProvider is implemented by components that wrap their own
// routes.
type MiddlewareProvider interface {
	Middleware() []web.Middleware
}

// DocProvider is implemented by components contributing an OpenAPI fragment
// beyond their per-route operation docs.
type DocProvider interface {
	OpenAPI() map[string]any
}

// Factory builds a component instance. The name is the configured instance
// name; the spec carries the module's free-form options.
type Factory func(name string, spec config.ComponentSpec) (Component, error)

// Registry maps module names to factories. It is assembled explicitly at
// startup; configuration selects which modules run and under what names.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module factory. Module names are unique.
func (r *Registry) Register(module string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[module]; exists {
		return fmt.Errorf("component module %q registered twice", module)
	}
	r.factories[module] = f
	return nil
}

// Lookup returns the factory for a module name.
func (r *Registry) Lookup(module string) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[module]
	return f, ok
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
