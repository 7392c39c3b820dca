package component

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/instance"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/state"
	"github.com/morrigan-server/morrigan/internal/web"
)

// EnvBase carries the shared pieces each component environment is scoped
// from.
type EnvBase struct {
	Router  *web.Router
	State   *state.Store
	Data    docstore.Store
	Log     *slog.Logger
	BaseURL string
	Info    instance.Info
	Core    Core
	Auth    *web.Authenticator
}

type entry struct {
	name string
	spec config.ComponentSpec
	comp Component
}

// Host instantiates the configured components and dispatches their
// lifecycle hooks. Hook failures are isolated per component per hook and
// never abort the others; the server still reaches ready and serves the
// rest.
type Host struct {
	log     *slog.Logger
	entries []entry

	mu        sync.RWMutex
	providers map[string]map[string]session.Handler
	errs      map[string]map[string]error
}

// NewHost builds every configured component up front so declared functions
// are known before setup runs. Unknown modules are configuration errors.
func NewHost(registry *Registry, specs map[string]config.ComponentSpec, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		log:       log.With("component", "host"),
		providers: make(map[string]map[string]session.Handler),
		errs:      make(map[string]map[string]error),
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		factory, ok := registry.Lookup(spec.Module)
		if !ok {
			return nil, errkind.Newf(errkind.ServerConfiguration, "component %q wants unknown module %q", name, spec.Module)
		}
		comp, err := factory(name, spec)
		if err != nil {
			return nil, errkind.Wrap(errkind.ServerConfiguration, "instantiate component "+name, err)
		}
		h.entries = append(h.entries, entry{name: name, spec: spec, comp: comp})
	}
	return h, nil
}

// Components returns the configured component names in setup order.
func (h *Host) Components() []string {
	names := make([]string, len(h.entries))
	for i, e := range h.entries {
		names[i] = e.name
	}
	return names
}

// Functions returns the union of every component's declared functions,
// sorted.
func (h *Host) Functions() []string {
	set := make(map[string]struct{})
	for _, e := range h.entries {
		for _, fn := range e.comp.Functions() {
			set[fn] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Setup runs every component's Setup concurrently, each against its own
// scoped environment. It returns when all are done; failures are in
// Errors().
func (h *Host) Setup(ctx context.Context, base EnvBase) {
	var wg sync.WaitGroup
	for _, e := range h.entries {
		env := h.buildEnv(e, base)
		wg.Add(1)
		go func(e entry, env *Env) {
			defer wg.Done()
			err := h.runHook(e.name, "setup", func() error {
				return e.comp.Setup(ctx, env)
			})
			if err != nil {
				h.recordErr(e.name, "setup", err)
			}
		}(e, env)
	}
	wg.Wait()
}

// Shutdown runs every component's Shutdown concurrently with the stop
// reason. Components without one are skipped. No deadline is imposed; a
// wedged component wedges shutdown so the bug surfaces.
func (h *Host) Shutdown(ctx context.Context, reason string) {
	var wg sync.WaitGroup
	for _, e := range h.entries {
		stopper, ok := e.comp.(ShutdownHandler)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, stopper ShutdownHandler) {
			defer wg.Done()
			err := h.runHook(name, "shutdown", func() error {
				return stopper.Shutdown(ctx, reason)
			})
			if err != nil {
				h.recordErr(name, "shutdown", err)
			}
		}(e.name, stopper)
	}
	wg.Wait()
}

// Errors returns a copy of the per-component per-hook error map.
func (h *Host) Errors() map[string]map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]map[string]error, len(h.errs))
	for name, hooks := range h.errs {
		m := make(map[string]error, len(hooks))
		for hook, err := range hooks {
			m[hook] = err
		}
		out[name] = m
	}
	return out
}

// Resolve implements session.ProviderRegistry: a frame typed
// "<provider>.<message>" is split on the first dot and matched against the
// registered provider maps.
func (h *Host) Resolve(messageType string) (session.Handler, bool) {
	provider, message, ok := strings.Cut(messageType, ".")
	if !ok {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	messages, ok := h.providers[provider]
	if !ok {
		return nil, false
	}
	handler, ok := messages[message]
	return handler, ok
}

// Fragments returns each component's OpenAPI fragment keyed by component
// name.
func (h *Host) Fragments() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, e := range h.entries {
		if dp, ok := e.comp.(DocProvider); ok {
			if frag := dp.OpenAPI(); frag != nil {
				out[e.name] = frag
			}
		}
	}
	return out
}

func (h *Host) buildEnv(e entry, base EnvBase) *Env {
	env := &Env{
		Name:    e.name,
		Spec:    e.spec,
		Router:  base.Router.Sub("/api/" + e.name),
		State:   base.State.Namespace(e.name),
		Data:    docstore.NewNamespace(base.Data, e.name+"."),
		Log:     base.Log.With("component", e.name),
		BaseURL: base.BaseURL,
		Info:    base.Info,
		Core:    base.Core,
		Auth:    base.Auth,
		host:    h,
	}
	if mp, ok := e.comp.(MiddlewareProvider); ok {
		env.Router.Use(mp.Middleware()...)
	}
	return env
}

// runHook invokes fn, converting panics into recorded errors.
func (h *Host) runHook(name, hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("component hook panicked",
				"component", name,
				"hook", hook,
				"panic", rec,
				"stack", string(debug.Stack()))
			err = errkind.Newf(errkind.Server, "component %s %s panicked: %v", name, hook, rec)
		}
	}()
	return fn()
}

func (h *Host) recordErr(name, hook string, err error) {
	h.log.Error("component hook failed", "component", name, "hook", hook, "error", err)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errs[name] == nil {
		h.errs[name] = make(map[string]error)
	}
	h.errs[name][hook] = err
}

// registerProvider installs a provider's message map. Provider names are
// unique across components; a configured provider list restricts what its
// component may claim.
func (h *Host) registerProvider(component string, spec config.ComponentSpec, provider string, messages map[string]session.Handler) error {
	if len(spec.Providers) > 0 {
		allowed := false
		for _, p := range spec.Providers {
			if p == provider {
				allowed = true
				break
			}
		}
		if !allowed {
			return errkind.Newf(errkind.ServerConfiguration,
				"component %q is not configured to provide %q", component, provider)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.providers[provider]; taken {
		return errkind.Newf(errkind.ServerConfiguration, "provider %q is already registered", provider)
	}
	copied := make(map[string]session.Handler, len(messages))
	for name, handler := range messages {
		copied[name] = handler
	}
	h.providers[provider] = copied
	return nil
}
