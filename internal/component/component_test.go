package component

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/docstore/boltdoc"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/state"
	"github.com/morrigan-server/morrigan/internal/web"
)

type stubComponent struct {
	functions []string
	setup     func(ctx context.Context, env *Env) error
}

func (c *stubComponent) Functions() []string { return c.functions }

func (c *stubComponent) Setup(ctx context.Context, env *Env) error {
	if c.setup == nil {
		return nil
	}
	return c.setup(ctx, env)
}

type stoppableComponent struct {
	stubComponent
	shutdown func(ctx context.Context, reason string) error
}

func (c *stoppableComponent) Shutdown(ctx context.Context, reason string) error {
	return c.shutdown(ctx, reason)
}

type docComponent struct {
	stubComponent
	fragment map[string]any
}

func (c *docComponent) OpenAPI() map[string]any { return c.fragment }

func factoryFor(comp Component) Factory {
	return func(name string, spec config.ComponentSpec) (Component, error) {
		return comp, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBase(t *testing.T) EnvBase {
	t.Helper()
	stateStore, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stateStore.Close() })
	data, err := boltdoc.Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { data.Close(context.Background()) })
	return EnvBase{
		Router: web.NewRouter(),
		State:  stateStore,
		Data:   data,
		Log:    discardLogger(),
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("auth", factoryFor(&stubComponent{})); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("auth", factoryFor(&stubComponent{})); err == nil {
		t.Error("duplicate module registration accepted")
	}
	if _, ok := reg.Lookup("auth"); !ok {
		t.Error("registered module not found")
	}
	if _, ok := reg.Lookup("ghost"); ok {
		t.Error("unregistered module found")
	}

	if err := reg.Register("client", factoryFor(&stubComponent{})); err != nil {
		t.Fatal(err)
	}
	mods := reg.Modules()
	if len(mods) != 2 || mods[0] != "auth" || mods[1] != "client" {
		t.Errorf("Modules = %v", mods)
	}
}

func TestNewHostRejectsUnknownModule(t *testing.T) {
	reg := NewRegistry()
	_, err := NewHost(reg, map[string]config.ComponentSpec{
		"telemetry": {Module: "ghost"},
	}, nil)
	if errkind.KindOf(err) != errkind.ServerConfiguration {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.ServerConfiguration)
	}
}

func TestNewHostFactoryFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(name string, spec config.ComponentSpec) (Component, error) {
		return nil, errors.New("bad options")
	})
	_, err := NewHost(reg, map[string]config.ComponentSpec{"x": {Module: "broken"}}, nil)
	if errkind.KindOf(err) != errkind.ServerConfiguration {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.ServerConfiguration)
	}
}

func TestComponentsAreOrdered(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mod", factoryFor(&stubComponent{}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"zeta":  {Module: "mod"},
		"alpha": {Module: "mod"},
		"mid":   {Module: "mod"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := host.Components()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Components = %v, want %v", got, want)
		}
	}
}

func TestFunctionsUnion(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", factoryFor(&stubComponent{functions: []string{"x.read", "shared"}}))
	reg.Register("b", factoryFor(&stubComponent{functions: []string{"y.write", "shared"}}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"one": {Module: "a"},
		"two": {Module: "b"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := host.Functions()
	want := []string{"shared", "x.read", "y.write"}
	if len(got) != len(want) {
		t.Fatalf("Functions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Functions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetupIsolatesFailures(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ok", factoryFor(&stubComponent{
		setup: func(ctx context.Context, env *Env) error {
			env.Router.Handle(http.MethodGet, "/ping", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, nil)
			return nil
		},
	}))
	reg.Register("failing", factoryFor(&stubComponent{
		setup: func(ctx context.Context, env *Env) error { return errors.New("no database") },
	}))
	reg.Register("panicking", factoryFor(&stubComponent{
		setup: func(ctx context.Context, env *Env) error { panic("boom") },
	}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"good": {Module: "ok"},
		"bad":  {Module: "failing"},
		"ugly": {Module: "panicking"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := testBase(t)
	host.Setup(context.Background(), base)

	errs := host.Errors()
	if errs["bad"]["setup"] == nil {
		t.Error("failing component's error not recorded")
	}
	if errs["ugly"]["setup"] == nil {
		t.Error("panicking component's error not recorded")
	}
	if len(errs["good"]) != 0 {
		t.Errorf("healthy component has errors: %v", errs["good"])
	}

	// The healthy component's route is live under its prefix.
	rec := httptest.NewRecorder()
	base.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/good/ping", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/good/ping = %d, want 200", rec.Code)
	}
}

func TestShutdown(t *testing.T) {
	var gotReason string
	reg := NewRegistry()
	reg.Register("stoppable", factoryFor(&stoppableComponent{
		shutdown: func(ctx context.Context, reason string) error {
			gotReason = reason
			return nil
		},
	}))
	reg.Register("plain", factoryFor(&stubComponent{}))
	reg.Register("failing", factoryFor(&stoppableComponent{
		shutdown: func(ctx context.Context, reason string) error { return errors.New("wedged") },
	}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"a": {Module: "stoppable"},
		"b": {Module: "plain"},
		"c": {Module: "failing"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	host.Shutdown(context.Background(), "SIGTERM")

	if gotReason != "SIGTERM" {
		t.Errorf("reason = %q, want SIGTERM", gotReason)
	}
	if host.Errors()["c"]["shutdown"] == nil {
		t.Error("shutdown failure not recorded")
	}
}

func TestEnvScoping(t *testing.T) {
	var captured *Env
	reg := NewRegistry()
	reg.Register("mod", factoryFor(&stubComponent{
		setup: func(ctx context.Context, env *Env) error {
			captured = env
			return nil
		},
	}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"telemetry": {Module: "mod"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	host.Setup(context.Background(), testBase(t))

	if captured == nil {
		t.Fatal("setup never ran")
	}
	if captured.Name != "telemetry" {
		t.Errorf("Name = %q", captured.Name)
	}
	if got := captured.Data.Collection("readings").Name(); got != "telemetry.readings" {
		t.Errorf("data collection name = %q, want telemetry.readings", got)
	}

	captured.Router.Handle(http.MethodGet, "/x", func(http.ResponseWriter, *http.Request) {}, nil)
	routes := captured.Router.Routes()
	found := false
	for _, rt := range routes {
		if rt.Pattern == "/api/telemetry/x" {
			found = true
		}
	}
	if !found {
		t.Errorf("route not mounted under /api/telemetry: %+v", routes)
	}

	if err := captured.State.Put("cursor", []byte("42")); err != nil {
		t.Fatal(err)
	}
	val, err := captured.State.Get("cursor")
	if err != nil || string(val) != "42" {
		t.Errorf("state Get = %q, %v", val, err)
	}
}

func TestResolve(t *testing.T) {
	handler := func(ctx context.Context, h *session.Handle, body json.RawMessage) error { return nil }

	reg := NewRegistry()
	reg.Register("mod", factoryFor(&stubComponent{
		setup: func(ctx context.Context, env *Env) error {
			return env.RegisterProvider("telemetry", map[string]session.Handler{"push": handler})
		},
	}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{"t": {Module: "mod"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	host.Setup(context.Background(), testBase(t))
	if len(host.Errors()) != 0 {
		t.Fatalf("setup errors: %v", host.Errors())
	}

	if _, ok := host.Resolve("telemetry.push"); !ok {
		t.Error("registered message not resolved")
	}
	if _, ok := host.Resolve("telemetry.pull"); ok {
		t.Error("unregistered message resolved")
	}
	if _, ok := host.Resolve("other.push"); ok {
		t.Error("unregistered provider resolved")
	}
	if _, ok := host.Resolve("nodot"); ok {
		t.Error("undotted type resolved")
	}
}

func TestProviderRestrictions(t *testing.T) {
	handler := func(ctx context.Context, h *session.Handle, body json.RawMessage) error { return nil }

	t.Run("configured list restricts names", func(t *testing.T) {
		var denied, allowed error
		reg := NewRegistry()
		reg.Register("mod", factoryFor(&stubComponent{
			setup: func(ctx context.Context, env *Env) error {
				denied = env.RegisterProvider("other", map[string]session.Handler{"m": handler})
				allowed = env.RegisterProvider("telemetry", map[string]session.Handler{"m": handler})
				return nil
			},
		}))
		host, err := NewHost(reg, map[string]config.ComponentSpec{
			"t": {Module: "mod", Providers: []string{"telemetry"}},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		host.Setup(context.Background(), testBase(t))

		if errkind.KindOf(denied) != errkind.ServerConfiguration {
			t.Errorf("denied kind = %q, want %q", errkind.KindOf(denied), errkind.ServerConfiguration)
		}
		if allowed != nil {
			t.Errorf("allowed provider rejected: %v", allowed)
		}
	})

	t.Run("provider names are unique", func(t *testing.T) {
		errs := make(chan error, 2)
		reg := NewRegistry()
		reg.Register("mod", factoryFor(&stubComponent{
			setup: func(ctx context.Context, env *Env) error {
				errs <- env.RegisterProvider("telemetry", map[string]session.Handler{"m": handler})
				return nil
			},
		}))
		host, err := NewHost(reg, map[string]config.ComponentSpec{
			"one": {Module: "mod"},
			"two": {Module: "mod"},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		host.Setup(context.Background(), testBase(t))
		close(errs)

		var failures int
		for err := range errs {
			if err != nil {
				failures++
			}
		}
		if failures != 1 {
			t.Errorf("duplicate provider failures = %d, want exactly 1", failures)
		}
	})
}

func TestFragments(t *testing.T) {
	reg := NewRegistry()
	reg.Register("documented", factoryFor(&docComponent{
		fragment: map[string]any{"tags": []any{map[string]any{"name": "telemetry"}}},
	}))
	reg.Register("plain", factoryFor(&stubComponent{}))

	host, err := NewHost(reg, map[string]config.ComponentSpec{
		"t": {Module: "documented"},
		"p": {Module: "plain"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	frags := host.Fragments()
	if _, ok := frags["t"]; !ok {
		t.Error("documented component fragment missing")
	}
	if _, ok := frags["p"]; ok {
		t.Error("plain component contributed a fragment")
	}
	if len(frags) != 1 {
		t.Errorf("fragments = %d, want 1", len(frags))
	}
}
