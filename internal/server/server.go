// Package server drives the lifecycle state machine: it owns every
// long-lived subsystem, brings them up in order, and tears them down on
// stop. Observers follow along on the event bus; each transition fires its
// event exactly once.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morrigan-server/morrigan/internal/clients"
	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/docstore/boltdoc"
	"github.com/morrigan-server/morrigan/internal/events"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/identity/provider"
	"github.com/morrigan-server/morrigan/internal/instance"
	"github.com/morrigan-server/morrigan/internal/maintenance"
	"github.com/morrigan-server/morrigan/internal/metrics"
	"github.com/morrigan-server/morrigan/internal/monitor"
	"github.com/morrigan-server/morrigan/internal/openapi"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/state"
	"github.com/morrigan-server/morrigan/internal/token"
	"github.com/morrigan-server/morrigan/internal/web"
)

// corePrefix namespaces the server's own collections in the shared store.
const corePrefix = "morrigan."

// Token issuers. Operator and agent tokens are separate services with
// separate record collections so their lifetimes and purges never mix.
const (
	operatorIssuer = "morrigan.auth"
	agentIssuer    = "morrigan.clients"
)

// Options wires a Server.
type Options struct {
	Config *config.Config
	// Registry holds the component modules available to the configuration.
	Registry *component.Registry
	Log      *slog.Logger
	// Bus carries lifecycle and domain events. Created when nil; pass one
	// in to subscribe before construction fires "instanced".
	Bus     *events.Bus
	Version string
	Now     func() time.Time
}

// Server is the lifecycle supervisor.
type Server struct {
	cfg      *config.Config
	registry *component.Registry
	log      *slog.Logger
	bus      *events.Bus
	version  string
	now      func() time.Time

	mu    sync.Mutex
	state State
	err   error

	instanceID string
	startedAt  time.Time

	// Built during setup.
	stateStore *state.Store
	host       *component.Host
	info       instance.Info

	// Built during start.
	data       docstore.Root
	core       docstore.Store
	opTokens   *token.Service
	agTokens   *token.Service
	identities *identity.Service
	clients    *clients.Registry
	sessions   *session.Manager
	router     *web.Router
	web        *web.Server
	reporter   *instance.Reporter
	janitor    *maintenance.Janitor
	relay      *monitor.Relay

	componentsLive bool
}

// New constructs a server in the Instanced state and starts the event
// relay, so the full lifecycle is visible to the monitor sinks.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		log:      log.With("component", "server"),
		bus:      bus,
		version:  opts.Version,
		now:      now,
		state:    Instanced,
	}

	sinks := []monitor.Sink{monitor.NewLogSink(log)}
	if mq := opts.Config.Monitor.MQTT; mq != nil && mq.Broker != "" {
		sinks = append(sinks, monitor.NewMQTTSink(*mq))
	}
	s.relay = monitor.New(bus, log, sinks...)
	s.relay.Start()

	s.announce(Instanced, nil)
	return s
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// Setup validates configuration and builds everything that needs no open
// network or database handle: the state store, the component set, and this
// instance's identity. Valid only from Instanced.
func (s *Server) Setup(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Instanced {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("setup is not valid from state %s", st)
	}
	s.state = Initializing
	s.mu.Unlock()
	s.announce(Initializing, nil)

	if err := s.setup(ctx); err != nil {
		s.fail(err)
		return err
	}

	s.transition(Initialized, nil)
	return nil
}

func (s *Server) setup(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if s.cfg.Database.DBName == config.DefaultDBName {
		s.log.Warn("running with the default database name", "dbname", config.DefaultDBName)
	}

	s.instanceID = uuid.NewString()
	s.startedAt = s.now().UTC()

	host, err := component.NewHost(s.registry, s.cfg.Components, s.log)
	if err != nil {
		return err
	}
	s.host = host

	st, err := state.Open(filepath.Join(s.cfg.StateDir, "state.db"))
	if err != nil {
		return err
	}
	s.stateStore = st

	s.info = instance.Collect(s.instanceID, s.version, host.Components(), s.startedAt)
	s.log.Info("server initialized",
		"instance", s.instanceID,
		"components", host.Components(),
		"version", s.version,
	)
	return nil
}

// Start brings the server to Ready. Valid from Initialized; a server still
// in Instanced is set up first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == Instanced {
		if err := s.Setup(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state != Initialized {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("start is not valid from state %s", st)
	}
	s.state = Starting
	s.mu.Unlock()
	s.announce(Starting, nil)

	if err := s.start(ctx); err != nil {
		s.teardown(context.Background(), "startup failed")
		s.fail(err)
		return err
	}

	s.transition(Ready, nil)
	s.log.Info("server ready", "addr", s.web.Addr(), "baseUrl", s.web.BaseURL())
	return nil
}

func (s *Server) start(ctx context.Context) error {
	// Data store.
	path := s.cfg.Database.ConnectionString
	if path == "" {
		path = filepath.Join(s.cfg.StateDir, s.cfg.Database.DBName+".db")
	}
	data, err := boltdoc.Open(path)
	if err != nil {
		return err
	}
	s.data = data
	s.core = data.Namespace(corePrefix)
	s.transition(StartingConnected, nil)

	// Token services, one per issuer.
	s.opTokens, err = token.New(token.Config{
		Issuer:   operatorIssuer,
		Records:  s.core.Collection("authTokens"),
		TTL:      s.cfg.Tokens.OperatorTTL.Std(),
		Rotation: s.cfg.Tokens.RotationInterval.Std(),
		Log:      s.log,
		Now:      s.now,
	})
	if err != nil {
		return err
	}
	s.agTokens, err = token.New(token.Config{
		Issuer:   agentIssuer,
		Records:  s.core.Collection("clientTokens"),
		TTL:      s.cfg.Tokens.ClientTTL.Std(),
		Rotation: s.cfg.Tokens.RotationInterval.Std(),
		Log:      s.log,
		Now:      s.now,
	})
	if err != nil {
		return err
	}

	// Identity service and the operator bootstrap.
	providers, err := provider.NewRegistry(provider.Password{}, provider.Bcrypt{}, provider.TOTP{})
	if err != nil {
		return err
	}
	s.identities = identity.New(identity.Config{
		Identities:  s.core.Collection("identities"),
		AuthRecords: s.core.Collection("authentications"),
		Providers:   providers,
		Tokens:      s.opTokens,
		Log:         s.log,
		Now:         s.now,
	})
	s.identities.RegisterFunctions(s.host.Functions()...)

	bootstrapPW, err := s.cfg.BootstrapPassword()
	if err != nil {
		return err
	}
	if err := s.identities.Bootstrap(ctx, bootstrapPW); err != nil {
		return err
	}

	// Agent registry and session manager.
	s.clients = clients.NewRegistry(clients.Config{
		Collection: s.core.Collection("clients"),
		Tokens:     s.agTokens,
		Bus:        s.bus,
		Log:        s.log,
		Now:        s.now,
	})
	s.sessions = session.NewManager(session.Config{
		InstanceID: s.instanceID,
		Collection: s.core.Collection("connections"),
		Clients:    s.clients,
		Providers:  s.host,
		Bus:        s.bus,
		Log:        s.log,
		Heartbeat:  s.cfg.Connection.HeartbeatInterval.Std(),
		Now:        s.now,
	})

	// HTTP listener. Routes may still be registered after it is up; the
	// components mount theirs during setup below.
	s.router = web.NewRouter()
	metricsHandler := promhttp.Handler()
	s.router.Handle(http.MethodGet, "/metrics", metricsHandler.ServeHTTP, nil)

	s.web = web.NewServer(web.ServerConfig{
		HTTP:     s.cfg.HTTP,
		StateDir: s.cfg.StateDir,
		Router:   s.router,
		Log:      s.log,
	})
	if err := s.web.Start(); err != nil {
		return err
	}
	s.transition(Started, nil)

	// Component setup. Failures are collected per component; the server
	// reaches Ready regardless and Errors() exposes them.
	s.host.Setup(ctx, component.EnvBase{
		Router:  s.router,
		State:   s.stateStore,
		Data:    s.data,
		Log:     s.log,
		BaseURL: s.web.BaseURL(),
		Info:    s.info,
		Core: component.Core{
			Identities: s.identities,
			Tokens:     s.opTokens,
			Clients:    s.clients,
			Sessions:   s.sessions,
			Bus:        s.bus,
		},
		Auth: &web.Authenticator{
			Tokens:     s.opTokens,
			Identities: s.identities,
			Log:        s.log,
		},
	})
	s.componentsLive = true
	for name, hooks := range s.host.Errors() {
		for hook, err := range hooks {
			s.log.Error("component hook failed", "component", name, "hook", hook, "error", err)
		}
	}

	docs := openapi.New(openapi.Config{
		Title:     "morrigan",
		Version:   s.version,
		Router:    s.router,
		Fragments: s.host.Fragments,
		Log:       s.log,
	})
	docs.Install(s.router)

	// Liveness reporting and maintenance.
	s.reporter = instance.NewReporter(instance.ReporterConfig{
		Info:       s.info,
		Collection: s.core.Collection("instances"),
		Interval:   s.cfg.Instance.CheckInInterval.Std(),
		Log:        s.log,
		Now:        s.now,
	})
	if err := s.reporter.Start(ctx); err != nil {
		return err
	}

	s.janitor, err = maintenance.New(maintenance.Config{
		Schedule:     s.cfg.Maintenance.Schedule,
		Tokens:       []*token.Service{s.opTokens, s.agTokens},
		Instances:    s.core.Collection("instances"),
		Connections:  s.core.Collection("connections"),
		CheckIn:      s.cfg.Instance.CheckInInterval.Std(),
		TextfilePath: s.cfg.Metrics.TextfilePath,
		Log:          s.log,
		Now:          s.now,
	})
	if err != nil {
		return err
	}
	s.janitor.RunOnce(ctx)
	s.janitor.Start()

	return nil
}

// Stop brings a Ready server to Stopped. From any other state it returns
// nil without side effects, so exit handlers can call it unconditionally;
// concurrent calls collapse to one execution.
func (s *Server) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state != Ready {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("stop ignored", "state", st, "reason", reason)
		return nil
	}
	s.state = Stopping
	s.mu.Unlock()
	s.announce(Stopping, map[string]any{"reason": reason})

	// Component shutdown first, with no deadline: a wedged component wedges
	// the stop so the bug surfaces instead of being masked.
	s.host.Shutdown(ctx, reason)
	s.sessions.Close(reason)

	if err := s.web.Stop(ctx); err != nil {
		s.log.Warn("http listener close failed", "error", err)
	}
	if err := s.reporter.Stop(ctx, reason); err != nil {
		s.log.Warn("final instance record not written", "error", err)
	}
	s.janitor.Stop()
	s.opTokens.Dispose()
	s.agTokens.Dispose()

	if err := s.data.Close(ctx); err != nil {
		s.log.Warn("data store close failed", "error", err)
	}
	if err := s.stateStore.Close(); err != nil {
		s.log.Warn("state store close failed", "error", err)
	}

	s.transition(Stopped, map[string]any{"reason": reason})
	s.relay.Stop()
	return nil
}

// teardown releases whatever a failed start managed to build.
func (s *Server) teardown(ctx context.Context, reason string) {
	if s.componentsLive {
		s.host.Shutdown(ctx, reason)
	}
	if s.sessions != nil {
		s.sessions.Close(reason)
	}
	if s.web != nil {
		if err := s.web.Stop(ctx); err != nil {
			s.log.Warn("http listener close failed", "error", err)
		}
	}
	if s.reporter != nil {
		if err := s.reporter.Stop(ctx, reason); err != nil {
			s.log.Warn("final instance record not written", "error", err)
		}
	}
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.opTokens != nil {
		s.opTokens.Dispose()
	}
	if s.agTokens != nil {
		s.agTokens.Dispose()
	}
	if s.data != nil {
		if err := s.data.Close(ctx); err != nil {
			s.log.Warn("data store close failed", "error", err)
		}
	}
	if s.stateStore != nil {
		if err := s.stateStore.Close(); err != nil {
			s.log.Warn("state store close failed", "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (s *Server) transition(to State, detail map[string]any) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
	s.announce(to, detail)
}

// announce publishes a transition already applied to s.state. Publishing
// outside the lock keeps State() responsive while slow observers drain.
func (s *Server) announce(to State, detail map[string]any) {
	s.log.Info("lifecycle transition", "state", to.String())
	metrics.LifecycleTransitions.WithLabelValues(to.String()).Inc()
	s.bus.Publish(events.Event{Name: to.String(), Detail: detail})
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.state = Errored
	s.mu.Unlock()
	s.log.Error("lifecycle failed", "error", err)
	metrics.LifecycleTransitions.WithLabelValues(Errored.String()).Inc()
	s.bus.Publish(events.Event{Name: Errored.String(), Err: err})
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the server to Errored, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ComponentErrors returns the per-component per-hook error map. Nil before
// setup has run.
func (s *Server) ComponentErrors() map[string]map[string]error {
	if s.host == nil {
		return nil
	}
	return s.host.Errors()
}

// Info returns this instance's identity and runtime description. Zero
// before setup.
func (s *Server) Info() instance.Info {
	return s.info
}

// BaseURL returns the listener's base URL, empty before Started.
func (s *Server) BaseURL() string {
	if s.web == nil {
		return ""
	}
	return s.web.BaseURL()
}

// Bus returns the event bus observers subscribe on.
func (s *Server) Bus() *events.Bus {
	return s.bus
}
