package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/errkind"
)

// ServerConfig defines what the HTTP server needs from the rest of the
// application.
type ServerConfig struct {
	HTTP     config.HTTPConfig
	StateDir string
	Router   *Router
	Log      *slog.Logger
}

// Server is the API HTTP server. Agent WebSocket sessions ride the same
// listener, so the server sets no global read or write deadlines; handlers
// and the session manager enforce their own.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	started bool
}

// NewServer creates a server around the given router. Routes must be
// registered on the router before Start.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg, log: cfg.Log.With("component", "web")}
}

// Start opens the listener and begins serving. It returns once the listener
// is accepting connections, so a port of 0 can be resolved via Addr
// immediately after.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errkind.New(errkind.Server, "http server already started")
	}

	tlsConf, err := s.resolveTLS()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errkind.Wrap(errkind.ServerConfiguration, "listen on "+addr, err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	s.server = &http.Server{
		Handler:           instrument(s.log, s.cfg.Router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.listener = ln
	s.started = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", tlsConf != nil)
	return nil
}

// resolveTLS returns the TLS configuration to serve with, or nil for plain
// HTTP. With secure set and no paths configured, a self-signed certificate
// is generated under the state directory.
func (s *Server) resolveTLS() (*tls.Config, error) {
	if !s.cfg.HTTP.Secure {
		return nil, nil
	}
	certPath, keyPath := s.cfg.HTTP.CertPath, s.cfg.HTTP.KeyPath
	if certPath == "" && keyPath == "" {
		var err error
		certPath, keyPath, err = EnsureSelfSignedCert(s.cfg.StateDir)
		if err != nil {
			return nil, errkind.Wrap(errkind.ServerConfiguration, "provision self-signed certificate", err)
		}
		s.log.Info("using self-signed certificate", "cert", certPath)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.ServerConfiguration, "load TLS key pair", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Stop gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.server.Shutdown(ctx)
}

// Addr returns the listener address, useful when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the externally usable URL of the server.
func (s *Server) BaseURL() string {
	scheme := "http"
	if s.cfg.HTTP.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, s.cfg.HTTP.Port)
}
