// Package conncomp is the built-in connection component: the agent
// WebSocket endpoint plus REST access to session records and message
// delivery.
package conncomp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/web"
)

// ModuleName selects this component in the components configuration map.
const ModuleName = "connection"

// Function names guarding the connection routes.
const (
	FnConnectionGet  = "connection.get.all"
	FnConnectionSend = "connection.send"
)

const maxSendBody = 1 << 20

// Register adds the connection module to a component registry.
func Register(r *component.Registry) error {
	return r.Register(ModuleName, func(name string, spec config.ComponentSpec) (component.Component, error) {
		return &Connections{}, nil
	})
}

// Connections serves the agent socket endpoint and session record queries.
type Connections struct {
	env *component.Env
}

// Functions returns the grantable function names this component declares.
func (c *Connections) Functions() []string {
	return []string{FnConnectionGet, FnConnectionSend}
}

// Setup mounts the routes. The connect route authenticates with the agent's
// wrapped token instead of the operator gate.
func (c *Connections) Setup(ctx context.Context, env *component.Env) error {
	c.env = env
	r := env.Router
	gate := env.Auth

	r.Handle(http.MethodGet, "/connect", c.handleConnect, map[string]any{
		"summary":     "Agent WebSocket endpoint",
		"description": "Upgrades to a message stream. The agent presents its wrapped token in the " + session.TokenHeader + " header or as a bearer token.",
		"tags":        []any{"connection"},
	})
	r.Handle(http.MethodGet, "", gate.Fn(FnConnectionGet, c.handleList), map[string]any{
		"summary": "List connections",
		"tags":    []any{"connection"},
	})
	r.Handle(http.MethodGet, "/{connectionId}", gate.Fn(FnConnectionGet, c.handleGet), nil)
	r.Handle(http.MethodPost, "/{connectionId}/send", gate.Fn(FnConnectionSend, c.handleSend), map[string]any{
		"summary":     "Send a message to a connection",
		"description": "Delivers the request body as one frame to the agent holding the connection.",
		"tags":        []any{"connection"},
	})
	return nil
}

// OpenAPI contributes the connection tag.
func (c *Connections) OpenAPI() map[string]any {
	return map[string]any{
		"tags": []any{
			map[string]any{"name": "connection", "description": "Live agent sessions."},
		},
	}
}

// handleConnect verifies the agent token and hands the request to the
// session manager. A rejected token closes the exchange with a bare 403:
// agents get no detail before they are authenticated.
func (c *Connections) handleConnect(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(session.TokenHeader)
	if raw == "" {
		raw, _ = web.ExtractBearerToken(r)
	}
	if raw == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	client, err := c.env.Core.Clients.VerifyToken(r.Context(), raw)
	if err != nil {
		c.env.Log.Info("agent connect rejected", "kind", errkind.KindOf(err), "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h, err := c.env.Core.Sessions.Accept(w, r, client)
	if err != nil {
		// Accept has already answered or closed the socket.
		c.env.Log.Debug("agent session not established", "client", client.ID, "error", err)
		return
	}

	// Ask for the capability inventory right away.
	if err := h.Send(r.Context(), map[string]any{"type": "capability.report"}); err != nil {
		c.env.Log.Debug("capability request not sent", "connection", h.ID, "error", err)
	}
}

func (c *Connections) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := c.env.Core.Sessions.List(r.Context())
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, recs)
}

func (c *Connections) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := c.env.Core.Sessions.Get(r.Context(), r.PathValue("connectionId"))
	if err != nil {
		if errkind.KindOf(err) == errkind.NoRecord {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, rec)
}

// handleSend forwards the raw request body as one frame.
func (c *Connections) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		web.WriteError(w, errkind.Wrap(errkind.Request, "read message body", err))
		return
	}
	if !json.Valid(body) {
		web.WriteError(w, errkind.New(errkind.Request, "message body is not valid JSON"))
		return
	}

	id := r.PathValue("connectionId")
	if err := c.env.Core.Sessions.Send(r.Context(), id, json.RawMessage(body)); err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"state": "success"})
}
