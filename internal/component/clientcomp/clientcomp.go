// Package clientcomp is the built-in client component: agent provisioning
// over REST plus the client.* and capability.* session message providers.
package clientcomp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/clients"
	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/web"
)

// ModuleName selects this component in the components configuration map.
const ModuleName = "client"

// Function names guarding the client routes.
const (
	FnClientProvision = "client.provision"
	FnClientGet       = "client.get.all"
	FnClientDelete    = "client.delete.all"
)

// Register adds the client module to a component registry.
func Register(r *component.Registry) error {
	return r.Register(ModuleName, func(name string, spec config.ComponentSpec) (component.Component, error) {
		return &Clients{}, nil
	})
}

// Clients serves agent provisioning and handles agent protocol messages.
type Clients struct {
	env *component.Env
}

// Functions returns the grantable function names this component declares.
func (c *Clients) Functions() []string {
	return []string{FnClientProvision, FnClientGet, FnClientDelete}
}

// Setup mounts routes and registers the message providers.
func (c *Clients) Setup(ctx context.Context, env *component.Env) error {
	c.env = env
	r := env.Router
	gate := env.Auth

	r.Handle(http.MethodPost, "/provision", gate.Fn(FnClientProvision, c.handleProvision), map[string]any{
		"summary":     "Provision an agent",
		"description": "Creates the agent when the id is new and issues a fresh wrapped token either way.",
		"tags":        []any{"client"},
	})
	r.Handle(http.MethodGet, "", gate.Fn(FnClientGet, c.handleList), map[string]any{
		"summary": "List agents",
		"tags":    []any{"client"},
	})
	r.Handle(http.MethodGet, "/{clientId}", gate.Fn(FnClientGet, c.handleGet), nil)
	r.Handle(http.MethodDelete, "/{clientId}", gate.Fn(FnClientDelete, c.handleDeprovision), nil)

	if err := env.RegisterProvider("client", map[string]session.Handler{
		"token.refresh": c.handleTokenRefresh,
		"state":         c.handleState,
	}); err != nil {
		return err
	}
	return env.RegisterProvider("capability", map[string]session.Handler{
		"report": c.handleCapabilityReport,
	})
}

// OpenAPI contributes the client schema fragment.
func (c *Clients) OpenAPI() map[string]any {
	return map[string]any{
		"tags": []any{
			map[string]any{"name": "client", "description": "Agent provisioning and inventory."},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Client": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":        map[string]any{"type": "string"},
						"lastState": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (c *Clients) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := web.ReadJSON(r, &req); err != nil {
		web.WriteError(w, err)
		return
	}
	p, err := c.env.Core.Clients.Provision(r.Context(), req.ID)
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"token": p.Token,
		"record": map[string]any{
			"id":      p.Client.ID,
			"expires": p.Expires,
		},
	})
}

func (c *Clients) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := c.env.Core.Clients.List(r.Context())
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, list)
}

func (c *Clients) handleGet(w http.ResponseWriter, r *http.Request) {
	client, err := c.env.Core.Clients.Get(r.Context(), r.PathValue("clientId"))
	if err != nil {
		if errkind.KindOf(err) == errkind.NoRecord {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, client)
}

func (c *Clients) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	err := c.env.Core.Clients.Deprovision(r.Context(), r.PathValue("clientId"))
	if err != nil {
		if errkind.KindOf(err) == errkind.NoRecord {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"state": "success"})
}

// ---------------------------------------------------------------------------
// Session message handlers
// ---------------------------------------------------------------------------

// handleTokenRefresh reissues the agent's token and sends it back as
// client.token.issue. The old token dies with the replaced record.
func (c *Clients) handleTokenRefresh(ctx context.Context, h *session.Handle, payload json.RawMessage) error {
	p, err := c.env.Core.Clients.Refresh(ctx, h.Client.ID)
	if err != nil {
		return err
	}
	return h.Send(ctx, map[string]any{
		"type":    "client.token.issue",
		"token":   p.Token,
		"expires": p.Expires,
	})
}

// handleState records the agent-announced lifecycle state.
func (c *Clients) handleState(ctx context.Context, h *session.Handle, payload json.RawMessage) error {
	var msg struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errkind.Wrap(errkind.Request, "client.state payload is not valid JSON", err)
	}
	if msg.State == "" {
		return errkind.New(errkind.Request, "client.state payload needs a state")
	}
	return c.env.Core.Clients.RecordState(ctx, h.Client.ID, msg.State)
}

// handleCapabilityReport records the agent's capability inventory.
func (c *Clients) handleCapabilityReport(ctx context.Context, h *session.Handle, payload json.RawMessage) error {
	var msg struct {
		Capabilities []clients.Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errkind.Wrap(errkind.Request, "capability.report payload is not valid JSON", err)
	}
	return c.env.Core.Clients.RecordCapabilities(ctx, h.Client.ID, msg.Capabilities)
}
