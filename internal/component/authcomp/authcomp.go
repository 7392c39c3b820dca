// Package authcomp is the built-in auth component: operator login plus
// identity CRUD, mounted under /api/<name>.
package authcomp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/web"
)

// ModuleName selects this component in the components configuration map.
const ModuleName = "auth"

// Function names guarding the identity routes.
const (
	FnIdentityCreate = "identity.create"
	FnIdentityGet    = "identity.get.all"
	FnIdentityUpdate = "identity.update.all"
	FnIdentityDelete = "identity.delete.all"
)

const maxLoginBody = 1 << 16

// Register adds the auth module to a component registry.
func Register(r *component.Registry) error {
	return r.Register(ModuleName, func(name string, spec config.ComponentSpec) (component.Component, error) {
		return &Auth{}, nil
	})
}

// Auth serves operator login and identity management.
type Auth struct {
	env *component.Env
}

// Functions returns the grantable function names this component declares.
func (a *Auth) Functions() []string {
	return []string{FnIdentityCreate, FnIdentityGet, FnIdentityUpdate, FnIdentityDelete}
}

// Setup mounts the routes. The login route is public; everything else runs
// behind the operator auth gate.
func (a *Auth) Setup(ctx context.Context, env *component.Env) error {
	a.env = env
	r := env.Router
	gate := env.Auth

	r.Handle(http.MethodPost, "", a.handleLogin, map[string]any{
		"summary":     "Operator login",
		"description": "Exchanges identity credentials for a bearer token.",
		"tags":        []any{"auth"},
	})
	r.Handle(http.MethodGet, "/identity", gate.Fn(FnIdentityGet, a.handleList), map[string]any{
		"summary": "List identities",
		"tags":    []any{"auth"},
	})
	r.Handle(http.MethodPost, "/identity", gate.Fn(FnIdentityCreate, a.handleCreate), map[string]any{
		"summary": "Create an identity",
		"tags":    []any{"auth"},
	})
	r.Handle(http.MethodGet, "/identity/me", gate.Authed(a.handleGetMe), map[string]any{
		"summary": "Read the calling identity",
		"tags":    []any{"auth"},
	})
	r.Handle(http.MethodPatch, "/identity/me", gate.Authed(a.handleSetMe), map[string]any{
		"summary":     "Update the calling identity",
		"description": "Function grants cannot be changed through this route.",
		"tags":        []any{"auth"},
	})
	r.Handle(http.MethodGet, "/identity/{id}", gate.Fn(FnIdentityGet, a.handleGet), nil)
	r.Handle(http.MethodPatch, "/identity/{id}", gate.Fn(FnIdentityUpdate, a.handleSet), nil)
	r.Handle(http.MethodDelete, "/identity/{id}", gate.Fn(FnIdentityDelete, a.handleDelete), nil)
	return nil
}

// OpenAPI contributes the bearer scheme and identity schema fragment.
func (a *Auth) OpenAPI() map[string]any {
	return map[string]any{
		"tags": []any{
			map[string]any{"name": "auth", "description": "Operator authentication and identity management."},
		},
		"security": []any{
			map[string]any{"bearerAuth": []any{}},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
			"schemas": map[string]any{
				"Identity": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":        map[string]any{"type": "string"},
						"name":      map[string]any{"type": "string"},
						"functions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
		},
	}
}

// handleLogin authenticates an operator. The full body doubles as the
// offered credentials, so providers can define their own fields next to
// the identity name.
func (a *Auth) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
	if err != nil {
		loginError(w, errkind.Wrap(errkind.Request, "read login request", err))
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		loginError(w, errkind.Wrap(errkind.Request, "login request is not valid JSON", err))
		return
	}
	if req.Name == "" {
		loginError(w, errkind.New(errkind.Request, "login request needs a name"))
		return
	}

	_, issued, err := a.env.Core.Identities.Authenticate(r.Context(), req.Name, body)
	if err != nil {
		loginError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"state":   "success",
		"token":   issued.Token,
		"expires": issued.Expires,
	})
}

// loginError writes the login result shape: a state naming the failure kind
// plus a reason.
func loginError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	web.WriteJSON(w, errkind.HTTPStatus(kind), map[string]any{
		"state":  string(kind),
		"reason": errkind.Reason(err),
	})
}

func (a *Auth) handleList(w http.ResponseWriter, r *http.Request) {
	idents, err := a.env.Core.Identities.List(r.Context())
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, idents)
}

func (a *Auth) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec identity.Spec
	if err := web.ReadJSON(r, &spec); err != nil {
		web.WriteError(w, err)
		return
	}
	ident, err := a.env.Core.Identities.Add(r.Context(), spec)
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusCreated, ident)
}

func (a *Auth) handleGet(w http.ResponseWriter, r *http.Request) {
	ident, err := a.env.Core.Identities.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errkind.KindOf(err) == errkind.NoRecord {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, ident)
}

func (a *Auth) handleSet(w http.ResponseWriter, r *http.Request) {
	var spec identity.Spec
	if err := web.ReadJSON(r, &spec); err != nil {
		web.WriteError(w, err)
		return
	}
	ident, err := a.env.Core.Identities.Set(r.Context(), r.PathValue("id"), spec, true)
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, ident)
}

func (a *Auth) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := a.env.Core.Identities.Remove(r.Context(), r.PathValue("id"))
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

func (a *Auth) handleGetMe(w http.ResponseWriter, r *http.Request) {
	ident, ok := web.IdentityFrom(r.Context())
	if !ok {
		web.WriteError(w, errkind.New(errkind.Server, "no identity on authenticated request"))
		return
	}
	web.WriteJSON(w, http.StatusOK, ident)
}

// handleSetMe applies a self-service update. Function changes are dropped
// by the identity service when security edits are not allowed.
func (a *Auth) handleSetMe(w http.ResponseWriter, r *http.Request) {
	ident, ok := web.IdentityFrom(r.Context())
	if !ok {
		web.WriteError(w, errkind.New(errkind.Server, "no identity on authenticated request"))
		return
	}
	var spec identity.Spec
	if err := web.ReadJSON(r, &spec); err != nil {
		web.WriteError(w, err)
		return
	}
	updated, err := a.env.Core.Identities.Set(r.Context(), ident.ID, spec, false)
	if err != nil {
		web.WriteError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, updated)
}
