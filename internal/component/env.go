package component

import (
	"log/slog"

	"github.com/morrigan-server/morrigan/internal/clients"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/events"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/instance"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/state"
	"github.com/morrigan-server/morrigan/internal/token"
	"github.com/morrigan-server/morrigan/internal/web"
)

// Core exposes the server's long-lived services to components.
type Core struct {
	Identities *identity.Service
	Tokens     *token.Service
	Clients    *clients.Registry
	Sessions   *session.Manager
	Bus        *events.Bus
}

// Env is the scoped environment handed to one component: its own router
// prefix, state namespace, and data namespace, plus the shared services.
// The data store namespace hides store-wide operations from the component.
type Env struct {
	Name    string
	Spec    config.ComponentSpec
	Router  *web.Router
	State   *state.Namespace
	Data    docstore.Store
	Log     *slog.Logger
	BaseURL string
	Info    instance.Info
	Core    Core
	Auth    *web.Authenticator

	host *Host
}

// RegisterProvider registers message handlers under a provider name. An
// incoming frame typed "<provider>.<message>" is routed to
// messages[<message>]. When the component's configuration declares a
// provider list, only those names are accepted.
func (e *Env) RegisterProvider(provider string, messages map[string]session.Handler) error {
	return e.host.registerProvider(e.Name, e.Spec, provider, messages)
}
