// Package clients is the registry of provisioned agents. Each agent holds a
// wrapped bearer token tied to its id; provisioning an existing agent
// reissues the token, which revokes the previous one.
package clients

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/events"
	"github.com/morrigan-server/morrigan/internal/token"
)

// stoppedPrefix marks agent states that survive a session close untouched.
const stoppedPrefix = "stopped"

// Capability is one agent-reported capability.
type Capability struct {
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// Client is a provisioned agent.
type Client struct {
	ID           string       `json:"id"`
	State        string       `json:"lastState,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Provisioned  time.Time    `json:"provisioned"`
	Updated      time.Time    `json:"updated"`
}

// Provisioned is the result of provisioning: the agent plus its freshly
// issued wrapped token. The token is only ever shown here.
type Provisioned struct {
	Client  Client    `json:"client"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Config configures a Registry.
type Config struct {
	Collection docstore.Collection
	Tokens     *token.Service
	Bus        *events.Bus
	Log        *slog.Logger
	Now        func() time.Time
}

// Registry manages agent records and their tokens.
type Registry struct {
	col    docstore.Collection
	tokens *token.Service
	bus    *events.Bus
	log    *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		col:    cfg.Collection,
		tokens: cfg.Tokens,
		bus:    cfg.Bus,
		log:    cfg.Log.With("component", "clients"),
		now:    cfg.Now,
	}
}

// Provision registers an agent and issues its wrapped token. An empty id
// provisions a new agent; a known id reissues the token, revoking the one
// issued before.
func (r *Registry) Provision(ctx context.Context, id string) (Provisioned, error) {
	now := r.now().UTC()
	if id == "" {
		id = uuid.NewString()
	}

	var client Client
	err := r.col.FindOne(ctx, docstore.Filter{"id": id}, &client)
	switch {
	case errors.Is(err, docstore.ErrNoDocuments):
		client = Client{ID: id, Provisioned: now, Updated: now}
		if _, err := r.col.InsertOne(ctx, client); err != nil {
			return Provisioned{}, errkind.Wrap(errkind.Server, "persist client", err)
		}
	case err != nil:
		return Provisioned{}, errkind.Wrap(errkind.Server, "load client", err)
	default:
		client.Updated = now
		if _, err := r.col.ReplaceOne(ctx, docstore.Filter{"id": id}, client, false); err != nil {
			return Provisioned{}, errkind.Wrap(errkind.Server, "persist client", err)
		}
	}

	issued, err := r.tokens.Issue(ctx, id, token.IssueOptions{})
	if err != nil {
		return Provisioned{}, err
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{Name: "client.provisioned", Detail: map[string]any{"clientId": id}})
	}
	r.log.Info("client provisioned", "client", id, "expires", issued.Expires)
	return Provisioned{
		Client:  client,
		Token:   token.Wrap(id, issued.Token),
		Expires: issued.Expires,
	}, nil
}

// Refresh reissues the token of an existing agent, revoking the one issued
// before. Unlike Provision it never creates the agent.
func (r *Registry) Refresh(ctx context.Context, id string) (Provisioned, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return Provisioned{}, err
	}
	client.Updated = r.now().UTC()
	if _, err := r.col.ReplaceOne(ctx, docstore.Filter{"id": id}, client, false); err != nil {
		return Provisioned{}, errkind.Wrap(errkind.Server, "persist client", err)
	}

	issued, err := r.tokens.Issue(ctx, id, token.IssueOptions{})
	if err != nil {
		return Provisioned{}, err
	}

	r.log.Info("client token refreshed", "client", id, "expires", issued.Expires)
	return Provisioned{
		Client:  client,
		Token:   token.Wrap(id, issued.Token),
		Expires: issued.Expires,
	}, nil
}

// Deprovision removes an agent and revokes its tokens.
func (r *Registry) Deprovision(ctx context.Context, id string) error {
	ok, err := r.col.DeleteOne(ctx, docstore.Filter{"id": id})
	if err != nil {
		return errkind.Wrap(errkind.Server, "remove client", err)
	}
	if !ok {
		return errkind.Newf(errkind.NoRecord, "no client %s", id)
	}
	if _, err := r.tokens.Revoke(ctx, id); err != nil {
		return err
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{Name: "client.deprovisioned", Detail: map[string]any{"clientId": id}})
	}
	r.log.Info("client deprovisioned", "client", id)
	return nil
}

// Get returns one agent by id.
func (r *Registry) Get(ctx context.Context, id string) (Client, error) {
	var client Client
	err := r.col.FindOne(ctx, docstore.Filter{"id": id}, &client)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Client{}, errkind.Newf(errkind.NoRecord, "no client %s", id)
	}
	if err != nil {
		return Client{}, errkind.Wrap(errkind.Server, "load client", err)
	}
	return client, nil
}

// List returns all provisioned agents.
func (r *Registry) List(ctx context.Context) ([]Client, error) {
	var clients []Client
	if err := r.col.Find(ctx, nil, &clients); err != nil {
		return nil, errkind.Wrap(errkind.Server, "list clients", err)
	}
	return clients, nil
}

// VerifyToken checks a wrapped agent token and returns the agent it belongs
// to. A valid token whose agent has been deprovisioned is rejected.
func (r *Registry) VerifyToken(ctx context.Context, wrapped string) (Client, error) {
	hint, signed, err := token.Unwrap(wrapped)
	if err != nil {
		return Client{}, err
	}
	v, err := r.tokens.Verify(ctx, signed)
	if err != nil {
		return Client{}, err
	}
	if hint != v.Subject {
		return Client{}, errkind.New(errkind.InvalidToken, "token prefix does not match its subject")
	}
	client, err := r.Get(ctx, v.Subject)
	if err != nil {
		if errkind.KindOf(err) == errkind.NoRecord {
			return Client{}, errkind.Newf(errkind.NoRecord, "client %s is not provisioned", v.Subject)
		}
		return Client{}, err
	}
	return client, nil
}

// RecordState stores the agent-reported lifecycle state.
func (r *Registry) RecordState(ctx context.Context, id, state string) error {
	client, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	client.State = state
	client.Updated = r.now().UTC()
	if _, err := r.col.ReplaceOne(ctx, docstore.Filter{"id": id}, client, false); err != nil {
		return errkind.Wrap(errkind.Server, "persist client state", err)
	}
	return nil
}

// RecordCapabilities stores the agent's reported capability set.
func (r *Registry) RecordCapabilities(ctx context.Context, id string, capabilities []Capability) error {
	client, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	client.Capabilities = capabilities
	client.Updated = r.now().UTC()
	if _, err := r.col.ReplaceOne(ctx, docstore.Filter{"id": id}, client, false); err != nil {
		return errkind.Wrap(errkind.Server, "persist client capabilities", err)
	}
	return nil
}

// MarkDisconnected sets the agent state to "unknown" after its session
// closes, unless the agent already reported a stopped state.
func (r *Registry) MarkDisconnected(ctx context.Context, id string) error {
	client, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if strings.HasPrefix(client.State, stoppedPrefix) {
		return nil
	}
	return r.RecordState(ctx, id, "unknown")
}
