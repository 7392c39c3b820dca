// Package identity manages operator identities: named principals carrying
// function grants, each coupled to exactly one authentication record handled
// by a pluggable provider.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/identity/provider"
	"github.com/morrigan-server/morrigan/internal/token"
)

// BootstrapName is the identity created when the store holds none.
const BootstrapName = "admin"

// namePattern constrains identity names and function names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Identity is a stored principal. Names are unique and immutable after
// creation; AuthID links to exactly one authentication record.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AuthID    string    `json:"authId"`
	Functions []string  `json:"functions,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// HasFunction reports whether the identity carries the named function grant.
func (i Identity) HasFunction(name string) bool {
	for _, f := range i.Functions {
		if f == name {
			return true
		}
	}
	return false
}

// authRecord stores a provider's committed credentials.
type authRecord struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Spec describes a requested identity create or update.
type Spec struct {
	Name      string    `json:"name,omitempty"`
	Auth      *AuthSpec `json:"auth,omitempty"`
	Functions []string  `json:"functions,omitempty"`
}

// AuthSpec selects a provider and carries its details.
type AuthSpec struct {
	Type    string          `json:"type"`
	Details json.RawMessage `json:"details"`
}

// Issuer is the slice of the token service the identity service needs.
type Issuer interface {
	Issue(ctx context.Context, subject string, opts token.IssueOptions) (token.Issued, error)
}

// Config configures a Service.
type Config struct {
	Identities  docstore.Collection
	AuthRecords docstore.Collection
	Providers   *provider.Registry
	Tokens      Issuer
	Log         *slog.Logger
	Now         func() time.Time
}

// Service is the identity store and authenticator.
type Service struct {
	identities docstore.Collection
	auths      docstore.Collection
	providers  *provider.Registry
	tokens     Issuer
	log        *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	functions map[string]struct{}
}

// New creates the identity service. Function names must be registered before
// specs referencing them can validate.
func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		identities: cfg.Identities,
		auths:      cfg.AuthRecords,
		providers:  cfg.Providers,
		tokens:     cfg.Tokens,
		log:        cfg.Log.With("component", "identity"),
		now:        cfg.Now,
		functions:  make(map[string]struct{}),
	}
}

// RegisterFunctions adds names to the set of grantable functions.
func (s *Service) RegisterFunctions(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.functions[n] = struct{}{}
	}
}

// AllowedFunctions returns every grantable function name, sorted.
func (s *Service) AllowedFunctions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.functions))
	for n := range s.functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) functionAllowed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.functions[name]
	return ok
}

// ValidateSpec checks a spec against format rules and store state. Creation
// requires a free name and auth details; updates require a referenced name,
// if any, to exist (names are immutable, so a spec name on update is only a
// consistency check). Returns the provider-cleaned auth details when auth is
// present.
func (s *Service) ValidateSpec(ctx context.Context, spec Spec, newIdentity bool) (json.RawMessage, error) {
	if newIdentity && spec.Name == "" {
		return nil, errkind.New(errkind.Request, "identity needs a name")
	}
	if spec.Name != "" && !namePattern.MatchString(spec.Name) {
		return nil, errkind.Newf(errkind.Request, "identity name %q is not allowed", spec.Name)
	}
	if spec.Name != "" {
		taken, err := s.nameTaken(ctx, spec.Name)
		if err != nil {
			return nil, err
		}
		if newIdentity && taken {
			return nil, errkind.Newf(errkind.Request, "identity name %q is already in use", spec.Name)
		}
		if !newIdentity && !taken {
			return nil, errkind.Newf(errkind.Request, "no identity named %q", spec.Name)
		}
	}

	for _, fn := range spec.Functions {
		if !namePattern.MatchString(fn) {
			return nil, errkind.Newf(errkind.Request, "function name %q is not allowed", fn)
		}
		if !s.functionAllowed(fn) {
			return nil, errkind.Newf(errkind.Request, "unknown function %q", fn)
		}
	}

	if newIdentity && spec.Auth == nil {
		return nil, errkind.New(errkind.Request, "identity needs authentication details")
	}
	if spec.Auth == nil {
		return nil, nil
	}
	if spec.Auth.Type == "" {
		return nil, errkind.New(errkind.Request, "authentication details need a type")
	}
	prov, ok := s.providers.Get(spec.Auth.Type)
	if !ok {
		return nil, errkind.Newf(errkind.ServerConfiguration, "no auth provider registered for type %q", spec.Auth.Type)
	}
	clean, err := prov.Validate(spec.Auth.Details)
	if err != nil {
		return nil, err
	}
	return clean, nil
}

// Add creates an identity together with its authentication record. The auth
// record is committed first; a failure to persist the identity afterwards
// removes the record again so the two are never left decoupled.
func (s *Service) Add(ctx context.Context, spec Spec) (Identity, error) {
	clean, err := s.ValidateSpec(ctx, spec, true)
	if err != nil {
		return Identity{}, err
	}

	authID, err := s.commitAuth(ctx, spec.Auth.Type, clean)
	if err != nil {
		return Identity{}, err
	}

	now := s.now().UTC()
	ident := Identity{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		AuthID:    authID,
		Functions: spec.Functions,
		Created:   now,
		Updated:   now,
	}
	if _, err := s.identities.InsertOne(ctx, ident); err != nil {
		if _, delErr := s.auths.DeleteOne(ctx, docstore.Filter{"id": authID}); delErr != nil {
			s.log.Error("rollback of authentication record failed", "identity", ident.Name, "error", delErr)
		}
		return Identity{}, errkind.Wrap(errkind.Server, "persist identity", err)
	}

	s.log.Info("identity created", "identity", ident.Name, "functions", len(ident.Functions))
	return ident, nil
}

// Get returns the identity with the given name.
func (s *Service) Get(ctx context.Context, name string) (Identity, error) {
	var ident Identity
	err := s.identities.FindOne(ctx, docstore.Filter{"name": name}, &ident)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Identity{}, errkind.Newf(errkind.NoRecord, "no identity named %q", name)
	}
	if err != nil {
		return Identity{}, errkind.Wrap(errkind.Server, "load identity", err)
	}
	return ident, nil
}

// GetByID returns the identity with the given id. Token subjects carry ids,
// so this is the lookup the auth gate uses.
func (s *Service) GetByID(ctx context.Context, id string) (Identity, error) {
	var ident Identity
	err := s.identities.FindOne(ctx, docstore.Filter{"id": id}, &ident)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Identity{}, errkind.Newf(errkind.NoRecord, "no identity with id %q", id)
	}
	if err != nil {
		return Identity{}, errkind.Wrap(errkind.Server, "load identity", err)
	}
	return ident, nil
}

// List returns all identities.
func (s *Service) List(ctx context.Context) ([]Identity, error) {
	var idents []Identity
	if err := s.identities.Find(ctx, nil, &idents); err != nil {
		return nil, errkind.Wrap(errkind.Server, "list identities", err)
	}
	return idents, nil
}

// Set updates the identified identity field by field. Names are immutable
// and id fields are never applied. Function changes require
// allowSecurityEdit and are silently dropped otherwise, so self-service
// edits can never escalate grants. A new auth spec commits a fresh record
// and rebinds the identity to it.
func (s *Service) Set(ctx context.Context, id string, spec Spec, allowSecurityEdit bool) (Identity, error) {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return Identity{}, err
	}

	clean, err := s.ValidateSpec(ctx, spec, false)
	if err != nil {
		return Identity{}, err
	}

	if spec.Functions != nil {
		if allowSecurityEdit {
			cur.Functions = spec.Functions
		} else {
			s.log.Debug("function change dropped from self-service edit", "identity", cur.Name)
		}
	}

	oldAuthID := ""
	if spec.Auth != nil {
		authID, err := s.commitAuth(ctx, spec.Auth.Type, clean)
		if err != nil {
			return Identity{}, err
		}
		oldAuthID = cur.AuthID
		cur.AuthID = authID
	}
	cur.Updated = s.now().UTC()

	if _, err := s.identities.ReplaceOne(ctx, docstore.Filter{"id": cur.ID}, cur, false); err != nil {
		return Identity{}, errkind.Wrap(errkind.Server, "persist identity", err)
	}

	if oldAuthID != "" {
		if _, err := s.auths.DeleteOne(ctx, docstore.Filter{"id": oldAuthID}); err != nil {
			s.log.Error("removal of superseded authentication record failed", "identity", cur.Name, "error", err)
		}
	}

	s.log.Info("identity updated", "identity", cur.Name)
	return cur, nil
}

// Remove deletes the identified identity and its authentication record.
// Both removals must succeed.
func (s *Service) Remove(ctx context.Context, id string) error {
	ident, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.auths.DeleteOne(ctx, docstore.Filter{"id": ident.AuthID}); err != nil {
		return errkind.Wrap(errkind.Server, "remove authentication record", err)
	}
	ok, err := s.identities.DeleteOne(ctx, docstore.Filter{"id": ident.ID})
	if err != nil {
		return errkind.Wrap(errkind.Server, "remove identity", err)
	}
	if !ok {
		return errkind.Newf(errkind.NoRecord, "identity %q vanished during removal", ident.Name)
	}

	s.log.Info("identity removed", "identity", ident.Name)
	return nil
}

// Authenticate checks offered credentials for the named identity and issues
// an operator token on success. The token subject is the identity id.
func (s *Service) Authenticate(ctx context.Context, name string, offered json.RawMessage) (Identity, token.Issued, error) {
	var ident Identity
	err := s.identities.FindOne(ctx, docstore.Filter{"name": name}, &ident)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Identity{}, token.Issued{}, errkind.New(errkind.AuthenticationFailed, "identity or credentials rejected")
	}
	if err != nil {
		return Identity{}, token.Issued{}, errkind.Wrap(errkind.Server, "load identity", err)
	}

	var rec authRecord
	err = s.auths.FindOne(ctx, docstore.Filter{"id": ident.AuthID}, &rec)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Identity{}, token.Issued{}, errkind.Newf(errkind.MissingAuthRecord, "identity %q has no authentication record", name)
	}
	if err != nil {
		return Identity{}, token.Issued{}, errkind.Wrap(errkind.Server, "load authentication record", err)
	}

	prov, ok := s.providers.Get(rec.Type)
	if !ok {
		return Identity{}, token.Issued{}, errkind.Newf(errkind.ServerConfiguration, "no auth provider registered for type %q", rec.Type)
	}
	if err := prov.Authenticate(rec.Record, offered); err != nil {
		s.log.Info("authentication rejected", "identity", name, "kind", errkind.KindOf(err))
		return Identity{}, token.Issued{}, err
	}

	issued, err := s.tokens.Issue(ctx, ident.ID, token.IssueOptions{
		Context: map[string]any{"name": ident.Name},
	})
	if err != nil {
		return Identity{}, token.Issued{}, err
	}

	s.log.Info("authentication succeeded", "identity", name)
	return ident, issued, nil
}

// Bootstrap creates the admin identity carrying every grantable function
// when the store holds no identities at all. The password must come from
// configuration; there is no built-in default.
func (s *Service) Bootstrap(ctx context.Context, password string) error {
	count, err := s.identities.Count(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Server, "count identities", err)
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return errkind.New(errkind.ServerConfiguration,
			"identity store is empty and no bootstrap password is configured; set auth.bootstrapPassword or auth.bootstrapPasswordFile")
	}

	details, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return errkind.Wrap(errkind.Server, "encode bootstrap details", err)
	}
	_, err = s.Add(ctx, Spec{
		Name:      BootstrapName,
		Auth:      &AuthSpec{Type: "password", Details: details},
		Functions: s.AllowedFunctions(),
	})
	if err != nil {
		return err
	}

	s.log.Warn("bootstrap identity created; change its password", "identity", BootstrapName)
	return nil
}

// nameTaken reports whether any identity already holds the name.
func (s *Service) nameTaken(ctx context.Context, name string) (bool, error) {
	var existing Identity
	err := s.identities.FindOne(ctx, docstore.Filter{"name": name}, &existing)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, docstore.ErrNoDocuments) {
		return false, nil
	}
	return false, errkind.Wrap(errkind.Server, "check identity name", err)
}

// commitAuth commits details through the provider and inserts the record,
// returning its id.
func (s *Service) commitAuth(ctx context.Context, authType string, clean json.RawMessage) (string, error) {
	prov, ok := s.providers.Get(authType)
	if !ok {
		return "", errkind.Newf(errkind.ServerConfiguration, "no auth provider registered for type %q", authType)
	}
	committed, err := prov.Commit(clean)
	if err != nil {
		return "", errkind.Wrap(errkind.AuthCommitFailed, "commit authentication details", err)
	}
	rec := authRecord{
		ID:     uuid.NewString(),
		Type:   authType,
		Record: committed,
	}
	if _, err := s.auths.InsertOne(ctx, rec); err != nil {
		return "", errkind.Wrap(errkind.AuthCommitFailed, "persist authentication record", err)
	}
	return rec.ID, nil
}
