// Package token issues and verifies the signed bearer tokens used by both
// operators and agents. Tokens are ES256 JWTs; each issued token is backed
// by a persisted verification record carrying the public key that signed it,
// so verification survives signing key rotation.
package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/metrics"
)

// purgeGrace is how long expired verification records are kept before the
// janitor may remove them.
const purgeGrace = time.Hour

// Record is the persisted verification record for one issued token. The
// token's kid header carries the record id.
type Record struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	PublicKey string    `json:"publicKey"` // PEM, PKIX
	Issued    time.Time `json:"issued"`
	Expires   time.Time `json:"expires"`
}

// IssueOptions customize a single issuance.
type IssueOptions struct {
	// TTL overrides the service default when positive.
	TTL time.Duration
	// Context is embedded in the token's ctx claim and returned by Verify.
	Context map[string]any
}

// Issued is the result of issuing a token.
type Issued struct {
	Token    string    `json:"token"`
	RecordID string    `json:"recordId"`
	Expires  time.Time `json:"expires"`
}

// Verified is the result of verifying a token.
type Verified struct {
	Subject  string
	Context  map[string]any
	RecordID string
	Expires  time.Time
}

// Config configures a token service.
type Config struct {
	// Issuer is the iss claim value and the metrics label for this service.
	Issuer string
	// Records is the collection verification records persist in.
	Records docstore.Collection
	// TTL is the default token lifetime.
	TTL time.Duration
	// Rotation is how often the signing key is replaced. Zero or negative
	// means a fresh key for every issued token.
	Rotation time.Duration
	Log      *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service signs and verifies tokens for one issuer. The server runs two
// instances with separate record collections: one for operator logins and
// one for provisioned agents.
type Service struct {
	issuer   string
	records  docstore.Collection
	ttl      time.Duration
	rotation time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu  sync.RWMutex
	key *ecdsa.PrivateKey

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a token service and, when rotation is positive, starts its key
// rotation loop.
func New(cfg Config) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token service needs an issuer")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("token service needs a record collection")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token service needs a positive default TTL")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		issuer:   cfg.Issuer,
		records:  cfg.Records,
		ttl:      cfg.TTL,
		rotation: cfg.Rotation,
		log:      cfg.Log.With("component", "tokens", "issuer", cfg.Issuer),
		now:      cfg.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if s.rotation > 0 {
		if err := s.Rotate(); err != nil {
			return nil, err
		}
		go s.rotateLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Dispose stops the rotation loop. The service must not issue tokens after
// disposal.
func (s *Service) Dispose() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Rotate replaces the signing key. Tokens issued before rotation keep
// verifying through their persisted records.
func (s *Service) Rotate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	s.log.Debug("signing key rotated")
	return nil
}

func (s *Service) rotateLoop() {
	defer close(s.done)
	t := time.NewTicker(s.rotation)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Rotate(); err != nil {
				s.log.Error("key rotation failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// signingKey returns the key to sign the next token with. Without a rotation
// interval every issuance gets a fresh key.
func (s *Service) signingKey() (*ecdsa.PrivateKey, error) {
	if s.rotation <= 0 {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, nil
}

// Issue signs a token for subject and persists its verification record,
// replacing any earlier record for the same subject. Issuing therefore
// revokes the subject's previous token.
func (s *Service) Issue(ctx context.Context, subject string, opts IssueOptions) (Issued, error) {
	if subject == "" {
		return Issued{}, errkind.New(errkind.Request, "token subject must not be empty")
	}

	key, err := s.signingKey()
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Server, "no signing key available", err)
	}

	ttl := s.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	recordID := uuid.NewString()

	claims := jwt.MapClaims{
		"sub": subject,
		"iss": s.issuer,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(expires),
	}
	if len(opts.Context) > 0 {
		claims["context"] = opts.Context
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = recordID
	signed, err := tok.SignedString(key)
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Server, "sign token", err)
	}

	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Server, "encode public key", err)
	}

	// One live token per subject: drop older records before inserting.
	if _, err := s.records.DeleteMany(ctx, docstore.Filter{"subject": subject}); err != nil {
		return Issued{}, errkind.Wrap(errkind.Server, "replace verification records", err)
	}
	rec := Record{
		ID:        recordID,
		Subject:   subject,
		PublicKey: pubPEM,
		Issued:    now,
		Expires:   expires,
	}
	if _, err := s.records.InsertOne(ctx, rec); err != nil {
		return Issued{}, errkind.Wrap(errkind.Server, "persist verification record", err)
	}

	metrics.TokensIssued.WithLabelValues(s.issuer).Inc()
	s.log.Debug("token issued", "subject", subject, "record", recordID, "expires", expires)
	return Issued{Token: signed, RecordID: recordID, Expires: expires}, nil
}

// Verify checks a token's signature and claims against its persisted record.
func (s *Service) Verify(ctx context.Context, tokenString string) (Verified, error) {
	var rec Record
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errkind.New(errkind.InvalidToken, "token carries no key id")
		}
		err := s.records.FindOne(ctx, docstore.Filter{"id": kid}, &rec)
		if errors.Is(err, docstore.ErrNoDocuments) {
			return nil, errkind.Newf(errkind.NoRecord, "no verification record for key id %s", kid)
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.Server, "load verification record", err)
		}
		if rec.Subject == "" || rec.PublicKey == "" {
			return nil, errkind.Newf(errkind.InvalidRecord, "verification record %s is incomplete", kid)
		}
		pub, err := decodePublicKey(rec.PublicKey)
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidRecord, "verification record holds an unusable key", err)
		}
		return pub, nil
	}

	parsed, err := jwt.Parse(tokenString, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		kerr := classify(err)
		metrics.TokenVerifications.WithLabelValues(string(kerr.Kind)).Inc()
		return Verified{}, kerr
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Verified{}, verifyFail(errkind.New(errkind.InvalidToken, "token carries no claims"))
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Verified{}, verifyFail(errkind.New(errkind.InvalidToken, "token carries no subject"))
	}
	if subject != rec.Subject {
		return Verified{}, verifyFail(errkind.New(errkind.InvalidToken, "token subject does not match its record"))
	}
	if s.now().After(rec.Expires) {
		return Verified{}, verifyFail(errkind.New(errkind.InvalidToken, "verification record has expired"))
	}

	var tokCtx map[string]any
	if c, ok := claims["context"].(map[string]any); ok {
		tokCtx = c
	}

	metrics.TokenVerifications.WithLabelValues("ok").Inc()
	return Verified{
		Subject:  subject,
		Context:  tokCtx,
		RecordID: rec.ID,
		Expires:  rec.Expires,
	}, nil
}

// Revoke removes every verification record held for subject, invalidating
// its outstanding tokens.
func (s *Service) Revoke(ctx context.Context, subject string) (int, error) {
	n, err := s.records.DeleteMany(ctx, docstore.Filter{"subject": subject})
	if err != nil {
		return 0, errkind.Wrap(errkind.Server, "revoke verification records", err)
	}
	if n > 0 {
		s.log.Debug("tokens revoked", "subject", subject, "records", n)
	}
	return n, nil
}

// PurgeExpired removes verification records that expired more than an hour
// ago and returns how many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	var recs []Record
	if err := s.records.Find(ctx, nil, &recs); err != nil {
		return 0, fmt.Errorf("list verification records: %w", err)
	}
	cutoff := s.now().Add(-purgeGrace)
	purged := 0
	for _, rec := range recs {
		if rec.Expires.After(cutoff) {
			continue
		}
		ok, err := s.records.DeleteOne(ctx, docstore.Filter{"id": rec.ID})
		if err != nil {
			return purged, fmt.Errorf("purge verification record %s: %w", rec.ID, err)
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

// verifyFail counts a failed verification and passes the error through.
func verifyFail(err *errkind.Error) error {
	metrics.TokenVerifications.WithLabelValues(string(err.Kind)).Inc()
	return err
}

// classify maps a jwt parse error to a kind, preferring a classified error
// surfaced from the keyfunc.
func classify(err error) *errkind.Error {
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return ke
	}
	return errkind.Wrap(errkind.InvalidToken, "token verification failed", err)
}

func encodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodePublicKey(pemText string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key")
	}
	return pub, nil
}
