package provider

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

const (
	passwordMinLength = 8
	passwordSaltBytes = 32
)

// Password authenticates with a shared secret stored as an HMAC-SHA-512
// digest under a fresh per-record salt.
type Password struct{}

type passwordDetails struct {
	Password string `json:"password"`
}

type passwordRecord struct {
	Salt string `json:"salt"` // base64
	Hash string `json:"hash"` // base64, HMAC-SHA-512 keyed by salt
}

func (Password) Name() string { return "password" }

// Validate checks the offered password against the length policy.
func (Password) Validate(details json.RawMessage) (json.RawMessage, error) {
	var d passwordDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, errkind.Wrap(errkind.Request, "password details are not valid JSON", err)
	}
	if len(d.Password) < passwordMinLength {
		return nil, errkind.Newf(errkind.Request, "password must be at least %d characters", passwordMinLength)
	}
	clean, err := json.Marshal(passwordDetails{Password: d.Password})
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "encode password details", err)
	}
	return clean, nil
}

// Commit derives the salted digest to persist. The password itself is not
// stored.
func (Password) Commit(details json.RawMessage) (json.RawMessage, error) {
	var d passwordDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, errkind.Wrap(errkind.Request, "password details are not valid JSON", err)
	}

	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, errkind.Wrap(errkind.Server, "generate password salt", err)
	}

	rec := passwordRecord{
		Salt: base64.StdEncoding.EncodeToString(salt),
		Hash: base64.StdEncoding.EncodeToString(digest(salt, d.Password)),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "encode password record", err)
	}
	return data, nil
}

// Authenticate recomputes the digest with the record's salt and compares in
// constant time.
func (Password) Authenticate(record, offered json.RawMessage) error {
	var rec passwordRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return errkind.Wrap(errkind.InvalidRecord, "password record is not valid JSON", err)
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return errkind.Wrap(errkind.InvalidRecord, "password record salt is undecodable", err)
	}
	want, err := base64.StdEncoding.DecodeString(rec.Hash)
	if err != nil {
		return errkind.Wrap(errkind.InvalidRecord, "password record hash is undecodable", err)
	}

	var d passwordDetails
	if err := json.Unmarshal(offered, &d); err != nil {
		return errkind.Wrap(errkind.Request, "offered credentials are not valid JSON", err)
	}

	if !hmac.Equal(want, digest(salt, d.Password)) {
		return errkind.New(errkind.Failed, "password does not match")
	}
	return nil
}

func digest(salt []byte, password string) []byte {
	mac := hmac.New(sha512.New, salt)
	fmt.Fprint(mac, password)
	return mac.Sum(nil)
}
