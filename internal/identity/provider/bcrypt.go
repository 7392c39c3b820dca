package provider

import (
	"encoding/json"

	"golang.org/x/crypto/bcrypt"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

const bcryptCost = 12

// Bcrypt authenticates with a shared secret stored as a bcrypt hash. It
// accepts the same details shape as the password provider.
type Bcrypt struct{}

type bcryptRecord struct {
	Hash string `json:"hash"`
}

func (Bcrypt) Name() string { return "bcrypt" }

// Validate applies the shared password policy.
func (Bcrypt) Validate(details json.RawMessage) (json.RawMessage, error) {
	return Password{}.Validate(details)
}

// Commit hashes the password at the fixed cost.
func (Bcrypt) Commit(details json.RawMessage) (json.RawMessage, error) {
	var d passwordDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, errkind.Wrap(errkind.Request, "password details are not valid JSON", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(d.Password), bcryptCost)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "hash password", err)
	}
	data, err := json.Marshal(bcryptRecord{Hash: string(hash)})
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "encode bcrypt record", err)
	}
	return data, nil
}

// Authenticate compares the offered password against the stored hash.
func (Bcrypt) Authenticate(record, offered json.RawMessage) error {
	var rec bcryptRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return errkind.Wrap(errkind.InvalidRecord, "bcrypt record is not valid JSON", err)
	}
	var d passwordDetails
	if err := json.Unmarshal(offered, &d); err != nil {
		return errkind.Wrap(errkind.Request, "offered credentials are not valid JSON", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(d.Password)); err != nil {
		return errkind.New(errkind.Failed, "password does not match")
	}
	return nil
}
