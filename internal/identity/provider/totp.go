package provider

import (
	"encoding/json"

	"github.com/pquerna/otp/totp"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

const totpIssuer = "morrigan"

// TOTP authenticates with six-digit time-based one-time codes. Committing
// without a secret generates one; the record keeps the provisioning URL so
// an operator can hand it to the identity's owner once.
type TOTP struct{}

type totpDetails struct {
	Account string `json:"account"`
	Secret  string `json:"secret,omitempty"`
}

type totpRecord struct {
	Secret string `json:"secret"`
	URL    string `json:"url,omitempty"`
}

type totpOffered struct {
	Code string `json:"code"`
}

func (TOTP) Name() string { return "totp" }

// Validate requires an account label unless a ready-made secret is supplied.
func (TOTP) Validate(details json.RawMessage) (json.RawMessage, error) {
	var d totpDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, errkind.Wrap(errkind.Request, "totp details are not valid JSON", err)
	}
	if d.Account == "" && d.Secret == "" {
		return nil, errkind.New(errkind.Request, "totp details need an account label or a secret")
	}
	clean, err := json.Marshal(d)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "encode totp details", err)
	}
	return clean, nil
}

// Commit stores the secret, generating a fresh one when none was offered.
func (TOTP) Commit(details json.RawMessage) (json.RawMessage, error) {
	var d totpDetails
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, errkind.Wrap(errkind.Request, "totp details are not valid JSON", err)
	}

	rec := totpRecord{Secret: d.Secret}
	if rec.Secret == "" {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      totpIssuer,
			AccountName: d.Account,
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.Server, "generate totp secret", err)
		}
		rec.Secret = key.Secret()
		rec.URL = key.URL()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "encode totp record", err)
	}
	return data, nil
}

// Authenticate validates a code against the stored secret.
func (TOTP) Authenticate(record, offered json.RawMessage) error {
	var rec totpRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return errkind.Wrap(errkind.InvalidRecord, "totp record is not valid JSON", err)
	}
	if rec.Secret == "" {
		return errkind.New(errkind.InvalidRecord, "totp record has no secret")
	}
	var o totpOffered
	if err := json.Unmarshal(offered, &o); err != nil {
		return errkind.Wrap(errkind.Request, "offered credentials are not valid JSON", err)
	}
	if !totp.Validate(o.Code, rec.Secret) {
		return errkind.New(errkind.Failed, "totp code does not match")
	}
	return nil
}
