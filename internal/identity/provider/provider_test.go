package provider

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

func commit(t *testing.T, p Provider, details string) json.RawMessage {
	t.Helper()
	clean, err := p.Validate(json.RawMessage(details))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	rec, err := p.Commit(clean)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return rec
}

func TestPasswordRoundTrip(t *testing.T) {
	rec := commit(t, Password{}, `{"password":"correct horse"}`)

	if err := (Password{}).Authenticate(rec, json.RawMessage(`{"password":"correct horse"}`)); err != nil {
		t.Errorf("matching password rejected: %v", err)
	}
	err := (Password{}).Authenticate(rec, json.RawMessage(`{"password":"wrong horse!"}`))
	if errkind.KindOf(err) != errkind.Failed {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Failed)
	}
}

func TestPasswordRecordOmitsPlaintext(t *testing.T) {
	rec := commit(t, Password{}, `{"password":"correct horse"}`)
	if strings.Contains(string(rec), "correct horse") {
		t.Errorf("record contains the plaintext password: %s", rec)
	}
}

func TestPasswordSaltsDiffer(t *testing.T) {
	a := commit(t, Password{}, `{"password":"correct horse"}`)
	b := commit(t, Password{}, `{"password":"correct horse"}`)
	if string(a) == string(b) {
		t.Error("two commits of the same password produced identical records")
	}
}

func TestPasswordValidate(t *testing.T) {
	cases := []struct {
		name    string
		details string
	}{
		{"too short", `{"password":"short"}`},
		{"empty", `{"password":""}`},
		{"not json", `{"password"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := (Password{}).Validate(json.RawMessage(tc.details))
			if errkind.KindOf(err) != errkind.Request {
				t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Request)
			}
		})
	}
}

func TestPasswordRejectsBrokenRecord(t *testing.T) {
	err := (Password{}).Authenticate(json.RawMessage(`{"salt":"!!!","hash":""}`), json.RawMessage(`{"password":"whatever12"}`))
	if errkind.KindOf(err) != errkind.InvalidRecord {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.InvalidRecord)
	}
}

func TestBcryptRoundTrip(t *testing.T) {
	rec := commit(t, Bcrypt{}, `{"password":"correct horse"}`)

	if !strings.Contains(string(rec), "$2a$") {
		t.Errorf("record does not look like a bcrypt hash: %s", rec)
	}
	if err := (Bcrypt{}).Authenticate(rec, json.RawMessage(`{"password":"correct horse"}`)); err != nil {
		t.Errorf("matching password rejected: %v", err)
	}
	err := (Bcrypt{}).Authenticate(rec, json.RawMessage(`{"password":"wrong horse!"}`))
	if errkind.KindOf(err) != errkind.Failed {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Failed)
	}
}

func TestTOTPGeneratesSecret(t *testing.T) {
	rec := commit(t, TOTP{}, `{"account":"admin"}`)

	var stored struct {
		Secret string `json:"secret"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(rec, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Secret == "" {
		t.Fatal("no secret generated")
	}
	if !strings.Contains(stored.URL, "otpauth://totp/") {
		t.Errorf("URL = %q, want a provisioning URL", stored.URL)
	}

	code, err := totp.GenerateCode(stored.Secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := (TOTP{}).Authenticate(rec, json.RawMessage(`{"code":"`+code+`"}`)); err != nil {
		t.Errorf("current code rejected: %v", err)
	}
}

func TestTOTPKeepsSuppliedSecret(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "morrigan", AccountName: "admin"})
	if err != nil {
		t.Fatal(err)
	}

	rec := commit(t, TOTP{}, `{"secret":"`+key.Secret()+`"}`)
	var stored struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Secret != key.Secret() {
		t.Errorf("secret = %q, want the supplied one", stored.Secret)
	}
}

func TestTOTPRejectsWrongCode(t *testing.T) {
	rec := commit(t, TOTP{}, `{"account":"admin"}`)

	err := (TOTP{}).Authenticate(rec, json.RawMessage(`{"code":""}`))
	if errkind.KindOf(err) != errkind.Failed {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Failed)
	}
}

func TestTOTPValidateNeedsAccountOrSecret(t *testing.T) {
	_, err := (TOTP{}).Validate(json.RawMessage(`{}`))
	if errkind.KindOf(err) != errkind.Request {
		t.Errorf("kind = %q, want %q", errkind.KindOf(err), errkind.Request)
	}
}

type namelessProvider struct{ Provider }

func (namelessProvider) Name() string { return "" }

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(Password{}, Bcrypt{}, TOTP{})
	if err != nil {
		t.Fatal(err)
	}

	names := reg.Names()
	want := []string{"bcrypt", "password", "totp"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	if _, ok := reg.Get("password"); !ok {
		t.Error("password provider not found")
	}
	if _, ok := reg.Get("oauth"); ok {
		t.Error("unregistered provider found")
	}

	if err := reg.Register(Password{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := reg.Register(namelessProvider{}); err == nil {
		t.Error("nameless provider accepted")
	}
}
