package token

import (
	"encoding/base64"
	"strings"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

// Agent tokens travel in a wrapped form: the base64url-encoded agent id, a
// dot, then the compact JWT. The prefix is a locator hint for agents and
// tooling; verification trusts only the signed part.

// Wrap encodes subject alongside a signed token.
func Wrap(subject, signed string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subject)) + "." + signed
}

// Unwrap splits a wrapped token into its subject hint and the signed token.
func Unwrap(wrapped string) (subject, signed string, err error) {
	idx := strings.IndexByte(wrapped, '.')
	if idx <= 0 || idx == len(wrapped)-1 {
		return "", "", errkind.New(errkind.InvalidToken, "malformed wrapped token")
	}
	raw, decodeErr := base64.RawURLEncoding.DecodeString(wrapped[:idx])
	if decodeErr != nil {
		return "", "", errkind.Wrap(errkind.InvalidToken, "malformed wrapped token prefix", decodeErr)
	}
	return string(raw), wrapped[idx+1:], nil
}
