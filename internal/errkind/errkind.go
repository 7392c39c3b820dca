// Package errkind classifies errors with the wire-visible kind tags used
// across the API surface and logs.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable string tag describing how an operation failed. Kinds
// appear verbatim in JSON error responses, so their values never change.
type Kind string

const (
	// Request carries malformed or unacceptable caller input.
	Request Kind = "requestError"
	// ServerConfiguration marks an operator-fixable configuration problem.
	ServerConfiguration Kind = "serverConfigurationError"
	// AuthCommitFailed marks a failure to persist an authentication record
	// after the identity record was already written.
	AuthCommitFailed Kind = "serverAuthCommitFailed"
	// MissingAuthRecord marks an identity that exists without a matching
	// authentication record.
	MissingAuthRecord Kind = "serverMissingAuthRecord"
	// NoRecord marks a lookup that found nothing.
	NoRecord Kind = "noRecordError"
	// InvalidRecord marks a stored record that is unusable (missing fields,
	// undecodable payload).
	InvalidRecord Kind = "invalidRecordError"
	// InvalidToken marks a token that failed parsing, signature or claim
	// verification.
	InvalidToken Kind = "invalidTokenError"
	// AuthenticationFailed marks rejected credentials.
	AuthenticationFailed Kind = "authenticationFailed"
	// Failed is the generic operation-failed tag, used when a more specific
	// kind does not apply (authorization denials included).
	Failed Kind = "failed"
	// Server marks internal faults.
	Server Kind = "serverError"
)

// Error is an error carrying a Kind and a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates a classified error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err. Unclassified errors report Server.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Server
}

// Reason returns the human-readable reason of a classified error, or the
// plain Error() string for anything else.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

// HTTPStatus maps a kind to its default response status. Handlers may
// override where route semantics call for it (204 on empty lookups, 403 at
// the authentication gate).
func HTTPStatus(kind Kind) int {
	switch kind {
	case Request:
		return http.StatusBadRequest
	case AuthenticationFailed, InvalidToken, InvalidRecord, Failed:
		return http.StatusForbidden
	case NoRecord:
		return http.StatusNotFound
	case ServerConfiguration, AuthCommitFailed, MissingAuthRecord, Server:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
