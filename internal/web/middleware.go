package web

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/metrics"
	"github.com/morrigan-server/morrigan/internal/token"
)

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the authenticated identity stored by Authed.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey).(identity.Identity)
	return id, ok
}

// Authenticator guards operator routes. It verifies bearer tokens against
// the operator token service and resolves the subject to a stored identity.
type Authenticator struct {
	Tokens     *token.Service
	Identities *identity.Service
	Log        *slog.Logger
}

// Authed wraps h so it only runs for requests carrying a valid operator
// token whose subject still resolves to a stored identity. Gate failures
// answer 403 regardless of the underlying kind.
func (a *Authenticator) Authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := ExtractBearerToken(r)
		if !ok {
			WriteErrorStatus(w, http.StatusForbidden, errkind.AuthenticationFailed, "missing bearer token")
			return
		}
		verified, err := a.Tokens.Verify(r.Context(), raw)
		if err != nil {
			kind := errkind.KindOf(err)
			if errkind.HTTPStatus(kind) >= http.StatusInternalServerError {
				WriteError(w, err)
				return
			}
			WriteErrorStatus(w, http.StatusForbidden, kind, errkind.Reason(err))
			return
		}
		ident, err := a.Identities.GetByID(r.Context(), verified.Subject)
		if err != nil {
			if errkind.KindOf(err) == errkind.NoRecord {
				WriteErrorStatus(w, http.StatusForbidden, errkind.InvalidToken, "token subject no longer exists")
				return
			}
			WriteError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, ident)
		h(w, r.WithContext(ctx))
	}
}

// Fn wraps h so it additionally requires the identity to hold the named
// function.
func (a *Authenticator) Fn(name string, h http.HandlerFunc) http.HandlerFunc {
	return a.Authed(func(w http.ResponseWriter, r *http.Request) {
		ident, _ := IdentityFrom(r.Context())
		if !ident.HasFunction(name) {
			WriteErrorStatus(w, http.StatusForbidden, errkind.Failed, "identity does not hold function "+name)
			return
		}
		h(w, r)
	})
}

// ----------------------------------------------------------------------------
// Request middleware
// ----------------------------------------------------------------------------

// statusWriter records the response status and keeps Hijack available so
// WebSocket upgrades work through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil && w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument recovers panics, logs each request, and counts responses by
// status code.
func instrument(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				if sw.status == 0 {
					WriteErrorStatus(sw, http.StatusInternalServerError, errkind.Server, "internal server error")
				}
			}
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequests.WithLabelValues(strconv.Itoa(status)).Inc()
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"remote", r.RemoteAddr,
				"duration", time.Since(start))
		}()

		next.ServeHTTP(sw, r)
	})
}
