package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

const maxBodyBytes = 1 << 20

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to an HTTP status via its error kind and writes the
// standard error body.
func WriteError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	WriteErrorStatus(w, errkind.HTTPStatus(kind), kind, errkind.Reason(err))
}

// WriteErrorStatus writes an error body with an explicit status and kind.
func WriteErrorStatus(w http.ResponseWriter, status int, kind errkind.Kind, message string) {
	WriteJSON(w, status, map[string]any{
		"error": message,
		"kind":  string(kind),
	})
}

// ReadJSON decodes the request body into v, rejecting unknown fields and
// oversized bodies with request errors.
func ReadJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errkind.New(errkind.Request, "request body is empty")
		}
		return errkind.Wrap(errkind.Request, "invalid request body", err)
	}
	return nil
}
