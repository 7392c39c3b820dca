// Package session manages live agent connections: WebSocket transport,
// heartbeat tracking, persisted connection records, and routing of incoming
// messages to registered provider handlers.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/morrigan-server/morrigan/internal/errkind"
)

// TokenHeader is the upgrade request header agents present their wrapped
// token in. A standard Authorization bearer header is accepted as well.
const TokenHeader = "X-Morrigan-Token"

// Send failure modes.
var (
	ErrNoSuchConnection = errkind.New(errkind.NoRecord, "no such connection")
	ErrClosed           = errkind.New(errkind.Request, "connection is closed")
	ErrWrongServer      = errkind.New(errkind.Request, "connection is held by another server instance")
)

// Record is the persisted view of one agent session. Records outlive their
// sockets: closed sessions stay queryable until the janitor removes them.
type Record struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	ServerID    string    `json:"serverId"`
	Open        bool      `json:"open"`
	Alive       bool      `json:"alive"`
	Opened      time.Time `json:"opened"`
	Heartbeat   time.Time `json:"lastHeartbeat"`
	Closed      time.Time `json:"closed"`
	CloseReason string    `json:"closeReason,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
}

// Handler consumes one inbound session message. The raw payload includes the
// routing envelope.
type Handler func(ctx context.Context, h *Handle, payload json.RawMessage) error

// ProviderRegistry resolves message types to handlers. The component host
// implements it with the handlers components register during setup.
type ProviderRegistry interface {
	Resolve(messageType string) (Handler, bool)
}

// ClientStates is the slice of the client registry the manager needs when a
// session closes.
type ClientStates interface {
	MarkDisconnected(ctx context.Context, id string) error
}
