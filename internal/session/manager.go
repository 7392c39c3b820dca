package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morrigan-server/morrigan/internal/clients"
	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/events"
	"github.com/morrigan-server/morrigan/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// Config configures a Manager.
type Config struct {
	// InstanceID marks connection records as owned by this server run.
	InstanceID string
	Collection docstore.Collection
	Clients    ClientStates
	Providers  ProviderRegistry
	Bus        *events.Bus
	Log        *slog.Logger
	// Heartbeat is the interval between liveness sweeps.
	Heartbeat time.Duration
	Now       func() time.Time
}

// Manager owns every live session on this instance.
type Manager struct {
	instanceID string
	col        docstore.Collection
	clients    ClientStates
	providers  ProviderRegistry
	bus        *events.Bus
	log        *slog.Logger
	heartbeat  time.Duration
	now        func() time.Time
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Handle

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts its heartbeat sweep.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	m := &Manager{
		instanceID: cfg.InstanceID,
		col:        cfg.Collection,
		clients:    cfg.Clients,
		providers:  cfg.Providers,
		bus:        cfg.Bus,
		log:        cfg.Log.With("component", "sessions"),
		heartbeat:  cfg.Heartbeat,
		now:        cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*Handle),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Accept upgrades an already-authenticated request and registers the
// session. The duplicate probe runs after the record insert: when an earlier
// open record exists for the same agent, this session loses and is dropped.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, client clients.Client) (*Handle, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return nil, errkind.Wrap(errkind.Server, "generate connection id", err)
	}
	id := uid.String()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its response.
		return nil, errkind.Wrap(errkind.Request, "websocket upgrade failed", err)
	}

	ctx := context.Background()
	now := m.now().UTC()
	rec := Record{
		ID:         id,
		ClientID:   client.ID,
		ServerID:   m.instanceID,
		Open:       true,
		Alive:      true,
		Opened:     now,
		Heartbeat:  now,
		RemoteAddr: r.RemoteAddr,
	}
	if _, err := m.col.InsertOne(ctx, rec); err != nil {
		conn.Close()
		return nil, errkind.Wrap(errkind.Server, "persist connection record", err)
	}

	// Mandatory re-check after the insert. Connection ids are time-ordered,
	// so "an earlier session survives" is well-defined even when two
	// connects race: the record with the smallest id wins.
	var open []Record
	if err := m.col.Find(ctx, docstore.Filter{"clientId": client.ID, "open": true}, &open); err != nil {
		m.discardRecord(ctx, id)
		conn.Close()
		return nil, errkind.Wrap(errkind.Server, "probe for duplicate sessions", err)
	}
	for _, other := range open {
		if other.ID < id {
			m.discardRecord(ctx, id)
			m.writeState(conn, "rejected", "duplicate session")
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate session")
			_ = conn.WriteControl(websocket.CloseMessage, msg, m.now().Add(writeWait))
			conn.Close()
			m.log.Info("duplicate session dropped", "client", client.ID, "kept", other.ID)
			return nil, errkind.Newf(errkind.Request, "client %s already has an open session", client.ID)
		}
	}

	h := newHandle(id, client, conn, m)
	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()
	m.writeState(conn, "accepted", "")

	metrics.SessionsActive.Inc()
	if m.bus != nil {
		m.bus.Publish(events.Event{Name: "connection.opened", Detail: map[string]any{
			"connectionId": id,
			"clientId":     client.ID,
		}})
	}
	m.log.Info("session opened", "connection", id, "client", client.ID, "remote", r.RemoteAddr)

	h.start()
	return h, nil
}

// Send delivers a message to the identified connection. Strings pass
// through as-is; any other message is JSON-marshalled.
func (m *Manager) Send(ctx context.Context, id string, message any) error {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		var rec Record
		err := m.col.FindOne(ctx, docstore.Filter{"id": id}, &rec)
		if errors.Is(err, docstore.ErrNoDocuments) {
			return ErrNoSuchConnection
		}
		if err != nil {
			return errkind.Wrap(errkind.Server, "load connection record", err)
		}
		if !rec.Open {
			return ErrClosed
		}
		if rec.ServerID != m.instanceID {
			return ErrWrongServer
		}
		return ErrNoSuchConnection
	}

	payload, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, payload)
}

// Get returns one connection record.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := m.col.FindOne(ctx, docstore.Filter{"id": id}, &rec)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Record{}, errkind.Newf(errkind.NoRecord, "no connection %s", id)
	}
	if err != nil {
		return Record{}, errkind.Wrap(errkind.Server, "load connection record", err)
	}
	return rec, nil
}

// List returns all connection records, the whole cluster's view included.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := m.col.Find(ctx, nil, &recs); err != nil {
		return nil, errkind.Wrap(errkind.Server, "list connection records", err)
	}
	return recs, nil
}

// Close shuts the manager down, closing every live session.
func (m *Manager) Close(reason string) {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		m.closeSession(h, reason)
	}
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// Heartbeat sweep
// ---------------------------------------------------------------------------

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep marks every session not heard from since the last tick and pings it.
// Missed heartbeats never close the session by themselves; the read deadline
// handles genuinely dead sockets.
func (m *Manager) sweep() {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		if wasAlive := h.alive.Swap(false); !wasAlive {
			metrics.HeartbeatMisses.Inc()
			m.log.Warn("heartbeat missed", "connection", h.ID, "client", h.Client.ID)
			m.updateRecord(h.ID, func(r *Record) { r.Alive = false })
		}
		if err := h.ping(); err != nil {
			m.closeSession(h, "ping failed")
		}
	}
}

// pong records proof of life for a session.
func (m *Manager) pong(h *Handle) {
	h.alive.Store(true)
	now := m.now().UTC()
	m.updateRecord(h.ID, func(r *Record) {
		r.Alive = true
		r.Heartbeat = now
	})
}

// ---------------------------------------------------------------------------
// Message dispatch
// ---------------------------------------------------------------------------

func (m *Manager) dispatch(h *Handle, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		m.log.Debug("malformed session message ignored", "connection", h.ID, "client", h.Client.ID)
		return
	}

	metrics.SessionMessages.WithLabelValues(env.Type).Inc()
	handler, ok := m.providers.Resolve(env.Type)
	if !ok {
		m.log.Debug("no handler for session message", "type", env.Type, "connection", h.ID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session message handler panicked", "type", env.Type, "connection", h.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := handler(context.Background(), h, data); err != nil {
		m.log.Error("session message handler failed", "type", env.Type, "connection", h.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Close path
// ---------------------------------------------------------------------------

func (m *Manager) closeSession(h *Handle, reason string) {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.conn.Close()

		m.mu.Lock()
		delete(m.sessions, h.ID)
		m.mu.Unlock()

		metrics.SessionsActive.Dec()
		h.alive.Store(false)
		now := m.now().UTC()
		m.updateRecord(h.ID, func(r *Record) {
			r.Open = false
			r.Alive = false
			r.Closed = now
			r.CloseReason = reason
		})

		ctx := context.Background()
		if err := m.clients.MarkDisconnected(ctx, h.Client.ID); err != nil {
			m.log.Error("client state update on close failed", "client", h.Client.ID, "error", err)
		}
		if m.bus != nil {
			m.bus.Publish(events.Event{Name: "connection.closed", Detail: map[string]any{
				"connectionId": h.ID,
				"clientId":     h.Client.ID,
				"reason":       reason,
			}})
		}
		m.log.Info("session closed", "connection", h.ID, "client", h.Client.ID, "reason", reason)
	})
}

// ---------------------------------------------------------------------------
// Record helpers
// ---------------------------------------------------------------------------

func (m *Manager) updateRecord(id string, mutate func(*Record)) {
	ctx := context.Background()
	var rec Record
	if err := m.col.FindOne(ctx, docstore.Filter{"id": id}, &rec); err != nil {
		m.log.Error("connection record load failed", "connection", id, "error", err)
		return
	}
	mutate(&rec)
	if _, err := m.col.ReplaceOne(ctx, docstore.Filter{"id": id}, rec, false); err != nil {
		m.log.Error("connection record update failed", "connection", id, "error", err)
	}
}

func (m *Manager) discardRecord(ctx context.Context, id string) {
	if _, err := m.col.DeleteOne(ctx, docstore.Filter{"id": id}); err != nil {
		m.log.Error("connection record discard failed", "connection", id, "error", err)
	}
}

// writeState sends the connection.state control message directly on the
// socket. It runs before the write loop exists (accept path), so a plain
// deadline write is safe.
func (m *Manager) writeState(conn *websocket.Conn, state, reason string) {
	msg := map[string]any{"type": "connection.state", "state": state}
	if reason != "" {
		msg["reason"] = reason
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(m.now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.SetWriteDeadline(time.Time{})
}

func encodeMessage(message any) ([]byte, error) {
	switch v := message.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errkind.Wrap(errkind.Request, "message is not JSON-encodable", err)
		}
		return data, nil
	}
}
