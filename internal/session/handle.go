package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/morrigan-server/morrigan/internal/clients"
)

// Handle is one live session on this instance. Message handlers receive it
// to reply to the agent they are serving.
type Handle struct {
	ID     string
	Client clients.Client

	mgr       *Manager
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
}

func newHandle(id string, client clients.Client, conn *websocket.Conn, m *Manager) *Handle {
	h := &Handle{
		ID:     id,
		Client: client,
		mgr:    m,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	h.alive.Store(true)
	return h
}

func (h *Handle) start() {
	h.mgr.wg.Add(2)
	go h.readLoop()
	go h.writeLoop()
}

// Send delivers a message to this session's agent. Strings pass through;
// everything else is JSON-marshalled.
func (h *Handle) Send(ctx context.Context, message any) error {
	payload, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, payload)
}

func (h *Handle) enqueue(ctx context.Context, payload []byte) error {
	select {
	case h.send <- payload:
		return nil
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ping sends a heartbeat probe. WriteControl is safe alongside the write
// loop.
func (h *Handle) ping() error {
	return h.conn.WriteControl(websocket.PingMessage, nil, h.mgr.now().Add(writeWait))
}

func (h *Handle) readLoop() {
	defer h.mgr.wg.Done()

	readWait := 3 * h.mgr.heartbeat
	h.conn.SetReadLimit(maxMessageSize)
	_ = h.conn.SetReadDeadline(h.mgr.now().Add(readWait))
	h.conn.SetPongHandler(func(string) error {
		_ = h.conn.SetReadDeadline(h.mgr.now().Add(readWait))
		h.mgr.pong(h)
		return nil
	})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			reason := "read failed"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "closed by client"
			}
			h.mgr.closeSession(h, reason)
			return
		}
		h.mgr.dispatch(h, data)
	}
}

func (h *Handle) writeLoop() {
	defer h.mgr.wg.Done()

	for {
		select {
		case payload := <-h.send:
			_ = h.conn.SetWriteDeadline(h.mgr.now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.mgr.closeSession(h, "write failed")
				return
			}
		case <-h.closed:
			return
		}
	}
}
