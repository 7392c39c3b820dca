// Package events provides the fan-out pub/sub bus that carries server
// lifecycle transitions and domain events to observers.
package events

import (
	"sync"
	"time"
)

// Event is a single named occurrence published through the bus. Lifecycle
// transitions use the lower-camel state name ("ready", "startingConnected");
// domain events use dotted names ("connection.opened").
type Event struct {
	Name      string         `json:"name"`
	Detail    map[string]any `json:"detail,omitempty"`
	Err       error          `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

type subscriber struct {
	ch    chan Event
	names map[string]struct{} // empty means all events
	done  chan struct{}
}

func (s *subscriber) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Bus is a fan-out pub/sub event bus. Every subscriber receives each matching
// event exactly once, in publish order. Delivery blocks when a subscriber's
// buffer is full, so a stalled observer delays publishers (and therefore
// lifecycle transitions); observers must drain promptly.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish delivers an event to all current subscribers whose filter matches.
// A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(evt.Name) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.ch <- evt:
		case <-sub.done:
			// Unsubscribed while we were delivering.
		}
	}
}

// Subscribe returns a channel receiving all future events whose name is in
// names (no names means every event), and a cancel function. After cancel the
// channel stops receiving; it is not closed, so receivers selecting on it
// must also watch their own shutdown signal.
func (b *Bus) Subscribe(names ...string) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBufferSize),
		done: make(chan struct{}),
	}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}

	return sub.ch, cancel
}
