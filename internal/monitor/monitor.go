// Package monitor relays bus events to external sinks. The relay is an
// observer: a sink failure is logged and never reaches the publisher.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/morrigan-server/morrigan/internal/events"
)

// sendTimeout bounds one delivery to one sink.
const sendTimeout = 10 * time.Second

// Sink receives relayed events.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt events.Event) error
}

// Relay subscribes to the bus and forwards every event to each sink.
type Relay struct {
	log   *slog.Logger
	bus   *events.Bus
	sinks []Sink

	mu     sync.Mutex
	cancel func()
	stop   chan struct{}
	done   chan struct{}
}

// New creates a relay. Sinks may be empty; Start is then a cheap no-op
// subscription that keeps the bus semantics uniform.
func New(bus *events.Bus, log *slog.Logger, sinks ...Sink) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:   log.With("component", "monitor"),
		bus:   bus,
		sinks: sinks,
	}
}

// Start subscribes and begins forwarding. Calling Start twice is a bug.
func (r *Relay) Start() {
	ch, cancel := r.bus.Subscribe()

	r.mu.Lock()
	r.cancel = cancel
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	r.log.Info("event relay started", "sinks", names)

	go func() {
		defer close(done)
		for {
			select {
			case evt := <-ch:
				r.dispatch(evt)
			case <-stop:
				// Unsubscribed by now; flush what is already buffered so
				// the final lifecycle events still reach the sinks.
				for {
					select {
					case evt := <-ch:
						r.dispatch(evt)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop unsubscribes and waits for the forwarding goroutine to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, stop, done := r.cancel, r.stop, r.done
	r.cancel, r.stop, r.done = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stop)
	<-done
}

func (r *Relay) dispatch(evt events.Event) {
	for _, sink := range r.sinks {
		ctx, cancelto := context.WithTimeout(context.Background(), sendTimeout)
		if err := sink.Send(ctx, evt); err != nil {
			r.log.Warn("event sink failed", "sink", sink.Name(), "event", evt.Name, "error", err)
		}
		cancelto()
	}
}
