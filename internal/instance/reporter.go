package instance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/metrics"
)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Info       Info
	Collection docstore.Collection
	Interval   time.Duration
	Log        *slog.Logger
	Now        func() time.Time
}

// Reporter owns this instance's liveness row. Start writes it and keeps
// refreshing on the interval; Stop writes the final row with the stop
// reason.
type Reporter struct {
	info       Info
	collection docstore.Collection
	interval   time.Duration
	log        *slog.Logger
	now        func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReporter creates a reporter. Nothing runs until Start.
func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reporter{
		info:       cfg.Info,
		collection: cfg.Collection,
		interval:   cfg.Interval,
		log:        cfg.Log.With("component", "instance"),
		now:        cfg.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes the initial live row and begins the check-in loop.
func (r *Reporter) Start(ctx context.Context) error {
	if err := r.checkIn(ctx); err != nil {
		return err
	}
	go r.loop()
	r.log.Info("instance registered", "instance", r.info.ID, "interval", r.interval)
	return nil
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if err := r.checkIn(ctx); err != nil {
				r.log.Warn("instance check-in failed", "error", err)
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

// checkIn upserts the live row with a fresh check-in time.
func (r *Reporter) checkIn(ctx context.Context) error {
	rec := Record{
		ID:         r.info.ID,
		Components: r.info.Components,
		Runtime:    r.info.Runtime,
		Live:       true,
		CheckIn:    r.now().UTC(),
	}
	if _, err := r.collection.ReplaceOne(ctx, docstore.Filter{"id": rec.ID}, rec, true); err != nil {
		return errkind.Wrap(errkind.Server, "persist instance record", err)
	}
	metrics.InstanceCheckIns.Inc()
	return nil
}

// Stop ends the check-in loop and writes the final row: live=false with the
// given reason. Safe to call more than once; only the first reason is
// recorded.
func (r *Reporter) Stop(ctx context.Context, reason string) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done

		rec := Record{
			ID:         r.info.ID,
			Components: r.info.Components,
			Runtime:    r.info.Runtime,
			Live:       false,
			CheckIn:    r.now().UTC(),
			StopReason: reason,
		}
		if _, replaceErr := r.collection.ReplaceOne(ctx, docstore.Filter{"id": rec.ID}, rec, true); replaceErr != nil {
			err = errkind.Wrap(errkind.Server, "persist final instance record", replaceErr)
			return
		}
		r.log.Info("instance deregistered", "instance", r.info.ID, "reason", reason)
	})
	return err
}

// List returns every instance row.
func List(ctx context.Context, collection docstore.Collection) ([]Record, error) {
	var recs []Record
	if err := collection.Find(ctx, nil, &recs); err != nil {
		return nil, errkind.Wrap(errkind.Server, "list instance records", err)
	}
	return recs, nil
}
