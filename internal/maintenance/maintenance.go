// Package maintenance runs the background janitor: expired token records,
// session records orphaned by dead server instances, and the optional
// metrics textfile snapshot.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/morrigan-server/morrigan/internal/docstore"
	"github.com/morrigan-server/morrigan/internal/errkind"
	"github.com/morrigan-server/morrigan/internal/instance"
	"github.com/morrigan-server/morrigan/internal/metrics"
	"github.com/morrigan-server/morrigan/internal/token"
)

// runTimeout bounds one janitor pass.
const runTimeout = time.Minute

// Config wires the janitor.
type Config struct {
	// Schedule is a cron expression (robfig syntax, @every accepted).
	Schedule string
	// Tokens are the services whose verification records get purged.
	Tokens []*token.Service
	// Instances is the cluster liveness collection.
	Instances docstore.Collection
	// Connections is the session record collection swept for rows owned
	// by dead instances.
	Connections docstore.Collection
	// CheckIn is the instance check-in interval, used to judge deadness.
	CheckIn time.Duration
	// TextfilePath, when set, receives a metrics snapshot each pass.
	TextfilePath string
	Log          *slog.Logger
	Now          func() time.Time
}

// Janitor owns the cron runner. Failures inside a pass are logged and never
// propagate: maintenance must not take the server down.
type Janitor struct {
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
	cron *cron.Cron
}

// New creates a janitor. The schedule is validated here so a bad expression
// fails startup instead of silently never running.
func New(cfg Config) (*Janitor, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	j := &Janitor{cfg: cfg, log: log.With("component", "maintenance"), now: now}
	if cfg.Schedule != "" {
		runner := cron.New()
		if _, err := runner.AddFunc(cfg.Schedule, j.runScheduled); err != nil {
			return nil, errkind.Wrap(errkind.ServerConfiguration, "maintenance schedule "+cfg.Schedule, err)
		}
		j.cron = runner
	}
	return j, nil
}

// Start begins scheduled runs. A janitor without a schedule starts as a
// no-op; RunOnce still works.
func (j *Janitor) Start() {
	if j.cron == nil {
		j.log.Info("maintenance schedule disabled")
		return
	}
	j.cron.Start()
	j.log.Info("maintenance scheduled", "schedule", j.cfg.Schedule)
}

// Stop halts scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	j.RunOnce(ctx)
}

// RunOnce performs one full pass. Each chore runs regardless of the others
// failing.
func (j *Janitor) RunOnce(ctx context.Context) {
	start := j.now()

	purged := 0
	for _, svc := range j.cfg.Tokens {
		n, err := svc.PurgeExpired(ctx)
		if err != nil {
			j.log.Warn("token purge failed", "error", err)
			continue
		}
		purged += n
	}

	swept, err := j.sweepOrphans(ctx)
	if err != nil {
		j.log.Warn("orphan sweep failed", "error", err)
	}

	if j.cfg.TextfilePath != "" {
		if err := metrics.WriteTextfile(j.cfg.TextfilePath); err != nil {
			j.log.Warn("metrics textfile write failed", "path", j.cfg.TextfilePath, "error", err)
		}
	}

	metrics.MaintenanceRuns.Inc()
	j.log.Info("maintenance pass complete",
		"tokensPurged", purged,
		"connectionsSwept", swept,
		"elapsed", j.now().Sub(start),
	)
}

// sweepOrphans removes session records whose owning server instance is dead
// or gone. Live instances clean their own sessions; this pass covers
// servers that crashed without writing a final record.
func (j *Janitor) sweepOrphans(ctx context.Context) (int, error) {
	if j.cfg.Instances == nil || j.cfg.Connections == nil {
		return 0, nil
	}

	instances, err := instance.List(ctx, j.cfg.Instances)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(instances))
	now := j.now()
	for _, rec := range instances {
		if !instance.Dead(rec, now, j.cfg.CheckIn) {
			live[rec.ID] = true
		}
	}

	var sessions []struct {
		ID       string `json:"id"`
		ServerID string `json:"serverId"`
	}
	if err := j.cfg.Connections.Find(ctx, nil, &sessions); err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range sessions {
		if live[s.ServerID] {
			continue
		}
		removed, err := j.cfg.Connections.DeleteOne(ctx, docstore.Filter{"id": s.ID})
		if err != nil {
			j.log.Warn("orphaned session not removed", "connection", s.ID, "error", err)
			continue
		}
		if removed {
			swept++
			j.log.Debug("orphaned session removed", "connection", s.ID, "server", s.ServerID)
		}
	}
	return swept, nil
}
