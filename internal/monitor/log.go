package monitor

import (
	"context"
	"log/slog"

	"github.com/morrigan-server/morrigan/internal/events"
)

// LogSink writes every event to the structured log. Always installed so an
// operator can follow the event stream without external infrastructure.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Name returns the sink name for logging.
func (s *LogSink) Name() string { return "log" }

// Send logs the event.
func (s *LogSink) Send(ctx context.Context, evt events.Event) error {
	attrs := []any{"event", evt.Name, "timestamp", evt.Timestamp}
	if len(evt.Detail) > 0 {
		attrs = append(attrs, "detail", evt.Detail)
	}
	if evt.Err != nil {
		attrs = append(attrs, "error", evt.Err)
	}
	s.log.Info("server event", attrs...)
	return nil
}
