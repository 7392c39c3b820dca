// Package logging wraps slog for structured logging with console and
// optional file output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options selects the log destinations and verbosity.
type Options struct {
	Console bool      // write to stdout
	JSON    bool      // JSON handler instead of text
	Level   string    // debug, info, warn, error (default info)
	Dir     string    // when set, also append to a per-run file in this directory
	Writer  io.Writer // overrides all destinations (tests)
}

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates a Logger from the given options. When Options.Dir is set, a
// log file named for the process start time is created inside it.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var file *os.File
	var writers []io.Writer
	switch {
	case opts.Writer != nil:
		writers = append(writers, opts.Writer)
	default:
		if opts.Console {
			writers = append(writers, os.Stdout)
		}
		if opts.Dir != "" {
			if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
			name := filepath.Join(opts.Dir, "morrigan-"+time.Now().UTC().Format("20060102-150405")+".log")
			file, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			writers = append(writers, file)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel converts a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
