package cliutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Paintersrp/supervisor/internal/engine"
)

// Log output formats accepted by NewLogger.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel converts a level name (debug, info, warn, error) into a
// slog.Level.
func ParseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}

// NewLogger builds the supervisor's logger writing to w. The auto format
// picks text when w is a terminal and JSON otherwise.
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto:
		if isTerminal(w) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want auto, text or json)", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// LogEvent writes a supervisor event through logger.
func LogEvent(ctx context.Context, logger *slog.Logger, event engine.Event) {
	if logger == nil {
		return
	}
	level := eventLevel(event.Level)
	if !logger.Enabled(ctx, level) {
		return
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	record := slog.NewRecord(ts, level, RedactSecrets(event.Message), 0)
	record.AddAttrs(eventAttrs(event)...)
	_ = logger.Handler().Handle(ctx, record)
}

func eventLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func eventAttrs(event engine.Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("event", string(event.Type))}
	if event.PID != 0 {
		attrs = append(attrs, slog.Int("pid", event.PID))
	}
	if event.Generation != 0 {
		attrs = append(attrs, slog.Int("generation", event.Generation))
	}
	if event.Status != nil {
		attrs = append(attrs, slog.String("status", event.Status.String()))
	}
	if event.Signal != "" {
		attrs = append(attrs, slog.String("signal", event.Signal))
	}
	if len(event.PIDs) > 0 {
		attrs = append(attrs, slog.Any("pids", event.PIDs))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", RedactSecrets(event.Err.Error())))
	}
	return attrs
}
