// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/missionctl/internal/shared"
)

// LogFile is the JSONL log under the missionctl home directory.
const LogFile = "system.jsonl"

// Sink owns the log file and the level of the logger built on it. The level
// can change at runtime, for example after a config reload.
type Sink struct {
	file  *os.File
	level slog.LevelVar
}

// SetLevel switches the minimum level; unknown names mean info.
func (s *Sink) SetLevel(name string) { s.level.Set(parseLevel(name)) }

func (s *Sink) Level() slog.Level { return s.level.Level() }

func (s *Sink) Close() error { return s.file.Close() }

// NewLogger writes JSON records to <homeDir>/logs/system.jsonl and, unless
// quiet, mirrors them to stdout. Attribute values that look like secrets
// are masked before they are written.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *Sink, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := &Sink{file: file}
	sink.SetLevel(level)

	var out io.Writer = file
	if !quiet {
		out = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: &sink.level, ReplaceAttr: scrubAttr})
	return slog.New(handler).With("component", "missionctl"), sink, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithTrace tags logger with the trace id carried by ctx.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With("trace_id", shared.TraceID(ctx))
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.SecretKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		v := a.Value.String()
		// A whole credential header is dropped, not just the token.
		if strings.HasPrefix(strings.ToLower(v), "authorization:") {
			return slog.String(a.Key, shared.Redacted)
		}
		if masked := shared.Redact(v); masked != v {
			return slog.String(a.Key, masked)
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	name := strings.TrimSpace(level)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}
