package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/missionctl/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	ctx := shared.WithTraceID(context.Background(), "trace-42")
	WithTrace(ctx, logger).Info("task reclaimed", "task_id", "task-1", "reclaim_count", 2)

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "missionctl" {
		t.Fatalf("expected component=missionctl, got %#v", entry["component"])
	}
	if entry["trace_id"] != "trace-42" {
		t.Fatalf("expected trace_id=trace-42, got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("alert delivery",
		"telegram_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq",
		"auth_header", "Authorization: Bearer super-secret-token",
		"detail", "sent with bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq",
	)

	entry := readLastEntry(t, home)
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("expected key redaction, got %#v", entry["telegram_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["detail"] != "sent with bot [REDACTED]" {
		t.Fatalf("expected pattern redaction, got %#v", entry["detail"])
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("hidden")
	logger.Warn("shown")
	if got := readLastEntry(t, home)["msg"]; got != "shown" {
		t.Fatalf("last msg = %v", got)
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if bytes.Contains(raw, []byte("hidden")) {
		t.Fatal("info record written at warn level")
	}
}

func TestSink_SetLevelAtRuntime(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "error", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()
	logger.Info("before")
	sink.SetLevel("info")
	if sink.Level() != slog.LevelInfo {
		t.Fatalf("level = %v", sink.Level())
	}
	logger.Info("after")
	if got := readLastEntry(t, home)["msg"]; got != "after" {
		t.Fatalf("last msg = %v", got)
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", LogFile))
	if bytes.Contains(raw, []byte("before")) {
		t.Fatal("info record written at error level")
	}
}

func TestNewLogger_RedactsDSN(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()
	logger.Error("store open failed", "error", "connect postgres://mc:hunter2@db/missionctl: refused")
	if got := readLastEntry(t, home)["error"]; got != "connect postgres://mc:[REDACTED]@db/missionctl: refused" {
		t.Fatalf("dsn not masked: %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see")
}
