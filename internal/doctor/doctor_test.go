package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/missionctl/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func byName(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_DefaultsPass(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if got := byName(d, "Config").Status; got != StatusWarn {
		t.Fatalf("expected WARN without config.yaml, got %s", got)
	}
	if got := byName(d, "Database"); got.Status != StatusPass || got.Message != "Schema valid (0 agents, 0 tasks)" {
		t.Fatalf("unexpected database result: %+v", got)
	}
	if got := byName(d, "Payload Schema").Status; got != StatusSkip {
		t.Fatalf("expected SKIP, got %s", got)
	}
	if d.System.Version != "test" {
		t.Fatalf("version not recorded: %+v", d.System)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("expected failure with nil config")
	}
	for _, r := range d.Results {
		if r.Name != "Config" && r.Status != StatusSkip {
			t.Fatalf("expected %s to skip, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckPayloadSchema(t *testing.T) {
	cfg := testConfig(t)
	bad := filepath.Join(cfg.HomeDir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"type": 7}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Tasks.PayloadSchema = bad
	if got := checkPayloadSchema(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}

	good := filepath.Join(cfg.HomeDir, "good.json")
	if err := os.WriteFile(good, []byte(`{"type":"object"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Tasks.PayloadSchema = good
	if got := checkPayloadSchema(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckAuth(t *testing.T) {
	cfg := testConfig(t)
	if got := checkAuth(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("loopback without token should pass: %+v", got)
	}
	cfg.BindAddr = "0.0.0.0:18790"
	if got := checkAuth(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("open bind without token should warn: %+v", got)
	}
	cfg.AuthToken = "x"
	if got := checkAuth(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("token should pass: %+v", got)
	}
}

func TestCheckAlerts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alerts.Telegram.Enabled = true
	got := checkAlerts(context.Background(), cfg)
	if got.Status != StatusFail || got.Detail != "token missing, no chat_ids" {
		t.Fatalf("unexpected result: %+v", got)
	}
	cfg.Alerts.Telegram.Token = "t"
	cfg.Alerts.Telegram.ChatIDs = []int64{1}
	if got := checkAlerts(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckBindAddr_Occupied(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if got := checkBindAddr(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN for occupied port, got %+v", got)
	}
}
