package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/config"
	"github.com/basket/missionctl/internal/doctor"
	"github.com/basket/missionctl/internal/monitor"
)

func TestPrintUsage_ListsCommandsAndOverrides(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"serve", "status", "version", "MISSIONCTL_HOME"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage missing %q: %s", want, out)
		}
	}
	for _, key := range config.EnvOverrides {
		if !strings.Contains(out, key) {
			t.Fatalf("usage missing override %s", key)
		}
	}
}

func TestDaemonURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"http://example.test:1/", "http://example.test:1"},
	}
	for _, tt := range tests {
		if got := daemonURL(tt.addr); got != tt.want {
			t.Errorf("daemonURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestProbeHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if code := probeHealth(context.Background(), srv.URL+"/healthz", &out); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if out.String() != "{\"healthy\":true}\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	if code := probeHealth(context.Background(), srv.URL+"/nope", &out); code != 1 {
		t.Fatalf("expected exit 1 for non-200, got %d", code)
	}
}

func TestGetJSON_SendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"agents":{"total":2}}` + "\n"))
	}))
	defer srv.Close()

	body, ok, err := getJSON(context.Background(), srv.URL+"/api/stats", "s3cret")
	if err != nil || !ok || string(body) != `{"agents":{"total":2}}` {
		t.Fatalf("getJSON = %s %v %v", body, ok, err)
	}
	if _, ok, err := getJSON(context.Background(), srv.URL+"/api/stats", ""); err != nil || ok {
		t.Fatalf("expected non-200 without token, ok=%v err=%v", ok, err)
	}
}

func TestDashboardState_RecordSweep(t *testing.T) {
	d := &dashboardState{started: time.Now()}
	d.recordSweep(monitor.SweepResult{Started: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), AgentsOffline: 1})
	if d.lastSweep != "08:00:00 · 1 offline · 0 reclaimed" || d.lastError != "" {
		t.Fatalf("unexpected state: %q %q", d.lastSweep, d.lastError)
	}
}

func TestPrintDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	printDiagnosis(&buf, doctor.Diagnosis{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Results: []doctor.CheckResult{
			{Name: "Database", Status: doctor.StatusFail, Message: "Connection failed", Detail: "/tmp/x.db"},
			{Name: "Alerts", Status: doctor.StatusSkip, Message: "disabled"},
		},
	})
	out := buf.String()
	for _, want := range []string{"❌ Database", "    /tmp/x.db", "⏩ Alerts"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
