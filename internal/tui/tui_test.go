package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/missionctl/internal/lifecycle"
)

func TestView_ShowsFleetAndQueue(t *testing.T) {
	m := model{
		snap: Snapshot{
			DBOK:        true,
			Agents:      map[lifecycle.AgentStatus]int{lifecycle.AgentReady: 3, lifecycle.AgentOffline: 1},
			Tasks:       map[lifecycle.TaskStatus]int{lifecycle.TaskPending: 5, lifecycle.TaskRunning: 2},
			Subscribers: 4,
			Dropped:     7,
			LastSweep:   "12:00:00 · 1 offline · 0 reclaimed",
			Uptime:      10 * time.Second,
		},
	}
	view := m.View()

	for _, want := range []string{
		"ready 3 · offline 1",
		"pending 5 · running 2",
		"4 (dropped 7)",
		"1 offline",
		"(none)",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestCountLine_EmptyIsZero(t *testing.T) {
	if got := countLine(lifecycle.TaskStatuses, nil); got != "0" {
		t.Fatalf("expected 0, got %q", got)
	}
}

func TestHumanError(t *testing.T) {
	err := errors.New("monitor pass: reclaim stale tasks: database is locked")
	if got := humanError(err); got != "Database is locked" {
		t.Fatalf("got %q", got)
	}
	if humanError(nil) != "" {
		t.Fatal("nil error should render empty")
	}
	if got := humanError(errors.New("plain")); got != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestSweepLine(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	got := SweepLine(at, 2, 1, errors.New("sweep: boom"))
	if got != "09:30:00 · 2 offline · 1 reclaimed · Boom" {
		t.Fatalf("got %q", got)
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{DBOK: true, Uptime: 5 * time.Second}
	}

	m := model{provider: provider, snap: provider()}

	if cmd := m.Init(); cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	m2 := model{provider: provider, snap: Snapshot{}}
	updated2, tick := m2.Update(tickMsg(time.Now()))
	if tick == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	if !updated2.(model).snap.DBOK {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	if m.View() == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, provider, NewActivityFeed())
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}
