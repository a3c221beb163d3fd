package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
)

func fixedFeed(at time.Time) *ActivityFeed {
	f := NewActivityFeed()
	f.now = func() time.Time { return at }
	return f
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{ID: string(rune('a' + i)), StartedAt: time.Now()})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
}

func TestActivityFeed_TaskLifecycle(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := fixedFeed(at.Add(2 * time.Second))

	f.Observe(bus.Event{Room: bus.RoomDashboard, Notification: bus.Notification{
		Event: bus.EventTaskAssigned, TaskID: "task-123456789", AgentID: "agent-987654321", Timestamp: at,
	}})
	if !f.HasActive() {
		t.Fatal("assigned task should be active")
	}
	if view := f.View(); !strings.Contains(view, "task-123 → agent-98") || !strings.Contains(view, "(2s)") {
		t.Fatalf("unexpected view:\n%s", view)
	}

	f.Observe(bus.Event{Room: bus.RoomDashboard, Notification: bus.Notification{
		Event: bus.EventTaskCompleted, TaskID: "task-123456789", Timestamp: at.Add(time.Second),
	}})
	if f.HasActive() {
		t.Fatal("completed task should be closed")
	}
	if view := f.View(); !strings.Contains(view, "✅") {
		t.Fatalf("expected completion icon, got:\n%s", view)
	}
}

func TestActivityFeed_FailureAndReclaimCloseItems(t *testing.T) {
	f := NewActivityFeed()
	for _, tc := range []struct {
		id     string
		status lifecycle.TaskStatus
		icon   string
	}{
		{"t-fail", lifecycle.TaskFailed, "❌"},
		{"t-back", lifecycle.TaskPending, "↺"},
	} {
		f.Observe(bus.Event{Notification: bus.Notification{Event: bus.EventTaskAssigned, TaskID: tc.id}})
		f.Observe(bus.Event{Notification: bus.Notification{
			Event: bus.EventTaskUpdated, TaskID: tc.id, Data: map[string]any{"status": tc.status},
		}})
		if !strings.Contains(f.View(), tc.icon) {
			t.Fatalf("expected %s for %s", tc.icon, tc.status)
		}
	}
	if f.HasActive() {
		t.Fatal("no item should remain active")
	}
}

func TestActivityFeed_RunningUpdateKeepsItemOpen(t *testing.T) {
	f := NewActivityFeed()
	f.Observe(bus.Event{Notification: bus.Notification{Event: bus.EventTaskAssigned, TaskID: "t1"}})
	f.Observe(bus.Event{Notification: bus.Notification{
		Event: bus.EventTaskUpdated, TaskID: "t1", Data: map[string]any{"status": lifecycle.TaskRunning},
	}})
	if !f.HasActive() {
		t.Fatal("running task should stay active")
	}
}

func TestActivityFeed_Watch(t *testing.T) {
	b := bus.New()
	sub := b.SubscribeRooms(bus.RoomDashboard)
	f := NewActivityFeed()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Watch(ctx, sub)
		close(done)
	}()

	b.Notify(bus.RoomDashboard, bus.Notification{
		Event: bus.EventAgentStatusChanged, AgentID: "a1",
		Data: map[string]any{"old_status": lifecycle.AgentReady, "new_status": lifecycle.AgentOffline},
	})
	deadline := time.Now().Add(2 * time.Second)
	for f.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(f.View(), "agent a1 READY → OFFLINE") {
		t.Fatalf("unexpected view:\n%s", f.View())
	}

	cancel()
	<-done
	b.Unsubscribe(sub)
}

func TestActivityFeed_EmptyView(t *testing.T) {
	if !strings.Contains(NewActivityFeed().View(), "no activity") {
		t.Fatal("empty feed should say so")
	}
}
