package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
)

// ActivityItem is one line in the feed. Task items stay open from
// assignment until the task reaches a terminal state.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent fleet activity for the dashboard.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	maxItems int
	now      func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 12, now: time.Now}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// Complete closes the newest open item with id.
func (f *ActivityFeed) Complete(id, icon string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].ID == id && f.items[i].DoneAt == nil {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			return
		}
	}
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Observe folds one bus event into the feed.
func (f *ActivityFeed) Observe(ev bus.Event) {
	n := ev.Notification
	at := n.Timestamp
	if at.IsZero() {
		at = f.now()
	}
	switch n.Event {
	case bus.EventTaskAssigned:
		f.Add(ActivityItem{ID: n.TaskID, Icon: "⏳", StartedAt: at,
			Message: fmt.Sprintf("%s → %s", shortID(n.TaskID), shortID(n.AgentID))})
	case bus.EventTaskCompleted:
		f.Complete(n.TaskID, "✅")
	case bus.EventTaskUpdated:
		switch status, _ := n.Data["status"].(lifecycle.TaskStatus); status {
		case lifecycle.TaskFailed:
			f.Complete(n.TaskID, "❌")
		case lifecycle.TaskCancelled:
			f.Complete(n.TaskID, "⊘")
		case lifecycle.TaskPending:
			f.Complete(n.TaskID, "↺")
		}
	case bus.EventAgentStatusChanged:
		done := at
		f.Add(ActivityItem{ID: n.AgentID, Icon: "•", StartedAt: at, DoneAt: &done,
			Message: fmt.Sprintf("agent %s %v → %v", shortID(n.AgentID), n.Data["old_status"], n.Data["new_status"])})
	case bus.EventSystemAlert:
		done := at
		f.Add(ActivityItem{ID: "alert", Icon: "⚠", StartedAt: at, DoneAt: &done,
			Message: fmt.Sprint(n.Data["message"])})
	}
}

// Watch feeds events from sub into f until ctx ends or sub closes.
func (f *ActivityFeed) Watch(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			f.Observe(ev)
		}
	}
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if len(f.items) == 0 {
		return dim.Render("── no activity yet ──") + "\n"
	}
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity ──") + "\n")
	now := f.now()
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		switch {
		case it.DoneAt == nil:
			line += fmt.Sprintf(" (%s)", now.Sub(it.StartedAt).Truncate(time.Second))
		case it.DoneAt.After(it.StartedAt):
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(100*time.Millisecond))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
