package bus

import (
	"sync"
	"time"
)

// Event names carried in Notification.Event.
const (
	EventAgentStatusChanged = "agent:status_changed"
	EventAgentHeartbeat     = "agent:heartbeat"
	EventTaskCreated        = "task:created"
	EventTaskAssigned       = "task:assigned"
	EventTaskUpdated        = "task:updated"
	EventTaskCompleted      = "task:completed"
	EventSystemAlert        = "system:alert"
)

// RoomDashboard receives every fleet-wide event.
const RoomDashboard = "dashboard"

func AgentRoom(id string) string        { return "agent:" + id }
func TaskRoom(id string) string         { return "task:" + id }
func ConversationRoom(id string) string { return "conversation:" + id }

// Notification is the tagged payload delivered to subscribers.
type Notification struct {
	Event     string         `json:"event"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier accepts fire-and-forget notifications. Implementations must not
// block the caller.
type Notifier interface {
	Notify(room string, n Notification)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, Notification) {}

// Recorder keeps every notification in order. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(room string, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Room: room, Notification: n})
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given event name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Notification.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
