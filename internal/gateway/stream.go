package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
)

const sseKeepAlive = 15 * time.Second

// handleTaskEvents streams a task's room as server-sent events until the
// client disconnects or the task reaches a terminal state.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not configured"})
		return
	}
	taskID := r.PathValue("id")
	task, err := s.cfg.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	sub := s.cfg.Bus.SubscribeRooms(bus.TaskRoom(taskID))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Current state first, so a late subscriber knows where the task is.
	if err := writeSSE(w, "snapshot", task); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Debug("sse: flush unsupported", "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := writeSSE(w, ev.Notification.Event, ev.Notification); err != nil {
				return
			}
			_ = rc.Flush()
			if ev.Notification.Event == bus.EventTaskCompleted || isTerminalUpdate(ev.Notification) {
				return
			}
		}
	}
}

func isTerminalUpdate(n bus.Notification) bool {
	if n.Event != bus.EventTaskUpdated {
		return false
	}
	status, _ := n.Data["status"].(lifecycle.TaskStatus)
	return status.Terminal()
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
