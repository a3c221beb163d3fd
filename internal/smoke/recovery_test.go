package smoke

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const fastHeartbeat = `
heartbeat:
  agent_timeout_seconds: 1
  task_timeout_seconds: 1
  interval_seconds: 1
`

type record struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AgentID      string `json:"agent_id"`
	ReclaimCount int    `json:"reclaim_count"`
}

func decodeRecord(t *testing.T, raw []byte) record {
	t.Helper()
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return r
}

// A worker that claims a task and then goes silent loses both its READY
// status and the task, and the dashboard hears about it.
func TestSmoke_SilentWorkerIsRecovered(t *testing.T) {
	bin := buildBinary(t)
	d := startDaemon(t, bin, fastHeartbeat)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+d.addr+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + smokeToken}},
	})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if err := wsjson.Write(ctx, conn, map[string]any{"method": "subscribe", "params": map[string]any{"rooms": []string{"dashboard"}}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	code, raw := d.api(t, http.MethodPost, "/api/agents", map[string]any{"name": "worker"})
	if code != http.StatusCreated {
		t.Fatalf("register: %d %s", code, raw)
	}
	worker := decodeRecord(t, raw)
	for _, to := range []string{"INITIALIZING", "READY"} {
		if code, raw := d.api(t, http.MethodPost, "/api/agents/"+worker.ID+"/transition", map[string]any{"status": to}); code != http.StatusOK {
			t.Fatalf("transition %s: %d %s", to, code, raw)
		}
	}
	code, raw = d.api(t, http.MethodPost, "/api/tasks", map[string]any{"title": "render"})
	if code != http.StatusCreated {
		t.Fatalf("create task: %d %s", code, raw)
	}
	task := decodeRecord(t, raw)
	code, raw = d.api(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": worker.ID})
	if code != http.StatusOK {
		t.Fatalf("claim: %d %s", code, raw)
	}
	if claimed := decodeRecord(t, raw); claimed.ID != task.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, task.ID)
	}

	var recovered record
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, raw = d.api(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
		if recovered = decodeRecord(t, raw); recovered.Status == "PENDING" {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if recovered.Status != "PENDING" || recovered.AgentID != "" || recovered.ReclaimCount != 1 {
		t.Fatalf("task not reclaimed: %+v\noutput=%s", recovered, d.out.String())
	}

	_, raw = d.api(t, http.MethodGet, "/api/agents/"+worker.ID, nil)
	if a := decodeRecord(t, raw); a.Status != "OFFLINE" {
		t.Fatalf("expected agent OFFLINE, got %s", a.Status)
	}

	// The subscribe reply comes first, then dashboard events; the sweep
	// that recovered the worker raises an alert.
	for {
		var msg struct {
			Method string `json:"method"`
			Params struct {
				Event string `json:"event"`
			} `json:"params"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("no system alert on dashboard: %v", err)
		}
		if msg.Method == "event" && strings.HasPrefix(msg.Params.Event, "system:alert") {
			return
		}
	}
}
