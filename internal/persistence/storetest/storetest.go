// Package storetest is a conformance suite every persistence.Repository
// backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/persistence"
)

// Run executes the suite. open must return an empty repository.
func Run(t *testing.T, open func(t *testing.T) persistence.Repository) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, repo persistence.Repository)
	}{
		{"AgentRoundTrip", testAgentRoundTrip},
		{"SoftDeleteHidesAgent", testSoftDeleteHidesAgent},
		{"AgentExists", testAgentExists},
		{"CapabilityMatch", testCapabilityMatch},
		{"StaleAgents", testStaleAgents},
		{"TransitionsNewestFirst", testTransitionsNewestFirst},
		{"ClaimOrder", testClaimOrder},
		{"ConcurrentClaimsAreDistinct", testConcurrentClaimsAreDistinct},
		{"RollbackOnError", testRollbackOnError},
		{"ListTasksFilters", testListTasksFilters},
		{"StaleTasks", testStaleTasks},
		{"Counts", testCounts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAgent(name string, status lifecycle.AgentStatus, caps ...string) *persistence.Agent {
	beat := base
	return &persistence.Agent{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          lifecycle.AgentTypeWorker,
		Status:        status,
		Capabilities:  caps,
		Config:        map[string]any{"model": "small"},
		LastHeartbeat: &beat,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func newTask(title string, p lifecycle.Priority, created time.Time) *persistence.Task {
	return &persistence.Task{
		ID:        uuid.NewString(),
		Title:     title,
		Priority:  p,
		Status:    lifecycle.TaskPending,
		Payload:   json.RawMessage(`{"n":1}`),
		CreatedBy: "tester",
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func insertAgent(t *testing.T, repo persistence.Repository, a *persistence.Agent) {
	t.Helper()
	if err := repo.InTx(context.Background(), func(tx persistence.Tx) error {
		return tx.InsertAgent(context.Background(), a)
	}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
}

func insertTask(t *testing.T, repo persistence.Repository, task *persistence.Task) {
	t.Helper()
	if err := repo.InTx(context.Background(), func(tx persistence.Tx) error {
		return tx.InsertTask(context.Background(), task)
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

// claim runs one claim the way the queue does: lock the next candidate and
// assign it inside the same transaction.
func claim(ctx context.Context, repo persistence.Repository, agentID string, now time.Time) (*persistence.Task, error) {
	var claimed *persistence.Task
	err := repo.InTx(ctx, func(tx persistence.Tx) error {
		claimed = nil
		task, err := tx.LockNextPending(ctx)
		if err != nil || task == nil {
			return err
		}
		task.Status = lifecycle.TaskAssigned
		task.AgentID = agentID
		task.AssignedAt, task.ClaimedAt, task.LastHeartbeat = &now, &now, &now
		task.Version++
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	return claimed, err
}

func testAgentRoundTrip(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	a := newAgent("alpha", lifecycle.AgentIdle, "search", "code")
	insertAgent(t, repo, a)

	got, err := repo.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Name != "alpha" || got.Status != lifecycle.AgentIdle || len(got.Capabilities) != 2 {
		t.Fatalf("unexpected agent %+v", got)
	}
	if got.Config["model"] != "small" {
		t.Fatalf("config not preserved: %v", got.Config)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(base) {
		t.Fatalf("heartbeat = %v, want %v", got.LastHeartbeat, base)
	}

	if err := repo.InTx(ctx, func(tx persistence.Tx) error {
		locked, err := tx.LockAgent(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.PreviousStatus = locked.Status
		locked.Status = lifecycle.AgentInitializing
		locked.UpdatedAt = base.Add(time.Second)
		return tx.UpdateAgent(ctx, locked)
	}); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, err = repo.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != lifecycle.AgentInitializing || got.PreviousStatus != lifecycle.AgentIdle {
		t.Fatalf("status = %s prev = %s", got.Status, got.PreviousStatus)
	}

	if _, err := repo.GetAgent(ctx, "missing"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("missing agent error = %v, want ErrNotFound", err)
	}
}

func testSoftDeleteHidesAgent(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	a := newAgent("doomed", lifecycle.AgentReady, "x")
	insertAgent(t, repo, a)
	if err := repo.InTx(ctx, func(tx persistence.Tx) error {
		return tx.SoftDeleteAgent(ctx, a.ID, base.Add(time.Minute))
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, err := repo.GetAgent(ctx, a.ID); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("get deleted agent error = %v", err)
	}
	list, err := repo.ListAgents(ctx, persistence.AgentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted agent listed: %+v", list)
	}
	if matches, _ := repo.AgentsWithCapability(ctx, "x"); len(matches) != 0 {
		t.Fatal("deleted agent matched by capability")
	}
	if stale, _ := repo.StaleAgents(ctx, base.Add(time.Hour)); len(stale) != 0 {
		t.Fatal("deleted agent reported stale")
	}
	counts, err := repo.CountAgents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[lifecycle.AgentReady] != 0 {
		t.Fatalf("deleted agent counted: %v", counts)
	}
	err = repo.InTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.LockAgent(ctx, a.ID)
		return err
	})
	if !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("lock deleted agent error = %v", err)
	}
	err = repo.InTx(ctx, func(tx persistence.Tx) error {
		return tx.SoftDeleteAgent(ctx, a.ID, base)
	})
	if !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("double delete error = %v", err)
	}
}

func testAgentExists(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	live := newAgent("live", lifecycle.AgentReady, "x")
	gone := newAgent("gone", lifecycle.AgentReady, "x")
	insertAgent(t, repo, live)
	insertAgent(t, repo, gone)
	if err := repo.InTx(ctx, func(tx persistence.Tx) error {
		return tx.SoftDeleteAgent(ctx, gone.ID, base)
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	for id, want := range map[string]bool{live.ID: true, gone.ID: false, "missing": false} {
		var got bool
		err := repo.InTx(ctx, func(tx persistence.Tx) error {
			var err error
			got, err = tx.AgentExists(ctx, id)
			return err
		})
		if err != nil {
			t.Fatalf("exists %s: %v", id, err)
		}
		if got != want {
			t.Fatalf("AgentExists(%s) = %v, want %v", id, got, want)
		}
	}
}

func testCapabilityMatch(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	ready := newAgent("ready", lifecycle.AgentReady, "search")
	idle := newAgent("idle", lifecycle.AgentIdle, "search", "code")
	busy := newAgent("busy", lifecycle.AgentBusy, "search")
	other := newAgent("other", lifecycle.AgentReady, "code")
	for _, a := range []*persistence.Agent{ready, idle, busy, other} {
		insertAgent(t, repo, a)
	}
	got, err := repo.AgentsWithCapability(ctx, "search")
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	ids := map[string]bool{}
	for _, a := range got {
		ids[a.ID] = true
	}
	if len(got) != 2 || !ids[ready.ID] || !ids[idle.ID] {
		t.Fatalf("unexpected matches %+v", got)
	}
}

func testStaleAgents(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	old := newAgent("old", lifecycle.AgentReady)
	oldBusy := newAgent("old-busy", lifecycle.AgentBusy)
	oldPaused := newAgent("old-paused", lifecycle.AgentPaused)
	fresh := newAgent("fresh", lifecycle.AgentReady)
	recent := base.Add(50 * time.Second)
	fresh.LastHeartbeat = &recent
	for _, a := range []*persistence.Agent{old, oldBusy, oldPaused, fresh} {
		insertAgent(t, repo, a)
	}
	got, err := repo.StaleAgents(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("stale agents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d stale agents, want 2: %+v", len(got), got)
	}
	for _, a := range got {
		if a.ID != old.ID && a.ID != oldBusy.ID {
			t.Fatalf("unexpected stale agent %s", a.Name)
		}
	}
}

func testTransitionsNewestFirst(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	a := newAgent("audited", lifecycle.AgentIdle)
	insertAgent(t, repo, a)
	steps := []lifecycle.AgentStatus{lifecycle.AgentInitializing, lifecycle.AgentReady, lifecycle.AgentBusy}
	from := lifecycle.AgentIdle
	for i, to := range steps {
		tr := &persistence.AgentTransition{
			ID: uuid.NewString(), AgentID: a.ID, From: from, To: to,
			Reason: fmt.Sprintf("step %d", i), TriggeredBy: "tester",
			Metadata:  map[string]any{"i": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InTx(ctx, func(tx persistence.Tx) error { return tx.InsertTransition(ctx, tr) }); err != nil {
			t.Fatalf("insert transition: %v", err)
		}
		from = to
	}
	got, err := repo.ListTransitions(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].To != lifecycle.AgentBusy || got[0].From != lifecycle.AgentReady || got[1].To != lifecycle.AgentReady {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].Metadata["i"] != float64(2) || got[0].Reason != "step 2" {
		t.Fatalf("metadata not preserved: %+v", got[0])
	}
}

func testClaimOrder(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	worker := newAgent("worker", lifecycle.AgentReady)
	insertAgent(t, repo, worker)
	a := newTask("A", lifecycle.PriorityLow, base)
	b := newTask("B", lifecycle.PriorityHigh, base.Add(time.Millisecond))
	c := newTask("C", lifecycle.PriorityHigh, base.Add(2*time.Millisecond))
	for _, task := range []*persistence.Task{a, b, c} {
		insertTask(t, repo, task)
	}
	for _, want := range []string{"B", "C", "A"} {
		got, err := claim(ctx, repo, worker.ID, base.Add(time.Second))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got == nil || got.Title != want {
			t.Fatalf("claimed %+v, want %s", got, want)
		}
	}
	got, err := claim(ctx, repo, worker.ID, base.Add(time.Second))
	if err != nil || got != nil {
		t.Fatalf("empty queue claim = %+v, %v", got, err)
	}
}

func testConcurrentClaimsAreDistinct(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	worker := newAgent("worker", lifecycle.AgentReady)
	insertAgent(t, repo, worker)
	const tasks, claimers = 6, 10
	for i := 0; i < tasks; i++ {
		insertTask(t, repo, newTask(fmt.Sprintf("t%d", i), lifecycle.PriorityMedium, base.Add(time.Duration(i)*time.Millisecond)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
		nils int
	)
	errs := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := claim(ctx, repo, worker.ID, base.Add(time.Second))
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if got == nil {
				nils++
				return
			}
			seen[got.ID]++
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim: %v", err)
	}
	if len(seen) != tasks || nils != claimers-tasks {
		t.Fatalf("claimed %d distinct tasks with %d nils, want %d and %d", len(seen), nils, tasks, claimers-tasks)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
	list, err := repo.ListTasks(ctx, persistence.TaskFilter{Status: lifecycle.TaskAssigned})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range list {
		if task.Version != 2 || task.AgentID != worker.ID {
			t.Fatalf("unexpected claimed task %+v", task)
		}
	}
}

func testRollbackOnError(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	a := newAgent("rollback", lifecycle.AgentIdle)
	insertAgent(t, repo, a)
	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx persistence.Tx) error {
		locked, err := tx.LockAgent(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.Status = lifecycle.AgentInitializing
		if err := tx.UpdateAgent(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	got, err := repo.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != lifecycle.AgentIdle {
		t.Fatalf("status = %s after rollback", got.Status)
	}
}

func testListTasksFilters(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	worker := newAgent("worker", lifecycle.AgentReady)
	insertAgent(t, repo, worker)
	for i := 0; i < 5; i++ {
		p := lifecycle.PriorityLow
		if i%2 == 0 {
			p = lifecycle.PriorityCritical
		}
		insertTask(t, repo, newTask(fmt.Sprintf("t%d", i), p, base.Add(time.Duration(i)*time.Second)))
	}
	if _, err := claim(ctx, repo, worker.ID, base.Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	critical, err := repo.ListTasks(ctx, persistence.TaskFilter{Priority: lifecycle.PriorityCritical})
	if err != nil {
		t.Fatalf("list critical: %v", err)
	}
	if len(critical) != 3 {
		t.Fatalf("got %d critical tasks, want 3", len(critical))
	}
	mine, err := repo.ListTasks(ctx, persistence.TaskFilter{AgentID: worker.ID})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(mine) != 1 || mine[0].Title != "t0" {
		t.Fatalf("unexpected agent tasks %+v", mine)
	}
	page, err := repo.ListTasks(ctx, persistence.TaskFilter{Status: lifecycle.TaskPending, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 || page[0].Title != "t3" || page[1].Title != "t2" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func testStaleTasks(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	worker := newAgent("worker", lifecycle.AgentReady)
	insertAgent(t, repo, worker)
	insertTask(t, repo, newTask("old", lifecycle.PriorityHigh, base))
	insertTask(t, repo, newTask("fresh", lifecycle.PriorityLow, base))
	insertTask(t, repo, newTask("pending", lifecycle.PriorityLow, base.Add(time.Second)))
	if _, err := claim(ctx, repo, worker.ID, base); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	if _, err := claim(ctx, repo, worker.ID, base.Add(25*time.Second)); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}
	got, err := repo.StaleTasks(ctx, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("stale tasks: %v", err)
	}
	if len(got) != 1 || got[0].Title != "old" {
		t.Fatalf("unexpected stale tasks %+v", got)
	}
}

func testCounts(t *testing.T, repo persistence.Repository) {
	ctx := context.Background()
	insertAgent(t, repo, newAgent("a", lifecycle.AgentReady))
	insertAgent(t, repo, newAgent("b", lifecycle.AgentReady))
	insertAgent(t, repo, newAgent("c", lifecycle.AgentOffline))
	insertTask(t, repo, newTask("t", lifecycle.PriorityLow, base))

	agents, err := repo.CountAgents(ctx)
	if err != nil {
		t.Fatalf("count agents: %v", err)
	}
	if agents[lifecycle.AgentReady] != 2 || agents[lifecycle.AgentOffline] != 1 || agents[lifecycle.AgentBusy] != 0 {
		t.Fatalf("unexpected agent counts %v", agents)
	}
	if len(agents) != len(lifecycle.AgentStatuses) {
		t.Fatalf("counts should list every status, got %v", agents)
	}
	tasks, err := repo.CountTasks(ctx)
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if tasks[lifecycle.TaskPending] != 1 || tasks[lifecycle.TaskCompleted] != 0 {
		t.Fatalf("unexpected task counts %v", tasks)
	}
}
