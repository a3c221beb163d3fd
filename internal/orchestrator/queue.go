// Package orchestrator implements the task queue: creation, explicit
// assignment, concurrent claiming, the running/terminal lifecycle and
// reclamation of tasks whose holder stopped sending heartbeats.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
	otelPkg "github.com/basket/missionctl/internal/otel"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/telemetry"
)

// Reasons attached to task:updated events.
const (
	ReasonReclaimed = "reclaimed"
	ReasonCancelled = "cancelled"
)

// Queue is the task orchestrator. Every mutation locks the task row inside
// one transaction; notifications go out after commit.
type Queue struct {
	repo    persistence.Repository
	events  bus.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *slog.Logger) Option      { return func(q *Queue) { q.logger = l } }
func WithTracer(t trace.Tracer) Option      { return func(q *Queue) { q.tracer = t } }
func WithMetrics(m *otelPkg.Metrics) Option { return func(q *Queue) { q.metrics = m } }
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// NewQueue returns a queue backed by repo that reports changes to sink.
func NewQueue(repo persistence.Repository, sink bus.Notifier, opts ...Option) *Queue {
	q := &Queue{
		repo:    repo,
		logger:  telemetry.Discard(),
		tracer:  otelPkg.NoopTracer(),
		metrics: otelPkg.NoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "task_queue")
	q.events = bus.Publisher{
		Sink:   sink,
		Logger: q.logger,
		OnFailure: func() {
			q.metrics.NotifyFailures.Add(context.Background(), 1)
		},
	}
	return q
}

func (q *Queue) clock() time.Time { return q.now().UTC() }

func (q *Queue) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	name := "task." + op
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, q.tracer, name, attrs...)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		q.metrics.OperationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otelPkg.AttrOperation.String(name), otelPkg.AttrOutcome.String(outcome)))
		otelPkg.EndSpan(span, err)
	}
}

// CreateParams describes a new task.
type CreateParams struct {
	Title          string
	Description    string
	Priority       lifecycle.Priority
	Payload        json.RawMessage
	CreatedBy      string
	ParentTaskID   string
	ConversationID string
}

// Create inserts a PENDING task at version 1.
func (q *Queue) Create(ctx context.Context, p CreateParams) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "create")
	defer func() { done(err) }()

	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, lifecycle.Invalidf("task title must be non-empty")
	}
	if p.Priority == "" {
		p.Priority = lifecycle.PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, lifecycle.Invalidf("unknown task priority %q", p.Priority)
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return nil, lifecycle.Invalidf("task payload is not valid JSON")
	}
	now := q.clock()
	t := &persistence.Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    p.Description,
		Priority:       p.Priority,
		Status:         lifecycle.TaskPending,
		Payload:        p.Payload,
		CreatedBy:      p.CreatedBy,
		ParentTaskID:   p.ParentTaskID,
		ConversationID: p.ConversationID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = q.repo.InTx(ctx, func(tx persistence.Tx) error {
		if t.ParentTaskID != "" {
			if _, err := tx.LockTask(ctx, t.ParentTaskID); err != nil {
				return fmt.Errorf("parent task %s: %w", t.ParentTaskID, err)
			}
		}
		return tx.InsertTask(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	rooms := []string{bus.RoomDashboard}
	if t.ConversationID != "" {
		rooms = append(rooms, bus.ConversationRoom(t.ConversationID))
	}
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskCreated,
		TaskID:    t.ID,
		Timestamp: now,
		Data:      map[string]any{"title": t.Title, "priority": t.Priority, "status": t.Status},
	}, rooms...)
	telemetry.WithTrace(ctx, q.logger).Info("task created", "task_id", t.ID, "priority", t.Priority)
	return t, nil
}

// Get returns a task or lifecycle.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*persistence.Task, error) {
	return q.repo.GetTask(ctx, id)
}

// List returns tasks matching f, newest first.
func (q *Queue) List(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, lifecycle.Invalidf("unknown task status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, lifecycle.Invalidf("unknown task priority %q", f.Priority)
	}
	return q.repo.ListTasks(ctx, f)
}

// Assign hands a PENDING task to a specific agent.
func (q *Queue) Assign(ctx context.Context, taskID, agentID string) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "assign", otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	var out *persistence.Task
	err = q.repo.InTx(ctx, func(tx persistence.Tx) error {
		if _, err := tx.LockAgent(ctx, agentID); err != nil {
			return err
		}
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != lifecycle.TaskPending {
			return &lifecycle.StateError{TaskID: t.ID, Current: t.Status, Operation: "assign"}
		}
		q.hold(t, agentID)
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.announceAssigned(ctx, out)
	return out, nil
}

// ClaimNext gives the agent the highest priority, oldest PENDING task.
// It returns nil when nothing is claimable or the agent is unknown.
// Concurrent claimers never receive the same task.
func (q *Queue) ClaimNext(ctx context.Context, agentID string) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "claim_next", otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	var out *persistence.Task
	err = q.repo.InTx(ctx, func(tx persistence.Tx) error {
		out = nil
		known, err := tx.AgentExists(ctx, agentID)
		if err != nil || !known {
			return err
		}
		t, err := tx.LockNextPending(ctx)
		if err != nil || t == nil {
			return err
		}
		q.hold(t, agentID)
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		q.metrics.TaskClaimMisses.Add(ctx, 1)
		return nil, nil
	}
	q.metrics.TaskClaims.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPriority.String(string(out.Priority))))
	q.announceAssigned(ctx, out)
	return out, nil
}

func (q *Queue) hold(t *persistence.Task, agentID string) {
	now := q.clock()
	t.Status = lifecycle.TaskAssigned
	t.AgentID = agentID
	t.AssignedAt = &now
	t.ClaimedAt = &now
	t.LastHeartbeat = &now
	t.Version++
	t.UpdatedAt = now
}

func (q *Queue) announceAssigned(ctx context.Context, t *persistence.Task) {
	telemetry.WithTrace(ctx, q.logger).Info("task assigned", "task_id", t.ID, "agent_id", t.AgentID, "version", t.Version)
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskAssigned,
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Timestamp: t.UpdatedAt,
		Data:      map[string]any{"status": t.Status, "agent_id": t.AgentID, "title": t.Title, "priority": t.Priority},
	}, q.rooms(t, bus.AgentRoom(t.AgentID))...)
}

// rooms lists the task room, any extras, the dashboard and the task's
// conversation.
func (q *Queue) rooms(t *persistence.Task, extra ...string) []string {
	out := append([]string{bus.TaskRoom(t.ID)}, extra...)
	out = append(out, bus.RoomDashboard)
	if t.ConversationID != "" {
		out = append(out, bus.ConversationRoom(t.ConversationID))
	}
	return out
}

// mutateOwned locks a task, checks that agentID holds it and applies fn.
// fn returns false to leave the row untouched.
func (q *Queue) mutateOwned(ctx context.Context, taskID, agentID string, fn func(t *persistence.Task) (bool, error)) (*persistence.Task, bool, error) {
	var (
		out     *persistence.Task
		changed bool
	)
	err := q.repo.InTx(ctx, func(tx persistence.Tx) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.AgentID == "" || t.AgentID != agentID {
			return lifecycle.ErrOwnershipMismatch
		}
		changed, err = fn(t)
		if err != nil {
			return err
		}
		if changed {
			t.Version++
			t.UpdatedAt = q.clock()
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// Start moves an ASSIGNED task held by agentID to RUNNING.
func (q *Queue) Start(ctx context.Context, taskID, agentID string) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "start", otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	t, _, err := q.mutateOwned(ctx, taskID, agentID, func(t *persistence.Task) (bool, error) {
		if t.Status != lifecycle.TaskAssigned {
			return false, &lifecycle.StateError{TaskID: t.ID, Current: t.Status, Operation: "start"}
		}
		now := q.clock()
		t.Status = lifecycle.TaskRunning
		t.LastHeartbeat = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskUpdated,
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Timestamp: t.UpdatedAt,
		Data:      map[string]any{"status": t.Status},
	}, q.rooms(t)...)
	return t, nil
}

// Complete records the result of a RUNNING task. Completing an already
// COMPLETED task returns it unchanged.
func (q *Queue) Complete(ctx context.Context, taskID, agentID string, result json.RawMessage) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "complete", otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	if len(result) > 0 && !json.Valid(result) {
		return nil, lifecycle.Invalidf("task result is not valid JSON")
	}
	t, changed, err := q.mutateOwned(ctx, taskID, agentID, func(t *persistence.Task) (bool, error) {
		if t.Status == lifecycle.TaskCompleted {
			return false, nil
		}
		if t.Status != lifecycle.TaskRunning {
			return false, &lifecycle.StateError{TaskID: t.ID, Current: t.Status, Operation: "complete"}
		}
		now := q.clock()
		t.Status = lifecycle.TaskCompleted
		t.Result = result
		t.CompletedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	q.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String("completed")))
	telemetry.WithTrace(ctx, q.logger).Info("task completed", "task_id", t.ID, "agent_id", t.AgentID)
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskCompleted,
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Timestamp: t.UpdatedAt,
		Data:      map[string]any{"status": t.Status, "result": t.Result},
	}, q.rooms(t)...)
	return t, nil
}

// Fail records an error result. A FAILED task may be failed again, which
// overwrites the recorded error; COMPLETED and CANCELLED tasks are final.
func (q *Queue) Fail(ctx context.Context, taskID, agentID, message string) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "fail", otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	result, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return nil, fmt.Errorf("encode failure: %w", err)
	}
	t, _, err := q.mutateOwned(ctx, taskID, agentID, func(t *persistence.Task) (bool, error) {
		if t.Status == lifecycle.TaskCompleted || t.Status == lifecycle.TaskCancelled {
			return false, &lifecycle.StateError{TaskID: t.ID, Current: t.Status, Operation: "fail"}
		}
		now := q.clock()
		t.Status = lifecycle.TaskFailed
		t.Result = result
		t.CompletedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	q.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String("failed")))
	telemetry.WithTrace(ctx, q.logger).Warn("task failed", "task_id", t.ID, "agent_id", t.AgentID, "error", message)
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskUpdated,
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Timestamp: t.UpdatedAt,
		Data:      map[string]any{"status": t.Status, "error": message},
	}, q.rooms(t)...)
	return t, nil
}

// Cancel forces any non-terminal task to CANCELLED and releases its agent.
func (q *Queue) Cancel(ctx context.Context, taskID string) (_ *persistence.Task, err error) {
	ctx, done := q.observe(ctx, "cancel", otelPkg.AttrTaskID.String(taskID))
	defer func() { done(err) }()

	var (
		out      *persistence.Task
		previous string
	)
	err = q.repo.InTx(ctx, func(tx persistence.Tx) error {
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return &lifecycle.StateError{TaskID: t.ID, Current: t.Status, Operation: "cancel"}
		}
		previous = t.AgentID
		now := q.clock()
		t.Status = lifecycle.TaskCancelled
		t.AgentID = ""
		t.LastHeartbeat = nil
		t.Version++
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String("cancelled")))
	telemetry.WithTrace(ctx, q.logger).Info("task cancelled", "task_id", out.ID)
	q.events.Publish(bus.Notification{
		Event:     bus.EventTaskUpdated,
		TaskID:    out.ID,
		AgentID:   previous,
		Timestamp: out.UpdatedAt,
		Data:      map[string]any{"status": out.Status, "reason": ReasonCancelled},
	}, q.rooms(out)...)
	return out, nil
}

// Heartbeat refreshes last_heartbeat when agentID currently holds the
// task. It reports whether anything was refreshed; any other case is a
// no-op, not an error.
func (q *Queue) Heartbeat(ctx context.Context, taskID, agentID string) (refreshed bool, err error) {
	ctx, done := q.observe(ctx, "heartbeat", otelPkg.AttrTaskID.String(taskID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	err = q.repo.InTx(ctx, func(tx persistence.Tx) error {
		refreshed = false
		t, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.Held() || t.AgentID != agentID {
			return nil
		}
		now := q.clock()
		t.LastHeartbeat = &now
		t.UpdatedAt = now
		refreshed = true
		return tx.UpdateTask(ctx, t)
	})
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, nil
	}
	return refreshed, err
}

// StaleTasks returns ASSIGNED or RUNNING tasks silent for longer than timeout.
func (q *Queue) StaleTasks(ctx context.Context, timeout time.Duration) ([]persistence.Task, error) {
	return q.repo.StaleTasks(ctx, q.clock().Add(-timeout))
}

// ReclaimStale returns every stale task to PENDING. Each task is re-checked
// in its own transaction so a heartbeat racing the sweep keeps its task.
// The version counter is left alone.
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (reclaimed int, err error) {
	ctx, done := q.observe(ctx, "reclaim_stale")
	defer func() { done(err) }()

	cutoff := q.clock().Add(-timeout)
	stale, err := q.repo.StaleTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, candidate := range stale {
		var (
			got    *persistence.Task
			holder string
		)
		txErr := q.repo.InTx(ctx, func(tx persistence.Tx) error {
			got = nil
			t, err := tx.LockTask(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !t.Status.Held() || t.LastHeartbeat == nil || !t.LastHeartbeat.Before(cutoff) {
				return nil
			}
			holder = t.AgentID
			t.Status = lifecycle.TaskPending
			t.AgentID = ""
			t.LastHeartbeat = nil
			t.ReclaimCount++
			t.UpdatedAt = q.clock()
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			got = t
			return nil
		})
		if errors.Is(txErr, lifecycle.ErrNotFound) {
			continue
		}
		if txErr != nil {
			q.logger.Error("reclaim task failed", "task_id", candidate.ID, "error", txErr)
			errs = append(errs, fmt.Errorf("task %s: %w", candidate.ID, txErr))
			continue
		}
		if got == nil {
			continue
		}
		reclaimed++
		q.metrics.TasksReclaimed.Add(ctx, 1)
		q.logger.Warn("task reclaimed", "task_id", got.ID, "agent_id", holder, "reclaim_count", got.ReclaimCount)
		q.events.Publish(bus.Notification{
			Event:     bus.EventTaskUpdated,
			TaskID:    got.ID,
			AgentID:   holder,
			Timestamp: got.UpdatedAt,
			Data: map[string]any{
				"status":        got.Status,
				"reason":        ReasonReclaimed,
				"reclaim_count": got.ReclaimCount,
			},
		}, q.rooms(got)...)
	}
	return reclaimed, errors.Join(errs...)
}

// Stats counts tasks by status.
func (q *Queue) Stats(ctx context.Context) (map[lifecycle.TaskStatus]int, error) {
	return q.repo.CountTasks(ctx)
}
