// Package monitor runs the heartbeat sweep: agents that stopped sending
// heartbeats are marked OFFLINE and tasks held by silent agents go back to
// the queue. A failed pass is logged and the next one runs on schedule.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/missionctl/internal/otel"
	"github.com/basket/missionctl/internal/shared"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// AgentSweeper marks silent agents offline.
type AgentSweeper interface {
	MarkStaleOffline(ctx context.Context, timeout time.Duration) (int, error)
}

// TaskReclaimer returns silent tasks to the queue.
type TaskReclaimer interface {
	ReclaimStale(ctx context.Context, timeout time.Duration) (int, error)
}

// Config holds the dependencies for the monitor.
type Config struct {
	Agents AgentSweeper
	Tasks  TaskReclaimer
	Logger *slog.Logger

	// Interval between passes when Schedule is empty.
	Interval time.Duration
	// Schedule is an optional cron expression; descriptors such as
	// "@every 15s" are accepted.
	Schedule string

	AgentTimeout time.Duration
	TaskTimeout  time.Duration

	// OnSweep, if set, is called after every pass.
	OnSweep func(ctx context.Context, res SweepResult)
	Metrics *otelPkg.Metrics
}

// SweepResult describes one pass.
type SweepResult struct {
	Started        time.Time
	Duration       time.Duration
	AgentsOffline  int
	TasksReclaimed int
	Err            error
}

// Changed reports whether the pass moved anything.
func (r SweepResult) Changed() bool { return r.AgentsOffline > 0 || r.TasksReclaimed > 0 }

// Monitor is the recurring heartbeat sweep.
type Monitor struct {
	agents   AgentSweeper
	tasks    TaskReclaimer
	logger   *slog.Logger
	schedule cronlib.Schedule
	onSweep  func(context.Context, SweepResult)
	metrics  *otelPkg.Metrics

	mu           sync.RWMutex
	agentTimeout time.Duration
	taskTimeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns a stopped monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Agents == nil || cfg.Tasks == nil {
		return nil, errors.New("monitor: agents and tasks are required")
	}
	sched, err := ParseSchedule(cfg.Schedule, cfg.Interval)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	m := &Monitor{
		agents:   cfg.Agents,
		tasks:    cfg.Tasks,
		logger:   logger.With("component", "heartbeat_monitor"),
		schedule: sched,
		onSweep:  cfg.OnSweep,
		metrics:  metrics,
	}
	m.SetTimeouts(cfg.AgentTimeout, cfg.TaskTimeout)
	return m, nil
}

// ParseSchedule returns the cron schedule for expr, or a fixed interval
// schedule when expr is empty.
func ParseSchedule(expr string, interval time.Duration) (cronlib.Schedule, error) {
	if expr == "" {
		if interval <= 0 {
			interval = DefaultInterval
		}
		return every(interval), nil
	}
	sched, err := cronlib.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("monitor: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// every is a fixed-delay schedule. cron.Every rounds to whole seconds,
// which is too coarse for short test intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// SetTimeouts changes the staleness thresholds used by later passes.
// Non-positive values fall back to DefaultTimeout.
func (m *Monitor) SetTimeouts(agent, task time.Duration) {
	if agent <= 0 {
		agent = DefaultTimeout
	}
	if task <= 0 {
		task = DefaultTimeout
	}
	m.mu.Lock()
	m.agentTimeout, m.taskTimeout = agent, task
	m.mu.Unlock()
}

// Timeouts returns the current agent and task thresholds.
func (m *Monitor) Timeouts() (agent, task time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentTimeout, m.taskTimeout
}

// Start runs a pass immediately and then on every scheduled tick until
// ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	agent, task := m.Timeouts()
	m.logger.Info("heartbeat monitor started", "agent_timeout", agent, "task_timeout", task)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ctx = shared.WithActor(ctx, shared.ActorSystem)

	m.RunOnce(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(m.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass: offline marking first, then reclamation.
// Errors and panics in either step are captured in the result and logged;
// they never escape to the caller.
func (m *Monitor) RunOnce(ctx context.Context) SweepResult {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	agentTimeout, taskTimeout := m.Timeouts()
	res := SweepResult{Started: time.Now()}

	var errs []error
	if err := guard("mark stale agents", func() (err error) {
		res.AgentsOffline, err = m.agents.MarkStaleOffline(ctx, agentTimeout)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	if err := guard("reclaim stale tasks", func() (err error) {
		res.TasksReclaimed, err = m.tasks.ReclaimStale(ctx, taskTimeout)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	res.Err = errors.Join(errs...)
	res.Duration = time.Since(res.Started)

	m.metrics.MonitorPasses.Add(ctx, 1)
	logger := m.logger.With("trace_id", shared.TraceID(ctx))
	switch {
	case res.Err != nil:
		m.metrics.MonitorFailures.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String("error")))
		logger.Error("heartbeat pass failed", "error", res.Err,
			"agents_offline", res.AgentsOffline, "tasks_reclaimed", res.TasksReclaimed)
	case res.Changed():
		logger.Warn("heartbeat pass recovered stale work",
			"agents_offline", res.AgentsOffline, "tasks_reclaimed", res.TasksReclaimed, "duration", res.Duration)
	default:
		logger.Debug("heartbeat pass clean", "duration", res.Duration)
	}

	if m.onSweep != nil {
		if err := guard("sweep hook", func() error {
			m.onSweep(ctx, res)
			return nil
		}); err != nil {
			logger.Error("heartbeat sweep hook failed", "error", err)
		}
	}
	return res
}

func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", step, r, debug.Stack())
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}
