// Package agent is the agent registry: identity, capability metadata and
// the validated lifecycle state machine, with every transition audited.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
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
	"github.com/basket/missionctl/internal/shared"
	"github.com/basket/missionctl/internal/telemetry"
)

// Reasons recorded by transitions the service makes on its own.
const (
	ReasonHeartbeatRecovery = "heartbeat_recovery"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
)

// Registry owns agent records. Every mutation re-reads the row inside one
// transaction and events are published only after commit.
type Registry struct {
	repo    persistence.Repository
	events  bus.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option      { return func(r *Registry) { r.logger = l } }
func WithTracer(t trace.Tracer) Option      { return func(r *Registry) { r.tracer = t } }
func WithMetrics(m *otelPkg.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry returns a registry backed by repo that reports changes to sink.
func NewRegistry(repo persistence.Repository, sink bus.Notifier, opts ...Option) *Registry {
	r := &Registry{
		repo:    repo,
		logger:  telemetry.Discard(),
		tracer:  otelPkg.NoopTracer(),
		metrics: otelPkg.NoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent_registry")
	r.events = bus.Publisher{
		Sink:   sink,
		Logger: r.logger,
		OnFailure: func() {
			r.metrics.NotifyFailures.Add(context.Background(), 1)
		},
	}
	return r
}

func (r *Registry) clock() time.Time { return r.now().UTC() }

func (r *Registry) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	name := "agent." + op
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, name, attrs...)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.metrics.OperationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otelPkg.AttrOperation.String(name), otelPkg.AttrOutcome.String(outcome)))
		otelPkg.EndSpan(span, err)
	}
}

// RegisterParams describes a new agent.
type RegisterParams struct {
	Name         string
	Type         lifecycle.AgentType
	Capabilities []string
	Config       map[string]any
	ParentID     string
}

// TransitionOptions annotates a status change in the audit trail.
type TransitionOptions struct {
	Reason      string
	TriggeredBy string
	Metadata    map[string]any
}

// UpdateParams edits agent metadata. Nil fields are left unchanged.
type UpdateParams struct {
	Name         *string
	Capabilities []string
	Config       map[string]any
}

// Register creates an IDLE agent. Registration publishes no event.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (_ *persistence.Agent, err error) {
	ctx, done := r.observe(ctx, "register")
	defer func() { done(err) }()

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, lifecycle.Invalidf("agent name must be non-empty")
	}
	if p.Type == "" {
		p.Type = lifecycle.AgentTypeSubagent
	}
	if !p.Type.Valid() {
		return nil, lifecycle.Invalidf("unknown agent type %q", p.Type)
	}
	now := r.clock()
	a := &persistence.Agent{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          p.Type,
		Status:        lifecycle.AgentIdle,
		Capabilities:  normalizeCapabilities(p.Capabilities),
		Config:        p.Config,
		ParentID:      p.ParentID,
		LastHeartbeat: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if a.Config == nil {
		a.Config = map[string]any{}
	}
	err = r.repo.InTx(ctx, func(tx persistence.Tx) error {
		if a.ParentID != "" {
			if _, err := tx.LockAgent(ctx, a.ParentID); err != nil {
				return fmt.Errorf("parent agent %s: %w", a.ParentID, err)
			}
		}
		return tx.InsertAgent(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	telemetry.WithTrace(ctx, r.logger).Info("agent registered", "agent_id", a.ID, "name", a.Name, "type", a.Type)
	return a, nil
}

// Get returns an active agent or lifecycle.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*persistence.Agent, error) {
	return r.repo.GetAgent(ctx, id)
}

// List returns active agents matching f.
func (r *Registry) List(ctx context.Context, f persistence.AgentFilter) ([]persistence.Agent, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, lifecycle.Invalidf("unknown agent status %q", f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, lifecycle.Invalidf("unknown agent type %q", f.Type)
	}
	return r.repo.ListAgents(ctx, f)
}

// Heartbeat records a liveness signal. It returns false when the agent does
// not exist. An OFFLINE agent is brought back to READY.
func (r *Registry) Heartbeat(ctx context.Context, id string, metadata map[string]any) (found bool, err error) {
	ctx, done := r.observe(ctx, "heartbeat", otelPkg.AttrAgentID.String(id))
	defer func() { done(err) }()

	var (
		agent     *persistence.Agent
		recovered *persistence.AgentTransition
	)
	err = r.repo.InTx(ctx, func(tx persistence.Tx) error {
		recovered = nil
		a, err := tx.LockAgent(ctx, id)
		if err != nil {
			return err
		}
		now := r.clock()
		a.LastHeartbeat = &now
		if a.Status == lifecycle.AgentOffline {
			recovered, err = r.applyTransition(ctx, tx, a, lifecycle.AgentReady, TransitionOptions{
				Reason:      ReasonHeartbeatRecovery,
				TriggeredBy: shared.ActorSystem,
				Metadata:    metadata,
			})
			if err != nil {
				return err
			}
		} else {
			a.UpdatedAt = now
			if err := tx.UpdateAgent(ctx, a); err != nil {
				return err
			}
		}
		agent = a
		return nil
	})
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if recovered != nil {
		r.afterTransition(ctx, recovered)
	}
	r.events.Publish(bus.Notification{
		Event:     bus.EventAgentHeartbeat,
		AgentID:   agent.ID,
		Timestamp: *agent.LastHeartbeat,
		Data:      map[string]any{"status": agent.Status, "metadata": metadata},
	}, bus.AgentRoom(agent.ID))
	return true, nil
}

// Transition moves an agent along an edge of the lifecycle table. It
// returns false when the agent does not exist and a *lifecycle.TransitionError
// when the edge is not permitted.
func (r *Registry) Transition(ctx context.Context, id string, to lifecycle.AgentStatus, opts TransitionOptions) (ok bool, err error) {
	ctx, done := r.observe(ctx, "transition", otelPkg.AttrAgentID.String(id), otelPkg.AttrToStatus.String(string(to)))
	defer func() { done(err) }()

	var tr *persistence.AgentTransition
	err = r.repo.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.LockAgent(ctx, id)
		if err != nil {
			return err
		}
		if !lifecycle.CanTransition(a.Status, to) {
			return &lifecycle.TransitionError{AgentID: id, From: a.Status, To: to}
		}
		tr, err = r.applyTransition(ctx, tx, a, to, opts)
		return err
	})
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.afterTransition(ctx, tr)
	return true, nil
}

// applyTransition writes the new status and its audit row. The caller has
// already decided the edge is legal.
func (r *Registry) applyTransition(ctx context.Context, tx persistence.Tx, a *persistence.Agent, to lifecycle.AgentStatus, opts TransitionOptions) (*persistence.AgentTransition, error) {
	now := r.clock()
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = shared.Actor(ctx)
	}
	tr := &persistence.AgentTransition{
		ID:          uuid.NewString(),
		AgentID:     a.ID,
		From:        a.Status,
		To:          to,
		Reason:      opts.Reason,
		TriggeredBy: triggeredBy,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
	}
	a.PreviousStatus = a.Status
	a.Status = to
	a.UpdatedAt = now
	if err := tx.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	if err := tx.InsertTransition(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

func (r *Registry) afterTransition(ctx context.Context, tr *persistence.AgentTransition) {
	r.metrics.AgentTransitions.Add(ctx, 1, metric.WithAttributes(
		otelPkg.AttrFromStatus.String(string(tr.From)), otelPkg.AttrToStatus.String(string(tr.To))))
	telemetry.WithTrace(ctx, r.logger).Info("agent status changed",
		"agent_id", tr.AgentID, "from", tr.From, "to", tr.To, "reason", tr.Reason, "triggered_by", tr.TriggeredBy)
	r.events.Publish(bus.Notification{
		Event:     bus.EventAgentStatusChanged,
		AgentID:   tr.AgentID,
		Timestamp: tr.CreatedAt,
		Data: map[string]any{
			"old_status":   tr.From,
			"new_status":   tr.To,
			"reason":       tr.Reason,
			"triggered_by": tr.TriggeredBy,
		},
	}, bus.AgentRoom(tr.AgentID), bus.RoomDashboard)
}

// FindByCapability returns READY or IDLE agents carrying tag.
func (r *Registry) FindByCapability(ctx context.Context, tag string) ([]persistence.Agent, error) {
	return r.repo.AgentsWithCapability(ctx, strings.TrimSpace(tag))
}

// StaleAgents returns READY or BUSY agents silent for longer than timeout.
func (r *Registry) StaleAgents(ctx context.Context, timeout time.Duration) ([]persistence.Agent, error) {
	return r.repo.StaleAgents(ctx, r.clock().Add(-timeout))
}

// MarkStaleOffline moves every stale agent to OFFLINE. Each agent is
// handled in its own transaction and re-checked there, so a heartbeat that
// lands between the scan and the update wins. Failures for one agent do
// not stop the others; they are joined into the returned error.
func (r *Registry) MarkStaleOffline(ctx context.Context, timeout time.Duration) (marked int, err error) {
	ctx, done := r.observe(ctx, "mark_stale_offline")
	defer func() { done(err) }()

	cutoff := r.clock().Add(-timeout)
	stale, err := r.repo.StaleAgents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, candidate := range stale {
		var tr *persistence.AgentTransition
		txErr := r.repo.InTx(ctx, func(tx persistence.Tx) error {
			tr = nil
			a, err := tx.LockAgent(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !a.Status.StaleCandidate() || a.LastHeartbeat == nil || !a.LastHeartbeat.Before(cutoff) {
				return nil
			}
			if !lifecycle.CanTransitionLiveness(a.Status, lifecycle.AgentOffline) {
				return &lifecycle.TransitionError{AgentID: a.ID, From: a.Status, To: lifecycle.AgentOffline}
			}
			tr, err = r.applyTransition(ctx, tx, a, lifecycle.AgentOffline, TransitionOptions{
				Reason:      ReasonHeartbeatTimeout,
				TriggeredBy: shared.ActorSystem,
				Metadata:    map[string]any{"timeout_seconds": timeout.Seconds()},
			})
			return err
		})
		if errors.Is(txErr, lifecycle.ErrNotFound) {
			continue
		}
		if txErr != nil {
			r.logger.Error("mark agent offline failed", "agent_id", candidate.ID, "error", txErr)
			errs = append(errs, fmt.Errorf("agent %s: %w", candidate.ID, txErr))
			continue
		}
		if tr != nil {
			marked++
			r.metrics.AgentsOffline.Add(ctx, 1)
			r.afterTransition(ctx, tr)
		}
	}
	return marked, errors.Join(errs...)
}

// Update edits name, capabilities or config. Status is never touched here.
func (r *Registry) Update(ctx context.Context, id string, p UpdateParams) (_ *persistence.Agent, err error) {
	ctx, done := r.observe(ctx, "update", otelPkg.AttrAgentID.String(id))
	defer func() { done(err) }()

	var out *persistence.Agent
	err = r.repo.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.LockAgent(ctx, id)
		if err != nil {
			return err
		}
		if p.Name != nil {
			name := strings.TrimSpace(*p.Name)
			if name == "" {
				return lifecycle.Invalidf("agent name must be non-empty")
			}
			a.Name = name
		}
		if p.Capabilities != nil {
			a.Capabilities = normalizeCapabilities(p.Capabilities)
		}
		if p.Config != nil {
			a.Config = p.Config
		}
		a.UpdatedAt = r.clock()
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete soft-deletes an agent. Children keep their parent reference.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	ctx, done := r.observe(ctx, "delete", otelPkg.AttrAgentID.String(id))
	defer func() { done(err) }()

	err = r.repo.InTx(ctx, func(tx persistence.Tx) error {
		return tx.SoftDeleteAgent(ctx, id, r.clock())
	})
	if err == nil {
		telemetry.WithTrace(ctx, r.logger).Info("agent deleted", "agent_id", id)
	}
	return err
}

// Control applies an operator action through the lifecycle table.
func (r *Registry) Control(ctx context.Context, id string, action lifecycle.ControlAction, actor string) (bool, error) {
	target, ok := action.Target()
	if !ok {
		return false, lifecycle.Invalidf("unknown control action %q", action)
	}
	return r.Transition(ctx, id, target, TransitionOptions{
		Reason:      "control:" + string(action),
		TriggeredBy: actor,
	})
}

// Transitions returns the newest audit rows for an agent.
func (r *Registry) Transitions(ctx context.Context, id string, limit int) ([]persistence.AgentTransition, error) {
	if _, err := r.repo.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	return r.repo.ListTransitions(ctx, id, limit)
}

// Stats counts active agents by status.
func (r *Registry) Stats(ctx context.Context) (map[lifecycle.AgentStatus]int, error) {
	return r.repo.CountAgents(ctx)
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
