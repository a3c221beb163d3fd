// Package alert raises operator-facing system alerts. Every alert goes to
// the dashboard room; configured sinks such as Telegram get a copy.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/monitor"
	"github.com/basket/missionctl/internal/telemetry"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warning"
	case LevelError:
		return "critical"
	default:
		return "info"
	}
}

// ParseLevel accepts info, warn/warning and error/critical.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "critical":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown alert level %q", raw)
}

// Alert is one system alert.
type Alert struct {
	Level     Level
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// Sink delivers alerts outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to the bus and to sinks. Sink delivery runs
// in the background so a slow sink never holds up the caller.
type Dispatcher struct {
	events  bus.Publisher
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewDispatcher(sink bus.Notifier, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = telemetry.Discard()
	}
	logger = logger.With("component", "alerts")
	return &Dispatcher{
		events:  bus.Publisher{Sink: sink, Logger: logger},
		sinks:   sinks,
		logger:  logger,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

// Alert publishes a system:alert event and hands the alert to every sink.
func (d *Dispatcher) Alert(ctx context.Context, level Level, message string, data map[string]any) {
	a := Alert{Level: level, Message: message, Data: data, Timestamp: d.now().UTC()}

	payload := map[string]any{"level": level.String(), "message": message}
	maps.Copy(payload, data)
	d.events.Publish(bus.Notification{
		Event:     bus.EventSystemAlert,
		Timestamp: a.Timestamp,
		Data:      payload,
	}, bus.RoomDashboard)

	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			if err := s.Deliver(ctx, a); err != nil {
				d.logger.Warn("alert delivery failed", "sink", s.Name(), "error", err)
			}
		}(s)
	}
}

// Wait blocks until in-flight sink deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// SweepHook turns heartbeat monitor passes into alerts: a failed pass is
// critical, a pass that recovered stale work is a warning, a clean pass
// is silent.
func (d *Dispatcher) SweepHook() func(context.Context, monitor.SweepResult) {
	return func(ctx context.Context, res monitor.SweepResult) {
		data := map[string]any{
			"agents_offline":  res.AgentsOffline,
			"tasks_reclaimed": res.TasksReclaimed,
		}
		switch {
		case res.Err != nil:
			data["error"] = res.Err.Error()
			d.Alert(ctx, LevelError, "heartbeat monitor pass failed", data)
		case res.Changed():
			d.Alert(ctx, LevelWarn, fmt.Sprintf("heartbeat monitor marked %d agent(s) offline and reclaimed %d task(s)",
				res.AgentsOffline, res.TasksReclaimed), data)
		}
	}
}
