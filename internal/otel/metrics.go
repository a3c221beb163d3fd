package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the orchestration instruments.
type Metrics struct {
	OperationDuration metric.Float64Histogram
	AgentTransitions  metric.Int64Counter
	AgentsOffline     metric.Int64Counter
	TaskClaims        metric.Int64Counter
	TaskClaimMisses   metric.Int64Counter
	TasksFinished     metric.Int64Counter
	TasksReclaimed    metric.Int64Counter
	MonitorPasses     metric.Int64Counter
	MonitorFailures   metric.Int64Counter
	NotifyFailures    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("missionctl.operation.duration",
		metric.WithDescription("Registry and queue operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.AgentTransitions, "missionctl.agent.transitions", "Committed agent status transitions"},
		{&m.AgentsOffline, "missionctl.agent.offline", "Agents marked offline by heartbeat timeout"},
		{&m.TaskClaims, "missionctl.task.claims", "Tasks handed out by claim or assign"},
		{&m.TaskClaimMisses, "missionctl.task.claim_misses", "Claims that found no pending task"},
		{&m.TasksFinished, "missionctl.task.finished", "Tasks that reached a terminal status"},
		{&m.TasksReclaimed, "missionctl.task.reclaimed", "Stale tasks returned to the queue"},
		{&m.MonitorPasses, "missionctl.monitor.passes", "Heartbeat monitor passes"},
		{&m.MonitorFailures, "missionctl.monitor.failures", "Heartbeat monitor pass steps that failed"},
		{&m.NotifyFailures, "missionctl.notify.failures", "Notifications that panicked in the sink"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
