package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	instruments := map[string]any{
		"OperationDuration": m.OperationDuration,
		"AgentTransitions":  m.AgentTransitions,
		"AgentsOffline":     m.AgentsOffline,
		"TaskClaims":        m.TaskClaims,
		"TaskClaimMisses":   m.TaskClaimMisses,
		"TasksFinished":     m.TasksFinished,
		"TasksReclaimed":    m.TasksReclaimed,
		"MonitorPasses":     m.MonitorPasses,
		"MonitorFailures":   m.MonitorFailures,
		"NotifyFailures":    m.NotifyFailures,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.TaskClaims == nil {
		t.Fatal("expected usable noop instruments")
	}
	m.TaskClaims.Add(context.Background(), 1)
}

func TestMetrics_RecordThroughSDKReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.TasksReclaimed.Add(ctx, 3, metric.WithAttributes(attribute.String("reason", "heartbeat_timeout")))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "missionctl.task.reclaimed" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 3 {
		t.Fatalf("reclaimed total = %d, want 3", total)
	}
}
