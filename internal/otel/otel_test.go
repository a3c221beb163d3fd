package otel

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
		t.Fatalf("expected noop tracer, meter and metrics: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: ExporterNone}},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: ExporterStdout}},
		{name: "custom service and rate", cfg: Config{Enabled: true, Exporter: ExporterNone, ServiceName: "fleet", SampleRate: 0.5}},
		{name: "out of range rate", cfg: Config{Enabled: true, Exporter: ExporterNone, SampleRate: 7}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "magic-pixie-dust"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.Metrics == nil {
				t.Fatal("expected instruments")
			}
			_, span := p.Tracer.Start(context.Background(), "probe")
			span.End()
		})
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	p.Metrics.TaskClaims.Add(context.Background(), 1)
}

func TestStartServerSpan_JoinsCallerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	header := http.Header{}
	header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	_, span := StartServerSpan(context.Background(), tp.Tracer(TracerName), header, "GET /api/tasks", AttrRoute.String("/api/tasks"))
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	got := ended[0]
	if got.SpanContext().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("span did not join caller trace: %s", got.SpanContext().TraceID())
	}
	if got.Parent().SpanID().String() != "00f067aa0ba902b7" {
		t.Fatalf("unexpected parent %s", got.Parent().SpanID())
	}
	if got.Status().Description != "boom" || len(got.Events()) == 0 {
		t.Fatalf("expected recorded error, got status=%+v events=%d", got.Status(), len(got.Events()))
	}
}

func TestStartSpan_Internal(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), tp.Tracer(TracerName), "queue.claim", AttrAgentID.String("a1"), AttrTaskID.String("t1"))
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "queue.claim" || len(ended[0].Attributes()) != 2 {
		t.Fatalf("unexpected spans: %+v", ended)
	}
}
