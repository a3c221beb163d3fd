package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
	if got := TraceID(WithTraceID(ctx, "")); got != "-" {
		t.Fatalf("empty trace id should read as '-', got %q", got)
	}
}

func TestActor_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Actor(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithActor(ctx, ActorSystem)
	if got := Actor(ctx); got != "system" {
		t.Fatalf("expected system, got %q", got)
	}
}
