package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/orchestrator"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/persistence/postgres"
	"github.com/basket/missionctl/internal/persistence/storetest"
)

// Set MISSIONCTL_TEST_POSTGRES_DSN to a scratch database to run these.
func TestStore_Conformance(t *testing.T) {
	dsn := os.Getenv("MISSIONCTL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MISSIONCTL_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) persistence.Repository {
		ctx := context.Background()
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if err := store.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestRebind(t *testing.T) {
	got := postgres.Rebind("a = ? AND b IN (?, ?)")
	if got != "a = $1 AND b IN ($2, $3)" {
		t.Fatalf("Rebind = %q", got)
	}
}

func TestClaimNext_DoesNotWaitOnAgentRowLock(t *testing.T) {
	dsn := os.Getenv("MISSIONCTL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MISSIONCTL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer store.Close()
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	now := time.Now().UTC()
	if err := store.InTx(ctx, func(tx persistence.Tx) error {
		return tx.InsertAgent(ctx, &persistence.Agent{
			ID: "w1", Name: "w1", Type: lifecycle.AgentTypeWorker, Status: lifecycle.AgentReady,
			Capabilities: []string{}, Config: map[string]any{},
			LastHeartbeat: &now, CreatedAt: now, UpdatedAt: now,
		})
	}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	q := orchestrator.NewQueue(store, bus.Nop{})
	if _, err := q.Create(ctx, orchestrator.CreateParams{Title: "t", CreatedBy: "test"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Hold the agent row the way a heartbeat or transition would.
	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- store.InTx(ctx, func(tx persistence.Tx) error {
			if _, err := tx.LockAgent(ctx, "w1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer func() {
		close(release)
		if err := <-holder; err != nil {
			t.Errorf("holder tx: %v", err)
		}
	}()

	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := q.ClaimNext(claimCtx, "w1")
	if err != nil {
		t.Fatalf("claim blocked behind agent lock: %v", err)
	}
	if task == nil || task.AgentID != "w1" {
		t.Fatalf("claimed %+v", task)
	}
}
