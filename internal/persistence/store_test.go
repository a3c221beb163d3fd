package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/persistence/storetest"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "missionctl.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.Repository {
		store, _ := openTestStore(t)
		return store
	})
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
	for _, table := range []string{"agents", "agent_state_transitions", "tasks", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	var versions int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", versions)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if err := again.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected newer-schema error")
	}
}

func TestPage(t *testing.T) {
	cases := []struct{ limit, offset, wantLimit, wantOffset int }{
		{0, 0, persistence.DefaultListLimit, 0},
		{5, -3, 5, 0},
		{5000, 10, persistence.MaxListLimit, 10},
	}
	for _, c := range cases {
		l, o := persistence.Page(c.limit, c.offset)
		if l != c.wantLimit || o != c.wantOffset {
			t.Errorf("Page(%d, %d) = %d, %d", c.limit, c.offset, l, o)
		}
	}
}

func TestStore_InTxDoesNotRetryDomainErrors(t *testing.T) {
	store, _ := openTestStore(t)
	calls := 0
	err := store.InTx(context.Background(), func(persistence.Tx) error {
		calls++
		return fmt.Errorf("parent task (5): %w", lifecycle.ErrNotFound)
	})
	if !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if calls != 1 {
		t.Fatalf("transaction ran %d times, want 1", calls)
	}
}
