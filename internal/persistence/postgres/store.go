// Package postgres is the PostgreSQL repository. Unlike the embedded
// SQLite store it allows many writers, so every read-modify-write takes a
// row lock and claims skip rows that another claim already holds.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/persistence"
)

const (
	agentCols = "id, name, type, status, previous_status, capabilities::text, config::text, parent_id, last_heartbeat, created_at, updated_at"
	taskCols  = "id, title, description, priority, status, payload::text, result::text, agent_id, created_by, parent_task_id, conversation_id, assigned_at, claimed_at, completed_at, last_heartbeat, version, reclaim_count, created_at, updated_at"
	transCols = "id, agent_id, from_status, to_status, reason, triggered_by, metadata::text, created_at"
)

// Store implements persistence.Repository on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Repository = (*Store)(nil)

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    type            TEXT NOT NULL CHECK (type IN ('MAIN', 'SUBAGENT', 'WORKER')),
    status          TEXT NOT NULL,
    previous_status TEXT,
    capabilities    JSONB NOT NULL DEFAULT '[]',
    config          JSONB NOT NULL DEFAULT '{}',
    parent_id       TEXT,
    last_heartbeat  TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at      TIMESTAMPTZ
)`,
		`CREATE TABLE IF NOT EXISTS agent_state_transitions (
    id           TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL REFERENCES agents(id),
    from_status  TEXT,
    to_status    TEXT NOT NULL,
    reason       TEXT,
    triggered_by TEXT,
    metadata     JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS tasks (
    id              TEXT PRIMARY KEY,
    seq             BIGSERIAL,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    priority        INTEGER NOT NULL,
    status          TEXT NOT NULL,
    payload         JSONB,
    result          JSONB,
    agent_id        TEXT REFERENCES agents(id),
    created_by      TEXT NOT NULL,
    parent_task_id  TEXT,
    conversation_id TEXT,
    assigned_at     TIMESTAMPTZ,
    claimed_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    last_heartbeat  TIMESTAMPTZ,
    version         INTEGER NOT NULL DEFAULT 1,
    reclaim_count   INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_agent ON agent_state_transitions (agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority DESC, created_at ASC, seq ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks (agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_heartbeat ON tasks (status, last_heartbeat)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset truncates all tables. Intended for tests against a scratch database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE agent_state_transitions, tasks, agents`)
	return err
}

func (s *Store) InTx(ctx context.Context, fn func(persistence.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Rebind renumbers "?" placeholders to $n so query builders stay readable.
func Rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func agentQuery(conds []string, tail string) string {
	where := append([]string{persistence.ActiveAgentsPredicate}, conds...)
	return Rebind("SELECT " + agentCols + " FROM agents WHERE " + strings.Join(where, " AND ") + " " + tail)
}

func taskQuery(conds []string, tail string) string {
	q := "SELECT " + taskCols + " FROM tasks"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return Rebind(q + " " + tail)
}

func collectAgents(rows pgx.Rows) ([]persistence.Agent, error) {
	defer rows.Close()
	out := []persistence.Agent{}
	for rows.Next() {
		a, err := persistence.ScanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]persistence.Task, error) {
	defer rows.Close()
	out := []persistence.Task{}
	for rows.Next() {
		t, err := persistence.ScanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func getAgent(ctx context.Context, q querier, id, lock string) (*persistence.Agent, error) {
	a, err := persistence.ScanAgent(q.QueryRow(ctx, agentQuery([]string{"id = ?"}, lock), id).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func getTask(ctx context.Context, q querier, id, lock string) (*persistence.Task, error) {
	t, err := persistence.ScanTask(q.QueryRow(ctx, taskQuery([]string{"id = ?"}, lock), id).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*persistence.Agent, error) {
	return getAgent(ctx, s.pool, id, "")
}

func (s *Store) ListAgents(ctx context.Context, f persistence.AgentFilter) ([]persistence.Agent, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	limit, offset := persistence.Page(f.Limit, f.Offset)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, agentQuery(conds, "ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) AgentsWithCapability(ctx context.Context, tag string) ([]persistence.Agent, error) {
	rows, err := s.pool.Query(ctx, agentQuery([]string{
		"status IN (?, ?)",
		"capabilities @> jsonb_build_array(?::text)",
	}, "ORDER BY created_at ASC, id ASC"), string(lifecycle.AgentReady), string(lifecycle.AgentIdle), tag)
	if err != nil {
		return nil, fmt.Errorf("agents with capability: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]persistence.Agent, error) {
	rows, err := s.pool.Query(ctx, agentQuery([]string{
		"status IN (?, ?)",
		"last_heartbeat < ?",
	}, "ORDER BY last_heartbeat ASC"), string(lifecycle.AgentReady), string(lifecycle.AgentBusy), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *Store) ListTransitions(ctx context.Context, agentID string, limit int) ([]persistence.AgentTransition, error) {
	limit, _ = persistence.Page(limit, 0)
	rows, err := s.pool.Query(ctx, `SELECT `+transCols+` FROM agent_state_transitions
		WHERE agent_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	out := []persistence.AgentTransition{}
	for rows.Next() {
		tr, err := persistence.ScanTransition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

func (s *Store) CountAgents(ctx context.Context) (map[lifecycle.AgentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM agents WHERE `+persistence.ActiveAgentsPredicate+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()
	out := make(map[lifecycle.AgentStatus]int, len(lifecycle.AgentStatuses))
	for _, st := range lifecycle.AgentStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		out[lifecycle.AgentStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return getTask(ctx, s.pool, id, "")
}

func (s *Store) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, f.Priority.Rank())
	}
	limit, offset := persistence.Page(f.Limit, f.Offset)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, taskQuery(conds, "ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time) ([]persistence.Task, error) {
	rows, err := s.pool.Query(ctx, taskQuery([]string{
		"status IN (?, ?)",
		"last_heartbeat < ?",
	}, "ORDER BY last_heartbeat ASC"), string(lifecycle.TaskAssigned), string(lifecycle.TaskRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) CountTasks(ctx context.Context) (map[lifecycle.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[lifecycle.TaskStatus]int, len(lifecycle.TaskStatuses))
	for _, st := range lifecycle.TaskStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[lifecycle.TaskStatus(status)] = n
	}
	return out, rows.Err()
}
