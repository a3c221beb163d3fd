package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/missionctl/internal/lifecycle"
)

// agentQuery builds a SELECT over active agents. Extra conditions are ANDed
// onto the soft-delete predicate.
func agentQuery(conds []string, tail string) string {
	where := append([]string{ActiveAgentsPredicate}, conds...)
	return "SELECT " + AgentColumns + " FROM agents WHERE " + strings.Join(where, " AND ") + " " + tail
}

func getAgent(ctx context.Context, q queryer, id, lock string) (*Agent, error) {
	a, err := ScanAgent(q.QueryRowContext(ctx, agentQuery([]string{"id = ?"}, lock), id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func queryAgents(ctx context.Context, q queryer, query string, args ...any) ([]Agent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Agent{}
	for rows.Next() {
		a, err := ScanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return getAgent(ctx, s.db, id, "")
}

func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error) {
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
	limit, offset := Page(f.Limit, f.Offset)
	args = append(args, limit, offset)
	out, err := queryAgents(ctx, s.db, agentQuery(conds, "ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (s *Store) AgentsWithCapability(ctx context.Context, tag string) ([]Agent, error) {
	out, err := queryAgents(ctx, s.db, agentQuery([]string{
		"status IN (?, ?)",
		"EXISTS (SELECT 1 FROM json_each(agents.capabilities) WHERE json_each.value = ?)",
	}, "ORDER BY created_at ASC, rowid ASC"), string(lifecycle.AgentReady), string(lifecycle.AgentIdle), tag)
	if err != nil {
		return nil, fmt.Errorf("agents with capability: %w", err)
	}
	return out, nil
}

func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	out, err := queryAgents(ctx, s.db, agentQuery([]string{
		"status IN (?, ?)",
		"last_heartbeat < ?",
	}, "ORDER BY last_heartbeat ASC"), string(lifecycle.AgentReady), string(lifecycle.AgentBusy), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	return out, nil
}

func (s *Store) ListTransitions(ctx context.Context, agentID string, limit int) ([]AgentTransition, error) {
	limit, _ = Page(limit, 0)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+TransitionColumns+` FROM agent_state_transitions
		WHERE agent_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	out := []AgentTransition{}
	for rows.Next() {
		tr, err := ScanTransition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

func (s *Store) CountAgents(ctx context.Context) (map[lifecycle.AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents WHERE `+ActiveAgentsPredicate+` GROUP BY status;`)
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

func (t *sqliteTx) InsertAgent(ctx context.Context, a *Agent) error {
	args, err := AgentArgs(a)
	if err != nil {
		return err
	}
	args = append([]any{a.ID}, args...)
	args = append(args, a.CreatedAt.UTC())
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, status, previous_status, capabilities, config,
			parent_id, last_heartbeat, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, args...); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// LockAgent relies on the immediate transaction already holding the
// database write lock.
func (t *sqliteTx) LockAgent(ctx context.Context, id string) (*Agent, error) {
	return getAgent(ctx, t.tx, id, "")
}

func (t *sqliteTx) AgentExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = ? AND `+ActiveAgentsPredicate+`);`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check agent: %w", err)
	}
	return ok, nil
}

func (t *sqliteTx) UpdateAgent(ctx context.Context, a *Agent) error {
	args, err := AgentArgs(a)
	if err != nil {
		return err
	}
	args = append(args, a.ID)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agents SET name = ?, type = ?, status = ?, previous_status = ?, capabilities = ?,
			config = ?, parent_id = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND `+ActiveAgentsPredicate+`;
	`, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return expectOneRow(res, "update agent")
}

func (t *sqliteTx) SoftDeleteAgent(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agents SET deleted_at = ?, updated_at = ? WHERE id = ? AND `+ActiveAgentsPredicate+`;
	`, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectOneRow(res, "delete agent")
}

func (t *sqliteTx) InsertTransition(ctx context.Context, tr *AgentTransition) error {
	meta, err := EncodeMetadata(tr.Metadata)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO agent_state_transitions (id, agent_id, from_status, to_status, reason, triggered_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, tr.ID, tr.AgentID, NullString(string(tr.From)), string(tr.To), NullString(tr.Reason),
		NullString(tr.TriggeredBy), meta, tr.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}
