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

const claimOrder = "ORDER BY priority DESC, created_at ASC, rowid ASC"

func taskQuery(conds []string, tail string) string {
	q := "SELECT " + TaskColumns + " FROM tasks"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return q + " " + tail
}

func queryTasks(ctx context.Context, q queryer, query string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		t, err := ScanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func getTask(ctx context.Context, q queryer, id string) (*Task, error) {
	t, err := ScanTask(q.QueryRowContext(ctx, taskQuery([]string{"id = ?"}, ""), id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
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
	limit, offset := Page(f.Limit, f.Offset)
	args = append(args, limit, offset)
	out, err := queryTasks(ctx, s.db, taskQuery(conds, "ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	out, err := queryTasks(ctx, s.db, taskQuery([]string{
		"status IN (?, ?)",
		"last_heartbeat < ?",
	}, "ORDER BY last_heartbeat ASC"), string(lifecycle.TaskAssigned), string(lifecycle.TaskRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale tasks: %w", err)
	}
	return out, nil
}

func (s *Store) CountTasks(ctx context.Context) (map[lifecycle.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
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

func (t *sqliteTx) InsertTask(ctx context.Context, task *Task) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, priority, status, payload, created_by,
			parent_task_id, conversation_id, version, reclaim_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, task.ID, task.Title, task.Description, task.Priority.Rank(), string(task.Status),
		NullString(string(task.Payload)), task.CreatedBy, NullString(task.ParentTaskID),
		NullString(task.ConversationID), task.Version, task.ReclaimCount,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *sqliteTx) LockTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, t.tx, id)
}

// LockNextPending has nothing to skip: the immediate transaction is the
// only writer, so the first candidate is never held by a concurrent claim.
func (t *sqliteTx) LockNextPending(ctx context.Context) (*Task, error) {
	task, err := ScanTask(t.tx.QueryRowContext(ctx,
		taskQuery([]string{"status = ?"}, claimOrder+" LIMIT 1"), string(lifecycle.TaskPending)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next pending task: %w", err)
	}
	return task, nil
}

func (t *sqliteTx) UpdateTask(ctx context.Context, task *Task) error {
	args := append(TaskArgs(task), task.ID)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, agent_id = ?, assigned_at = ?, claimed_at = ?,
			completed_at = ?, last_heartbeat = ?, version = ?, reclaim_count = ?, updated_at = ?
		WHERE id = ?;
	`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectOneRow(res, "update task")
}
