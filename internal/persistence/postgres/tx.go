package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/persistence"
)

type pgTx struct {
	tx pgx.Tx
}

var _ persistence.Tx = (*pgTx)(nil)

func expectOneRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertAgent(ctx context.Context, a *persistence.Agent) error {
	args, err := persistence.AgentArgs(a)
	if err != nil {
		return err
	}
	args = append([]any{a.ID}, args...)
	args = append(args, a.CreatedAt.UTC())
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO agents (id, name, type, status, previous_status, capabilities, config,
			parent_id, last_heartbeat, updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::jsonb, $7::text::jsonb, $8, $9, $10, $11)`, args...); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (t *pgTx) LockAgent(ctx context.Context, id string) (*persistence.Agent, error) {
	return getAgent(ctx, t.tx, id, "FOR UPDATE")
}

// AgentExists takes no row lock, so a claim never queues behind the
// agent's own heartbeat or transition. The tasks.agent_id foreign key keeps
// the row in place until commit.
func (t *pgTx) AgentExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND `+persistence.ActiveAgentsPredicate+`)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check agent: %w", err)
	}
	return ok, nil
}

func (t *pgTx) UpdateAgent(ctx context.Context, a *persistence.Agent) error {
	args, err := persistence.AgentArgs(a)
	if err != nil {
		return err
	}
	args = append(args, a.ID)
	tag, err := t.tx.Exec(ctx, `
		UPDATE agents SET name = $1, type = $2, status = $3, previous_status = $4,
			capabilities = $5::text::jsonb, config = $6::text::jsonb, parent_id = $7,
			last_heartbeat = $8, updated_at = $9
		WHERE id = $10 AND `+persistence.ActiveAgentsPredicate, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return expectOneRow(tag)
}

func (t *pgTx) SoftDeleteAgent(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE agents SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND `+persistence.ActiveAgentsPredicate, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectOneRow(tag)
}

func (t *pgTx) InsertTransition(ctx context.Context, tr *persistence.AgentTransition) error {
	meta, err := persistence.EncodeMetadata(tr.Metadata)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO agent_state_transitions (id, agent_id, from_status, to_status, reason, triggered_by, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::jsonb, $8)`,
		tr.ID, tr.AgentID, persistence.NullString(string(tr.From)), string(tr.To),
		persistence.NullString(tr.Reason), persistence.NullString(tr.TriggeredBy), meta, tr.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTask(ctx context.Context, task *persistence.Task) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO tasks (id, title, description, priority, status, payload, created_by,
			parent_task_id, conversation_id, version, reclaim_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::jsonb, $7, $8, $9, $10, $11, $12, $13)`,
		task.ID, task.Title, task.Description, task.Priority.Rank(), string(task.Status),
		persistence.NullString(string(task.Payload)), task.CreatedBy,
		persistence.NullString(task.ParentTaskID), persistence.NullString(task.ConversationID),
		task.Version, task.ReclaimCount, task.CreatedAt.UTC(), task.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *pgTx) LockTask(ctx context.Context, id string) (*persistence.Task, error) {
	return getTask(ctx, t.tx, id, "FOR UPDATE")
}

func (t *pgTx) LockNextPending(ctx context.Context) (*persistence.Task, error) {
	task, err := persistence.ScanTask(t.tx.QueryRow(ctx, taskQuery([]string{"status = ?"},
		"ORDER BY priority DESC, created_at ASC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED"),
		string(lifecycle.TaskPending)).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next pending task: %w", err)
	}
	return task, nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *persistence.Task) error {
	args := append(persistence.TaskArgs(task), task.ID)
	tag, err := t.tx.Exec(ctx, `
		UPDATE tasks SET status = $1, result = $2::text::jsonb, agent_id = $3, assigned_at = $4,
			claimed_at = $5, completed_at = $6, last_heartbeat = $7, version = $8,
			reclaim_count = $9, updated_at = $10
		WHERE id = $11`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectOneRow(tag)
}
