package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/missionctl/internal/lifecycle"
)

// ActiveAgentsPredicate is the single soft-delete filter every agent query
// is built on. Backends must not read the agents table without it.
const ActiveAgentsPredicate = "deleted_at IS NULL"

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Agent is a worker identity tracked by the registry.
type Agent struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Type           lifecycle.AgentType   `json:"type"`
	Status         lifecycle.AgentStatus `json:"status"`
	PreviousStatus lifecycle.AgentStatus `json:"previous_status,omitempty"`
	Capabilities   []string              `json:"capabilities"`
	Config         map[string]any        `json:"config"`
	ParentID       string                `json:"parent_id,omitempty"`
	LastHeartbeat  *time.Time            `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// AgentTransition is one row of the append-only agent audit trail.
type AgentTransition struct {
	ID          string                `json:"id"`
	AgentID     string                `json:"agent_id"`
	From        lifecycle.AgentStatus `json:"from_status"`
	To          lifecycle.AgentStatus `json:"to_status"`
	Reason      string                `json:"reason,omitempty"`
	TriggeredBy string                `json:"triggered_by,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Task is a unit of work in the queue.
type Task struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Description    string               `json:"description,omitempty"`
	Priority       lifecycle.Priority   `json:"priority"`
	Status         lifecycle.TaskStatus `json:"status"`
	Payload        json.RawMessage      `json:"payload,omitempty"`
	Result         json.RawMessage      `json:"result,omitempty"`
	AgentID        string               `json:"agent_id,omitempty"`
	CreatedBy      string               `json:"created_by"`
	ParentTaskID   string               `json:"parent_task_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	AssignedAt     *time.Time           `json:"assigned_at,omitempty"`
	ClaimedAt      *time.Time           `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time           `json:"last_heartbeat,omitempty"`
	Version        int                  `json:"version"`
	ReclaimCount   int                  `json:"reclaim_count"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	Status lifecycle.AgentStatus
	Type   lifecycle.AgentType
	Limit  int
	Offset int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status   lifecycle.TaskStatus
	AgentID  string
	Priority lifecycle.Priority
	Limit    int
	Offset   int
}

// Page clamps limit and offset to the supported range.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Reader is the lock-free read side of a repository.
type Reader interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error)
	// AgentsWithCapability returns READY or IDLE agents carrying tag.
	AgentsWithCapability(ctx context.Context, tag string) ([]Agent, error)
	// StaleAgents returns READY or BUSY agents whose heartbeat is before cutoff.
	StaleAgents(ctx context.Context, cutoff time.Time) ([]Agent, error)
	ListTransitions(ctx context.Context, agentID string, limit int) ([]AgentTransition, error)
	CountAgents(ctx context.Context) (map[lifecycle.AgentStatus]int, error)

	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// StaleTasks returns ASSIGNED or RUNNING tasks whose heartbeat is before cutoff.
	StaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error)
	CountTasks(ctx context.Context) (map[lifecycle.TaskStatus]int, error)
}

// Tx is the read-modify-write side. Lock* methods return the authoritative
// row and hold it exclusively until the enclosing transaction ends. Missing
// rows are reported as lifecycle.ErrNotFound.
type Tx interface {
	InsertAgent(ctx context.Context, a *Agent) error
	LockAgent(ctx context.Context, id string) (*Agent, error)
	// AgentExists checks for an active agent without locking its row.
	AgentExists(ctx context.Context, id string) (bool, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	SoftDeleteAgent(ctx context.Context, id string, at time.Time) error
	InsertTransition(ctx context.Context, tr *AgentTransition) error

	InsertTask(ctx context.Context, t *Task) error
	LockTask(ctx context.Context, id string) (*Task, error)
	// LockNextPending returns the highest priority, oldest PENDING task not
	// locked by another transaction, or nil when none is available.
	LockNextPending(ctx context.Context) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
}

// Repository is a transactional store for agents and tasks.
type Repository interface {
	Reader
	// InTx runs fn in one transaction. fn must only use the Tx it is given
	// and may be invoked again when the backend reports a retryable conflict.
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ScanFunc matches the Scan method of *sql.Row, *sql.Rows and pgx rows.
type ScanFunc func(dest ...any) error

// AgentColumns must be selected in this order for ScanAgent. JSON columns
// are read as text.
const AgentColumns = "id, name, type, status, previous_status, capabilities, config, parent_id, last_heartbeat, created_at, updated_at"

// ScanAgent reads one agent row selected with AgentColumns.
func ScanAgent(scan ScanFunc) (*Agent, error) {
	var (
		a            Agent
		prev, parent sql.NullString
		caps, cfg    string
		heartbeat    sql.NullTime
	)
	if err := scan(&a.ID, &a.Name, &a.Type, &a.Status, &prev, &caps, &cfg, &parent, &heartbeat, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.PreviousStatus = lifecycle.AgentStatus(prev.String)
	a.ParentID = parent.String
	a.LastHeartbeat = timePtr(heartbeat)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for agent %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return nil, fmt.Errorf("decode config for agent %s: %w", a.ID, err)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.Config == nil {
		a.Config = map[string]any{}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// TaskColumns must be selected in this order for ScanTask.
const TaskColumns = "id, title, description, priority, status, payload, result, agent_id, created_by, parent_task_id, conversation_id, assigned_at, claimed_at, completed_at, last_heartbeat, version, reclaim_count, created_at, updated_at"

// ScanTask reads one task row selected with TaskColumns.
func ScanTask(scan ScanFunc) (*Task, error) {
	var (
		t                                    Task
		rank                                 int
		payload, result, agent, parent, conv sql.NullString
		assigned, claimed, completed, beat   sql.NullTime
	)
	if err := scan(&t.ID, &t.Title, &t.Description, &rank, &t.Status, &payload, &result, &agent,
		&t.CreatedBy, &parent, &conv, &assigned, &claimed, &completed, &beat,
		&t.Version, &t.ReclaimCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := lifecycle.PriorityFromRank(rank)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Priority = p
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.AgentID = agent.String
	t.ParentTaskID = parent.String
	t.ConversationID = conv.String
	t.AssignedAt = timePtr(assigned)
	t.ClaimedAt = timePtr(claimed)
	t.CompletedAt = timePtr(completed)
	t.LastHeartbeat = timePtr(beat)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// TransitionColumns must be selected in this order for ScanTransition.
const TransitionColumns = "id, agent_id, from_status, to_status, reason, triggered_by, metadata, created_at"

// ScanTransition reads one audit row selected with TransitionColumns.
func ScanTransition(scan ScanFunc) (*AgentTransition, error) {
	var (
		tr                     AgentTransition
		reason, by, meta, from sql.NullString
	)
	if err := scan(&tr.ID, &tr.AgentID, &from, &tr.To, &reason, &by, &meta, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.From = lifecycle.AgentStatus(from.String)
	tr.Reason = reason.String
	tr.TriggeredBy = by.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("decode transition metadata %s: %w", tr.ID, err)
		}
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	return &tr, nil
}

// AgentArgs returns the mutable agent columns as driver arguments in the
// order: name, type, status, previous_status, capabilities, config,
// parent_id, last_heartbeat, updated_at.
func AgentArgs(a *Agent) ([]any, error) {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	cfg := a.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return []any{
		a.Name, string(a.Type), string(a.Status), NullString(string(a.PreviousStatus)),
		string(capsJSON), string(cfgJSON), NullString(a.ParentID),
		NullTime(a.LastHeartbeat), a.UpdatedAt.UTC(),
	}, nil
}

// TaskArgs returns the mutable task columns as driver arguments in the
// order: status, result, agent_id, assigned_at, claimed_at, completed_at,
// last_heartbeat, version, reclaim_count, updated_at.
func TaskArgs(t *Task) []any {
	return []any{
		string(t.Status), NullString(string(t.Result)), NullString(t.AgentID),
		NullTime(t.AssignedAt), NullTime(t.ClaimedAt), NullTime(t.CompletedAt),
		NullTime(t.LastHeartbeat), t.Version, t.ReclaimCount, t.UpdatedAt.UTC(),
	}
}

// EncodeMetadata renders transition metadata for storage.
func EncodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// NullString maps "" to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullTime maps nil to SQL NULL and normalizes to UTC.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
