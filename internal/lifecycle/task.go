package lifecycle

import (
	"fmt"
	"strings"
)

// TaskStatus is the state of a task in the queue.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskPending, TaskAssigned, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled,
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no operation may move a task out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Held reports whether a task in s is owned by an agent and must be kept
// alive by heartbeats.
func (s TaskStatus) Held() bool {
	return s == TaskAssigned || s == TaskRunning
}

// Priority orders tasks in the queue. Higher rank is claimed first.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the sort key of p, or -1 for an unknown priority.
func (p Priority) Rank() int {
	r, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) (Priority, error) {
	for p, r := range priorityRank {
		if r == rank {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority rank %d", rank)
}

// ParsePriority accepts any letter case and defaults empty input to MEDIUM.
func ParsePriority(raw string) (Priority, error) {
	if strings.TrimSpace(raw) == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", Invalidf("unknown priority %q", raw)
	}
	return p, nil
}
