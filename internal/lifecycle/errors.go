package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the target id does not exist or was soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for an agent edge outside the lifecycle table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidState is returned for a task operation its current status forbids.
	ErrInvalidState = errors.New("invalid state")
	// ErrOwnershipMismatch is returned when the caller does not hold the task.
	ErrOwnershipMismatch = errors.New("task not assigned to agent")
	// ErrInvalidInput is returned when caller-supplied fields fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Invalidf wraps a validation message in ErrInvalidInput.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// TransitionError describes a rejected agent status change.
type TransitionError struct {
	AgentID string
	From    AgentStatus
	To      AgentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid transition %s -> %s", e.AgentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StateError describes a task operation rejected by the task's status.
type StateError struct {
	TaskID    string
	Current   TaskStatus
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %s", e.TaskID, e.Operation, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
