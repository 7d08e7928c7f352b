package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWorktreeConflict means a branch or directory is already in use or orphaned.
	ErrWorktreeConflict = errors.New("worktree conflict")
	// ErrTaskExecution means the code-generation collaborator crashed, errored, or timed out.
	ErrTaskExecution = errors.New("task execution failure")
	// ErrMergeConflictUnresolved means a branch could not be merged.
	ErrMergeConflictUnresolved = errors.New("merge conflict unresolved")
	// ErrTelemetryStale means the collector lost contact with a task.
	ErrTelemetryStale = errors.New("telemetry sampling stale")
	// ErrPersistenceUnavailable is an infrastructure-level storage failure.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
)

// WorktreeConflictError describes why a workspace could not be created
type WorktreeConflictError struct {
	Branch string
	Path   string
	Reason string
}

func (e *WorktreeConflictError) Error() string {
	return fmt.Sprintf("worktree conflict on branch %q at %s: %s", e.Branch, e.Path, e.Reason)
}

func (e *WorktreeConflictError) Unwrap() error { return ErrWorktreeConflict }

// TaskExecutionError describes a failed task attempt
type TaskExecutionError struct {
	TaskID   string
	Reason   string
	ExitCode int
	Timeout  bool
	Err      error
}

func (e *TaskExecutionError) Error() string {
	msg := fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskExecutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTaskExecution, e.Err}
	}
	return []error{ErrTaskExecution}
}

// MergeConflictError carries the report for a branch that stayed unmerged
type MergeConflictError struct {
	Report *ConflictReport
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s unresolved: %s", e.Report.Branch, strings.Join(e.Report.Paths(), ", "))
}

func (e *MergeConflictError) Unwrap() error { return ErrMergeConflictUnresolved }

// TransitionError is returned for a disallowed state change
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Unavailable wraps a storage error as ErrPersistenceUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistenceUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}
