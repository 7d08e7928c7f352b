package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work bound to exactly one branch
type Task struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Sequence    int           `json:"sequence"`
	Branch      string        `json:"branch"`
	WorkItem    string        `json:"work_item,omitempty"`
	Prompt      string        `json:"prompt"`
	Agent       AgentKind     `json:"agent"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	Attempt     int           `json:"attempt"`
	Status      TaskStatus    `json:"status"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	PID         int           `json:"pid,omitempty"`
	Commits     []string      `json:"commits,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	TokensIn    int           `json:"tokens_in"`
	TokensOut   int           `json:"tokens_out"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// Transition moves the task to next, stamping timestamps.
func (t *Task) Transition(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return &TransitionError{Entity: "task", ID: t.ID, From: string(t.Status), To: string(next)}
	}
	t.Status = next
	switch next {
	case TaskRunning:
		t.StartedAt = &now
		t.FinishedAt = nil
		t.Reason = ""
	case TaskRetrying:
		t.FinishedAt = nil
	case TaskCompleted, TaskFailed, TaskCancelled:
		t.FinishedAt = &now
		t.PID = 0
	}
	return nil
}

// CanRetry reports whether another attempt is allowed after a failure.
func (t *Task) CanRetry() bool {
	return t.Status == TaskFailed && t.Attempt < t.MaxAttempts
}

// AttemptBranch returns the branch used for the current attempt.
// The first attempt uses the configured branch; retries get a suffix
// so no branch is ever reused across attempts.
func (t *Task) AttemptBranch() string {
	if t.Attempt <= 1 {
		return t.Branch
	}
	return fmt.Sprintf("%s-r%d", t.Branch, t.Attempt)
}

// Duration returns the wall time of the latest attempt, if finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
