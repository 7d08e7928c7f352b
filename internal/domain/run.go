package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is one orchestration session producing an integration branch from N tasks
type Run struct {
	ID                string       `json:"id"`
	BaseBranch        string       `json:"base_branch"`
	IntegrationBranch string       `json:"integration_branch"`
	Concurrency       int          `json:"concurrency"`
	Status            RunStatus    `json:"status"`
	TaskIDs           []string     `json:"task_ids"`
	Reason            string       `json:"reason,omitempty"`
	Merge             *MergeReport `json:"merge,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	FinishedAt        *time.Time   `json:"finished_at,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// DefaultIntegrationBranch names the integration branch for a run.
func DefaultIntegrationBranch(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "integration/" + short
}

// Transition moves the run to next, stamping timestamps.
func (r *Run) Transition(next RunStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return &TransitionError{Entity: "run", ID: r.ID, From: string(r.Status), To: string(next)}
	}
	r.Status = next
	switch {
	case next == RunRunning && r.StartedAt == nil:
		r.StartedAt = &now
	case next.IsTerminal():
		r.FinishedAt = &now
	}
	return nil
}

// Fail moves the run to failed with the given reason.
func (r *Run) Fail(reason string, now time.Time) error {
	if err := r.Transition(RunFailed, now); err != nil {
		return err
	}
	r.Reason = reason
	return nil
}

func (r *Run) String() string {
	return fmt.Sprintf("run %s (%s)", r.ID, r.Status)
}
