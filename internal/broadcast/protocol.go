package broadcast

import (
	"encoding/json"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// RunMessage carries a run status change
type RunMessage struct {
	RunID             string              `json:"run_id"`
	Status            domain.RunStatus    `json:"status"`
	BaseBranch        string              `json:"base_branch"`
	IntegrationBranch string              `json:"integration_branch"`
	Reason            string              `json:"reason,omitempty"`
	Merge             *domain.MergeReport `json:"merge,omitempty"`
}

// TaskMessage carries a task status change
type TaskMessage struct {
	RunID    string            `json:"run_id"`
	TaskID   string            `json:"task_id"`
	Sequence int               `json:"sequence"`
	Branch   string            `json:"branch"`
	Status   domain.TaskStatus `json:"status"`
	Attempt  int               `json:"attempt"`
	Reason   string            `json:"reason,omitempty"`
}

// SampleMessage carries the latest telemetry for one task
type SampleMessage struct {
	RunID  string                 `json:"run_id"`
	Sample domain.TelemetrySample `json:"sample"`
}

// EventMessage carries one typed task event
type EventMessage struct {
	RunID string       `json:"run_id"`
	Event domain.Event `json:"event"`
}

// SnapshotMessage is the first message every subscriber receives: the
// current state of the run and the latest sample per task.
type SnapshotMessage struct {
	Run     *RunMessage              `json:"run,omitempty"`
	Tasks   []TaskMessage            `json:"tasks"`
	Samples []domain.TelemetrySample `json:"samples"`
}

// Message type constants
const (
	TypeSnapshot = "snapshot"
	TypeRun      = "run"
	TypeTask     = "task"
	TypeSample   = "sample"
	TypeEvent    = "event"
)

// NewRunMessage builds a RunMessage from a run
func NewRunMessage(run *domain.Run) RunMessage {
	return RunMessage{
		RunID:             run.ID,
		Status:            run.Status,
		BaseBranch:        run.BaseBranch,
		IntegrationBranch: run.IntegrationBranch,
		Reason:            run.Reason,
		Merge:             run.Merge,
	}
}

// NewTaskMessage builds a TaskMessage from a task
func NewTaskMessage(task *domain.Task) TaskMessage {
	return TaskMessage{
		RunID:    task.RunID,
		TaskID:   task.ID,
		Sequence: task.Sequence,
		Branch:   task.Branch,
		Status:   task.Status,
		Attempt:  task.Attempt,
		Reason:   task.Reason,
	}
}
