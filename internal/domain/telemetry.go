package domain

import "time"

// EventKind tags a typed telemetry event
type EventKind string

const (
	EventGit    EventKind = "git"
	EventTokens EventKind = "tokens"
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// GitActivity is one observed git operation in a task workspace
type GitActivity struct {
	Op      string    `json:"op"`
	Ref     string    `json:"ref,omitempty"`
	Commit  string    `json:"commit,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// LogLine is one leveled line of agent output
type LogLine struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// Event is a typed telemetry event emitted by an executing task.
// Exactly one of Git, Log, or the token deltas is meaningful per Kind.
type Event struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Kind      EventKind    `json:"kind"`
	Time      time.Time    `json:"time"`
	Git       *GitActivity `json:"git,omitempty"`
	Log       *LogLine     `json:"log,omitempty"`
	TokensIn  int          `json:"tokens_in,omitempty"`
	TokensOut int          `json:"tokens_out,omitempty"`
	Status    TaskStatus   `json:"status,omitempty"`
}

// TelemetrySample is a per-task point-in-time record
type TelemetrySample struct {
	TaskID      string        `json:"task_id"`
	RunID       string        `json:"run_id"`
	Status      TaskStatus    `json:"status"`
	Time        time.Time     `json:"time"`
	CPUPercent  float64       `json:"cpu_percent"`
	RSSBytes    uint64        `json:"rss_bytes"`
	Threads     int32         `json:"threads"`
	TokensIn    int           `json:"tokens_in"`
	TokensOut   int           `json:"tokens_out"`
	GitActivity []GitActivity `json:"git_activity"`
	Logs        []LogLine     `json:"logs"`
	Stale       bool          `json:"stale"`
}
