package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskRunning, TaskCancelled},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskCancelled},
	TaskFailed:   {TaskRetrying},
	TaskRetrying: {TaskRunning, TaskCancelled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunPending               RunStatus = "pending"
	RunRunning               RunStatus = "running"
	RunMerging               RunStatus = "merging"
	RunCompleted             RunStatus = "completed"
	RunCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunFailed                RunStatus = "failed"
	RunCancelled             RunStatus = "cancelled"
)

// IsTerminal reports whether the run has left pending, running and merging.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunPending, RunRunning, RunMerging:
		return false
	}
	return true
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed, RunCancelled},
	RunRunning: {RunMerging, RunFailed, RunCancelled},
	RunMerging: {RunCompleted, RunCompletedWithWarnings, RunFailed, RunCancelled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Severity orders terminal run outcomes: failed > completed_with_warnings > completed.
func (s RunStatus) Severity() int {
	switch s {
	case RunFailed:
		return 3
	case RunCancelled:
		return 2
	case RunCompletedWithWarnings:
		return 1
	}
	return 0
}

// Worse returns whichever of a and b is the more severe outcome.
func Worse(a, b RunStatus) RunStatus {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// AgentKind selects the code-generation strategy for a task
type AgentKind string

const (
	AgentProcess AgentKind = "process"
	AgentScript  AgentKind = "script"
)
