package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Execution is the live handle of one running task attempt
type Execution struct {
	TaskID      string
	RunID       string
	Branch      string
	WorkspaceID string
	StartedAt   time.Time

	cancel context.CancelFunc
	mu     sync.Mutex
	pid    int
}

// PID returns the agent process id, or 0 before it started (thread-safe)
func (e *Execution) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// SetPID records the agent process id (thread-safe)
func (e *Execution) SetPID(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pid = pid
}

// Cancel asks the execution to stop
func (e *Execution) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Registry tracks executions in this process, keyed by task id
type Registry struct {
	execs map[string]*Execution
	mu    sync.RWMutex
}

// NewRegistry creates an empty execution registry
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]*Execution)}
}

// Register adds an execution
func (r *Registry) Register(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.StartedAt = time.Now()
	r.execs[e.TaskID] = e
}

// Unregister removes an execution
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execs, taskID)
}

// Get returns the execution for a task, or nil
func (r *Registry) Get(taskID string) *Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.execs[taskID]
}

// Count returns the number of live executions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}

// ForRun returns the live executions of a run, oldest first
func (r *Registry) ForRun(runID string) []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Execution
	for _, e := range r.execs {
		if e.RunID == runID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}
