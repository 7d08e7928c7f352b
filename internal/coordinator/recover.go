package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
)

const lostReason = "state lost across restart"

// RecoverReport lists what crash recovery changed
type RecoverReport struct {
	Tasks   []string `json:"tasks"`
	Runs    []string `json:"runs"`
	Removed []string `json:"removed"`
}

// Recover reconciles persisted state with this process after a crash. Tasks
// recorded as running with no live execution are marked failed, unfinished
// runs are marked failed, and the workspaces they held are removed. It must
// not run while another process is driving runs against the same store.
func (c *Coordinator) Recover(ctx context.Context) (*RecoverReport, error) {
	rep := &RecoverReport{}
	now := time.Now()

	running, err := c.store.ListTasks(ctx, taskstore.TaskFilter{Status: []domain.TaskStatus{domain.TaskRunning}})
	if err != nil {
		return rep, err
	}
	for _, t := range running {
		if c.registry.Get(t.ID) != nil || c.isLive(t.RunID) {
			continue
		}
		if err := t.Transition(domain.TaskFailed, now); err != nil {
			return rep, err
		}
		t.Reason = lostReason
		if err := c.store.PutTask(ctx, t); err != nil {
			return rep, err
		}
		c.status.PublishTask(t)
		rep.Tasks = append(rep.Tasks, t.ID)
	}

	runs, err := c.store.ListRuns(ctx, taskstore.RunFilter{
		Status: []domain.RunStatus{domain.RunPending, domain.RunRunning, domain.RunMerging},
	})
	if err != nil {
		return rep, err
	}
	for _, r := range runs {
		if c.isLive(r.ID) {
			continue
		}
		tasks, err := c.store.ListTasks(ctx, taskstore.TaskFilter{RunID: r.ID})
		if err != nil {
			return rep, err
		}
		for _, t := range tasks {
			if t.Status != domain.TaskPending && t.Status != domain.TaskRetrying {
				continue
			}
			if err := t.Transition(domain.TaskCancelled, now); err != nil {
				return rep, err
			}
			t.Reason = lostReason
			if err := c.store.PutTask(ctx, t); err != nil {
				return rep, err
			}
		}
		if err := r.Fail(lostReason, now); err != nil {
			return rep, err
		}
		if err := c.store.PutRun(ctx, r); err != nil {
			return rep, err
		}
		c.status.PublishRun(r)
		c.status.Forget(r.ID)
		rep.Runs = append(rep.Runs, r.ID)
	}

	// Registry entries go first so cleanup sees their directories as orphans.
	for _, ws := range c.workspaces.ListActive() {
		if c.workspaceLive(ws) {
			continue
		}
		if err := c.workspaces.Unregister(ctx, ws.ID); err != nil {
			return rep, err
		}
	}
	removed, err := c.workspaces.CleanupOrphans(ctx, "")
	rep.Removed = removed
	if err != nil {
		return rep, err
	}
	if len(rep.Tasks)+len(rep.Runs)+len(rep.Removed) > 0 {
		c.logRecovery(rep)
	}
	return rep, nil
}

func (c *Coordinator) workspaceLive(ws domain.Workspace) bool {
	if c.registry.Get(ws.TaskID) != nil {
		return true
	}
	for _, id := range c.Active() {
		if ws.TaskID == "merge-"+id {
			return true
		}
	}
	return false
}

func (c *Coordinator) logRecovery(rep *RecoverReport) {
	log.Printf("[coordinator] recovery: %d task(s) failed, %d run(s) failed, %d workspace(s) removed",
		len(rep.Tasks), len(rep.Runs), len(rep.Removed))
}
