package coordinator

import (
	"context"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
)

// RunView is a run together with its tasks in creation order
type RunView struct {
	Run   *domain.Run              `json:"run"`
	Tasks []*domain.Task           `json:"tasks"`
	Live  bool                     `json:"live"`
	Stats map[string]*TaskDiffStat `json:"stats,omitempty"`
}

// TaskDiffStat summarises what a completed task changed
type TaskDiffStat struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Status returns the persisted state of a run. Completed tasks carry a diff
// summary of their branch against the run's base.
func (c *Coordinator) Status(ctx context.Context, runID string) (*RunView, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, taskstore.TaskFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	view := &RunView{Run: run, Tasks: tasks, Live: c.isLive(runID), Stats: make(map[string]*TaskDiffStat)}
	for _, t := range tasks {
		if t.Status != domain.TaskCompleted || len(t.Commits) == 0 {
			continue
		}
		stat, err := c.repo.Diff(ctx, run.BaseBranch, t.AttemptBranch())
		if err != nil {
			continue
		}
		view.Stats[t.ID] = &TaskDiffStat{Files: len(stat.Files), Added: stat.Added, Removed: stat.Removed}
	}
	return view, nil
}

// ListRuns returns runs newest first.
func (c *Coordinator) ListRuns(ctx context.Context, f taskstore.RunFilter) ([]*domain.Run, error) {
	return c.store.ListRuns(ctx, f)
}

// Workspaces lists the active workspaces.
func (c *Coordinator) Workspaces() []domain.Workspace {
	return c.workspaces.ListActive()
}

// CleanupOrphans removes workspace directories nothing owns.
func (c *Coordinator) CleanupOrphans(ctx context.Context) ([]string, error) {
	return c.workspaces.CleanupOrphans(ctx, "")
}
