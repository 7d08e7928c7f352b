package coordinator

import (
	"context"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/worktree-orchestrator/internal/workspace"
)

// Store persists runs, tasks and the workspace registry. Errors other than
// domain.ErrNotFound are treated as fatal for the run being driven.
type Store interface {
	workspace.Registry

	PutRun(ctx context.Context, run *domain.Run) error
	PutRunWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.Task) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, f taskstore.RunFilter) ([]*domain.Run, error)

	PutTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, f taskstore.TaskFilter) ([]*domain.Task, error)
}

var _ Store = (*taskstore.Store)(nil)

// StatusPublisher is told about every run and task state change, and when a
// run is over
type StatusPublisher interface {
	PublishRun(run *domain.Run)
	PublishTask(task *domain.Task)
	Forget(runID string)
}

type noopPublisher struct{}

func (noopPublisher) PublishRun(*domain.Run)   {}
func (noopPublisher) PublishTask(*domain.Task) {}
func (noopPublisher) Forget(string)            {}
