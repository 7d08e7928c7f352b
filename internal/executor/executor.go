package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
)

// Executor runs one task attempt with the agent selected for it and
// collects the commits it left on the task branch.
type Executor struct {
	repo   *gitrepo.Repo
	agents map[domain.AgentKind]Agent
}

// New creates an Executor with the given agent strategies
func New(repo *gitrepo.Repo, agents map[domain.AgentKind]Agent) *Executor {
	return &Executor{repo: repo, agents: agents}
}

// Run executes task inside ws. A deadline on the task is enforced here; an
// elapsed deadline is reported as a timed-out TaskExecutionError. When the
// parent ctx is cancelled the returned error wraps context.Canceled.
func (e *Executor) Run(ctx context.Context, task *domain.Task, ws *domain.Workspace, sink Sink) (Outcome, error) {
	agent, ok := e.agents[task.Agent]
	if !ok {
		return Outcome{}, &domain.TaskExecutionError{TaskID: task.ID, Reason: fmt.Sprintf("no agent for kind %q", task.Agent)}
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	out, err := agent.Execute(runCtx, task, ws, sink)
	switch {
	case ctx.Err() != nil:
		return out, fmt.Errorf("task %s: %w", task.ID, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return out, &domain.TaskExecutionError{
			TaskID:   task.ID,
			Reason:   fmt.Sprintf("deadline of %s exceeded", task.Timeout),
			Timeout:  true,
			ExitCode: out.ExitCode,
		}
	case err != nil:
		return out, &domain.TaskExecutionError{TaskID: task.ID, Reason: "agent failed", ExitCode: out.ExitCode, Err: err}
	}

	// Use a fresh context: the agent is done and history must be read even
	// if the deadline fires right now.
	commits, err := e.collect(context.WithoutCancel(ctx), task, ws)
	if err != nil {
		return out, &domain.TaskExecutionError{TaskID: task.ID, Reason: "collecting commits", Err: err}
	}
	out.Commits = commits
	return out, nil
}

func (e *Executor) collect(ctx context.Context, task *domain.Task, ws *domain.Workspace) ([]string, error) {
	dirty, err := e.repo.HasChanges(ctx, ws.Path)
	if err != nil {
		return nil, err
	}
	if dirty {
		log.Printf("[executor] task %s left uncommitted changes, committing them", task.ID)
		if err := e.repo.StageAll(ctx, ws.Path); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("Uncommitted changes from task %s", task.ID)
		if task.WorkItem != "" {
			msg += " (" + task.WorkItem + ")"
		}
		if _, err := e.repo.Commit(ctx, ws.Path, msg); err != nil {
			return nil, err
		}
	}
	return e.repo.CommitsBetween(ctx, ws.BaseBranch, ws.Branch)
}
