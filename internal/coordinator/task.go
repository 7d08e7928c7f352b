package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/tracing"
)

// runTask executes one attempt of task. The task is owned by this goroutine
// until the result is sent back to the run loop.
func (c *Coordinator) runTask(ctx context.Context, run *domain.Run, task *domain.Task) (res taskResult) {
	res.task = task
	if ctx.Err() != nil {
		res.fatal = c.cancelQueued(ctx, task)
		return res
	}

	task.Attempt++
	ctx, span := tracing.StartSpan(ctx, "task")
	span.WithAttributes(map[string]string{
		"run.id":  run.ID,
		"task.id": task.ID,
		"branch":  task.AttemptBranch(),
		"attempt": strconv.Itoa(task.Attempt),
	})
	var execErr error
	defer func() {
		if res.fatal != nil {
			tracing.EndSpan(span, res.fatal)
		} else {
			tracing.EndSpan(span, execErr)
		}
	}()

	ws, err := c.acquireWorkspace(ctx, run, task)
	if err != nil {
		if ctx.Err() != nil {
			res.fatal = c.cancelQueued(ctx, task)
			return res
		}
		res.fatal = err
		return res
	}
	defer func() {
		if err := c.workspaces.Remove(context.WithoutCancel(ctx), ws); err != nil {
			log.Printf("[coordinator] releasing workspace %s: %v", ws.Path, err)
		}
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exe := &Execution{TaskID: task.ID, RunID: run.ID, Branch: ws.Branch, WorkspaceID: ws.ID, cancel: cancel}
	c.registry.Register(exe)
	defer c.registry.Unregister(task.ID)

	task.WorkspaceID = ws.ID
	if err := task.Transition(domain.TaskRunning, time.Now()); err != nil {
		res.fatal = err
		return res
	}
	if err := c.saveTask(ctx, task); err != nil {
		res.fatal = err
		return res
	}
	c.telemetry.Track(task.ID, run.ID)
	c.telemetry.SetStatus(task.ID, domain.TaskRunning)
	c.watchGit(ctx, task.ID, ws)
	log.Printf("[coordinator] task %s attempt %d started on %s", task.ID, task.Attempt, ws.Branch)

	out, execErr := c.exec.Run(taskCtx, task, ws, &taskSink{c: c, ctx: ctx, task: task, exe: exe})
	c.unwatchGit(task.ID)

	task.TokensIn += out.TokensIn
	task.TokensOut += out.TokensOut
	now := time.Now()
	var terr error
	switch {
	case execErr == nil:
		task.Commits = out.Commits
		terr = task.Transition(domain.TaskCompleted, now)
		log.Printf("[coordinator] task %s completed with %d commit(s)", task.ID, len(task.Commits))
	case isCancellation(execErr):
		terr = task.Transition(domain.TaskCancelled, now)
		task.Reason = "cancelled"
		log.Printf("[coordinator] task %s cancelled", task.ID)
	default:
		terr = task.Transition(domain.TaskFailed, now)
		task.Reason = execErr.Error()
		log.Printf("[coordinator] task %s failed: %v", task.ID, execErr)
	}
	if terr != nil {
		res.fatal = terr
		return res
	}
	c.telemetry.SetStatus(task.ID, task.Status)

	if err := c.saveTask(ctx, task); err != nil {
		res.fatal = err
	}
	return res
}

// cancelQueued cancels a task the run loop handed out after cancellation.
func (c *Coordinator) cancelQueued(ctx context.Context, task *domain.Task) error {
	if err := task.Transition(domain.TaskCancelled, time.Now()); err != nil {
		return err
	}
	task.Reason = "run cancelled"
	return c.saveTask(ctx, task)
}

// acquireWorkspace creates the task's workspace. A conflict caused by a stale
// directory is cleaned up once; anything else is fatal for the run.
func (c *Coordinator) acquireWorkspace(ctx context.Context, run *domain.Run, task *domain.Task) (*domain.Workspace, error) {
	branch := task.AttemptBranch()
	ws, err := c.workspaces.Create(ctx, branch, run.BaseBranch, task.ID)
	if errors.Is(err, domain.ErrWorktreeConflict) {
		removed, cerr := c.workspaces.CleanupOrphans(ctx, "")
		if cerr == nil && len(removed) > 0 {
			log.Printf("[coordinator] removed %d orphaned workspace(s) blocking %s, retrying", len(removed), branch)
			ws, err = c.workspaces.Create(ctx, branch, run.BaseBranch, task.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("workspace for task %s: %w", task.ID, err)
	}
	return ws, nil
}

func (c *Coordinator) watchGit(ctx context.Context, taskID string, ws *domain.Workspace) {
	if c.gitwatch == nil {
		return
	}
	gitDir, err := c.repo.GitDir(ctx, ws.Path)
	if err != nil {
		log.Printf("[coordinator] no git dir for %s: %v", ws.Path, err)
		return
	}
	if err := c.gitwatch.Add(taskID, gitDir); err != nil {
		log.Printf("[coordinator] watching %s: %v", gitDir, err)
	}
}

func (c *Coordinator) unwatchGit(taskID string) {
	if c.gitwatch != nil {
		c.gitwatch.Remove(taskID)
	}
}

// taskSink forwards executor callbacks to the registry, store and collector
type taskSink struct {
	c    *Coordinator
	ctx  context.Context
	task *domain.Task
	exe  *Execution
}

// ProcessStarted is called on the task goroutine right after the agent starts.
func (s *taskSink) ProcessStarted(taskID string, pid int) {
	s.exe.SetPID(pid)
	s.task.PID = pid
	if err := s.c.saveTask(s.ctx, s.task); err != nil {
		log.Printf("[coordinator] recording pid of task %s: %v", taskID, err)
	}
	s.c.telemetry.SetPID(taskID, pid)
}

func (s *taskSink) RecordEvent(ev domain.Event) {
	s.c.telemetry.RecordEvent(ev)
}
