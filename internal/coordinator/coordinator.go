// Package coordinator drives runs: it schedules tasks onto isolated
// workspaces with bounded concurrency, retries failures, hands the finished
// branches to the merge engine and keeps the store and subscribers current.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/executor"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/worktree-orchestrator/internal/merge"
	"github.com/hochfrequenz/worktree-orchestrator/internal/notify"
	"github.com/hochfrequenz/worktree-orchestrator/internal/telemetry"
	"github.com/hochfrequenz/worktree-orchestrator/internal/tracing"
	"github.com/hochfrequenz/worktree-orchestrator/internal/workspace"
)

// Config holds run defaults
type Config struct {
	// Concurrency is used when a run spec does not set one
	Concurrency int
	// Defaults fill in agent, timeout and attempts for tasks that omit them
	Defaults domain.TaskSpec
}

// Deps are the collaborators a Coordinator drives
type Deps struct {
	Store      Store
	Repo       *gitrepo.Repo
	Workspaces *workspace.Manager
	Executor   *executor.Executor
	Merger     *merge.Engine
	Telemetry  *telemetry.Collector
	GitWatcher *telemetry.GitWatcher // optional
	Status     StatusPublisher       // optional
	Notifier   notify.Notifier       // optional
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns every run started in this process
type Coordinator struct {
	store      Store
	repo       *gitrepo.Repo
	workspaces *workspace.Manager
	exec       *executor.Executor
	merger     *merge.Engine
	telemetry  *telemetry.Collector
	gitwatch   *telemetry.GitWatcher
	status     StatusPublisher
	notifier   notify.Notifier
	cfg        Config

	registry *Registry

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// New creates a Coordinator
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewCollector(telemetry.Options{})
	}
	if deps.Status == nil {
		deps.Status = noopPublisher{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	return &Coordinator{
		store:      deps.Store,
		repo:       deps.Repo,
		workspaces: deps.Workspaces,
		exec:       deps.Executor,
		merger:     deps.Merger,
		telemetry:  deps.Telemetry,
		gitwatch:   deps.GitWatcher,
		status:     deps.Status,
		notifier:   deps.Notifier,
		cfg:        cfg,
		registry:   NewRegistry(),
		runs:       make(map[string]*runHandle),
	}
}

// Registry exposes the live executions
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start validates spec, persists the run with its tasks and drives it in the
// background. The returned run is a snapshot taken before execution began.
func (c *Coordinator) Start(ctx context.Context, spec *domain.RunSpec) (*domain.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	run, tasks := spec.NewRun(time.Now(), c.cfg.Defaults, c.cfg.Concurrency)
	if err := c.preflight(run, tasks); err != nil {
		return nil, err
	}
	if err := c.store.PutRunWithTasks(ctx, run, tasks); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[run.ID] = h
	c.mu.Unlock()

	c.status.PublishRun(run)
	for _, t := range tasks {
		c.status.PublishTask(t)
	}
	snapshot := *run
	log.Printf("[coordinator] run %s: %d task(s) from %s into %s, concurrency %d",
		run.ID, len(tasks), run.BaseBranch, run.IntegrationBranch, run.Concurrency)

	c.wg.Add(1)
	go c.drive(runCtx, h, run, tasks)
	return &snapshot, nil
}

// preflight rejects runs whose branches are already taken.
func (c *Coordinator) preflight(run *domain.Run, tasks []*domain.Task) error {
	if _, err := c.repo.ResolveRef(run.BaseBranch); err != nil {
		return fmt.Errorf("base branch %s: %w", run.BaseBranch, err)
	}
	branches := []string{run.IntegrationBranch}
	for _, t := range tasks {
		branches = append(branches, t.Branch)
	}
	for _, b := range branches {
		exists, err := c.repo.BranchExists(b)
		if err != nil {
			return err
		}
		if exists {
			return &domain.WorktreeConflictError{Branch: b, Reason: "branch already exists"}
		}
	}
	return nil
}

// Wait blocks until the run is terminal (or ctx ends) and returns its final
// persisted state. Runs not driven by this process are returned as stored.
func (c *Coordinator) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	c.mu.Lock()
	h := c.runs[runID]
	c.mu.Unlock()
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetRun(ctx, runID)
}

// Cancel stops a live run: running tasks get the termination signal, queued
// tasks are cancelled and no merge happens. Cancelling a finished run is a
// no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	h := c.runs[runID]
	c.mu.Unlock()
	if h != nil {
		log.Printf("[coordinator] cancelling run %s", runID)
		h.cancel()
		return nil
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("run %s is %s but not driven by this process: %w", runID, run.Status, domain.ErrNotFound)
}

// Active returns the ids of runs driven by this process.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) isLive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[runID]
	return ok
}

// Shutdown cancels every live run and waits for them to wind down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, h := range c.runs {
		h.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drive(ctx context.Context, h *runHandle, run *domain.Run, tasks []*domain.Task) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.runs, run.ID)
		c.mu.Unlock()
		h.cancel()
		close(h.done)
	}()

	ctx, span := tracing.StartSpan(ctx, "run")
	span.WithAttributes(map[string]string{"run.id": run.ID, "run.integration_branch": run.IntegrationBranch})

	err := c.execute(ctx, run, tasks)
	if err != nil {
		c.abortRun(run, tasks, err)
	}
	tracing.EndSpan(span, err)
	c.finish(run)
}

type taskResult struct {
	task  *domain.Task
	fatal error
}

// execute runs the task queue and the merge phase. Only infrastructure
// failures are returned; task failures and cancellation are recorded on the
// run itself.
func (c *Coordinator) execute(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	if ctx.Err() != nil {
		return c.cancelRun(ctx, run, tasks)
	}
	if err := c.transitionRun(ctx, run, domain.RunRunning); err != nil {
		return err
	}
	// Cancellation is observed after Prepare so a cancelled run never reads
	// as an integration-branch failure.
	if err := c.merger.Prepare(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("preparing integration branch: %w", err)
	}
	if ctx.Err() != nil {
		return c.cancelRun(ctx, run, tasks)
	}
	if removed, err := c.workspaces.CleanupOrphans(ctx, ""); err != nil {
		log.Printf("[coordinator] run %s: orphan cleanup: %v", run.ID, err)
	} else if len(removed) > 0 {
		log.Printf("[coordinator] run %s: removed %d orphaned workspace(s)", run.ID, len(removed))
	}

	sem := semaphore.NewWeighted(int64(run.Concurrency))
	results := make(chan taskResult, len(tasks))
	queue := append([]*domain.Task(nil), tasks...)
	done := ctx.Done()
	running := 0
	cancelled := false
	var fatal error

	for {
		for !cancelled && fatal == nil && len(queue) > 0 && sem.TryAcquire(1) {
			t := queue[0]
			queue = queue[1:]
			running++
			go func() { results <- c.runTask(ctx, run, t) }()
		}
		if running == 0 {
			break
		}

		select {
		case res := <-results:
			running--
			sem.Release(1)
			if res.fatal != nil {
				if fatal == nil {
					fatal = res.fatal
					c.stopExecutions(run.ID)
				}
				continue
			}
			if t := res.task; !cancelled && fatal == nil && t.CanRetry() {
				if err := c.retry(ctx, t); err != nil {
					fatal = err
					c.stopExecutions(run.ID)
					continue
				}
				queue = append(queue, t)
			}
		case <-done:
			done = nil
			cancelled = true
			log.Printf("[coordinator] run %s cancelled, waiting for %d running task(s)", run.ID, running)
		}
	}

	if fatal != nil {
		return fatal
	}
	if cancelled {
		return c.cancelRun(ctx, run, queue)
	}
	return c.mergeRun(ctx, run, tasks)
}

func (c *Coordinator) stopExecutions(runID string) {
	for _, e := range c.registry.ForRun(runID) {
		e.Cancel()
	}
}

func (c *Coordinator) retry(ctx context.Context, t *domain.Task) error {
	if err := t.Transition(domain.TaskRetrying, time.Now()); err != nil {
		return err
	}
	log.Printf("[coordinator] task %s failed attempt %d/%d, retrying: %s", t.ID, t.Attempt, t.MaxAttempts, t.Reason)
	c.telemetry.SetStatus(t.ID, domain.TaskRetrying)
	return c.saveTask(ctx, t)
}

func (c *Coordinator) cancelRun(ctx context.Context, run *domain.Run, queued []*domain.Task) error {
	now := time.Now()
	for _, t := range queued {
		if err := t.Transition(domain.TaskCancelled, now); err != nil {
			return err
		}
		t.Reason = "run cancelled"
		if err := c.saveTask(ctx, t); err != nil {
			return err
		}
	}
	run.Reason = "cancelled"
	return c.transitionRun(ctx, run, domain.RunCancelled)
}

func (c *Coordinator) mergeRun(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	if err := c.transitionRun(ctx, run, domain.RunMerging); err != nil {
		return err
	}
	report, err := c.merger.MergeAll(ctx, run, tasks)
	run.Merge = report
	if err != nil {
		if ctx.Err() != nil {
			run.Reason = "cancelled during merge"
			return c.transitionRun(ctx, run, domain.RunCancelled)
		}
		return fmt.Errorf("merging: %w", err)
	}
	return c.transitionRun(ctx, run, report.Outcome())
}

// abortRun marks the run failed after an infrastructure error. Tasks that
// never finished are cancelled.
func (c *Coordinator) abortRun(run *domain.Run, tasks []*domain.Task, cause error) {
	ctx := context.Background()
	now := time.Now()
	log.Printf("[coordinator] run %s aborted: %v", run.ID, cause)

	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if err := t.Transition(domain.TaskCancelled, now); err != nil {
			log.Printf("[coordinator] %v", err)
			continue
		}
		t.Reason = "run aborted"
		if err := c.saveTask(ctx, t); err != nil {
			log.Printf("[coordinator] saving task %s: %v", t.ID, err)
		}
	}

	if run.Status.IsTerminal() {
		return
	}
	if err := run.Fail(cause.Error(), now); err != nil {
		log.Printf("[coordinator] %v", err)
		return
	}
	if err := c.store.PutRun(ctx, run); err != nil {
		log.Printf("[coordinator] saving run %s: %v", run.ID, err)
	}
	c.status.PublishRun(run)
}

func (c *Coordinator) finish(run *domain.Run) {
	c.telemetry.Forget(run.ID)
	c.status.Forget(run.ID)
	log.Printf("[coordinator] run %s finished: %s", run.ID, run.Status)
	if err := c.notifier.Send(notify.RunFinished(run)); err != nil {
		log.Printf("[coordinator] notification for run %s failed: %v", run.ID, err)
	}
}

func (c *Coordinator) transitionRun(ctx context.Context, run *domain.Run, next domain.RunStatus) error {
	if err := run.Transition(next, time.Now()); err != nil {
		return err
	}
	if err := c.store.PutRun(context.WithoutCancel(ctx), run); err != nil {
		return err
	}
	c.status.PublishRun(run)
	return nil
}

// saveTask persists and publishes a task. Cancellation of ctx never skips
// the write.
func (c *Coordinator) saveTask(ctx context.Context, t *domain.Task) error {
	if err := c.store.PutTask(context.WithoutCancel(ctx), t); err != nil {
		return err
	}
	c.status.PublishTask(t)
	return nil
}

// isCancellation reports whether err came from the run being cancelled
// rather than from the task itself.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrTaskExecution)
}
