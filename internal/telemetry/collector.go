// Package telemetry samples per-task resource usage and keeps bounded
// buffers of typed task events.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Publisher receives every fresh snapshot and event
type Publisher interface {
	PublishSample(runID string, sample domain.TelemetrySample)
	PublishEvent(runID string, event domain.Event)
}

// Options configures a Collector
type Options struct {
	Interval    time.Duration
	LogCapacity int
	GitCapacity int
	Sampler     Sampler
	Publisher   Publisher
}

type taskState struct {
	seq    int
	runID  string
	pid    int
	status domain.TaskStatus
	last   time.Time
	stats  ProcessStats
	tokIn  int
	tokOut int
	git    *Ring[domain.GitActivity]
	logs   *Ring[domain.LogLine]
	stale  bool
}

// Collector tracks telemetry for running tasks
type Collector struct {
	opts Options

	mu    sync.RWMutex
	tasks map[string]*taskState
	seq   int
}

// NewCollector creates a Collector; zero options fall back to defaults.
func NewCollector(opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = 200
	}
	if opts.GitCapacity <= 0 {
		opts.GitCapacity = 50
	}
	if opts.Sampler == nil {
		opts.Sampler = NewProcessSampler()
	}
	return &Collector{
		opts:  opts,
		tasks: make(map[string]*taskState),
	}
}

// Track starts collecting for a task. Tracking an already known task resets
// its process binding but keeps its buffers.
func (c *Collector) Track(taskID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskID]; ok {
		st.pid = 0
		st.stale = false
		return
	}
	c.seq++
	c.tasks[taskID] = &taskState{
		seq:    c.seq,
		runID:  runID,
		status: domain.TaskPending,
		git:    NewRing[domain.GitActivity](c.opts.GitCapacity),
		logs:   NewRing[domain.LogLine](c.opts.LogCapacity),
	}
}

// SetPID binds the task to the OS process to sample.
func (c *Collector) SetPID(taskID string, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskID]; ok {
		st.pid = pid
		st.stale = false
	}
}

// SetStatus records a task status change and publishes the new snapshot.
// Terminal statuses stop sampling.
func (c *Collector) SetStatus(taskID string, status domain.TaskStatus) {
	c.mu.Lock()
	st, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.status = status
	if status.IsTerminal() && st.pid != 0 {
		c.opts.Sampler.Forget(st.pid)
		st.pid = 0
	}
	sample := c.snapshotLocked(taskID, st)
	c.mu.Unlock()

	c.publishSample(sample)
}

// Forget drops every task of a run.
func (c *Collector) Forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.tasks {
		if st.runID == runID {
			if st.pid != 0 {
				c.opts.Sampler.Forget(st.pid)
			}
			delete(c.tasks, id)
		}
	}
}

// RecordEvent appends a typed event to the task's buffers.
func (c *Collector) RecordEvent(ev domain.Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	c.mu.Lock()
	st, ok := c.tasks[ev.TaskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case domain.EventGit:
		if ev.Git != nil {
			st.git.Push(*ev.Git)
		}
	case domain.EventLog:
		if ev.Log != nil {
			st.logs.Push(*ev.Log)
		}
	case domain.EventTokens:
		st.tokIn += ev.TokensIn
		st.tokOut += ev.TokensOut
	}
	runID := st.runID
	c.mu.Unlock()

	if c.opts.Publisher != nil {
		c.opts.Publisher.PublishEvent(runID, ev)
	}
}

// RecordGitActivity records a reflog entry as a git event. It matches
// GitActivityCallback so a GitWatcher can feed the collector directly.
func (c *Collector) RecordGitActivity(taskID string, activity domain.GitActivity) {
	c.RecordEvent(domain.Event{TaskID: taskID, Kind: domain.EventGit, Time: activity.Time, Git: &activity})
}

// Run samples every tracked process on the configured interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SampleOnce(ctx)
		}
	}
}

// SampleOnce takes one sample of every tracked task with a live process.
func (c *Collector) SampleOnce(ctx context.Context) {
	type target struct {
		taskID string
		pid    int
	}
	c.mu.RLock()
	var targets []target
	for id, st := range c.tasks {
		if st.pid != 0 && !st.status.IsTerminal() {
			targets = append(targets, target{id, st.pid})
		}
	}
	c.mu.RUnlock()

	for _, tg := range targets {
		stats, err := c.opts.Sampler.Sample(ctx, tg.pid)
		now := time.Now()

		c.mu.Lock()
		st, ok := c.tasks[tg.taskID]
		if !ok || st.pid != tg.pid {
			c.mu.Unlock()
			continue
		}
		if err != nil {
			if !st.stale {
				log.Printf("[telemetry] task %s: %v", tg.taskID, fmt.Errorf("%w: %w", domain.ErrTelemetryStale, err))
			}
			st.stale = true
		} else {
			st.stats = stats
			st.stale = false
			st.last = now
		}
		sample := c.snapshotLocked(tg.taskID, st)
		c.mu.Unlock()

		c.publishSample(sample)
	}
}

func (c *Collector) publishSample(s domain.TelemetrySample) {
	if c.opts.Publisher != nil {
		c.opts.Publisher.PublishSample(s.RunID, s)
	}
}

func (c *Collector) snapshotLocked(taskID string, st *taskState) domain.TelemetrySample {
	t := st.last
	if t.IsZero() {
		t = time.Now()
	}
	return domain.TelemetrySample{
		TaskID:      taskID,
		RunID:       st.runID,
		Status:      st.status,
		Time:        t,
		CPUPercent:  st.stats.CPUPercent,
		RSSBytes:    st.stats.RSSBytes,
		Threads:     st.stats.Threads,
		TokensIn:    st.tokIn,
		TokensOut:   st.tokOut,
		GitActivity: st.git.Items(),
		Logs:        st.logs.Items(),
		Stale:       st.stale,
	}
}

// Snapshot returns the latest sample for a task.
func (c *Collector) Snapshot(taskID string) (domain.TelemetrySample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.tasks[taskID]
	if !ok {
		return domain.TelemetrySample{}, false
	}
	return c.snapshotLocked(taskID, st), true
}

// Snapshots returns the latest sample for every task of a run, in tracking order.
func (c *Collector) Snapshots(runID string) []domain.TelemetrySample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type entry struct {
		seq    int
		sample domain.TelemetrySample
	}
	var entries []entry
	for id, st := range c.tasks {
		if st.runID == runID {
			entries = append(entries, entry{st.seq, c.snapshotLocked(id, st)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]domain.TelemetrySample, len(entries))
	for i, e := range entries {
		out[i] = e.sample
	}
	return out
}
