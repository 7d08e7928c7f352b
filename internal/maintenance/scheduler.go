// Package maintenance runs periodic housekeeping for the orchestrator.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named housekeeping action on a cron schedule
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Validate checks the job can be scheduled
func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has no action", j.Name)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", j.Name, err)
	}
	return nil
}

// Scheduler fires jobs when their schedule comes due. A job never overlaps
// with itself.
type Scheduler struct {
	jobs    map[string]Job
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	mu      sync.RWMutex
	tick    time.Duration
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for jobs
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]Job),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		tick:    time.Minute,
	}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		s.jobs[j.Name] = j
	}
	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// NextRun returns when a job is next due, zero if unknown
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(j.Cron)
	if err != nil {
		return time.Time{}
	}
	last := s.lastRun[name]
	if last.IsZero() {
		last = time.Now()
	}
	return sched.Next(last)
}

// ShouldRun reports whether a job is due at now and not already running.
// Jobs have no schedule until Start anchors them.
func (s *Scheduler) ShouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok || s.running[name] {
		return false
	}
	sched, err := s.parser.Parse(j.Cron)
	if err != nil {
		return false
	}
	last := s.lastRun[name]
	if last.IsZero() {
		return false
	}
	return !now.Before(sched.Next(last))
}

func (s *Scheduler) markRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

func (s *Scheduler) markComplete(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = at
}

// Jobs returns the job names in sorted order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a job synchronously, unless it is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %s", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()

	err := j.Run(ctx)
	s.markComplete(name, time.Now())
	return err
}

// Start runs due jobs until ctx is cancelled, then waits for jobs in flight.
// Schedules count from the moment Start is called.
func (s *Scheduler) Start(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	for name := range s.jobs {
		if s.lastRun[name].IsZero() {
			s.lastRun[name] = start
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, name := range s.Jobs() {
		if !s.ShouldRun(name, now) {
			continue
		}
		s.mu.RLock()
		j := s.jobs[name]
		s.mu.RUnlock()
		s.markRunning(name)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := j.Run(ctx); err != nil {
				log.Printf("[maintenance] job %s failed: %v", j.Name, err)
			}
			s.markComplete(j.Name, now)
		}()
	}
}
