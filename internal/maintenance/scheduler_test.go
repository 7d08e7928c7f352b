package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/30 * * * *", false}, // every half hour
		{"0 3 * * *", false},    // 3 AM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestJob_Validate(t *testing.T) {
	job := Job{Name: "cleanup", Cron: "*/30 * * * *", Run: noop}
	if err := job.Validate(); err != nil {
		t.Errorf("valid job should not error: %v", err)
	}

	job.Name = ""
	if err := job.Validate(); err == nil {
		t.Error("empty name should error")
	}
	if _, err := NewScheduler(Job{Name: "x", Cron: "nope", Run: noop}); err == nil {
		t.Error("NewScheduler should reject a bad cron expression")
	}
}

func TestScheduler_NextRun(t *testing.T) {
	sched, err := NewScheduler(Job{Name: "test", Cron: "0 22 * * *", Run: noop})
	if err != nil {
		t.Fatal(err)
	}

	next := sched.NextRun("test")
	if next.IsZero() {
		t.Fatal("NextRun should return a time")
	}
	if !next.After(time.Now()) {
		t.Error("NextRun should be in the future")
	}
	if !sched.NextRun("missing").IsZero() {
		t.Error("unknown job should have no next run")
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	sched, err := NewScheduler(Job{Name: "test", Cron: "* * * * *", Run: noop})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if sched.ShouldRun("test", now) {
		t.Error("a job that was never scheduled should not be due")
	}

	sched.lastRun["test"] = now.Add(-2 * time.Minute)
	if !sched.ShouldRun("test", now) {
		t.Error("should run after the cron interval passed")
	}

	sched.markRunning("test")
	if sched.ShouldRun("test", now) {
		t.Error("a running job must not start again")
	}
	sched.markComplete("test", now)
	if sched.ShouldRun("test", now) {
		t.Error("a job that just finished is not due")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	var calls atomic.Int32
	sched, err := NewScheduler(Job{Name: "test", Cron: "0 3 * * *", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}})
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.RunNow(context.Background(), "test"); err == nil || err.Error() != "boom" {
		t.Errorf("RunNow() error = %v, want boom", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if err := sched.RunNow(context.Background(), "missing"); err == nil {
		t.Error("RunNow of unknown job should error")
	}
}

func TestScheduler_StartFiresDueJobs(t *testing.T) {
	fired := make(chan struct{}, 4)
	sched, err := NewScheduler(Job{Name: "test", Cron: "* * * * *", Run: func(context.Context) error {
		fired <- struct{}{}
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.tick = 10 * time.Millisecond
	sched.lastRun["test"] = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("due job never fired")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

type fakeCleaner struct {
	removed []string
	err     error
}

func (f fakeCleaner) CleanupOrphans(context.Context) ([]string, error) {
	return f.removed, f.err
}

func TestCleanupJob(t *testing.T) {
	job := CleanupJob(fakeCleaner{removed: []string{"/tmp/wt/a"}}, "*/30 * * * *")
	if job.Name != CleanupJobName {
		t.Errorf("Name = %q", job.Name)
	}
	if err := job.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	failing := CleanupJob(fakeCleaner{err: errors.New("permission denied")}, "*/30 * * * *")
	if err := failing.Run(context.Background()); err == nil {
		t.Error("cleanup error should surface")
	}
}
