package main

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/output"
)

// progress prints each task transition once as it streams in
type progress struct {
	seen map[string]string
	run  *broadcast.RunMessage
}

func newProgress() *progress {
	return &progress{seen: make(map[string]string)}
}

func (p *progress) task(t broadcast.TaskMessage) {
	branch := t.Branch
	if t.Attempt > 1 {
		branch = fmt.Sprintf("%s-r%d", t.Branch, t.Attempt)
	}
	key := fmt.Sprintf("%s/%d", t.Status, t.Attempt)
	if p.seen[t.TaskID] == key {
		return
	}
	p.seen[t.TaskID] = key
	line := fmt.Sprintf("%-40s %s", branch, output.StatusColor(string(t.Status)))
	if t.Reason != "" {
		line += "  " + t.Reason
	}
	ui.Info("%s", line)
}

// apply consumes one envelope and reports whether the run has finished.
func (p *progress) apply(env broadcast.EnvelopeRaw) (bool, error) {
	switch env.Type {
	case broadcast.TypeSnapshot:
		snap, err := broadcast.Decode[broadcast.SnapshotMessage](env)
		if err != nil {
			return false, err
		}
		for _, t := range snap.Tasks {
			p.task(t)
		}
		if snap.Run != nil {
			p.run = snap.Run
		}
	case broadcast.TypeTask:
		t, err := broadcast.Decode[broadcast.TaskMessage](env)
		if err != nil {
			return false, err
		}
		p.task(t)
	case broadcast.TypeRun:
		r, err := broadcast.Decode[broadcast.RunMessage](env)
		if err != nil {
			return false, err
		}
		if p.run == nil || p.run.Status != r.Status {
			ui.Info("run %s", output.StatusColor(string(r.Status)))
		}
		p.run = &r
	}
	return p.run != nil && p.run.Status.IsTerminal(), nil
}

// follow streams a run from a 'serve' process until it reaches a terminal
// state or ctx ends, and returns the last run state seen.
func follow(ctx context.Context, url string) (*broadcast.RunMessage, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newProgress()
	client := broadcast.NewClient(url)
	err := client.Follow(streamCtx, func(env broadcast.EnvelopeRaw) {
		done, err := p.apply(env)
		if err != nil {
			ui.VerboseLog("skipping %s message: %v", env.Type, err)
			return
		}
		if done {
			cancel()
		}
	})
	return p.run, err
}
