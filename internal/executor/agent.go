// Package executor drives one task to completion inside its workspace by
// running a code-generation agent as a separate OS process.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/prompts"
)

// Sink receives what an executing task reports
type Sink interface {
	ProcessStarted(taskID string, pid int)
	RecordEvent(ev domain.Event)
}

// Outcome is what an agent run produced
type Outcome struct {
	Commits   []string
	TokensIn  int
	TokensOut int
	ExitCode  int
}

// Agent is the code-generation collaborator: given a task and its workspace
// it returns once the work is finished or has failed.
type Agent interface {
	Execute(ctx context.Context, task *domain.Task, ws *domain.Workspace, sink Sink) (Outcome, error)
}

// ProcessAgent runs an agent CLI that emits stream-json on stdout
type ProcessAgent struct {
	Command     string
	Args        []string
	Model       string
	GracePeriod time.Duration
	LogDir      string
	// Prompts wraps the task prompt in the workspace instructions; nil
	// passes the prompt through unchanged.
	Prompts *prompts.Loader
}

func (a *ProcessAgent) prompt(task *domain.Task, ws *domain.Workspace) (string, error) {
	if a.Prompts == nil {
		return task.Prompt, nil
	}
	data := prompts.TaskData{
		Branch:     ws.Branch,
		BaseBranch: ws.BaseBranch,
		WorkItem:   task.WorkItem,
		Prompt:     task.Prompt,
		Attempt:    task.Attempt,
	}
	return a.Prompts.BuildTaskPrompt(data)
}

func (a *ProcessAgent) buildCommand(task *domain.Task, ws *domain.Workspace) (*exec.Cmd, error) {
	prompt, err := a.prompt(task, ws)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	args := append([]string{}, a.Args...)
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	args = append(args, prompt)

	cmd := exec.Command(a.Command, args...)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(), taskEnv(task, ws)...)
	return cmd, nil
}

// Execute runs the agent process until it exits or ctx is done.
func (a *ProcessAgent) Execute(ctx context.Context, task *domain.Task, ws *domain.Workspace, sink Sink) (Outcome, error) {
	if task.Prompt == "" {
		return Outcome{}, fmt.Errorf("task %s has no prompt", task.ID)
	}
	cmd, err := a.buildCommand(task, ws)
	if err != nil {
		return Outcome{}, err
	}
	dec := newStreamDecoder(task.ID)
	res, err := runProcess(ctx, cmd, a.GracePeriod, logPath(a.LogDir, task),
		func(pid int) { sink.ProcessStarted(task.ID, pid) },
		func(line string, isErr bool) {
			for _, ev := range dec.Decode(line, isErr) {
				sink.RecordEvent(ev)
			}
		})
	in, out := dec.Totals()
	outcome := Outcome{TokensIn: in, TokensOut: out, ExitCode: res.ExitCode}
	if err != nil {
		return outcome, err
	}
	if dec.Failed() {
		return outcome, fmt.Errorf("agent reported failure: %s", truncate(dec.result, 500))
	}
	return outcome, nil
}

// ScriptAgent runs the task prompt as a shell script. Useful for
// deterministic, non-LLM tasks such as codemods.
type ScriptAgent struct {
	Shell       string
	GracePeriod time.Duration
	LogDir      string
}

// Execute runs the script until it exits or ctx is done.
func (a *ScriptAgent) Execute(ctx context.Context, task *domain.Task, ws *domain.Workspace, sink Sink) (Outcome, error) {
	shell := a.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", task.Prompt)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(), taskEnv(task, ws)...)

	res, err := runProcess(ctx, cmd, a.GracePeriod, logPath(a.LogDir, task),
		func(pid int) { sink.ProcessStarted(task.ID, pid) },
		func(line string, isErr bool) {
			level := "info"
			if isErr {
				level = "error"
			}
			now := time.Now()
			sink.RecordEvent(domain.Event{
				TaskID: task.ID,
				Kind:   domain.EventLog,
				Time:   now,
				Log:    &domain.LogLine{Level: level, Text: line, Time: now},
			})
		})
	return Outcome{ExitCode: res.ExitCode}, err
}

func taskEnv(task *domain.Task, ws *domain.Workspace) []string {
	return []string{
		"WORKTREE_ORCH_TASK_ID=" + task.ID,
		"WORKTREE_ORCH_RUN_ID=" + task.RunID,
		"WORKTREE_ORCH_BRANCH=" + ws.Branch,
		"WORKTREE_ORCH_BASE=" + ws.BaseBranch,
		"WORKTREE_ORCH_WORK_ITEM=" + task.WorkItem,
	}
}

func logPath(dir string, task *domain.Task) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.log", task.ID, task.Attempt))
}
