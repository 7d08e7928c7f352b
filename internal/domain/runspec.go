package domain

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskSpec describes one task to run
type TaskSpec struct {
	Branch      string    `yaml:"branch" json:"branch"`
	WorkItem    string    `yaml:"work_item,omitempty" json:"work_item,omitempty"`
	Prompt      string    `yaml:"prompt" json:"prompt"`
	Agent       AgentKind `yaml:"agent,omitempty" json:"agent,omitempty"`
	Timeout     string    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts int       `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// RunSpec is the input to starting a run
type RunSpec struct {
	BaseBranch        string     `yaml:"base_branch" json:"base_branch"`
	IntegrationBranch string     `yaml:"integration_branch,omitempty" json:"integration_branch,omitempty"`
	Concurrency       int        `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Tasks             []TaskSpec `yaml:"tasks" json:"tasks"`
}

var branchRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// LoadRunSpec reads a YAML run spec from path.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run spec: %w", err)
	}
	var spec RunSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing run spec: %w", err)
	}
	return &spec, nil
}

// Validate checks that the spec can be started.
func (s *RunSpec) Validate() error {
	if s.BaseBranch == "" {
		return errors.New("base_branch is required")
	}
	if len(s.Tasks) == 0 {
		return errors.New("at least one task is required")
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	seen := make(map[string]bool)
	dirs := make(map[string]string)
	for i, t := range s.Tasks {
		if !branchRegex.MatchString(t.Branch) {
			return fmt.Errorf("task %d: invalid branch %q", i, t.Branch)
		}
		if t.Branch == s.BaseBranch || t.Branch == s.IntegrationBranch {
			return fmt.Errorf("task %d: branch %q collides with the run's own branches", i, t.Branch)
		}
		if seen[t.Branch] {
			return fmt.Errorf("task %d: duplicate branch %q", i, t.Branch)
		}
		seen[t.Branch] = true
		dir := DirName(t.Branch)
		if other, ok := dirs[dir]; ok {
			return fmt.Errorf("task %d: branch %q shares workspace directory %q with %q", i, t.Branch, dir, other)
		}
		dirs[dir] = t.Branch
		if _, err := t.TimeoutDuration(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if t.MaxAttempts < 0 {
			return fmt.Errorf("task %d: max_attempts must be positive", i)
		}
	}
	for i, t := range s.Tasks {
		for _, other := range s.Tasks {
			if other.Branch != t.Branch && isRetryOf(t.Branch, other.Branch) {
				return fmt.Errorf("task %d: branch %q collides with the retry branches of %q", i, t.Branch, other.Branch)
			}
		}
	}
	return nil
}

// isRetryOf reports whether branch, or its workspace directory, could be
// taken by a retry attempt of base (base-r2, base-r3, ...).
func isRetryOf(branch, base string) bool {
	prefix := strings.TrimSuffix(DirName(base+"-r2"), "2")
	digits, ok := strings.CutPrefix(DirName(branch), prefix)
	if !ok || digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TimeoutDuration parses the optional deadline.
func (t TaskSpec) TimeoutDuration() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", t.Timeout, err)
	}
	return d, nil
}

// NewRun materialises a run and its tasks from the spec, in creation order.
// defaults supplies agent kind, attempts and timeout where the spec leaves them empty.
func (s *RunSpec) NewRun(now time.Time, defaults TaskSpec, defaultConcurrency int) (*Run, []*Task) {
	run := &Run{
		ID:                NewRunID(),
		BaseBranch:        s.BaseBranch,
		IntegrationBranch: s.IntegrationBranch,
		Concurrency:       s.Concurrency,
		Status:            RunPending,
		CreatedAt:         now,
	}
	if run.IntegrationBranch == "" {
		run.IntegrationBranch = DefaultIntegrationBranch(run.ID)
	}
	if run.Concurrency == 0 {
		run.Concurrency = defaultConcurrency
	}
	if run.Concurrency <= 0 {
		run.Concurrency = 1
	}

	defaultTimeout, _ := defaults.TimeoutDuration()
	tasks := make([]*Task, 0, len(s.Tasks))
	for i, ts := range s.Tasks {
		task := &Task{
			ID:          NewTaskID(),
			RunID:       run.ID,
			Sequence:    i,
			Branch:      ts.Branch,
			WorkItem:    ts.WorkItem,
			Prompt:      ts.Prompt,
			Agent:       ts.Agent,
			MaxAttempts: ts.MaxAttempts,
			Status:      TaskPending,
			CreatedAt:   now,
		}
		task.Timeout, _ = ts.TimeoutDuration()
		if task.Timeout == 0 {
			task.Timeout = defaultTimeout
		}
		if task.Agent == "" {
			task.Agent = defaults.Agent
		}
		if task.MaxAttempts == 0 {
			task.MaxAttempts = defaults.MaxAttempts
		}
		if task.MaxAttempts <= 0 {
			task.MaxAttempts = 1
		}
		tasks = append(tasks, task)
		run.TaskIDs = append(run.TaskIDs, task.ID)
	}
	return run, tasks
}
