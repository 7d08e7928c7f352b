package domain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRunSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := `base_branch: main
concurrency: 2
tasks:
  - branch: feature/a
    prompt: add a
    timeout: 5m
  - branch: feature/b
    prompt: add b
    agent: script
    max_attempts: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadRunSpec(path)
	if err != nil {
		t.Fatalf("LoadRunSpec() error = %v", err)
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if spec.BaseBranch != "main" || spec.Concurrency != 2 || len(spec.Tasks) != 2 {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	run, tasks := spec.NewRun(time.Now(), TaskSpec{Agent: AgentProcess, MaxAttempts: 1}, 4)
	if run.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", run.Concurrency)
	}
	if run.IntegrationBranch == "" {
		t.Error("IntegrationBranch should default")
	}
	if len(run.TaskIDs) != 2 {
		t.Fatalf("TaskIDs = %v", run.TaskIDs)
	}
	if tasks[0].Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", tasks[0].Timeout)
	}
	if tasks[0].Agent != AgentProcess {
		t.Errorf("Agent = %s, want default process", tasks[0].Agent)
	}
	if tasks[1].Agent != AgentScript || tasks[1].MaxAttempts != 3 {
		t.Errorf("task[1] = %+v", tasks[1])
	}
	if tasks[1].Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", tasks[1].Sequence)
	}
}

func TestRunSpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec RunSpec
	}{
		{"no base", RunSpec{Tasks: []TaskSpec{{Branch: "a"}}}},
		{"no tasks", RunSpec{BaseBranch: "main"}},
		{"dup branch", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "a"}, {Branch: "a"}}}},
		{"base collision", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "main"}}}},
		{"bad branch", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "-x"}}}},
		{"bad timeout", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "a", Timeout: "soon"}}}},
		{"same directory", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "feat/a"}, {Branch: "feat-a"}}}},
		{"retry branch taken", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "x", MaxAttempts: 2}, {Branch: "x-r2"}}}},
		{"retry directory taken", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "fix/y-r3"}, {Branch: "fix/y"}}}},
		{"retry via slash", RunSpec{BaseBranch: "main", Tasks: []TaskSpec{{Branch: "x"}, {Branch: "x/r12"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestRunSpec_ValidateAcceptsLookalikes(t *testing.T) {
	spec := RunSpec{BaseBranch: "main", Tasks: []TaskSpec{
		{Branch: "x"}, {Branch: "x-r"}, {Branch: "x-rework"}, {Branch: "x-r2a"}, {Branch: "feat/a"}, {Branch: "feat/b"},
	}}
	if err := spec.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDirName(t *testing.T) {
	tests := map[string]string{
		"feature/login": "feature-login",
		"fix/a b":       "fix-a-b",
		"/x/":           "x",
	}
	for branch, want := range tests {
		if got := DirName(branch); got != want {
			t.Errorf("DirName(%q) = %q, want %q", branch, got, want)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &WorktreeConflictError{Branch: "a", Path: "/tmp/a", Reason: "orphan"}
	if !errors.Is(err, ErrWorktreeConflict) {
		t.Error("WorktreeConflictError should match ErrWorktreeConflict")
	}

	cause := errors.New("exit status 1")
	err = &TaskExecutionError{TaskID: "t", Reason: "agent failed", Err: cause}
	if !errors.Is(err, ErrTaskExecution) || !errors.Is(err, cause) {
		t.Error("TaskExecutionError should match sentinel and cause")
	}

	err = &MergeConflictError{Report: &ConflictReport{Branch: "b", Files: []ConflictFile{{Path: "x.go"}}}}
	var mce *MergeConflictError
	if !errors.As(err, &mce) || !errors.Is(err, ErrMergeConflictUnresolved) {
		t.Error("MergeConflictError should unwrap")
	}

	err = Unavailable("put run", errors.New("disk I/O error"))
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Errorf("Unavailable() = %v, want ErrPersistenceUnavailable", err)
	}
	if Unavailable("get", ErrNotFound) != ErrNotFound {
		t.Error("Unavailable should pass ErrNotFound through")
	}
}
