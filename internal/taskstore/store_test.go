package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(t *testing.T) (*domain.Run, []*domain.Task) {
	t.Helper()
	spec := &domain.RunSpec{
		BaseBranch: "main",
		Tasks: []domain.TaskSpec{
			{Branch: "feature/a", Prompt: "do a", Timeout: "90s"},
			{Branch: "feature/b", Prompt: "do b", WorkItem: "ISSUE-7"},
		},
	}
	return spec.NewRun(time.Now().Truncate(time.Second), domain.TaskSpec{Agent: domain.AgentScript}, 2)
}

func TestStore_PutAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, tasks := testRun(t)

	if err := store.PutRunWithTasks(ctx, run, tasks); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IntegrationBranch != run.IntegrationBranch {
		t.Errorf("IntegrationBranch = %q, want %q", got.IntegrationBranch, run.IntegrationBranch)
	}
	if got.Status != domain.RunPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if len(got.TaskIDs) != 2 || got.TaskIDs[0] != tasks[0].ID {
		t.Errorf("TaskIDs = %v, want creation order", got.TaskIDs)
	}

	now := time.Now()
	run.Transition(domain.RunRunning, now)
	run.Transition(domain.RunMerging, now)
	run.Merge = &domain.MergeReport{
		IntegrationBranch: run.IntegrationBranch,
		Merged:            []string{"feature/a"},
		Unmerged:          []string{"feature/b"},
		Reports: []domain.ConflictReport{{
			Branch: "feature/b",
			Files:  []domain.ConflictFile{{Path: "x.txt", Ours: "1", Theirs: "2"}},
		}},
	}
	run.Transition(run.Merge.Outcome(), now)
	if err := store.PutRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompletedWithWarnings {
		t.Errorf("Status = %q, want completed_with_warnings", got.Status)
	}
	if got.Merge == nil || len(got.Merge.Reports) != 1 || got.Merge.Reports[0].Files[0].Path != "x.txt" {
		t.Errorf("Merge = %+v", got.Merge)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should round-trip")
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Tasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, tasks := testRun(t)
	if err := store.PutRunWithTasks(ctx, run, tasks); err != nil {
		t.Fatal(err)
	}

	task := tasks[0]
	task.Attempt = 1
	task.Transition(domain.TaskRunning, time.Now())
	task.PID = 4242
	task.WorkspaceID = "ws-1"
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != 4242 || got.WorkspaceID != "ws-1" {
		t.Errorf("PID/WorkspaceID = %d/%q", got.PID, got.WorkspaceID)
	}
	if got.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", got.Timeout)
	}
	if got.Agent != domain.AgentScript {
		t.Errorf("Agent = %q, want script", got.Agent)
	}

	task.Commits = []string{"abc", "def"}
	task.Transition(domain.TaskCompleted, time.Now())
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	running, err := store.ListTasks(ctx, TaskFilter{Status: []domain.TaskStatus{domain.TaskRunning}})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 0 {
		t.Errorf("running tasks = %d, want 0", len(running))
	}

	all, err := store.ListTasks(ctx, TaskFilter{RunID: run.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("tasks = %d, want 2", len(all))
	}
	if all[0].Status != domain.TaskCompleted || len(all[0].Commits) != 2 {
		t.Errorf("first task = %+v", all[0])
	}
	if all[1].WorkItem != "ISSUE-7" {
		t.Errorf("WorkItem = %q, want ISSUE-7", all[1].WorkItem)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run, tasks := testRun(t)
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			run.Transition(domain.RunRunning, time.Now())
		}
		if err := store.PutRunWithTasks(ctx, run, tasks); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	if runs[0].Status != domain.RunRunning {
		t.Errorf("newest run status = %q, want running", runs[0].Status)
	}
	if len(runs[1].TaskIDs) != 2 {
		t.Errorf("TaskIDs = %v", runs[1].TaskIDs)
	}

	active, err := store.ListRuns(ctx, RunFilter{Status: []domain.RunStatus{domain.RunRunning, domain.RunMerging}})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("active runs = %d, want 1", len(active))
	}
}

func TestStore_Workspaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ws := &domain.Workspace{ID: "w1", Branch: "feature/a", BaseBranch: "main", Path: "/tmp/wt/feature-a", TaskID: "t1", CreatedAt: time.Now()}
	if err := store.PutWorkspace(ctx, ws); err != nil {
		t.Fatal(err)
	}
	dup := &domain.Workspace{ID: "w2", Branch: "feature/a", Path: "/tmp/wt/other", CreatedAt: time.Now()}
	if err := store.PutWorkspace(ctx, dup); !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Errorf("duplicate branch error = %v, want rejection", err)
	}

	list, err := store.ListWorkspaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TaskID != "t1" {
		t.Errorf("ListWorkspaces() = %+v", list)
	}

	if err := store.DeleteWorkspace(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteWorkspace(ctx, "w1"); err != nil {
		t.Errorf("second DeleteWorkspace() error = %v", err)
	}
	list, _ = store.ListWorkspaces(ctx)
	if len(list) != 0 {
		t.Errorf("workspaces = %d, want 0", len(list))
	}
}

func TestStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orch.db")
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	run, tasks := testRun(t)
	if err := store.PutRunWithTasks(context.Background(), run, tasks); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if _, err := reopened.GetRun(context.Background(), run.ID); err != nil {
		t.Errorf("GetRun after reopen error = %v", err)
	}
}
