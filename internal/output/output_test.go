package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestMessages(t *testing.T) {
	u, out, errOut := newTestUI()
	u.Info("hello %s", "world")
	u.Success("done %d", 42)
	u.Warning("careful %s", "now")
	u.Error("failed %s", "badly")

	assert.Contains(t, out.String(), "hello world")
	assert.Contains(t, out.String(), "done 42")
	assert.Contains(t, errOut.String(), "careful now")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog(t *testing.T) {
	u, out, _ := newTestUI()
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestStatusColor(t *testing.T) {
	for _, s := range []string{"pending", "running", "completed", "completed_with_warnings", "failed"} {
		assert.Contains(t, StatusColor(s), s)
	}
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f8b2c1a", ShortID("0f8b2c1a-1111-2222-3333-444455556666"))
	assert.Equal(t, "abc", ShortID("abc"))
}

func TestRuns(t *testing.T) {
	u, out, _ := newTestUI()
	started := time.Now().Add(-time.Minute)
	runs := []*domain.Run{{
		ID:                "0f8b2c1a-1111-2222-3333-444455556666",
		BaseBranch:        "main",
		IntegrationBranch: "integration/0f8b2c1a",
		Status:            domain.RunRunning,
		TaskIDs:           []string{"a", "b"},
		CreatedAt:         started,
		StartedAt:         &started,
	}}
	require.NoError(t, u.Runs(runs))
	assert.Contains(t, out.String(), "0f8b2c1a")
	assert.Contains(t, out.String(), "integration/0f8b2c1a")
}

func TestTasks(t *testing.T) {
	u, out, _ := newTestUI()
	tasks := []*domain.Task{
		{ID: "t1", Sequence: 0, Branch: "feature/a", Status: domain.TaskCompleted, Attempt: 2, MaxAttempts: 2, Commits: []string{"abc"}, TokensIn: 1200, TokensOut: 300},
		{ID: "t2", Sequence: 1, Branch: "feature/b", Status: domain.TaskFailed, Attempt: 1, MaxAttempts: 1, Reason: "task t2: deadline of 1m0s exceeded"},
	}
	require.NoError(t, u.Tasks(tasks, map[string]DiffStat{"t1": {Files: 2, Added: 10, Removed: 3}}))

	result := out.String()
	assert.Contains(t, result, "feature/a-r2")
	assert.Contains(t, result, "1,500")
	assert.Contains(t, result, "deadline")
}

func TestWorkspaces(t *testing.T) {
	u, out, _ := newTestUI()
	require.NoError(t, u.Workspaces([]domain.Workspace{{
		Branch: "feature/a", BaseBranch: "main", Path: "/tmp/wt/feature-a", TaskID: "t1", CreatedAt: time.Now(),
	}}))
	assert.Contains(t, out.String(), "/tmp/wt/feature-a")
}

func TestMergeReport(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.MergeReport(&domain.MergeReport{
		IntegrationBranch: "integration/x",
		Merged:            []string{"feature/a"},
		Unmerged:          []string{"feature/b"},
		Skipped:           []domain.SkippedTask{{Branch: "feature/c", Status: domain.TaskFailed}},
		Reports: []domain.ConflictReport{{
			Branch:     "feature/b",
			Files:      []domain.ConflictFile{{Path: "shared.txt"}},
			Resolution: &domain.Resolution{Resolver: "abort"},
		}},
	})

	result := out.String()
	assert.Contains(t, result, "feature/a")
	assert.Contains(t, result, "(unmerged)")
	assert.Contains(t, result, "feature/c")
	assert.Contains(t, result, "feature/b: shared.txt")

	u2, out2, _ := newTestUI()
	u2.MergeReport(nil)
	assert.Contains(t, out2.String(), "no merge report")
}
