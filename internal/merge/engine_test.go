package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo/gittest"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/worktree-orchestrator/internal/workspace"
)

type fixture struct {
	dir        string
	repo       *gitrepo.Repo
	workspaces *workspace.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := gittest.NewRepo(t)
	gittest.CommitFile(t, dir, "shared.txt", "one\ntwo\nthree\n", "add shared")

	repo, err := gitrepo.Open(dir)
	require.NoError(t, err)
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mgr, err := workspace.NewManager(context.Background(), repo, t.TempDir(), store)
	require.NoError(t, err)
	return &fixture{dir: dir, repo: repo, workspaces: mgr}
}

func (f *fixture) run(t *testing.T, engine *Engine, integration string) *domain.Run {
	t.Helper()
	run := &domain.Run{ID: "run-" + integration, BaseBranch: "main", IntegrationBranch: integration, Status: domain.RunMerging}
	require.NoError(t, engine.Prepare(context.Background(), run))
	return run
}

func completed(seq int, branch string) *domain.Task {
	now := time.Now()
	return &domain.Task{
		ID: branch, Sequence: seq, Branch: branch, Attempt: 1,
		Status: domain.TaskCompleted, FinishedAt: &now,
	}
}

func TestEngine_DisjointBranchesCommute(t *testing.T) {
	f := newFixture(t)
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"a.txt": "a\n"})
	gittest.Branch(t, f.dir, "feature/b", "main", map[string]string{"b/b.txt": "b\n"})
	engine := NewEngine(f.repo, f.workspaces, nil)

	first := f.run(t, engine, "integration/ab")
	report, err := engine.MergeAll(context.Background(), first, []*domain.Task{completed(1, "feature/a"), completed(2, "feature/b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a", "feature/b"}, report.Merged)
	assert.Empty(t, report.Unmerged)
	assert.Equal(t, domain.RunCompleted, report.Outcome())
	assert.NotEqual(t, report.BaseCommit, report.HeadCommit)
	for _, cr := range report.Reports {
		assert.True(t, cr.Clean)
		assert.Nil(t, cr.Resolution)
	}

	second := f.run(t, engine, "integration/ba")
	_, err = engine.MergeAll(context.Background(), second, []*domain.Task{completed(1, "feature/b"), completed(2, "feature/a")})
	require.NoError(t, err)

	treeAB := gittest.Git(t, f.dir, "rev-parse", "integration/ab^{tree}")
	treeBA := gittest.Git(t, f.dir, "rev-parse", "integration/ba^{tree}")
	assert.Equal(t, treeAB, treeBA)
	assert.Empty(t, f.workspaces.ListActive(), "scratch workspace released")
}

func TestEngine_SameLineConflictStaysUnmerged(t *testing.T) {
	f := newFixture(t)
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"shared.txt": "one\nTWO-A\nthree\n"})
	gittest.Branch(t, f.dir, "feature/b", "main", map[string]string{"shared.txt": "one\nTWO-B\nthree\n"})
	engine := NewEngine(f.repo, f.workspaces, AbortResolver{})
	run := f.run(t, engine, "integration/conflict")

	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(2, "feature/b"), completed(1, "feature/a")})
	require.NoError(t, err)

	assert.Equal(t, []string{"feature/a"}, report.Merged, "sequence order decides who wins")
	assert.Equal(t, []string{"feature/b"}, report.Unmerged)
	assert.Equal(t, domain.RunCompletedWithWarnings, report.Outcome())

	require.Len(t, report.Reports, 2)
	cr := report.Reports[1]
	assert.False(t, cr.Merged)
	require.NotNil(t, cr.Resolution)
	assert.Equal(t, "abort", cr.Resolution.Resolver)
	require.Len(t, cr.Files, 1)
	file := cr.Files[0]
	assert.Equal(t, "shared.txt", file.Path)
	assert.Equal(t, "one\ntwo\nthree\n", file.Base)
	assert.Equal(t, "one\nTWO-A\nthree\n", file.Ours)
	assert.Equal(t, "one\nTWO-B\nthree\n", file.Theirs)
	assert.Contains(t, file.TheirDiff, "+TWO-B")

	// The failed merge left the integration branch exactly where the clean one put it.
	assert.Equal(t, report.Reports[0].Commit, report.HeadCommit)
	assert.Equal(t, report.HeadCommit, gittest.Git(t, f.dir, "rev-parse", "integration/conflict"))
	assert.Equal(t, "one\nTWO-A\nthree", gittest.Git(t, f.dir, "show", "integration/conflict:shared.txt"))
}

func TestEngine_ResolverSettlesConflict(t *testing.T) {
	f := newFixture(t)
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"shared.txt": "one\nTWO-A\nthree\n"})
	gittest.Branch(t, f.dir, "feature/b", "main", map[string]string{"shared.txt": "one\nTWO-B\nthree\n", "extra.txt": "x\n"})
	engine := NewEngine(f.repo, f.workspaces, StrategyResolver{Side: Theirs})
	run := f.run(t, engine, "integration/theirs")

	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(1, "feature/a"), completed(2, "feature/b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a", "feature/b"}, report.Merged)
	assert.Equal(t, domain.RunCompleted, report.Outcome())

	cr := report.Reports[1]
	assert.False(t, cr.Clean)
	require.NotNil(t, cr.Resolution)
	assert.True(t, cr.Resolution.Resolved)
	assert.Equal(t, "one\nTWO-B\nthree", gittest.Git(t, f.dir, "show", "integration/theirs:shared.txt"))
	assert.Equal(t, "x", gittest.Git(t, f.dir, "show", "integration/theirs:extra.txt"))
	assert.Equal(t, "2", gittest.Git(t, f.dir, "rev-list", "--count", "--merges", "main..integration/theirs"))
}

func TestEngine_ResolvesPathWithSpaces(t *testing.T) {
	f := newFixture(t)
	gittest.CommitFile(t, f.dir, "my notes.txt", "base\n", "add notes")
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"my notes.txt": "from a\n"})
	gittest.Branch(t, f.dir, "feature/b", "main", map[string]string{"my notes.txt": "from b\n"})
	engine := NewEngine(f.repo, f.workspaces, StrategyResolver{Side: Theirs})
	run := f.run(t, engine, "integration/spaces")

	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(1, "feature/a"), completed(2, "feature/b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a", "feature/b"}, report.Merged)

	cr := report.Reports[1]
	assert.Equal(t, []string{"my notes.txt"}, cr.Paths())
	assert.Equal(t, "from b", gittest.Git(t, f.dir, "show", "integration/spaces:my notes.txt"))
}

type brokenResolver struct{}

func (brokenResolver) Name() string { return "broken" }

func (brokenResolver) Resolve(context.Context, *domain.ConflictReport) (Result, error) {
	return Result{Resolved: true, Files: nil}, nil
}

func TestEngine_IncompleteResolutionIsAborted(t *testing.T) {
	f := newFixture(t)
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"shared.txt": "A\n"})
	gittest.Branch(t, f.dir, "feature/b", "main", map[string]string{"shared.txt": "B\n"})
	engine := NewEngine(f.repo, f.workspaces, brokenResolver{})
	run := f.run(t, engine, "integration/broken")

	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(1, "feature/a"), completed(2, "feature/b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/b"}, report.Unmerged)
	res := report.Reports[1].Resolution
	require.NotNil(t, res)
	assert.False(t, res.Resolved)
	assert.Contains(t, res.Error, "shared.txt")
}

func TestEngine_SkipsTasksThatDidNotComplete(t *testing.T) {
	f := newFixture(t)
	gittest.Branch(t, f.dir, "feature/a", "main", map[string]string{"a.txt": "a\n"})
	engine := NewEngine(f.repo, f.workspaces, nil)
	run := f.run(t, engine, "integration/skip")

	failed := &domain.Task{ID: "t2", Sequence: 2, Branch: "feature/b", Attempt: 2, Status: domain.TaskFailed, Reason: "exit status 1"}
	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(1, "feature/a"), failed})
	require.NoError(t, err)

	assert.Equal(t, []string{"feature/a"}, report.Merged)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "feature/b-r2", report.Skipped[0].Branch)
	assert.Equal(t, domain.TaskFailed, report.Skipped[0].Status)
	assert.Equal(t, domain.RunCompletedWithWarnings, report.Outcome())
}

func TestEngine_NothingToMerge(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.repo, f.workspaces, nil)
	run := f.run(t, engine, "integration/empty")

	report, err := engine.MergeAll(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, report.BaseCommit, report.HeadCommit)
	assert.Equal(t, domain.RunCompleted, report.Outcome())
}

func TestEngine_BranchWithoutCommits(t *testing.T) {
	f := newFixture(t)
	gittest.Git(t, f.dir, "branch", "feature/idle", "main")
	engine := NewEngine(f.repo, f.workspaces, nil)
	run := f.run(t, engine, "integration/idle")

	report, err := engine.MergeAll(context.Background(), run, []*domain.Task{completed(1, "feature/idle")})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/idle"}, report.Merged)
	assert.Equal(t, report.BaseCommit, report.HeadCommit)
}

func TestEngine_PrepareRejectsExistingBranch(t *testing.T) {
	f := newFixture(t)
	gittest.Git(t, f.dir, "branch", "integration/taken", "main")
	engine := NewEngine(f.repo, f.workspaces, nil)

	err := engine.Prepare(context.Background(), &domain.Run{ID: "r", BaseBranch: "main", IntegrationBranch: "integration/taken"})
	assert.True(t, errors.Is(err, domain.ErrWorktreeConflict))
}
