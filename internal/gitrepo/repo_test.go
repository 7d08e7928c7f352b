package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo/gittest"
)

func TestRepo_BranchesAndHistory(t *testing.T) {
	dir := gittest.NewRepo(t)
	repo, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	base, err := repo.ResolveRef("main")
	require.NoError(t, err)

	ok, err := repo.BranchExists("feature")
	require.NoError(t, err)
	assert.False(t, ok)

	tip := gittest.Branch(t, dir, "feature", "main", map[string]string{"a.txt": "a\n"})

	ok, err = repo.BranchExists("feature")
	require.NoError(t, err)
	assert.True(t, ok)

	commits, err := repo.CommitsBetween(ctx, "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, []string{tip}, commits)

	mb, err := repo.MergeBase("main", "feature")
	require.NoError(t, err)
	assert.Equal(t, base, mb)

	content, ok, err := repo.FileAt("feature", "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a\n", content)

	_, ok, err = repo.FileAt("main", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	subject, err := repo.CommitSubject("feature")
	require.NoError(t, err)
	assert.Equal(t, "work on feature", subject)

	stat, err := repo.Diff(ctx, "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, stat.Files)
	assert.Equal(t, 1, stat.Added)
}

func TestRepo_Worktrees(t *testing.T) {
	dir := gittest.NewRepo(t)
	repo, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt", "feature-x")
	require.NoError(t, repo.AddWorktree(ctx, wt, "feature/x", "main"))

	path, err := repo.WorktreeForBranch(ctx, "feature/x")
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(wt)
	gotResolved, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, resolved, gotResolved)

	gitDir, err := repo.GitDir(ctx, wt)
	require.NoError(t, err)
	_, err = os.Stat(gitDir)
	assert.NoError(t, err)

	require.NoError(t, repo.RemoveWorktree(ctx, wt))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))

	ok, err := repo.BranchExists("feature/x")
	require.NoError(t, err)
	assert.True(t, ok, "removing a worktree must keep its branch")

	path, err = repo.WorktreeForBranch(ctx, "feature/x")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestRepo_MergeAndAbort(t *testing.T) {
	dir := gittest.NewRepo(t)
	repo, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	gittest.CommitFile(t, dir, "shared.txt", "line\n", "add shared")
	gittest.Branch(t, dir, "left", "main", map[string]string{"shared.txt": "left\n"})
	gittest.Branch(t, dir, "right", "main", map[string]string{"shared.txt": "right\n"})

	wt := filepath.Join(t.TempDir(), "integration")
	require.NoError(t, repo.AddWorktree(ctx, wt, "integration", "main"))

	clean, err := repo.MergeNoCommit(ctx, wt, "left")
	require.NoError(t, err)
	require.True(t, clean)
	head, err := repo.Commit(ctx, wt, "merge left")
	require.NoError(t, err)

	clean, err = repo.MergeNoCommit(ctx, wt, "right")
	require.NoError(t, err)
	assert.False(t, clean)

	paths, err := repo.ConflictedPaths(ctx, wt)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.txt"}, paths)

	require.NoError(t, repo.AbortMerge(ctx, wt, head))
	got, err := repo.ResolveRef("integration")
	require.NoError(t, err)
	assert.Equal(t, head, got)

	dirty, err := repo.HasChanges(ctx, wt)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /wt/a
HEAD 2222222222222222222222222222222222222222
branch refs/heads/feature/a

worktree /wt/b
HEAD 3333333333333333333333333333333333333333
detached
prunable gitdir file points to non-existent location
`
	list := ParseWorktreeList(out)
	require.Len(t, list, 3)
	assert.Equal(t, "/repo", list[0].Path)
	assert.Equal(t, "feature/a", list[1].Branch)
	assert.True(t, list[2].Detached)
	assert.True(t, list[2].Prunable)
	assert.Empty(t, list[2].Branch)
}

func TestRepo_ConflictedPathsKeepNamesWhole(t *testing.T) {
	dir := gittest.NewRepo(t)
	repo, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	gittest.CommitFile(t, dir, "my notes.txt", "line\n", "add notes")
	gittest.CommitFile(t, dir, "größe.txt", "line\n", "add umlaut")
	gittest.Branch(t, dir, "left", "main", map[string]string{"my notes.txt": "left\n", "größe.txt": "left\n"})
	gittest.Branch(t, dir, "right", "main", map[string]string{"my notes.txt": "right\n", "größe.txt": "right\n"})

	wt := filepath.Join(t.TempDir(), "integration")
	require.NoError(t, repo.AddWorktree(ctx, wt, "integration", "left"))
	clean, err := repo.MergeNoCommit(ctx, wt, "right")
	require.NoError(t, err)
	require.False(t, clean)

	paths, err := repo.ConflictedPaths(ctx, wt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"my notes.txt", "größe.txt"}, paths)

	stat, err := repo.Diff(ctx, "main", "left")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"my notes.txt", "größe.txt"}, stat.Files)
}
