package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// WorktreeInfo is one entry from `git worktree list --porcelain`
type WorktreeInfo struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
	Prunable bool
}

// ParseWorktreeList parses porcelain worktree output into entries.
func ParseWorktreeList(out string) []WorktreeInfo {
	var (
		list []WorktreeInfo
		cur  *WorktreeInfo
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		case line == "detached":
			cur.Detached = true
		case strings.HasPrefix(line, "prunable"):
			cur.Prunable = true
		}
	}
	flush()
	return list
}

// Worktrees lists every worktree git knows about, including the main checkout.
func (r *Repo) Worktrees(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := r.Run(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeList(out), nil
}

// WorktreeForBranch returns the path where branch is checked out, or "".
func (r *Repo) WorktreeForBranch(ctx context.Context, branch string) (string, error) {
	list, err := r.Worktrees(ctx)
	if err != nil {
		return "", err
	}
	for _, wt := range list {
		if wt.Branch == branch && !wt.Prunable {
			return wt.Path, nil
		}
	}
	return "", nil
}

// AddWorktree creates path checked out on a new branch started at base.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	_, err := r.Run(ctx, "", "worktree", "add", "-b", branch, path, base)
	return err
}

// AttachWorktree creates path checked out on an existing branch.
func (r *Repo) AttachWorktree(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	_, err := r.Run(ctx, "", "worktree", "add", path, branch)
	return err
}

// RemoveWorktree force-removes the worktree at path. Branches are kept.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.Run(ctx, "", "worktree", "remove", "--force", path)
	return err
}

// Prune drops administrative entries for worktrees whose directory is gone.
func (r *Repo) Prune(ctx context.Context) error {
	_, err := r.Run(ctx, "", "worktree", "prune")
	return err
}

// GitDir returns the absolute per-worktree git directory of a checkout.
func (r *Repo) GitDir(ctx context.Context, worktreePath string) (string, error) {
	out, err := r.Run(ctx, worktreePath, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
