package gitrepo

import (
	"context"
	"fmt"
	"strings"
)

// Head returns the commit checked out in dir.
func (r *Repo) Head(ctx context.Context, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MergeNoCommit merges branch into the checkout at dir without committing.
// It reports clean=false when git stopped on conflicts.
func (r *Repo) MergeNoCommit(ctx context.Context, dir, branch string) (clean bool, err error) {
	out, err := r.Run(ctx, dir, "merge", "--no-ff", "--no-commit", branch)
	if err == nil {
		return true, nil
	}
	paths, perr := r.ConflictedPaths(ctx, dir)
	if perr == nil && len(paths) > 0 {
		return false, nil
	}
	return false, fmt.Errorf("merging %s: %s: %w", branch, strings.TrimSpace(out), err)
}

// ConflictedPaths lists unmerged paths in dir, unquoted and in git's order.
func (r *Repo) ConflictedPaths(ctx context.Context, dir string) ([]string, error) {
	out, err := r.Output(ctx, dir, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// AbortMerge abandons an in-progress merge and resets dir to head, leaving
// the checked-out branch exactly where it was.
func (r *Repo) AbortMerge(ctx context.Context, dir, head string) error {
	_, abortErr := r.Run(ctx, dir, "merge", "--abort")
	if _, err := r.Run(ctx, dir, "reset", "--hard", head); err != nil {
		return fmt.Errorf("resetting after abort: %w", err)
	}
	if _, err := r.Run(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("cleaning after abort: %w", err)
	}
	got, err := r.Head(ctx, dir)
	if err != nil {
		return err
	}
	if got != head {
		return fmt.Errorf("abort left HEAD at %s, want %s (merge --abort: %v)", got, head, abortErr)
	}
	return nil
}

// StageAll stages every change in dir, including deletions.
func (r *Repo) StageAll(ctx context.Context, dir string) error {
	_, err := r.Run(ctx, dir, "add", "-A")
	return err
}

// HasChanges reports whether dir has uncommitted or untracked changes.
func (r *Repo) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit records the staged changes in dir and returns the new head.
func (r *Repo) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := r.Run(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return r.Head(ctx, dir)
}

// MergeInProgress reports whether dir has an unfinished merge.
func (r *Repo) MergeInProgress(ctx context.Context, dir string) bool {
	_, err := r.Run(ctx, dir, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// Remove deletes path from the index and working tree of dir.
func (r *Repo) Remove(ctx context.Context, dir, path string) error {
	_, err := r.Run(ctx, dir, "rm", "-q", "--ignore-unmatch", "--", path)
	return err
}
