// Package gitrepo wraps the shared git object store. Mutating operations shell
// out to the git CLI so worktree locking behaves exactly as git expects;
// history reads go through go-git.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	sgdiff "github.com/sourcegraph/go-diff/diff"
)

// Repo is a handle on the main repository checkout
type Repo struct {
	dir string
}

// Open returns a Repo for dir after checking it is a git repository.
func Open(dir string) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := git.PlainOpen(abs); err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", abs, err)
	}
	return &Repo{dir: abs}, nil
}

// Dir returns the repository root.
func (r *Repo) Dir() string { return r.dir }

// Run executes git with args in dir (the repo root when dir is empty).
func (r *Repo) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.dir
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(out.String()), err)
	}
	return out.String(), nil
}

// Output is Run with stderr kept apart, for commands whose stdout is parsed.
func (r *Repo) Output(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.dir
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// splitNUL splits -z output into its non-empty entries.
func splitNUL(out string) []string {
	var entries []string
	for _, e := range strings.Split(out, "\x00") {
		if e != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

func (r *Repo) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}

// BranchExists reports whether refs/heads/name exists.
func (r *Repo) BranchExists(name string) (bool, error) {
	repo, err := r.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking branch %s: %w", name, err)
	}
	return true, nil
}

// ResolveRef resolves a revision to a full commit hash.
func (r *Repo) ResolveRef(rev string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", rev, err)
	}
	return h.String(), nil
}

// CreateBranch creates name pointing at base without checking it out.
func (r *Repo) CreateBranch(ctx context.Context, name, base string) error {
	_, err := r.Run(ctx, "", "branch", name, base)
	return err
}

// CommitsBetween lists commits reachable from tip but not from base, oldest first.
func (r *Repo) CommitsBetween(ctx context.Context, base, tip string) ([]string, error) {
	out, err := r.Output(ctx, "", "rev-list", "--reverse", base+".."+tip)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

func (r *Repo) commit(repo *git.Repository, rev string) (*object.Commit, error) {
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", rev, err)
	}
	c, err := repo.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", rev, err)
	}
	return c, nil
}

// MergeBase returns the best common ancestor of a and b.
func (r *Repo) MergeBase(a, b string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	ca, err := r.commit(repo, a)
	if err != nil {
		return "", err
	}
	cb, err := r.commit(repo, b)
	if err != nil {
		return "", err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	if len(bases) == 0 {
		return "", fmt.Errorf("merge-base %s %s: no common ancestor", a, b)
	}
	return bases[0].Hash.String(), nil
}

// FileAt returns the content of path at rev. A missing file is reported with ok=false.
func (r *Repo) FileAt(rev, path string) (content string, ok bool, err error) {
	repo, err := r.open()
	if err != nil {
		return "", false, err
	}
	c, err := r.commit(repo, rev)
	if err != nil {
		return "", false, err
	}
	f, err := c.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s at %s: %w", path, rev, err)
	}
	content, err = f.Contents()
	if err != nil {
		return "", false, fmt.Errorf("reading %s at %s: %w", path, rev, err)
	}
	return content, true, nil
}

// CommitSubject returns the first line of a commit message.
func (r *Repo) CommitSubject(rev string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	c, err := r.commit(repo, rev)
	if err != nil {
		return "", err
	}
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject, nil
}

// DiffStat summarises the changes between two revisions
type DiffStat struct {
	Files   []string
	Added   int
	Removed int
}

// Diff returns per-file stats for base..tip, parsed from the unified diff.
func (r *Repo) Diff(ctx context.Context, base, tip string) (*DiffStat, error) {
	out, err := r.Output(ctx, "", "-c", "core.quotePath=false", "diff", "--no-color", "--no-ext-diff", base, tip)
	if err != nil {
		return nil, err
	}
	fds, err := sgdiff.ParseMultiFileDiff([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	stat := &DiffStat{}
	for _, fd := range fds {
		name := strings.TrimPrefix(fd.NewName, "b/")
		if fd.NewName == "/dev/null" {
			name = strings.TrimPrefix(fd.OrigName, "a/")
		}
		stat.Files = append(stat.Files, name)
		s := fd.Stat()
		stat.Added += int(s.Added + s.Changed)
		stat.Removed += int(s.Deleted + s.Changed)
	}
	return stat, nil
}
