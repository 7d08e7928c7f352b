// Package merge folds the branches of a finished run into its integration
// branch, one branch at a time, and reports what could not be merged.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/worktree-orchestrator/internal/tracing"
	"github.com/hochfrequenz/worktree-orchestrator/internal/workspace"
)

// Engine merges completed task branches into a run's integration branch
type Engine struct {
	repo       *gitrepo.Repo
	workspaces *workspace.Manager
	resolver   Resolver
}

// NewEngine creates a merge engine. A nil resolver never resolves conflicts.
func NewEngine(repo *gitrepo.Repo, workspaces *workspace.Manager, resolver Resolver) *Engine {
	if resolver == nil {
		resolver = AbortResolver{}
	}
	return &Engine{repo: repo, workspaces: workspaces, resolver: resolver}
}

// Prepare creates the integration branch from the run's base branch.
// The branch must not exist yet.
func (e *Engine) Prepare(ctx context.Context, run *domain.Run) error {
	exists, err := e.repo.BranchExists(run.IntegrationBranch)
	if err != nil {
		return err
	}
	if exists {
		return &domain.WorktreeConflictError{Branch: run.IntegrationBranch, Reason: "integration branch already exists"}
	}
	if err := e.repo.CreateBranch(ctx, run.IntegrationBranch, run.BaseBranch); err != nil {
		return fmt.Errorf("creating integration branch: %w", err)
	}
	log.Printf("[merge] created %s from %s", run.IntegrationBranch, run.BaseBranch)
	return nil
}

// MergeAll merges every completed task, in creation order, into the
// integration branch. Conflicts are contained per branch: the returned error
// is reserved for infrastructure failures, in which case the partial report
// is still returned.
func (e *Engine) MergeAll(ctx context.Context, run *domain.Run, tasks []*domain.Task) (*domain.MergeReport, error) {
	ordered := append([]*domain.Task(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	report := &domain.MergeReport{IntegrationBranch: run.IntegrationBranch}
	base, err := e.repo.ResolveRef(run.IntegrationBranch)
	if err != nil {
		return report, fmt.Errorf("resolving integration branch: %w", err)
	}
	report.BaseCommit = base
	report.HeadCommit = base

	var completed []*domain.Task
	for _, t := range ordered {
		if t.Status != domain.TaskCompleted {
			report.Skipped = append(report.Skipped, domain.SkippedTask{
				TaskID: t.ID, Branch: t.AttemptBranch(), Status: t.Status, Reason: t.Reason,
			})
			continue
		}
		completed = append(completed, t)
	}
	if len(completed) == 0 {
		return report, nil
	}

	ws, err := e.workspaces.Attach(ctx, run.IntegrationBranch, "merge-"+run.ID)
	if err != nil {
		return report, fmt.Errorf("attaching integration branch: %w", err)
	}
	defer func() {
		if err := e.workspaces.Remove(context.WithoutCancel(ctx), ws); err != nil {
			log.Printf("[merge] releasing scratch workspace %s: %v", ws.Path, err)
		}
	}()

	for _, t := range completed {
		cr, err := e.mergeBranch(ctx, run, ws, t)
		var conflict *domain.MergeConflictError
		switch {
		case errors.As(err, &conflict):
			log.Printf("[merge] %v", err)
			report.Unmerged = append(report.Unmerged, cr.Branch)
		case err != nil:
			return report, err
		default:
			report.Merged = append(report.Merged, cr.Branch)
		}
		report.Reports = append(report.Reports, *cr)
	}

	head, err := e.repo.Head(ctx, ws.Path)
	if err != nil {
		return report, err
	}
	report.HeadCommit = head
	log.Printf("[merge] %s: %d merged, %d unmerged, %d skipped",
		run.IntegrationBranch, len(report.Merged), len(report.Unmerged), len(report.Skipped))
	return report, nil
}

// mergeBranch merges one task branch into the checkout at ws. An unresolved
// conflict is returned as *domain.MergeConflictError with the checkout
// restored to its pre-merge head.
func (e *Engine) mergeBranch(ctx context.Context, run *domain.Run, ws *domain.Workspace, task *domain.Task) (cr *domain.ConflictReport, err error) {
	branch := task.AttemptBranch()
	ctx, span := tracing.StartSpan(ctx, "merge.branch")
	span.WithAttributes(map[string]string{"run.id": run.ID, "branch": branch})
	defer func() { tracing.EndSpan(span, err) }()

	cr = &domain.ConflictReport{Branch: branch, TaskID: task.ID}
	pre, err := e.repo.Head(ctx, ws.Path)
	if err != nil {
		return cr, err
	}
	cr.OursCommit = pre
	tip, err := e.repo.ResolveRef(branch)
	if err != nil {
		return cr, fmt.Errorf("resolving %s: %w", branch, err)
	}
	cr.TheirsTip = tip

	clean, err := e.repo.MergeNoCommit(ctx, ws.Path, branch)
	if err != nil {
		if abortErr := e.repo.AbortMerge(ctx, ws.Path, pre); abortErr != nil {
			return cr, fmt.Errorf("%w (abort: %v)", err, abortErr)
		}
		return cr, err
	}

	if clean {
		cr.Clean = true
		cr.Merged = true
		if !e.repo.MergeInProgress(ctx, ws.Path) {
			cr.Commit = pre
			return cr, nil
		}
		commit, err := e.repo.Commit(ctx, ws.Path, mergeMessage(branch, run.IntegrationBranch))
		if err != nil {
			return cr, fmt.Errorf("committing merge of %s: %w", branch, err)
		}
		cr.Commit = commit
		log.Printf("[merge] merged %s into %s", branch, run.IntegrationBranch)
		return cr, nil
	}

	if err := e.describeConflict(ctx, ws, cr); err != nil {
		return cr, e.abort(ctx, ws, cr, pre, err)
	}

	res, rerr := e.resolver.Resolve(ctx, cr)
	cr.Resolution = &domain.Resolution{Resolver: e.resolver.Name(), Resolved: rerr == nil && res.Resolved}
	if rerr != nil {
		cr.Resolution.Error = rerr.Error()
	}
	if !cr.Resolution.Resolved {
		return cr, e.abort(ctx, ws, cr, pre, nil)
	}

	if err := e.apply(ctx, ws, cr, res); err != nil {
		cr.Resolution.Resolved = false
		cr.Resolution.Error = err.Error()
		return cr, e.abort(ctx, ws, cr, pre, nil)
	}
	commit, err := e.repo.Commit(ctx, ws.Path, mergeMessage(branch, run.IntegrationBranch)+
		fmt.Sprintf("\n\nConflicts resolved by %s.", e.resolver.Name()))
	if err != nil {
		cr.Resolution.Resolved = false
		cr.Resolution.Error = err.Error()
		return cr, e.abort(ctx, ws, cr, pre, nil)
	}
	cr.Merged = true
	cr.Commit = commit
	log.Printf("[merge] merged %s into %s after resolving %d file(s) with %s",
		branch, run.IntegrationBranch, len(cr.Files), e.resolver.Name())
	return cr, nil
}

// describeConflict fills cr.Files from history, never from task workspaces.
func (e *Engine) describeConflict(ctx context.Context, ws *domain.Workspace, cr *domain.ConflictReport) error {
	paths, err := e.repo.ConflictedPaths(ctx, ws.Path)
	if err != nil {
		return err
	}
	mb, err := e.repo.MergeBase(cr.OursCommit, cr.TheirsTip)
	if err != nil {
		return err
	}
	cr.BaseCommit = mb

	for _, p := range paths {
		base, _, err := e.repo.FileAt(mb, p)
		if err != nil {
			return err
		}
		ours, oursOK, err := e.repo.FileAt(cr.OursCommit, p)
		if err != nil {
			return err
		}
		theirs, theirsOK, err := e.repo.FileAt(cr.TheirsTip, p)
		if err != nil {
			return err
		}
		cr.Files = append(cr.Files, domain.ConflictFile{
			Path:          p,
			Base:          base,
			Ours:          ours,
			Theirs:        theirs,
			OursDiff:      sideDiff(p, base, ours, "ours"),
			TheirDiff:     sideDiff(p, base, theirs, "theirs"),
			OursDeleted:   !oursOK,
			TheirsDeleted: !theirsOK,
		})
	}
	return nil
}

// apply writes the resolver's files and stages them. Every conflicting path
// must be covered.
func (e *Engine) apply(ctx context.Context, ws *domain.Workspace, cr *domain.ConflictReport, res Result) error {
	byPath := make(map[string]ResolvedFile, len(res.Files))
	for _, f := range res.Files {
		byPath[f.Path] = f
	}
	for _, p := range cr.Paths() {
		f, ok := byPath[p]
		if !ok {
			return fmt.Errorf("resolver left %s unresolved", p)
		}
		if f.Delete {
			if err := e.repo.Remove(ctx, ws.Path, p); err != nil {
				return err
			}
			continue
		}
		dst := filepath.Join(ws.Path, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", p, err)
		}
	}
	// Staging clears every unmerged entry, so anything git still lists that
	// the report did not cover would be committed with its markers.
	unmerged, err := e.repo.ConflictedPaths(ctx, ws.Path)
	if err != nil {
		return err
	}
	for _, p := range unmerged {
		if _, ok := byPath[p]; !ok {
			return fmt.Errorf("resolver left %s unresolved", p)
		}
	}
	if err := e.repo.StageAll(ctx, ws.Path); err != nil {
		return err
	}
	left, err := e.repo.ConflictedPaths(ctx, ws.Path)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return fmt.Errorf("paths still conflicted: %v", left)
	}
	return nil
}

// abort restores the checkout to pre. When cause is nil the branch is simply
// unmerged; otherwise cause is an infrastructure failure.
func (e *Engine) abort(ctx context.Context, ws *domain.Workspace, cr *domain.ConflictReport, pre string, cause error) error {
	if err := e.repo.AbortMerge(context.WithoutCancel(ctx), ws.Path, pre); err != nil {
		if cause != nil {
			return fmt.Errorf("%w (abort: %v)", cause, err)
		}
		return fmt.Errorf("aborting merge of %s: %w", cr.Branch, err)
	}
	if cause != nil {
		return cause
	}
	return &domain.MergeConflictError{Report: cr}
}

func mergeMessage(branch, integration string) string {
	return fmt.Sprintf("Merge branch '%s' into %s", branch, integration)
}
