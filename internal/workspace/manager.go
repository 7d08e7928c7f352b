// Package workspace manages isolated git worktrees, one per branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
)

// Registry persists the set of active workspaces so it survives restarts
type Registry interface {
	PutWorkspace(ctx context.Context, ws *domain.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error)
}

// Manager handles git worktree operations
type Manager struct {
	repo *gitrepo.Repo
	root string
	reg  Registry

	mu     sync.Mutex
	active map[string]*domain.Workspace // by branch
}

// NewManager creates a Manager rooted at root and loads the persisted registry.
func NewManager(ctx context.Context, repo *gitrepo.Repo, root string, reg Registry) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}
	m := &Manager{
		repo:   repo,
		root:   abs,
		reg:    reg,
		active: make(map[string]*domain.Workspace),
	}
	list, err := reg.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading workspace registry: %w", err)
	}
	for _, ws := range list {
		m.active[ws.Branch] = ws
	}
	return m, nil
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string { return m.root }

// Path returns the directory a workspace for branch would occupy.
func (m *Manager) Path(branch string) string {
	return filepath.Join(m.root, domain.DirName(branch))
}

// Create carves a new worktree on a fresh branch started at baseBranch.
// It refuses to reuse a live branch, an existing branch, or an orphaned directory.
func (m *Manager) Create(ctx context.Context, branch, baseBranch, taskID string) (*domain.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.checkFree(branch)
	if err != nil {
		return nil, err
	}
	exists, err := m.repo.BranchExists(branch)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &domain.WorktreeConflictError{Branch: branch, Path: path, Reason: "branch already exists"}
	}

	if err := m.repo.AddWorktree(ctx, path, branch, baseBranch); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("creating worktree: %w", err)
	}
	return m.register(ctx, branch, baseBranch, path, taskID)
}

// Attach checks out an existing branch into a new worktree.
func (m *Manager) Attach(ctx context.Context, branch, taskID string) (*domain.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.checkFree(branch)
	if err != nil {
		return nil, err
	}
	if other, err := m.repo.WorktreeForBranch(ctx, branch); err != nil {
		return nil, err
	} else if other != "" {
		return nil, &domain.WorktreeConflictError{Branch: branch, Path: other, Reason: "branch checked out elsewhere"}
	}

	if err := m.repo.AttachWorktree(ctx, path, branch); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("attaching worktree: %w", err)
	}
	return m.register(ctx, branch, "", path, taskID)
}

func (m *Manager) checkFree(branch string) (string, error) {
	path := m.Path(branch)
	if ws, ok := m.active[branch]; ok {
		return "", &domain.WorktreeConflictError{Branch: branch, Path: ws.Path, Reason: "branch already has a live workspace"}
	}
	for _, ws := range m.active {
		if filepath.Clean(ws.Path) == path {
			return "", &domain.WorktreeConflictError{Branch: branch, Path: path, Reason: "directory owned by branch " + ws.Branch}
		}
	}
	if _, err := os.Stat(path); err == nil {
		return "", &domain.WorktreeConflictError{Branch: branch, Path: path, Reason: "orphaned directory"}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}
	return path, nil
}

func (m *Manager) register(ctx context.Context, branch, base, path, taskID string) (*domain.Workspace, error) {
	ws := &domain.Workspace{
		ID:         uuid.NewString(),
		Branch:     branch,
		BaseBranch: base,
		Path:       path,
		TaskID:     taskID,
		CreatedAt:  time.Now(),
	}
	if err := m.reg.PutWorkspace(ctx, ws); err != nil {
		if rmErr := m.removeDir(ctx, path); rmErr != nil {
			log.Printf("[workspace] rollback of %s failed: %v", path, rmErr)
		}
		return nil, err
	}
	m.active[branch] = ws
	log.Printf("[workspace] created %s on %s", path, branch)
	return ws, nil
}

// Remove deletes the workspace directory and releases its branch.
// Removing an already-removed or stale handle is a no-op.
func (m *Manager) Remove(ctx context.Context, ws *domain.Workspace) error {
	if ws == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.active[ws.Branch]
	if !ok || cur.ID != ws.ID {
		return nil
	}
	if err := m.removeDir(ctx, cur.Path); err != nil {
		return err
	}
	if err := m.reg.DeleteWorkspace(ctx, cur.ID); err != nil {
		return err
	}
	delete(m.active, cur.Branch)
	log.Printf("[workspace] removed %s", cur.Path)
	return nil
}

// Unregister drops a workspace from the active registry without touching
// its directory, leaving it for CleanupOrphans.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for branch, ws := range m.active {
		if ws.ID == id {
			delete(m.active, branch)
		}
	}
	return m.reg.DeleteWorkspace(ctx, id)
}

func (m *Manager) removeDir(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return m.repo.Prune(ctx)
	}
	if err := m.repo.RemoveWorktree(ctx, path); err != nil {
		log.Printf("[workspace] git worktree remove %s: %v, falling back to rm", path, err)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return m.repo.Prune(ctx)
}

// ListActive returns the registered workspaces ordered by creation time.
func (m *Manager) ListActive() []domain.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]domain.Workspace, 0, len(m.active))
	for _, ws := range m.active {
		list = append(list, *ws)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Branch < list[j].Branch
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Lookup returns the live workspace for branch, if any.
func (m *Manager) Lookup(branch string) (*domain.Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.active[branch]
	if !ok {
		return nil, false
	}
	cp := *ws
	return &cp, true
}

// CleanupOrphans removes every directory under root that has no active
// registry entry and returns the removed paths. An empty root means the
// manager's own root. Entries persisted by other processes sharing the
// registry count as active.
func (m *Manager) CleanupOrphans(ctx context.Context, root string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if root == "" {
		root = m.root
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	persisted, err := m.reg.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading workspace registry: %w", err)
	}
	registered := make(map[string]bool, len(m.active)+len(persisted))
	for _, ws := range m.active {
		registered[filepath.Clean(ws.Path)] = true
	}
	for _, ws := range persisted {
		registered[filepath.Clean(ws.Path)] = true
	}

	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())
		if registered[path] {
			continue
		}
		if err := m.removeDir(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Printf("[workspace] removed orphan %s", path)
		removed = append(removed, path)
	}
	if err := m.repo.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}
