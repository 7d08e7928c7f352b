package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo/gittest"
)

type memRegistry struct {
	mu   sync.Mutex
	byID map[string]*domain.Workspace
	fail error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{byID: make(map[string]*domain.Workspace)}
}

func (r *memRegistry) PutWorkspace(_ context.Context, ws *domain.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	cp := *ws
	r.byID[ws.ID] = &cp
	return nil
}

func (r *memRegistry) DeleteWorkspace(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

func (r *memRegistry) ListWorkspaces(context.Context) ([]*domain.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*domain.Workspace
	for _, ws := range r.byID {
		cp := *ws
		list = append(list, &cp)
	}
	return list, nil
}

func newTestManager(t *testing.T) (*Manager, *memRegistry, string) {
	t.Helper()
	dir := gittest.NewRepo(t)
	repo, err := gitrepo.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := newMemRegistry()
	m, err := NewManager(context.Background(), repo, t.TempDir(), reg)
	if err != nil {
		t.Fatal(err)
	}
	return m, reg, dir
}

func TestManager_Create(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Create(ctx, "feature/login", "main", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "README.md")); err != nil {
		t.Errorf("worktree not checked out: %v", err)
	}
	if ws.Path != filepath.Join(m.Root(), "feature-login") {
		t.Errorf("Path = %q", ws.Path)
	}
	if len(reg.byID) != 1 {
		t.Errorf("registry size = %d, want 1", len(reg.byID))
	}
	if got := m.ListActive(); len(got) != 1 || got[0].TaskID != "task-1" {
		t.Errorf("ListActive() = %+v", got)
	}
}

func TestManager_CreateConflicts(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "a", "main", "t1"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Create(ctx, "a", "main", "t2")
	if !errors.Is(err, domain.ErrWorktreeConflict) {
		t.Errorf("second Create on live branch error = %v, want WorktreeConflict", err)
	}

	gittest.Git(t, dir, "branch", "existing")
	_, err = m.Create(ctx, "existing", "main", "t3")
	if !errors.Is(err, domain.ErrWorktreeConflict) {
		t.Errorf("Create on existing branch error = %v, want WorktreeConflict", err)
	}

	orphan := m.Path("orphan")
	if err := os.MkdirAll(orphan, 0755); err != nil {
		t.Fatal(err)
	}
	_, err = m.Create(ctx, "orphan", "main", "t4")
	var wce *domain.WorktreeConflictError
	if !errors.As(err, &wce) || wce.Reason != "orphaned directory" {
		t.Errorf("Create over orphan error = %v, want orphaned directory conflict", err)
	}
}

func TestManager_RemoveIdempotent(t *testing.T) {
	m, reg, dir := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Create(ctx, "feature/x", "main", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}
	if len(reg.byID) != 0 {
		t.Error("registry entry should be gone")
	}
	if err := m.Remove(ctx, ws); err != nil {
		t.Errorf("second Remove() error = %v, want nil", err)
	}
	if err := m.Remove(ctx, nil); err != nil {
		t.Errorf("Remove(nil) error = %v, want nil", err)
	}

	// the branch and its history survive
	if out := gittest.Git(t, dir, "branch", "--list", "feature/x"); out == "" {
		t.Error("branch should be kept after Remove")
	}
}

func TestManager_Attach(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()
	gittest.Git(t, dir, "branch", "integration/run")

	ws, err := m.Attach(ctx, "integration/run", "")
	if err != nil {
		t.Fatal(err)
	}
	head := gittest.Git(t, ws.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if head != "integration/run" {
		t.Errorf("checked out %q, want integration/run", head)
	}
	if _, err := m.Attach(ctx, "integration/run", ""); !errors.Is(err, domain.ErrWorktreeConflict) {
		t.Errorf("second Attach error = %v, want WorktreeConflict", err)
	}
}

func TestManager_CleanupOrphans(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	keep, err := m.Create(ctx, "keep", "main", "t1")
	if err != nil {
		t.Fatal(err)
	}
	lost, err := m.Create(ctx, "lost", "main", "t2")
	if err != nil {
		t.Fatal(err)
	}
	// simulate a crash that forgot about "lost"
	if err := m.Unregister(ctx, lost.ID); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(m.Root(), "stray")
	if err := os.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}

	removed, err := m.CleanupOrphans(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %v, want lost and stray", removed)
	}
	if _, err := os.Stat(keep.Path); err != nil {
		t.Error("registered workspace must be untouched")
	}
	for _, p := range []string{lost.Path, stray} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", p)
		}
	}

	// the orphaned path is usable again only for a branch that does not exist yet
	if _, err := m.Create(ctx, "stray", "main", "t3"); err != nil {
		t.Errorf("Create after cleanup error = %v", err)
	}
}

func TestManager_RegistryFailureRollsBack(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.fail = domain.ErrPersistenceUnavailable

	_, err := m.Create(context.Background(), "feature/y", "main", "t1")
	if !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Fatalf("Create() error = %v, want ErrPersistenceUnavailable", err)
	}
	if _, err := os.Stat(m.Path("feature/y")); !os.IsNotExist(err) {
		t.Error("worktree should be rolled back")
	}
	if len(m.ListActive()) != 0 {
		t.Error("nothing should be active")
	}
}

func TestManager_ReloadsRegistry(t *testing.T) {
	m, reg, dir := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "persisted", "main", "t1"); err != nil {
		t.Fatal(err)
	}

	repo, _ := gitrepo.Open(dir)
	m2, err := NewManager(ctx, repo, m.Root(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m2.Lookup("persisted"); !ok {
		t.Error("reloaded manager should know persisted workspace")
	}
}

func TestManager_CleanupKeepsOtherProcessWorkspaces(t *testing.T) {
	m, reg, dir := newTestManager(t)
	ctx := context.Background()

	repo, _ := gitrepo.Open(dir)
	other, err := NewManager(ctx, repo, m.Root(), reg)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := other.Create(ctx, "feature/elsewhere", "main", "t9")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := m.CleanupOrphans(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want nothing", removed)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Errorf("workspace registered by another manager was removed: %v", err)
	}
}
