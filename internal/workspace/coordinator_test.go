package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/statestore"
	"github.com/Iron-Ham/guardian/internal/testutil"
	"github.com/Iron-Ham/guardian/internal/worktree"
)

// fakeGit records calls instead of touching a repository.
type fakeGit struct {
	mu        sync.Mutex
	created   map[string]string // path -> branch
	removed   []string
	deleted   []string
	createErr error
	removeErr error
}

func newFakeGit() *fakeGit {
	return &fakeGit{created: make(map[string]string)}
}

func (g *fakeGit) Create(path, branch, base string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return g.createErr
	}
	if _, ok := g.created[path]; ok {
		return errors.NewGitError("exists", errors.ErrWorktreeExists).WithPath(path)
	}
	g.created[path] = branch
	return nil
}

func (g *fakeGit) Remove(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, path)
	delete(g.created, path)
	return g.removeErr
}

func (g *fakeGit) DeleteBranch(branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, branch)
	return nil
}

func (g *fakeGit) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeGit, *testClock) {
	t.Helper()
	git := newFakeGit()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := NewCoordinator(statestore.NewMemoryStore(), git, Options{
		Dir:          "/repo/.guardian/worktrees",
		BranchPrefix: "guardian",
		Now:          clock.Now,
	})
	return c, git, clock
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	c, git, _ := newTestCoordinator(t)

	a, created, err := c.GetOrCreate(ctx, "ISSUE-42")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("created = false on first claim")
	}
	if a.WorkspaceID != "ws-issue-42" || a.Branch != "guardian/issue-42" {
		t.Errorf("association = %+v", a)
	}
	if a.Path != "/repo/.guardian/worktrees/issue-42" {
		t.Errorf("Path = %q", a.Path)
	}
	if a.CreatedAt.IsZero() || !a.CreatedAt.Equal(a.LastActivityAt) {
		t.Errorf("timestamps = %v / %v", a.CreatedAt, a.LastActivityAt)
	}

	again, created, err := c.GetOrCreate(ctx, "ISSUE-42")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if created {
		t.Error("created = true on second claim")
	}
	if again.WorkspaceID != a.WorkspaceID {
		t.Errorf("second claim returned %q, want %q", again.WorkspaceID, a.WorkspaceID)
	}
	if git.createCount() != 1 {
		t.Errorf("git creates = %d, want 1", git.createCount())
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	ctx := context.Background()
	c, git, _ := newTestCoordinator(t)

	const n = 12
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _, err := c.GetOrCreate(ctx, "task-7")
			errs[i] = err
			if a != nil {
				ids[i] = a.WorkspaceID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d got %q, want %q", i, ids[i], ids[0])
		}
	}
	if git.createCount() != 1 {
		t.Errorf("git creates = %d, want exactly 1", git.createCount())
	}
	list, _ := c.List(ctx)
	if len(list) != 1 {
		t.Errorf("associations = %d, want 1", len(list))
	}
}

func TestGetOrCreate_SlugCollision(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	a, _, err := c.GetOrCreate(ctx, "Issue 1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, _, err := c.GetOrCreate(ctx, "issue_1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a.WorkspaceID == b.WorkspaceID || a.Path == b.Path || a.Branch == b.Branch {
		t.Errorf("colliding slugs share a workspace: %+v / %+v", a, b)
	}
}

func TestGetOrCreate_Errors(t *testing.T) {
	ctx := context.Background()
	c, git, _ := newTestCoordinator(t)

	if _, _, err := c.GetOrCreate(ctx, "???"); !errors.IsInput(err) {
		t.Errorf("unsluggable id error = %v, want InputError", err)
	}

	git.createErr = errors.NewGitError("boom", nil)
	if _, _, err := c.GetOrCreate(ctx, "task-1"); err == nil {
		t.Fatal("GetOrCreate should fail when git fails")
	}
	if a, _ := c.ResolveForEntity(ctx, "task-1"); a != nil {
		t.Errorf("failed create persisted an association: %+v", a)
	}
}

func TestGetOrCreate_CorruptDocumentFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	c := NewCoordinator(store, newFakeGit(), Options{Dir: "/w"})

	if err := store.Save(ctx, statestore.KeyWorkspaces, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.GetOrCreate(ctx, "task-1"); !errors.IsCorruption(err) {
		t.Errorf("GetOrCreate error = %v, want corruption", err)
	}
	data, _ := store.Load(ctx, statestore.KeyWorkspaces)
	if string(data) != "{not json" {
		t.Error("corrupt document was overwritten")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	if a, err := c.ResolveForEntity(ctx, "none"); err != nil || a != nil {
		t.Errorf("ResolveForEntity(none) = %v, %v", a, err)
	}

	created, _, _ := c.GetOrCreate(ctx, "task-9")
	byEntity, err := c.ResolveForEntity(ctx, "task-9")
	if err != nil || byEntity == nil || byEntity.WorkspaceID != created.WorkspaceID {
		t.Errorf("ResolveForEntity = %+v, %v", byEntity, err)
	}
	byID, err := c.Resolve(ctx, created.WorkspaceID)
	if err != nil || byID == nil || byID.EntityID != "task-9" {
		t.Errorf("Resolve = %+v, %v", byID, err)
	}
	if a, _ := c.Resolve(ctx, "ws-missing"); a != nil {
		t.Errorf("Resolve(ws-missing) = %+v, want nil", a)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	c, git, _ := newTestCoordinator(t)

	a, _, _ := c.GetOrCreate(ctx, "task-3")
	released, err := c.Release(ctx, "task-3")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released == nil || released.WorkspaceID != a.WorkspaceID {
		t.Errorf("Release returned %+v", released)
	}
	if len(git.removed) != 1 || git.removed[0] != a.Path {
		t.Errorf("removed = %v", git.removed)
	}
	if len(git.deleted) != 1 || git.deleted[0] != a.Branch {
		t.Errorf("deleted = %v", git.deleted)
	}
	if got, _ := c.ResolveForEntity(ctx, "task-3"); got != nil {
		t.Errorf("association survived release: %+v", got)
	}

	// Idempotent.
	released, err = c.Release(ctx, "task-3")
	if err != nil || released != nil {
		t.Errorf("second Release = %+v, %v", released, err)
	}
}

func TestRelease_GitFailureStillDeletesAssociation(t *testing.T) {
	ctx := context.Background()
	c, git, _ := newTestCoordinator(t)

	_, _, _ = c.GetOrCreate(ctx, "task-4")
	git.removeErr = fmt.Errorf("worktree busy")

	if _, err := c.Release(ctx, "task-4"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got, _ := c.ResolveForEntity(ctx, "task-4"); got != nil {
		t.Error("association should be gone even when cleanup fails")
	}
}

func TestTouchAndCleanupStale(t *testing.T) {
	ctx := context.Background()
	c, git, clock := newTestCoordinator(t)

	old, _, _ := c.GetOrCreate(ctx, "old-task")
	clock.Advance(2 * time.Hour)
	fresh, _, _ := c.GetOrCreate(ctx, "fresh-task")
	clock.Advance(30 * time.Minute)

	if err := c.Touch(ctx, "ws-unknown"); err != nil {
		t.Errorf("Touch(unknown) = %v", err)
	}

	stale, err := c.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(stale) != 1 || stale[0].EntityID != "old-task" {
		t.Fatalf("stale = %+v, want only old-task", stale)
	}
	if len(git.removed) != 1 || git.removed[0] != old.Path {
		t.Errorf("removed = %v", git.removed)
	}

	clock.Advance(50 * time.Minute)
	if err := c.Touch(ctx, fresh.WorkspaceID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clock.Advance(30 * time.Minute)
	stale, err = c.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("touched workspace was swept: %+v", stale)
	}
}

func TestCoordinator_RealGit(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	ctx := context.Background()

	store, err := statestore.NewFileStore(filepath.Join(repo, ".guardian", "state"))
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(store, worktree.NewWithExecutor(repo, worktree.CLICommandExecutor{}), Options{
		Dir:          filepath.Join(repo, ".guardian", "worktrees"),
		BranchPrefix: "guardian",
	})

	a, created, err := c.GetOrCreate(ctx, "Issue 12")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("created = false")
	}
	if _, err := os.Stat(filepath.Join(a.Path, "README.md")); err != nil {
		t.Errorf("checkout missing README: %v", err)
	}
	if !testutil.BranchExists(t, repo, a.Branch) {
		t.Errorf("branch %s not created", a.Branch)
	}

	if _, err := c.Release(ctx, "Issue 12"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("checkout still present: %v", err)
	}
	if testutil.BranchExists(t, repo, a.Branch) {
		t.Errorf("branch %s still present", a.Branch)
	}
}
