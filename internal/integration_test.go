// Package internal contains integration tests that run the coordination
// components together against a real git repository.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/gate"
	"github.com/Iron-Ham/guardian/internal/guardian"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/testutil"
)

func openRepoGuardian(t *testing.T) (*guardian.Guardian, string) {
	t.Helper()
	repo := testutil.SetupTestRepo(t)

	cfg := config.Default()
	cfg.Logging.Enabled = false
	cfg.Gate.CriticalResource = config.CriticalResourceConfig{Path: "db/schema.sql", LockName: "schema"}

	g, err := guardian.Open(cfg, guardian.Options{WorkDir: repo, Logger: logging.NopLogger()})
	if err != nil {
		t.Fatalf("guardian.Open: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g, repo
}

// TestWorkspaceIsolation claims real worktrees for two tasks and checks
// that each may only write inside its own checkout.
func TestWorkspaceIsolation(t *testing.T) {
	g, repo := openRepoGuardian(t)
	ctx := context.Background()

	a, created, err := g.Workspaces.GetOrCreate(ctx, "issue-42")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Fatal("first claim should create the workspace")
	}
	b, _, err := g.Workspaces.GetOrCreate(ctx, "issue-43")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := os.Stat(filepath.Join(a.Path, "README.md")); err != nil {
		t.Errorf("worktree not checked out at %s: %v", a.Path, err)
	}
	if !testutil.BranchExists(t, repo, a.Branch) {
		t.Errorf("branch %s was not created", a.Branch)
	}

	again, created, err := g.Workspaces.GetOrCreate(ctx, "issue-42")
	if err != nil || created || again.WorkspaceID != a.WorkspaceID {
		t.Errorf("second claim = (%+v, %v, %v), want existing %s", again, created, err, a.WorkspaceID)
	}

	write := func(path string, ws string) gate.Decision {
		return g.Gate.EvaluateFileAccess(ctx, gate.FileAccess{
			Path:        path,
			Operation:   gate.OpWrite,
			WorkDir:     repo,
			WorkspaceID: ws,
			Caller:      ws,
			Tool:        "Write",
		})
	}

	ws := string(a.WorkspaceID)
	if d := write(filepath.Join(a.Path, "main.go"), ws); !d.Allowed {
		t.Errorf("write inside own workspace blocked: %s", d.Reason)
	}
	if d := write(filepath.Join(b.Path, "main.go"), ws); d.Allowed || d.Rule != gate.RuleWorkspace {
		t.Errorf("write into another workspace = %+v, want %s block", d, gate.RuleWorkspace)
	}
	if d := write(filepath.Join(repo, "main.go"), ws); d.Allowed || d.Rule != gate.RuleWorkspace {
		t.Errorf("write into the main checkout = %+v, want %s block", d, gate.RuleWorkspace)
	}
	if d := write(filepath.Join(repo, ".guardian", "shared", "notes.md"), ws); !d.Allowed {
		t.Errorf("write to the shared area blocked: %s", d.Reason)
	}

	if _, err := g.Workspaces.Release(ctx, "issue-42"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("worktree %s still present after release", a.Path)
	}
	if testutil.BranchExists(t, repo, a.Branch) {
		t.Errorf("branch %s still present after release", a.Branch)
	}
	if d := write(filepath.Join(a.Path, "main.go"), ws); d.Allowed {
		t.Error("released workspace should no longer admit writes")
	}
}

// TestCriticalResourceAcrossWorkspaces checks that the schema lock held by
// one workspace blocks writes to the schema from another, and only until
// it is released.
func TestCriticalResourceAcrossWorkspaces(t *testing.T) {
	g, _ := openRepoGuardian(t)
	ctx := context.Background()

	a, _, err := g.Workspaces.GetOrCreate(ctx, "migrate-users")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, _, err := g.Workspaces.GetOrCreate(ctx, "migrate-orders")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	holder, other := string(a.WorkspaceID), string(b.WorkspaceID)
	if _, err := g.Locks.Acquire(ctx, "schema", holder, "add users table", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	write := func(root, ws string) gate.Decision {
		return g.Gate.EvaluateFileAccess(ctx, gate.FileAccess{
			Path:        filepath.Join(root, "db", "schema.sql"),
			Operation:   gate.OpEdit,
			WorkspaceID: ws,
			Caller:      ws,
			Tool:        "Edit",
		})
	}

	if d := write(a.Path, holder); !d.Allowed {
		t.Errorf("lock holder blocked: %s", d.Reason)
	}
	if d := write(b.Path, other); d.Allowed || d.Rule != gate.RuleCriticalResource {
		t.Errorf("other workspace = %+v, want %s block", d, gate.RuleCriticalResource)
	}

	if released, err := g.Locks.Release(ctx, "schema", holder); err != nil || !released {
		t.Fatalf("Release = (%v, %v)", released, err)
	}
	if d := write(b.Path, other); !d.Allowed {
		t.Errorf("write after release blocked: %s", d.Reason)
	}
}
