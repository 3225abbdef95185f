package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/testutil"
)

type mockCall struct {
	dir  string
	name string
	args []string
}

// mockExecutor returns canned responses in call order.
type mockExecutor struct {
	calls   []mockCall
	outputs [][]byte
	errs    []error
}

func (m *mockExecutor) addResponse(output string, err error) {
	m.outputs = append(m.outputs, []byte(output))
	m.errs = append(m.errs, err)
}

func (m *mockExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	idx := len(m.calls)
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	if idx < len(m.outputs) {
		return m.outputs[idx], m.errs[idx]
	}
	return nil, nil
}

func TestManager_Create(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		output   string
		err      error
		wantArgs []string
		wantErr  error
	}{
		{
			name:     "from HEAD",
			wantArgs: []string{"worktree", "add", "-b", "guardian/x", "/ws/x"},
		},
		{
			name:     "from base branch",
			base:     "main",
			wantArgs: []string{"worktree", "add", "-b", "guardian/x", "/ws/x", "main"},
		},
		{
			name:     "branch exists",
			output:   "fatal: a branch named 'guardian/x' already exists",
			err:      fmt.Errorf("exit status 128"),
			wantArgs: []string{"worktree", "add", "-b", "guardian/x", "/ws/x"},
			wantErr:  errors.ErrWorktreeExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockExecutor{}
			exec.addResponse(tt.output, tt.err)
			m := NewWithExecutor("/repo", exec)

			err := m.Create("/ws/x", "guardian/x", tt.base)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Create error = %v, want %v", err, tt.wantErr)
				}
				if errors.KindOf(err) != errors.KindGit {
					t.Errorf("error kind = %v, want git", errors.KindOf(err))
				}
			} else if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if got := exec.calls[0].args; !slices.Equal(got, tt.wantArgs) {
				t.Errorf("args = %v, want %v", got, tt.wantArgs)
			}
			if exec.calls[0].dir != "/repo" {
				t.Errorf("dir = %q, want /repo", exec.calls[0].dir)
			}
		})
	}
}

func TestManager_RemoveFallsBackToPrune(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse("error: not a working tree", fmt.Errorf("exit status 128"))
	m := NewWithExecutor("/repo", exec)

	dir := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(dir); err == nil {
		t.Fatal("Remove should report the git failure")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory should be removed manually")
	}
	if len(exec.calls) != 2 || !slices.Equal(exec.calls[1].args, []string{"worktree", "prune"}) {
		t.Errorf("calls = %+v, want remove then prune", exec.calls)
	}
}

func TestManager_UncommittedFiles(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse(" M internal/gate/gate.go\n?? notes.txt\nR  old.go -> new.go\n", nil)
	m := NewWithExecutor("/repo", exec)

	files, err := m.UncommittedFiles("/repo")
	if err != nil {
		t.Fatalf("UncommittedFiles: %v", err)
	}
	want := []string{"internal/gate/gate.go", "notes.txt", "new.go"}
	if !slices.Equal(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestManager_List(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse("worktree /repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /repo/.guardian/worktrees/a\nHEAD def\n", nil)
	m := NewWithExecutor("/repo", exec)

	paths, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(paths, []string{"/repo", "/repo/.guardian/worktrees/a"}) {
		t.Errorf("List() = %v", paths)
	}
}

func TestFindGitRoot(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	sub := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	root, err := FindGitRoot(sub)
	if err != nil || root != repo {
		t.Errorf("FindGitRoot(sub) = %q, %v; want %q", root, err, repo)
	}

	if _, err := FindGitRoot(t.TempDir()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("FindGitRoot(non-repo) error = %v", err)
	}
}

func TestManager_Integration(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wsPath := filepath.Join(repo, ".guardian", "worktrees", "issue-1")
	if err := m.Create(wsPath, "guardian/issue-1", "main"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if branch, err := m.CurrentBranch(wsPath); err != nil || branch != "guardian/issue-1" {
		t.Errorf("CurrentBranch = %q, %v", branch, err)
	}
	if commit, err := m.HeadCommit(wsPath); err != nil || commit == "" {
		t.Errorf("HeadCommit = %q, %v", commit, err)
	}

	if dirty, _ := m.HasUncommittedChanges(wsPath); dirty {
		t.Error("fresh worktree should be clean")
	}
	testutil.WriteFile(t, wsPath, "new.txt", "hello")
	if dirty, _ := m.HasUncommittedChanges(wsPath); !dirty {
		t.Error("worktree with an untracked file should be dirty")
	}

	if err := m.Remove(wsPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.DeleteBranch("guardian/issue-1"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if testutil.BranchExists(t, repo, "guardian/issue-1") {
		t.Error("branch should be deleted")
	}
}
