// Package worktree creates and removes the isolated git checkouts that back
// Guardian workspaces, and answers the few repository questions the handoff
// and pressure components ask (branch, head commit, uncommitted files).
package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// .git may be a directory (normal repo) or a file (linked worktree).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no repository found from "+startDir, errors.ErrNotGitRepository).WithPath(startDir)
		}
		dir = parent
	}
}

// Manager runs git worktree and branch commands against one repository.
type Manager struct {
	repoDir  string
	executor CommandExecutor
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoDir: root, executor: CLICommandExecutor{}}, nil
}

// NewWithExecutor creates a Manager with a custom executor. It does not
// check that repoDir is a repository.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Manager {
	return &Manager{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string { return m.repoDir }

func (m *Manager) git(dir string, args ...string) (string, error) {
	out, err := m.executor.Run(dir, "git", args...)
	// Trim only the tail: porcelain status lines start with a significant space.
	return strings.TrimRight(string(out), " \r\n"), err
}

func gitErr(msg string, err error, output string, args []string) *errors.GitError {
	if output != "" {
		msg += ": " + output
	}
	return errors.NewGitError(msg, err).WithCommand("git " + strings.Join(args, " "))
}

// Create adds a worktree at path on a new branch started from base
// (HEAD when base is empty).
func (m *Manager) Create(path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if out, err := m.git(m.repoDir, args...); err != nil {
		if strings.Contains(out, "already exists") {
			return gitErr("failed to create worktree", errors.Join(errors.ErrWorktreeExists, err), out, args).
				WithBranch(branch).WithPath(path)
		}
		return gitErr("failed to create worktree", err, out, args).WithBranch(branch).WithPath(path)
	}
	return nil
}

// Remove deletes the worktree at path. When git refuses, the directory is
// removed by hand and worktree metadata pruned; the git error is still
// returned so callers can log it.
func (m *Manager) Remove(path string) error {
	args := []string{"worktree", "remove", "--force", path}
	out, err := m.git(m.repoDir, args...)
	if err == nil {
		return nil
	}
	_ = os.RemoveAll(path)
	_, _ = m.git(m.repoDir, "worktree", "prune")
	return gitErr("failed to remove worktree cleanly", err, out, args).WithPath(path)
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	args := []string{"branch", "-D", branch}
	if out, err := m.git(m.repoDir, args...); err != nil {
		return gitErr("failed to delete branch", err, out, args).WithBranch(branch)
	}
	return nil
}

// List returns the paths of all worktrees in the repository.
func (m *Manager) List() ([]string, error) {
	args := []string{"worktree", "list", "--porcelain"}
	out, err := m.git(m.repoDir, args...)
	if err != nil {
		return nil, gitErr("failed to list worktrees", err, out, args)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// UncommittedFiles returns the paths `git status --porcelain` reports for the
// checkout at dir.
func (m *Manager) UncommittedFiles(dir string) ([]string, error) {
	args := []string{"status", "--porcelain"}
	out, err := m.git(dir, args...)
	if err != nil {
		return nil, gitErr("failed to read status", err, out, args).WithPath(dir)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		file := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new".
		if _, after, ok := strings.Cut(file, " -> "); ok {
			file = after
		}
		files = append(files, strings.Trim(file, `"`))
	}
	return files, nil
}

// HasUncommittedChanges reports whether the checkout at dir has any
// staged, unstaged, or untracked changes.
func (m *Manager) HasUncommittedChanges(dir string) (bool, error) {
	files, err := m.UncommittedFiles(dir)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// CurrentBranch returns the checked-out branch at dir.
func (m *Manager) CurrentBranch(dir string) (string, error) {
	args := []string{"rev-parse", "--abbrev-ref", "HEAD"}
	out, err := m.git(dir, args...)
	if err != nil {
		return "", gitErr("failed to get branch", err, out, args).WithPath(dir)
	}
	return out, nil
}

// HeadCommit returns the abbreviated HEAD commit at dir.
func (m *Manager) HeadCommit(dir string) (string, error) {
	args := []string{"rev-parse", "--short", "HEAD"}
	out, err := m.git(dir, args...)
	if err != nil {
		return "", gitErr("failed to get head commit", err, out, args).WithPath(dir)
	}
	return out, nil
}
