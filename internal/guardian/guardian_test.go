package guardian

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/gate"
	"github.com/Iron-Ham/guardian/internal/handoff"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/nudge"
	"github.com/Iron-Ham/guardian/internal/pressure"
	"github.com/Iron-Ham/guardian/internal/statestore"
	"github.com/Iron-Ham/guardian/internal/worktree"
)

// okExecutor accepts every git command with empty output.
type okExecutor struct{}

func (okExecutor) Run(string, string, ...string) ([]byte, error) { return nil, nil }

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

type testEnv struct {
	g     *Guardian
	root  string
	clock *testClock
	store *statestore.MemoryStore
	fs    afero.Fs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	cfg := config.Default()
	cfg.RepoRoot = root
	cfg.Logging.Enabled = false

	env := &testEnv{
		root:  root,
		clock: &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		store: statestore.NewMemoryStore(),
		fs:    afero.NewMemMapFs(),
	}
	g, err := Open(cfg, Options{
		WorkDir: root,
		Logger:  logging.NopLogger(),
		Store:   env.store,
		Fs:      env.fs,
		Git:     worktree.NewWithExecutor(root, okExecutor{}),
		Now:     env.clock.Now,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	env.g = g
	return env
}

func payload(t *testing.T, tool string, input, response map[string]any) []byte {
	t.Helper()
	doc := map[string]any{"session_id": "s-1", "tool_name": tool, "tool_input": input}
	if response != nil {
		doc["tool_response"] = response
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func (e *testEnv) post(t *testing.T, data []byte, workspaceID string) *PostResult {
	t.Helper()
	inv, err := gate.ParseInvocation(data, workspaceID)
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	res, err := e.g.PostToolUse(context.Background(), inv)
	if err != nil {
		t.Fatalf("PostToolUse: %v", err)
	}
	return res
}

func kinds(advs []nudge.Advisory) []nudge.Kind {
	var out []nudge.Kind
	for _, a := range advs {
		out = append(out, a.Kind)
	}
	return out
}

func TestOpen_ResolvesPaths(t *testing.T) {
	env := newTestEnv(t)
	if env.g.RepoRoot != env.root {
		t.Errorf("RepoRoot = %q, want %q", env.g.RepoRoot, env.root)
	}
	if want := filepath.Join(env.root, ".guardian"); env.g.StateDir != want {
		t.Errorf("StateDir = %q, want %q", env.g.StateDir, want)
	}
	if want := filepath.Join(env.g.StateDir, HandoffSubdir); env.g.Handoffs.Dir() != want {
		t.Errorf("handoff dir = %q, want %q", env.g.Handoffs.Dir(), want)
	}
	if len(env.g.Analyzer.Labels()) == 0 {
		t.Error("default labels were not loaded")
	}
}

func TestOpen_LabelsFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "labels.yaml"), []byte("- name: infra\n  patterns: [\"deploy/**\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.RepoRoot = root
	cfg.Labels = nil
	cfg.LabelsFile = "labels.yaml"

	g, err := Open(cfg, Options{WorkDir: root, Logger: logging.NopLogger(), Store: statestore.NewMemoryStore(), Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer g.Close()
	if got := g.Analyzer.Labels(); !slices.Equal(got, []string{"infra"}) {
		t.Errorf("Labels() = %v, want [infra]", got)
	}

	cfg.LabelsFile = "missing.yaml"
	if _, err := Open(cfg, Options{WorkDir: root, Logger: logging.NopLogger(), Store: statestore.NewMemoryStore()}); err == nil {
		t.Error("Open() with a missing labels_file should fail")
	}
}

func TestPreToolUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		data    []byte
		allowed bool
		rule    string
	}{
		{"malformed", []byte("{"), false, gate.RuleInvalidInput},
		{"missing tool", []byte(`{"tool_input":{}}`), false, gate.RuleInvalidInput},
		{"credential write", payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, ".env")}, nil), false, gate.RuleNeverWrite},
		{"ordinary write", payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, "src/app.go")}, nil), true, ""},
		{"dangerous command", payload(t, "Bash", map[string]any{"command": "rm -rf /"}, nil), false, ""},
		{"benign command", payload(t, "Bash", map[string]any{"command": "go test ./..."}, nil), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := env.g.PreToolUse(ctx, tt.data, "")
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (%+v)", d.Allowed, tt.allowed, d)
			}
			if tt.rule != "" && d.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q", d.Rule, tt.rule)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("blocked decision has no reason")
			}
		})
	}

	entries, err := env.g.AuditLog.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) < 4 {
		t.Errorf("audit entries = %d, want one per block", len(entries))
	}
}

func TestPostToolUse_CommitNudge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.g.SessionStart(ctx, "s-1"); err != nil {
		t.Fatal(err)
	}

	for _, f := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		res := env.post(t, payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, "pkg", f)}, map[string]any{}), "")
		if slices.Contains(kinds(res.Advisories), nudge.KindCommit) {
			t.Fatal("commit advisory fired before the time threshold")
		}
	}

	env.clock.Advance(16 * time.Minute)
	res := env.post(t, payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, "pkg", "f.go")}, map[string]any{}), "")
	if !slices.Contains(kinds(res.Advisories), nudge.KindCommit) {
		t.Fatalf("advisories = %v, want commit", kinds(res.Advisories))
	}
	if res.State.FilesChanged != 6 {
		t.Errorf("FilesChanged = %d, want 6", res.State.FilesChanged)
	}
	if !slices.Contains(res.State.ChangedFiles, "pkg/f.go") {
		t.Errorf("ChangedFiles = %v, want repo-relative paths", res.State.ChangedFiles)
	}
	if len(res.State.PendingNudges) == 0 {
		t.Error("pending nudges not stored")
	}

	st, err := env.g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !slices.ContainsFunc(st.Cooldowns, func(c nudge.Cooldown) bool { return c.Kind == nudge.KindCommit }) {
		t.Errorf("Status().Cooldowns = %+v, want a commit cooldown", st.Cooldowns)
	}

	// Cooldown: the next call does not repeat it.
	res = env.post(t, payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, "pkg", "g.go")}, map[string]any{}), "")
	if slices.Contains(kinds(res.Advisories), nudge.KindCommit) {
		t.Error("commit advisory repeated inside its cooldown")
	}

	// A successful commit resets the counters.
	res = env.post(t, payload(t, "Bash", map[string]any{"command": "git commit -am wip"}, map[string]any{"exit_code": 0}), "")
	if res.State.FilesChanged != 0 {
		t.Errorf("FilesChanged after commit = %d, want 0", res.State.FilesChanged)
	}
}

func readPayload(t *testing.T, root string) []byte {
	t.Helper()
	return payload(t, "Read",
		map[string]any{"file_path": filepath.Join(root, "big.go")},
		map[string]any{"file": map[string]any{"numLines": 100}})
}

func TestPressureLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.g.SessionStart(ctx, "s-1"); err != nil {
		t.Fatal(err)
	}

	// Each read weighs 0.02 + 100*0.002 + 0.004 = 0.224.
	var res *PostResult
	for i := 0; i < 3; i++ {
		res = env.post(t, readPayload(t, env.root), "")
	}
	if res.Reading.Severity != pressure.SeverityWarning {
		t.Errorf("severity after 3 reads = %v, want warning", res.Reading.Severity)
	}
	if !slices.Contains(kinds(res.Advisories), nudge.KindContext) {
		t.Errorf("advisories = %v, want context", kinds(res.Advisories))
	}

	res = env.post(t, readPayload(t, env.root), "")
	if res.Reading.Severity != pressure.SeverityCritical {
		t.Fatalf("severity after 4 reads = %v, want critical", res.Reading.Severity)
	}
	if active, err := env.g.Block.Active(ctx); err != nil || !active {
		t.Fatalf("block Active() = %v, %v; want set at critical", active, err)
	}
	d, _ := env.g.PreToolUse(ctx, payload(t, "Write", map[string]any{"file_path": filepath.Join(env.root, "src/app.go")}, nil), "")
	if d.Allowed || d.Rule != gate.RulePressureBlock {
		t.Errorf("write under pressure block = %+v, want pressure-block", d)
	}

	env.post(t, readPayload(t, env.root), "")
	end, err := env.g.SessionEnd(ctx, "")
	if err != nil {
		t.Fatalf("SessionEnd: %v", err)
	}
	if end.Handoff == nil {
		t.Fatal("no handoff at forced pressure")
	}
	if end.Reading.Pressure != 1 {
		t.Errorf("final pressure = %v, want clamped to 1", end.Reading.Pressure)
	}
	if active, _ := env.g.Block.Active(ctx); active {
		t.Error("handoff did not clear the block")
	}
	if ok, _ := afero.Exists(env.fs, filepath.Join(env.g.Handoffs.Dir(), handoff.NarrativeFile)); !ok {
		t.Error("narrative handoff not written")
	}
	if end.State == nil || end.State.ID != "s-1" {
		t.Errorf("ended state = %+v", end.State)
	}
}

func TestSessionEnd_NoHandoffWhenCalm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.g.SessionStart(ctx, "calm"); err != nil {
		t.Fatal(err)
	}
	env.post(t, payload(t, "Bash", map[string]any{"command": "ls"}, map[string]any{"stdout": "a\n"}), "")

	end, err := env.g.SessionEnd(ctx, "")
	if err != nil {
		t.Fatalf("SessionEnd: %v", err)
	}
	if end.Handoff != nil {
		t.Errorf("unexpected handoff: %+v", end.Handoff)
	}
	archived, err := env.g.Sessions.Archived(ctx)
	if err != nil || len(archived) != 1 {
		t.Errorf("Archived() = %v, %v; want one", archived, err)
	}
}

func TestWorkspaceActivityAndSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, _, err := env.g.Workspaces.GetOrCreate(ctx, "ISSUE-7 fix login")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	stale, _, err := env.g.Workspaces.GetOrCreate(ctx, "ISSUE-8 old work")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	env.clock.Advance(23 * time.Hour)
	res := env.post(t, payload(t, "Edit", map[string]any{"file_path": filepath.Join(a.Path, "auth", "login.go")}, map[string]any{}), a.WorkspaceID)
	if !slices.Contains(res.State.ChangedFiles, "auth/login.go") {
		t.Errorf("ChangedFiles = %v, want workspace-relative path", res.State.ChangedFiles)
	}

	env.clock.Advance(2 * time.Hour)
	released, err := env.g.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(released) != 1 || released[0].WorkspaceID != stale.WorkspaceID {
		t.Fatalf("released = %+v, want only %s", released, stale.WorkspaceID)
	}
	if got, _ := env.g.Workspaces.Resolve(ctx, a.WorkspaceID); got == nil {
		t.Error("active workspace was swept")
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.g.SessionStart(ctx, "s-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.g.Locks.Acquire(ctx, "critical", "s-1", "migrate", time.Minute); err != nil {
		t.Fatal(err)
	}
	env.post(t, readPayload(t, env.root), "")

	st, err := env.g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Session.ID != "s-1" || st.Reading.ToolCalls != 1 || len(st.Locks) != 1 || st.Block != nil {
		t.Errorf("Status() = %+v", st)
	}
	if st.ArchivedSessions != 0 {
		t.Errorf("ArchivedSessions = %d, want 0", st.ArchivedSessions)
	}

	// Starting over archives the unfinished session.
	if _, err := env.g.SessionStart(ctx, "s-2"); err != nil {
		t.Fatal(err)
	}
	if st, err = env.g.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ArchivedSessions != 1 {
		t.Errorf("ArchivedSessions = %d, want 1", st.ArchivedSessions)
	}
}

func TestNewWatcher(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.g.NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	if err := w.Add("ws", env.root); err != nil {
		t.Errorf("Add: %v", err)
	}
}
