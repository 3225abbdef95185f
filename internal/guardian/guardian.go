// Package guardian assembles the coordination components from configuration
// and implements the hook lifecycle on top of them. Every CLI command opens a
// Guardian, does one thing and closes it.
package guardian

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/guardian/internal/activity"
	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/conflict"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/gate"
	"github.com/Iron-Ham/guardian/internal/handoff"
	"github.com/Iron-Ham/guardian/internal/lock"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/nudge"
	"github.com/Iron-Ham/guardian/internal/pressure"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/statestore"
	"github.com/Iron-Ham/guardian/internal/workspace"
	"github.com/Iron-Ham/guardian/internal/worktree"
)

// Subdirectories of the state dir.
const (
	StateSubdir   = "state"
	LogsSubdir    = "logs"
	HandoffSubdir = "handoff"
)

// Options overrides parts of the assembly, mostly for tests.
type Options struct {
	// WorkDir locates the repository when the config leaves repo_root
	// empty. Defaults to the process working directory.
	WorkDir string
	// Logger replaces the configured log file.
	Logger *logging.Logger
	// Store replaces the file store under the state dir.
	Store statestore.Store
	// Fs is where handoff artifacts are written. Defaults to the OS.
	Fs afero.Fs
	// Git replaces the git CLI backend.
	Git *worktree.Manager
	// Now overrides time.Now.
	Now func() time.Time
}

// Guardian holds one fully wired set of components.
type Guardian struct {
	Config   *config.Config
	RepoRoot string
	StateDir string

	Store      statestore.Store
	Logger     *logging.Logger
	Audit      *audit.Recorder
	AuditLog   *audit.JSONLSink
	AuditDB    *audit.SQLiteSink
	Git        *worktree.Manager
	Locks      *lock.Manager
	Workspaces *workspace.Coordinator
	Block      *pressure.Block
	Gate       *gate.Gate
	Sessions   *session.Tracker
	Nudges     *nudge.Engine
	Monitor    *pressure.Monitor
	Handoffs   *handoff.Writer
	Analyzer   *conflict.Analyzer

	ownsLogger bool
	now        func() time.Time
}

// Open resolves paths from cfg and builds every component.
func Open(cfg *config.Config, opts Options) (*Guardian, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}
	fallback := workDir
	if root, err := worktree.FindGitRoot(workDir); err == nil {
		fallback = root
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Guardian{Config: cfg, now: now}
	g.RepoRoot = cfg.ResolveRepoRoot(fallback)
	g.StateDir = cfg.ResolveStateDir(g.RepoRoot)

	g.Logger = opts.Logger
	if g.Logger == nil {
		l, err := openLogger(cfg, g.StateDir)
		if err != nil {
			return nil, err
		}
		g.Logger, g.ownsLogger = l, true
	}

	g.Store = opts.Store
	if g.Store == nil {
		fs, err := statestore.NewFileStore(filepath.Join(g.StateDir, StateSubdir))
		if err != nil {
			g.closeLogger()
			return nil, err
		}
		g.Store = fs
	}

	g.Audit = g.openAudit(cfg)

	g.Git = opts.Git
	if g.Git == nil {
		m, err := worktree.New(g.RepoRoot)
		if err != nil {
			// Not a repository: path checks still work, checkout
			// operations fail with a GitError when attempted.
			g.Logger.Debug("repository not detected", "repo_root", g.RepoRoot, "error", err)
			m = worktree.NewWithExecutor(g.RepoRoot, worktree.CLICommandExecutor{})
		}
		g.Git = m
	}

	g.Locks = lock.NewManager(g.Store,
		lock.WithLogger(g.Logger),
		lock.WithClock(now),
		lock.WithDefaultTTL(cfg.Lock.DefaultTTL),
	)
	g.Workspaces = workspace.NewCoordinator(g.Store, g.Git, workspace.Options{
		Dir:          cfg.ResolveWorktreeDir(g.RepoRoot),
		BranchPrefix: cfg.Workspace.BranchPrefix,
		BaseBranch:   cfg.Workspace.BaseBranch,
		Logger:       g.Logger,
		Now:          now,
	})
	g.Block = pressure.NewBlock(g.Store)

	var err error
	g.Gate, err = gate.New(gate.Options{
		RepoRoot:   g.RepoRoot,
		Config:     cfg.Gate,
		Locks:      g.Locks,
		Workspaces: g.Workspaces,
		Block:      g.Block,
		Audit:      g.Audit,
		Logger:     g.Logger,
	})
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	g.Sessions = session.NewTracker(g.Store, session.WithLogger(g.Logger), session.WithClock(now))
	g.Nudges = nudge.NewEngine(g.Store, cfg.Nudge, nudge.WithLogger(g.Logger), nudge.WithClock(now))
	g.Monitor = pressure.NewMonitor(g.Sessions, g.Block, cfg.Pressure, pressure.WithLogger(g.Logger), pressure.WithClock(now))

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	g.Handoffs = handoff.NewWriter(fs, filepath.Join(g.StateDir, HandoffSubdir),
		handoff.WithRepo(g.Git),
		handoff.WithBlock(g.Block),
		handoff.WithStore(g.Store),
		handoff.WithAudit(g.Audit),
		handoff.WithLogger(g.Logger),
		handoff.WithClock(now),
	)

	labels, err := g.labels(cfg)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	if g.Analyzer, err = conflict.NewAnalyzer(labels); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func openLogger(cfg *config.Config, stateDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(filepath.Join(stateDir, LogsSubdir), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// openAudit builds the recorder. A database that cannot be opened is logged
// and skipped; auditing never prevents a decision.
func (g *Guardian) openAudit(cfg *config.Config) *audit.Recorder {
	var sinks []audit.Sink
	if cfg.Audit.JSONL {
		g.AuditLog = audit.NewJSONLSink(g.Store)
		sinks = append(sinks, g.AuditLog)
	}
	if path := cfg.ResolveSQLitePath(g.RepoRoot); path != "" {
		db, err := audit.OpenSQLite(path)
		if err != nil {
			g.Logger.Error("audit database unavailable", "path", path, "error", err)
		} else {
			g.AuditDB = db
			sinks = append(sinks, db)
		}
	}
	return audit.NewRecorder(g.Logger, sinks...)
}

// labels returns the configured area labels followed by those from
// labels_file. A configured file that cannot be read is an error.
func (g *Guardian) labels(cfg *config.Config) ([]config.AreaLabelConfig, error) {
	labels := append([]config.AreaLabelConfig(nil), cfg.Labels...)
	if cfg.LabelsFile == "" {
		return labels, nil
	}
	path := cfg.LabelsFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.RepoRoot, path)
	}
	extra, err := conflict.LoadLabelsFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "labels_file")
	}
	return append(labels, extra...), nil
}

// NewWatcher returns an activity watcher that records file changes into the
// session and refreshes workspace activity.
func (g *Guardian) NewWatcher(opts ...activity.Option) (*activity.Watcher, error) {
	base := []activity.Option{
		activity.WithSessionRecorder(g.Sessions),
		activity.WithToucher(g.Workspaces),
		activity.WithLogger(g.Logger),
	}
	return activity.New(append(base, opts...)...)
}

// Now returns the current time on the Guardian's clock.
func (g *Guardian) Now() time.Time { return g.now() }

// Close releases the audit database and the log file.
func (g *Guardian) Close() error {
	var errs []error
	if g.Audit != nil {
		errs = append(errs, g.Audit.Close())
	}
	errs = append(errs, g.closeLogger())
	return errors.Join(errs...)
}

func (g *Guardian) closeLogger() error {
	if g.ownsLogger && g.Logger != nil {
		return g.Logger.Close()
	}
	return nil
}
