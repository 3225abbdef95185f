package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/guardian/internal/logging"
)

// EnvPrefix is the prefix for environment overrides (GUARDIAN_NUDGE_COOLDOWN=5m).
const EnvPrefix = "GUARDIAN"

// WorkspaceEnvVar carries the caller-workspace id assigned by whatever
// allocated the session to a workspace.
const WorkspaceEnvVar = "GUARDIAN_WORKSPACE_ID"

// Config represents the complete Guardian configuration
type Config struct {
	// StateDir holds persisted state, logs, handoffs and worktrees.
	// Relative paths resolve against RepoRoot.
	StateDir string `mapstructure:"state_dir"`
	// RepoRoot is the supervised repository. Empty means the git root of the
	// working directory.
	RepoRoot   string            `mapstructure:"repo_root"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Gate       GateConfig        `mapstructure:"gate"`
	Lock       LockConfig        `mapstructure:"lock"`
	Workspace  WorkspaceConfig   `mapstructure:"workspace"`
	Nudge      NudgeConfig       `mapstructure:"nudge"`
	Pressure   PressureConfig    `mapstructure:"pressure"`
	Labels     []AreaLabelConfig `mapstructure:"labels"`
	LabelsFile string            `mapstructure:"labels_file"`
	Audit      AuditConfig       `mapstructure:"audit"`
	Schedule   ScheduleConfig    `mapstructure:"schedule"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size before rotation (default: 5)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files (default: false)
	Compress bool `mapstructure:"compress"`
}

// GateConfig holds the admission gate's path tables.
//
// Prefix lists are directory prefixes: relative entries resolve against the
// repository root, absolute entries are used as given. Pattern lists are globs
// (see internal/pattern).
type GateConfig struct {
	// AlwaysAllowed prefixes bypass every file check (shared coordination area).
	AlwaysAllowed []string `mapstructure:"always_allowed"`
	// PressureAllowed globs stay writable while the pressure block is set.
	PressureAllowed []string `mapstructure:"pressure_allowed"`
	// NeverWrite globs are credential and key material. Always blocked.
	NeverWrite []string `mapstructure:"never_write"`
	// SystemPrefixes are absolute prefixes that are always blocked.
	SystemPrefixes []string `mapstructure:"system_prefixes"`
	// SharedAllowList prefixes are writable from any workspace.
	SharedAllowList []string `mapstructure:"shared_allow_list"`
	// Sensitive globs are allowed but recorded in the audit log.
	Sensitive []string `mapstructure:"sensitive"`
	// CriticalResource is the one file guarded by the resource lock.
	CriticalResource CriticalResourceConfig `mapstructure:"critical_resource"`
}

// CriticalResourceConfig names the guarded file and its lock.
type CriticalResourceConfig struct {
	// Path is a glob for the guarded file. Empty disables the check.
	Path string `mapstructure:"path"`
	// LockName is the resource name used with the lock manager.
	LockName string `mapstructure:"lock_name"`
}

// LockConfig controls the critical resource lock.
type LockConfig struct {
	// DefaultTTL applies when acquire is called without a ttl (default: 30m)
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// WorkspaceConfig controls isolated checkout allocation.
type WorkspaceConfig struct {
	// Dir is where checkouts are created. Relative paths resolve against the
	// state dir (default: "worktrees")
	Dir string `mapstructure:"dir"`
	// BranchPrefix is prepended to every workspace branch (default: "guardian")
	BranchPrefix string `mapstructure:"branch_prefix"`
	// BaseBranch is the branch new checkouts start from. Empty means HEAD.
	BaseBranch string `mapstructure:"base_branch"`
	// MaxIdle is the staleness threshold used by sweep (default: 24h)
	MaxIdle time.Duration `mapstructure:"max_idle"`
}

// NudgeConfig controls advisory thresholds and cooldowns.
type NudgeConfig struct {
	// Cooldown is the minimum interval between two advisories of one type (default: 10m)
	Cooldown time.Duration `mapstructure:"cooldown"`
	// CommitFiles is the changed-file count that makes a commit advisory eligible (default: 5)
	CommitFiles int `mapstructure:"commit_files"`
	// CommitAfter is the time since last commit that makes a commit advisory eligible (default: 15m)
	CommitAfter time.Duration `mapstructure:"commit_after"`
	// TestAfter is the time since last test run that makes a test advisory eligible (default: 10m)
	TestAfter time.Duration `mapstructure:"test_after"`
	// ContextWarn is the pressure at which the context advisory fires (default: 0.5)
	ContextWarn float64 `mapstructure:"context_warn"`
}

// PressureConfig holds the context pressure weights and severity thresholds.
type PressureConfig struct {
	ConsultationWeight float64 `mapstructure:"consultation_weight"`
	ExcerptWeight      float64 `mapstructure:"excerpt_weight"`
	ToolCallWeight     float64 `mapstructure:"tool_call_weight"`

	Warning  float64 `mapstructure:"warning"`
	Orange   float64 `mapstructure:"orange"`
	Critical float64 `mapstructure:"critical"`
	Force    float64 `mapstructure:"force"`

	// BlockAt is the severity at which the gate's pressure block is set (default: "critical")
	BlockAt string `mapstructure:"block_at"`
	// ConsultationTools are tool names counted as consultations rather than plain tool use.
	ConsultationTools []string `mapstructure:"consultation_tools"`
}

// AreaLabelConfig is a named set of path globs identifying a code area.
type AreaLabelConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// AuditConfig controls where audit entries are written.
type AuditConfig struct {
	// JSONL appends entries to the state store's audit log (default: true)
	JSONL bool `mapstructure:"jsonl"`
	// SQLitePath enables the SQLite sink. Relative paths resolve against the state dir.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ScheduleConfig holds cron specs for `guardian daemon`.
type ScheduleConfig struct {
	// Sweep releases stale workspaces (default: "@every 15m")
	Sweep string `mapstructure:"sweep"`
	// Monitor re-evaluates context pressure (default: "@every 1m")
	Monitor string `mapstructure:"monitor"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	rotation := logging.DefaultRotationConfig()
	return &Config{
		StateDir: ".guardian",
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			Compress:   rotation.Compress,
		},
		Gate: GateConfig{
			AlwaysAllowed:   []string{".guardian/shared"},
			PressureAllowed: []string{".guardian/state/**", ".guardian/handoff/**", "HANDOFF.md"},
			NeverWrite: []string{
				"*.pem", "*.key", "*.p12", "*.pfx", "id_rsa*", "id_ed25519*",
				".env", ".env.*", "**/credentials*", "**/.aws/**", "**/.ssh/**",
			},
			SystemPrefixes: []string{
				"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys",
				"/System", "/Library",
			},
			SharedAllowList: []string{".guardian/shared", "/tmp"},
			Sensitive: []string{
				"go.mod", "go.sum", "package.json", "*.lock", "Dockerfile",
				".github/**", "Makefile",
			},
			CriticalResource: CriticalResourceConfig{
				Path:     "",
				LockName: "critical",
			},
		},
		Lock: LockConfig{
			DefaultTTL: 30 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Dir:          "worktrees",
			BranchPrefix: "guardian",
			BaseBranch:   "",
			MaxIdle:      24 * time.Hour,
		},
		Nudge: NudgeConfig{
			Cooldown:    10 * time.Minute,
			CommitFiles: 5,
			CommitAfter: 15 * time.Minute,
			TestAfter:   10 * time.Minute,
			ContextWarn: 0.5,
		},
		Pressure: PressureConfig{
			ConsultationWeight: 0.02,
			ExcerptWeight:      0.002,
			ToolCallWeight:     0.004,
			Warning:            0.5,
			Orange:             0.7,
			Critical:           0.85,
			Force:              0.95,
			BlockAt:            "critical",
			ConsultationTools:  []string{"Read", "Grep", "Glob", "WebFetch", "WebSearch"},
		},
		Labels: []AreaLabelConfig{
			{Name: "database", Patterns: []string{"**/migrations/**", "**/*.sql", "**/schema.*"}},
			{Name: "api", Patterns: []string{"api/**", "**/handlers/**", "**/routes/**"}},
			{Name: "auth", Patterns: []string{"**/auth/**", "**/session*"}},
			{Name: "frontend", Patterns: []string{"web/**", "ui/**", "**/*.tsx", "**/*.css"}},
			{Name: "build", Patterns: []string{"go.mod", "package.json", "Makefile", "Dockerfile", ".github/**"}},
		},
		Audit: AuditConfig{
			JSONL: true,
		},
		Schedule: ScheduleConfig{
			Sweep:   "@every 15m",
			Monitor: "@every 1m",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("state_dir", defaults.StateDir)
	viper.SetDefault("repo_root", defaults.RepoRoot)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Gate defaults
	viper.SetDefault("gate.always_allowed", defaults.Gate.AlwaysAllowed)
	viper.SetDefault("gate.pressure_allowed", defaults.Gate.PressureAllowed)
	viper.SetDefault("gate.never_write", defaults.Gate.NeverWrite)
	viper.SetDefault("gate.system_prefixes", defaults.Gate.SystemPrefixes)
	viper.SetDefault("gate.shared_allow_list", defaults.Gate.SharedAllowList)
	viper.SetDefault("gate.sensitive", defaults.Gate.Sensitive)
	viper.SetDefault("gate.critical_resource.path", defaults.Gate.CriticalResource.Path)
	viper.SetDefault("gate.critical_resource.lock_name", defaults.Gate.CriticalResource.LockName)

	viper.SetDefault("lock.default_ttl", defaults.Lock.DefaultTTL)

	// Workspace defaults
	viper.SetDefault("workspace.dir", defaults.Workspace.Dir)
	viper.SetDefault("workspace.branch_prefix", defaults.Workspace.BranchPrefix)
	viper.SetDefault("workspace.base_branch", defaults.Workspace.BaseBranch)
	viper.SetDefault("workspace.max_idle", defaults.Workspace.MaxIdle)

	// Nudge defaults
	viper.SetDefault("nudge.cooldown", defaults.Nudge.Cooldown)
	viper.SetDefault("nudge.commit_files", defaults.Nudge.CommitFiles)
	viper.SetDefault("nudge.commit_after", defaults.Nudge.CommitAfter)
	viper.SetDefault("nudge.test_after", defaults.Nudge.TestAfter)
	viper.SetDefault("nudge.context_warn", defaults.Nudge.ContextWarn)

	// Pressure defaults
	viper.SetDefault("pressure.consultation_weight", defaults.Pressure.ConsultationWeight)
	viper.SetDefault("pressure.excerpt_weight", defaults.Pressure.ExcerptWeight)
	viper.SetDefault("pressure.tool_call_weight", defaults.Pressure.ToolCallWeight)
	viper.SetDefault("pressure.warning", defaults.Pressure.Warning)
	viper.SetDefault("pressure.orange", defaults.Pressure.Orange)
	viper.SetDefault("pressure.critical", defaults.Pressure.Critical)
	viper.SetDefault("pressure.force", defaults.Pressure.Force)
	viper.SetDefault("pressure.block_at", defaults.Pressure.BlockAt)
	viper.SetDefault("pressure.consultation_tools", defaults.Pressure.ConsultationTools)

	viper.SetDefault("labels", defaults.Labels)
	viper.SetDefault("labels_file", defaults.LabelsFile)

	viper.SetDefault("audit.jsonl", defaults.Audit.JSONL)
	viper.SetDefault("audit.sqlite_path", defaults.Audit.SQLitePath)

	viper.SetDefault("schedule.sweep", defaults.Schedule.Sweep)
	viper.SetDefault("schedule.monitor", defaults.Schedule.Monitor)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ResolveRepoRoot returns the absolute repository root, falling back to
// fallback (usually the detected git root) when RepoRoot is unset.
func (c *Config) ResolveRepoRoot(fallback string) string {
	root := c.RepoRoot
	if root == "" {
		root = fallback
	}
	root = expandHome(root)
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// ResolveStateDir returns the absolute state directory for repoRoot.
func (c *Config) ResolveStateDir(repoRoot string) string {
	return resolveAgainst(repoRoot, c.StateDir, ".guardian")
}

// ResolveWorktreeDir returns the directory under which workspace checkouts
// are created.
func (c *Config) ResolveWorktreeDir(repoRoot string) string {
	return resolveAgainst(c.ResolveStateDir(repoRoot), c.Workspace.Dir, "worktrees")
}

// ResolveSQLitePath returns the audit database path or "" when disabled.
func (c *Config) ResolveSQLitePath(repoRoot string) string {
	if c.Audit.SQLitePath == "" {
		return ""
	}
	return resolveAgainst(c.ResolveStateDir(repoRoot), c.Audit.SQLitePath, "")
}

func resolveAgainst(base, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	path = expandHome(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "guardian")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guardian"
	}
	return filepath.Join(home, ".config", "guardian")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ProjectConfigFile returns the per-repository config file path.
func ProjectConfigFile(repoRoot string) string {
	return filepath.Join(repoRoot, ".guardian", "config.yaml")
}
