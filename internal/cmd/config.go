package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/worktree"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View Guardian configuration",
	Long: `View Guardian configuration.

Without arguments, displays the effective configuration after defaults,
config files and GUARDIAN_* environment variables are merged.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long: `Create a commented config file at .guardian/config.yaml in the repository
root, or at ~/.config/guardian/config.yaml with --global.`,
	RunE: runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().Bool("global", false, "write the user config instead of the project config")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return configErr
	}
	settings := viper.AllSettings()
	delete(settings, "config")

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, settings)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		field(out, "Config file", used)
	} else {
		field(out, "Config file", dimStyle.Render("(none - using defaults)"))
	}
	fmt.Fprintln(out)

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// projectRoot returns the git root of the working directory, or the
// working directory itself outside a repository.
func projectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, err := worktree.FindGitRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if global, _ := cmd.Flags().GetBool("global"); !global {
		root, err := projectRoot()
		if err != nil {
			return err
		}
		configFile = config.ProjectConfigFile(root)
	}

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, okStyle.Render("Created config file at"), configFile)
	fmt.Fprintln(out, "Edit this file to customize Guardian's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	root, err := projectRoot()
	if err != nil {
		return err
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ProjectConfigFile(root))
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ProjectConfigFile(root))
	fmt.Fprintf(out, "  2. %s\n", config.ConfigFile())
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_NUDGE_COOLDOWN)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}

const defaultConfigContent = `# Guardian Configuration

# Where state, logs and handoffs live, relative to the repository root
state_dir: .guardian

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  max_size_mb: 5
  max_backups: 3
  compress: false

# Admission gate
gate:
  # Paths every workspace may write
  always_allowed:
    - .guardian/shared
  # Paths still writable while the pressure block is raised
  pressure_allowed:
    - .guardian/state/**
    - .guardian/handoff/**
    - HANDOFF.md
  # Globs no tool may ever write
  never_write:
    - "*.pem"
    - "*.key"
    - ".env"
    - ".env.*"
    - "**/.ssh/**"
  # Writes under these absolute prefixes are refused
  system_prefixes: [/etc, /usr, /bin, /sbin, /boot, /dev, /proc, /sys]
  shared_allow_list: [.guardian/shared, /tmp]
  # Writes to these are allowed but audited
  sensitive: [go.mod, go.sum, package.json, "*.lock", Dockerfile, ".github/**"]
  # A path whose writes require holding a named lock
  critical_resource:
    path: ""
    lock_name: critical

lock:
  default_ttl: 30m

workspace:
  # Checkouts live here, relative to state_dir
  dir: worktrees
  branch_prefix: guardian
  # Empty means the repository's current branch
  base_branch: ""
  # Workspaces idle this long are released by the sweep
  max_idle: 24h

nudge:
  cooldown: 10m
  commit_files: 5
  commit_after: 15m
  test_after: 10m
  context_warn: 0.5

pressure:
  consultation_weight: 0.02
  excerpt_weight: 0.002
  tool_call_weight: 0.004
  warning: 0.5
  orange: 0.7
  critical: 0.85
  force: 0.95
  # Severity at which mutating tools are blocked until a handoff
  block_at: critical

# Area labels used by 'guardian analyze'
labels:
  - name: database
    patterns: ["**/migrations/**", "**/*.sql"]
  - name: api
    patterns: ["api/**", "**/handlers/**"]
# Additional labels loaded from a YAML file
labels_file: ""

audit:
  jsonl: true
  # Set to a path to also record audit entries in SQLite
  sqlite_path: ""

# Cron specs for 'guardian daemon'; empty disables a job
schedule:
  sweep: "@every 15m"
  monitor: "@every 1m"
`
