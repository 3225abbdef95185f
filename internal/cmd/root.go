package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/guardian"
	"github.com/Iron-Ham/guardian/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Coordination guard for coding agents",
	Long: `Guardian sits between a coding agent and the repository it works in.

It is called by the agent's hook system before and after every tool use:
it blocks unsafe commands and out-of-bounds writes, isolates concurrent
work in separate git checkouts, serializes access to a critical resource,
nudges the session toward healthy habits and hands off when the context
grows too large.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./.guardian/config.yaml, then $HOME/.config/guardian/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "emit JSON even on a terminal")
	rootCmd.PersistentFlags().String("workspace", "", "caller workspace id (default $"+config.WorkspaceEnvVar+")")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if cwd, err := os.Getwd(); err == nil {
			root := cwd
			if r, err := worktree.FindGitRoot(cwd); err == nil {
				root = r
			}
			viper.AddConfigPath(filepath.Dir(config.ProjectConfigFile(root)))
		}
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// Replace dots with underscores for nested keys in env vars
	// e.g., GUARDIAN_NUDGE_COOLDOWN for nudge.cooldown
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file means defaults; any other read error is kept
	// for openGuardian so hooks fail closed on a broken config.
	configErr = nil
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configErr = fmt.Errorf("failed to read config file: %w", err)
		}
	}
}

// configErr holds the error from the last config file read, if any.
var configErr error

// openGuardian loads the configuration and wires every component.
func openGuardian() (*guardian.Guardian, error) {
	if configErr != nil {
		return nil, configErr
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return guardian.Open(cfg, guardian.Options{})
}

// workspaceID returns the caller's workspace: the --workspace flag, else
// the environment.
func workspaceID(cmd *cobra.Command) string {
	if id, _ := cmd.Flags().GetString("workspace"); id != "" {
		return id
	}
	return strings.TrimSpace(os.Getenv(config.WorkspaceEnvVar))
}
