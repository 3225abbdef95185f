package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/gate"
	"github.com/Iron-Ham/guardian/internal/handoff"
)

// blockExitCode tells the agent's hook runner to refuse the tool call and
// show stderr to the model.
const blockExitCode = 2

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Agent hook entry points",
	Long: `Entry points for the coding agent's hook system. Each reads the hook
payload as JSON on stdin.

  pre-tool-use   decide whether a tool call may run (exit 2 blocks)
  post-tool-use  record the outcome and print any advisories
  session-start  begin a fresh session
  session-end    measure pressure, hand off if needed, archive the session`,
}

var hookPreCmd = &cobra.Command{
	Use:   "pre-tool-use",
	Short: "Admission check before a tool runs",
	Args:  cobra.NoArgs,
	RunE:  runHookPre,
}

var hookPostCmd = &cobra.Command{
	Use:   "post-tool-use",
	Short: "Record a tool outcome and evaluate advisories",
	Args:  cobra.NoArgs,
	RunE:  runHookPost,
}

var hookStartCmd = &cobra.Command{
	Use:   "session-start",
	Short: "Begin a new session",
	Args:  cobra.NoArgs,
	RunE:  runHookStart,
}

var hookEndCmd = &cobra.Command{
	Use:   "session-end",
	Short: "Finish the session, writing a handoff when pressure warrants it",
	Args:  cobra.NoArgs,
	RunE:  runHookEnd,
}

func init() {
	rootCmd.AddCommand(hookCmd)
	hookCmd.AddCommand(hookPreCmd)
	hookCmd.AddCommand(hookPostCmd)
	hookCmd.AddCommand(hookStartCmd)
	hookCmd.AddCommand(hookEndCmd)
}

// readPayload returns stdin, or nil when stdin is an interactive terminal.
func readPayload(cmd *cobra.Command) ([]byte, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return nil, nil
	}
	return io.ReadAll(in)
}

// payloadFields decodes an optional lifecycle payload leniently.
func payloadFields(data []byte) map[string]any {
	var raw map[string]any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}

func block(cmd *cobra.Command, d gate.Decision) error {
	_ = writeJSON(cmd.OutOrStdout(), d)
	fmt.Fprintln(cmd.ErrOrStderr(), "guardian: "+d.Reason)
	return &ExitError{Code: blockExitCode}
}

func runHookPre(cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd)
	if err != nil {
		return block(cmd, gate.Block(gate.RuleInvalidInput, "cannot read hook payload: "+err.Error()))
	}

	g, err := openGuardian()
	if err != nil {
		return block(cmd, gate.Block(gate.RuleInternalError, "guardian unavailable: "+err.Error()))
	}
	defer g.Close()

	d, _ := g.PreToolUse(cmd.Context(), data, workspaceID(cmd))
	if !d.Allowed {
		return block(cmd, d)
	}
	return writeJSON(cmd.OutOrStdout(), d)
}

// runHookPost never fails the tool call: every error is reported on stderr
// and the exit status stays zero.
func runHookPost(cmd *cobra.Command, args []string) error {
	stderr := cmd.ErrOrStderr()
	data, err := readPayload(cmd)
	if err != nil {
		fmt.Fprintln(stderr, "guardian: cannot read hook payload:", err)
		return nil
	}
	inv, err := gate.ParseInvocation(data, workspaceID(cmd))
	if err != nil {
		fmt.Fprintln(stderr, "guardian: ignoring malformed payload:", err)
		return nil
	}

	g, err := openGuardian()
	if err != nil {
		fmt.Fprintln(stderr, "guardian: unavailable:", err)
		return nil
	}
	defer g.Close()

	res, err := g.PostToolUse(cmd.Context(), inv)
	if err != nil {
		g.Logger.Error("failed to record tool outcome", "tool", inv.Tool, "error", err)
		fmt.Fprintln(stderr, "guardian: failed to record outcome:", err)
		return nil
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, map[string]any{
			"advisories": res.Advisories,
			"pressure":   res.Reading.Pressure,
			"severity":   res.Reading.Severity,
		})
	}
	for _, a := range res.Advisories {
		fmt.Fprintln(out, warnStyle.Render("["+string(a.Kind)+"]"), a.Message)
	}
	return nil
}

func runHookStart(cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd)
	if err != nil {
		return err
	}
	fields := payloadFields(data)

	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	s, err := g.SessionStart(cmd.Context(), cast.ToString(fields["session_id"]))
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), s)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Session started:"), s.ID)
	return nil
}

func runHookEnd(cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd)
	if err != nil {
		return err
	}
	fields := payloadFields(data)
	workDir := cast.ToString(fields["cwd"])
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	res, err := g.SessionEnd(cmd.Context(), workDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, res)
	}
	field(out, "Pressure", fmt.Sprintf("%.0f%% (%s)", res.Reading.Pressure*100, res.Reading.Severity))
	if res.Handoff != nil {
		field(out, "Handoff", filepath.Join(g.Handoffs.Dir(), handoff.NarrativeFile))
		field(out, "Reason", res.Handoff.Reason)
	}
	if res.State != nil {
		fmt.Fprintln(out, okStyle.Render("Session ended:"), res.State.ID)
	}
	return nil
}
