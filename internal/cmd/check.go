package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/gate"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the admission gate about a command or file",
	Long: `Evaluate a command or file access the same way the pre-tool-use hook
would, without running anything. Exits 2 when the gate would block.`,
}

var checkCommandCmd = &cobra.Command{
	Use:   "command <text>...",
	Short: "Check shell command text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheckCommand,
}

var checkFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Check a file access",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckFile,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.AddCommand(checkCommandCmd)
	checkCmd.AddCommand(checkFileCmd)

	checkFileCmd.Flags().String("op", "write", "operation: read, write or edit")
	checkFileCmd.Flags().String("caller", "", "lock holder identity (default: the workspace id)")
}

func runCheckCommand(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	wd, _ := os.Getwd()
	inv := &gate.Invocation{
		Tool:        "Bash",
		Operation:   gate.OpExecute,
		Command:     strings.Join(args, " "),
		WorkDir:     wd,
		WorkspaceID: workspaceID(cmd),
	}
	return reportDecision(cmd, g.Gate.Evaluate(cmd.Context(), inv))
}

func runCheckFile(cmd *cobra.Command, args []string) error {
	opName, _ := cmd.Flags().GetString("op")
	op := gate.Operation(strings.ToLower(opName))
	switch op {
	case gate.OpRead, gate.OpWrite, gate.OpEdit:
	default:
		return fmt.Errorf("invalid --op %q: expected read, write or edit", opName)
	}

	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	ws := workspaceID(cmd)
	caller, _ := cmd.Flags().GetString("caller")
	if caller == "" {
		caller = ws
	}
	wd, _ := os.Getwd()
	d := g.Gate.EvaluateFileAccess(cmd.Context(), gate.FileAccess{
		Path:        args[0],
		Operation:   op,
		WorkDir:     wd,
		WorkspaceID: ws,
		Caller:      caller,
		Tool:        "check",
	})
	return reportDecision(cmd, d)
}

func reportDecision(cmd *cobra.Command, d gate.Decision) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := writeJSON(out, d); err != nil {
			return err
		}
	} else if d.Allowed {
		fmt.Fprintln(out, okStyle.Render("allowed"))
	} else {
		fmt.Fprintln(out, errStyle.Render("blocked"), dimStyle.Render("("+d.Rule+")"), d.Reason)
	}
	if !d.Allowed {
		return &ExitError{Code: blockExitCode}
	}
	return nil
}
