package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/pressure"
)

var pressureCmd = &cobra.Command{
	Use:   "pressure",
	Short: "Measure context pressure for the current session",
	Long: `Recompute context pressure from the session's tool-use ledger. When the
severity reaches pressure.block_at the write block is raised; it is lifted
by writing a handoff or with --clear.`,
	Args: cobra.NoArgs,
	RunE: runPressure,
}

func init() {
	rootCmd.AddCommand(pressureCmd)
	pressureCmd.Flags().Bool("clear", false, "lift the pressure block without writing a handoff")
}

func severityStyle(s pressure.Severity) lipgloss.Style {
	switch {
	case s >= pressure.SeverityCritical:
		return errStyle
	case s >= pressure.SeverityWarning:
		return warnStyle
	default:
		return okStyle
	}
}

func runPressure(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	if clear, _ := cmd.Flags().GetBool("clear"); clear {
		if err := g.Block.Clear(ctx); err != nil {
			return err
		}
		if !jsonOutput(cmd) {
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("pressure block cleared"))
		}
		return nil
	}

	s, err := g.Sessions.Current(ctx)
	if err != nil {
		return err
	}
	r, err := g.Monitor.Measure(ctx, s.ID)
	if err != nil {
		return err
	}
	block, err := g.Block.Status(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, map[string]any{"reading": r, "block": block, "block_at": g.Monitor.BlockAt()})
	}
	field(out, "Pressure", severityStyle(r.Severity).Render(fmt.Sprintf("%.0f%% (%s)", r.Pressure*100, r.Severity)))
	field(out, "Consultations", r.Consultations)
	field(out, "Excerpts", r.Excerpts)
	field(out, "Tool calls", r.ToolCalls)
	if block != nil {
		field(out, "Block", errStyle.Render("active since "+block.SetAt.Local().Format("15:04:05")))
	} else {
		field(out, "Block", dimStyle.Render("off (raised at "+g.Monitor.BlockAt().String()+")"))
	}
	return nil
}
