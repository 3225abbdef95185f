package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session, locks and workspaces",
	Long: `Show the current session's counters and context pressure together with
the pressure block, held locks, active workspaces and the last advisory.
Nothing is modified.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	st, err := g.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, st)
	}

	now := g.Now()
	heading(out, "Session")
	if st.Session.ID == "" {
		field(out, "ID", dimStyle.Render("(none)"))
	} else {
		field(out, "ID", st.Session.ID)
		field(out, "Started", st.Session.StartedAt.Local().Format(time.DateTime))
	}
	field(out, "Files changed", st.Session.FilesChanged)
	field(out, "Tool calls", st.Session.ToolCalls)
	if st.Session.FailingTests > 0 {
		field(out, "Failing tests", errStyle.Render(fmt.Sprint(st.Session.FailingTests)))
	}
	field(out, "Pressure", severityStyle(st.Reading.Severity).Render(fmt.Sprintf("%.0f%% (%s)", st.Reading.Pressure*100, st.Reading.Severity)))
	if st.Block != nil {
		field(out, "Block", errStyle.Render(st.Block.Reason))
	} else {
		field(out, "Block", dimStyle.Render("off"))
	}
	if st.LastNudge != nil {
		field(out, "Last nudge", fmt.Sprintf("%s %s", warnStyle.Render("["+string(st.LastNudge.Kind)+"]"), st.LastNudge.Message))
	}
	window := g.Config.Nudge.Cooldown
	for _, c := range st.Cooldowns {
		if c.Active(now, window) {
			field(out, "Cooling down", fmt.Sprintf("%s %s", c.Kind, dimStyle.Render(c.LastTriggeredAt.Add(window).Sub(now).Round(time.Second).String()+" left")))
		}
	}
	field(out, "Archived", st.ArchivedSessions)

	fmt.Fprintln(out)
	heading(out, "Locks")
	if len(st.Locks) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  none held"))
	}
	for _, l := range st.Locks {
		fmt.Fprintf(out, "  %s %s %s\n", l.Name, l.Holder, dimStyle.Render("expires in "+l.ExpiresAt.Sub(now).Round(time.Second).String()))
	}

	fmt.Fprintln(out)
	heading(out, "Workspaces")
	if len(st.Workspaces) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  none active"))
	}
	for _, a := range st.Workspaces {
		fmt.Fprintf(out, "  %s %s %s\n", a.WorkspaceID, a.Branch, dimStyle.Render("idle "+a.Idle(now).Round(time.Second).String()))
	}
	return nil
}
