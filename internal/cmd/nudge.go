package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/nudge"
)

var nudgeCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Evaluate advisories for the current session now",
	Long: `Evaluate commit, test, error and context advisories against the
current session. Advisories that fire start their cooldown, exactly as if
they had fired from the post-tool-use hook.

With --history, show previously fired advisories instead.`,
	Args: cobra.NoArgs,
	RunE: runNudge,
}

func init() {
	rootCmd.AddCommand(nudgeCmd)
	nudgeCmd.Flags().Int("history", 0, "show the last N fired advisories instead of evaluating")
}

func runNudge(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	var advs []nudge.Advisory
	if n, _ := cmd.Flags().GetInt("history"); n > 0 {
		advs, err = g.Nudges.History(ctx, n)
	} else {
		s, serr := g.Sessions.Current(ctx)
		if serr != nil {
			return serr
		}
		advs, err = g.Nudges.Evaluate(ctx, s)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if advs == nil {
			advs = []nudge.Advisory{}
		}
		return writeJSON(out, advs)
	}
	if len(advs) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no advisories"))
		return nil
	}
	for _, a := range advs {
		fmt.Fprintln(out, dimStyle.Render(a.At.Local().Format(time.TimeOnly)), warnStyle.Render("["+string(a.Kind)+"]"), a.Message)
	}
	return nil
}
