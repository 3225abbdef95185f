package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage isolated workspaces",
	Long: `Each unit of work (an issue, a task) gets its own git checkout and
branch. Claiming the same entity twice returns the same workspace.

Export the printed workspace id as ` + "$GUARDIAN_WORKSPACE_ID" + ` in the agent's
environment to confine its writes to that checkout.`,
}

var workspaceClaimCmd = &cobra.Command{
	Use:   "claim <entity>",
	Short: "Get or create the workspace for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceClaim,
}

var workspaceResolveCmd = &cobra.Command{
	Use:   "resolve <entity>",
	Short: "Show the workspace for an entity without creating one",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceResolve,
}

var workspaceReleaseCmd = &cobra.Command{
	Use:   "release <entity>",
	Short: "Release an entity's workspace, removing its checkout and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceRelease,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active workspaces",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release workspaces idle longer than workspace.max_idle",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceSweep,
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceClaimCmd)
	workspaceCmd.AddCommand(workspaceResolveCmd)
	workspaceCmd.AddCommand(workspaceReleaseCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceSweepCmd)

	workspaceResolveCmd.Flags().Bool("id", false, "treat the argument as a workspace id")
}

func runWorkspaceClaim(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	a, created, err := g.Workspaces.GetOrCreate(ctx, args[0])
	if err != nil {
		return err
	}
	if created {
		g.Audit.Record(ctx, audit.Entry{Kind: audit.KindWorkspace, Target: a.Path, Reason: "claimed for " + a.EntityID, Workspace: a.WorkspaceID})
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"association": a, "created": created})
	}
	if created {
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("created"))
	}
	printAssociation(cmd, a, g.Now())
	return nil
}

func runWorkspaceResolve(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	var a *workspace.Association
	if byID, _ := cmd.Flags().GetBool("id"); byID {
		a, err = g.Workspaces.Resolve(cmd.Context(), args[0])
	} else {
		a, err = g.Workspaces.ResolveForEntity(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	if a == nil {
		if jsonOutput(cmd) {
			_ = writeJSON(cmd.OutOrStdout(), nil)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no workspace for "+args[0]))
		}
		return &ExitError{Code: 1}
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), a)
	}
	printAssociation(cmd, a, g.Now())
	return nil
}

func runWorkspaceRelease(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	a, err := g.Workspaces.Release(ctx, args[0])
	if err != nil {
		return err
	}
	if a != nil {
		g.Audit.Record(ctx, audit.Entry{Kind: audit.KindWorkspace, Target: a.Path, Reason: "released " + a.EntityID, Workspace: a.WorkspaceID})
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"released": a})
	}
	if a == nil {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no workspace for "+args[0]))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("released"), a.WorkspaceID)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	list, err := g.Workspaces.List(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		if list == nil {
			list = []workspace.Association{}
		}
		return writeJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no active workspaces"))
	}
	for i := range list {
		printAssociation(cmd, &list[i], g.Now())
	}
	return nil
}

func runWorkspaceSweep(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	released, err := g.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		if released == nil {
			released = []workspace.Association{}
		}
		return writeJSON(cmd.OutOrStdout(), released)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d stale workspace(s)\n", len(released))
	for _, a := range released {
		fmt.Fprintln(cmd.OutOrStdout(), " ", a.WorkspaceID, dimStyle.Render(a.EntityID))
	}
	return nil
}

func printAssociation(cmd *cobra.Command, a *workspace.Association, now time.Time) {
	out := cmd.OutOrStdout()
	heading(out, a.WorkspaceID)
	field(out, "Entity", a.EntityID)
	field(out, "Branch", a.Branch)
	field(out, "Path", a.Path)
	field(out, "Idle", a.Idle(now).Round(time.Second))
	fmt.Fprintln(out)
}
