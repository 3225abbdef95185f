package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/handoff"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Write a handoff for the current session now",
	Long: `Write HANDOFF.md and handoff.json describing the session's state and next
actions, archiving the previous handoff. Writing a handoff lifts the
pressure block.`,
	Args: cobra.NoArgs,
	RunE: runHandoff,
}

var handoffShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the live handoff",
	Args:  cobra.NoArgs,
	RunE:  runHandoffShow,
}

var handoffArchivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived handoffs",
	Args:  cobra.NoArgs,
	RunE:  runHandoffArchives,
}

func init() {
	rootCmd.AddCommand(handoffCmd)
	handoffCmd.AddCommand(handoffShowCmd)
	handoffCmd.AddCommand(handoffArchivesCmd)

	handoffCmd.Flags().String("reason", "manual handoff", "why the handoff is being written")
	handoffCmd.Flags().String("dir", "", "checkout to read git state from (default: current directory)")
}

func runHandoff(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	reason, _ := cmd.Flags().GetString("reason")
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir, _ = os.Getwd()
	}

	doc, err := g.Handoff(cmd.Context(), reason, dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, doc)
	}
	fmt.Fprintln(out, okStyle.Render("handoff written:"), filepath.Join(g.Handoffs.Dir(), handoff.NarrativeFile))
	for i, a := range doc.NextActions {
		fmt.Fprintf(out, "  %d. %s\n", i+1, a)
	}
	return nil
}

func runHandoffShow(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	doc, err := g.Handoffs.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if doc == nil {
		fmt.Fprintln(out, dimStyle.Render("no handoff written"))
		return nil
	}
	if jsonOutput(cmd) {
		return writeJSON(out, doc)
	}
	fmt.Fprint(out, handoff.Render(doc))
	return nil
}

func runHandoffArchives(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	names, err := g.Handoffs.Archives()
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		if names == nil {
			names = []string{}
		}
		return writeJSON(cmd.OutOrStdout(), names)
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(g.Handoffs.Dir(), handoff.ArchiveDir, n))
	}
	return nil
}
