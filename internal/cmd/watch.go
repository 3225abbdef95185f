package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/activity"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Record file changes made outside the agent's tools",
	Long: `Watch a checkout and record every file change into the current session,
refreshing the workspace's activity time. Changes made by editors,
generators and formatters then count toward commit and test advisories.

With --all, every active workspace is watched and paths modified in more
than one workspace are reported. On exit the files seen per workspace are
summarized. --retention bounds how long a modification counts toward
overlaps.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("all", false, "watch every active workspace")
	watchCmd.Flags().Duration("debounce", activity.DefaultDebounce, "event coalescing window")
	watchCmd.Flags().Duration("retention", time.Hour, "forget modifications older than this (0 keeps them)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	debounce, _ := cmd.Flags().GetDuration("debounce")
	retention, _ := cmd.Flags().GetDuration("retention")
	w, err := g.NewWatcher(activity.WithDebounce(debounce), activity.WithRetention(retention))
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	all, _ := cmd.Flags().GetBool("all")
	var watched []string
	switch {
	case all:
		list, err := g.Workspaces.List(ctx)
		if err != nil {
			return err
		}
		for _, a := range list {
			if err := w.Add(a.WorkspaceID, a.Path); err != nil {
				g.Logger.Warn("cannot watch workspace", "workspace_id", a.WorkspaceID, "error", err)
				continue
			}
			watched = append(watched, a.WorkspaceID)
		}
	default:
		root := g.RepoRoot
		id := workspaceID(cmd)
		if len(args) == 1 {
			root = args[0]
		} else if id != "" {
			a, err := g.Workspaces.Resolve(ctx, id)
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("workspace %s has no active association", id)
			}
			root = a.Path
		}
		if err := w.Add(id, root); err != nil {
			return err
		}
		watched = append(watched, id)
	}

	out := cmd.OutOrStdout()
	asJSON := jsonOutput(cmd)
	w.OnChange(func(workspaceID, rel string) {
		if asJSON {
			_ = writeJSON(out, map[string]string{"workspace": workspaceID, "path": rel})
			return
		}
		fmt.Fprintln(out, dimStyle.Render(time.Now().Format(time.TimeOnly)), rel, dimStyle.Render(workspaceID))
	})
	w.OnOverlap(func(overlaps []activity.Overlap) {
		for _, o := range overlaps {
			g.Logger.Warn("file modified in several workspaces", "path", o.RelativePath, "workspaces", o.Workspaces)
		}
	})

	w.Start(ctx)
	if !asJSON {
		fmt.Fprintln(out, okStyle.Render("watching"), dimStyle.Render("(ctrl-c to stop)"))
	}
	<-ctx.Done()
	w.Stop()
	<-w.Done()
	summarizeWatch(w, watched, asJSON, out)
	return ignoreCanceled(ctx.Err())
}

type watchSummary struct {
	Files    map[string][]string `json:"files"`
	Overlaps []activity.Overlap  `json:"overlaps"`
}

func summarizeWatch(w *activity.Watcher, ids []string, asJSON bool, out io.Writer) {
	sum := watchSummary{Files: make(map[string][]string), Overlaps: w.Overlaps()}
	for _, id := range ids {
		if files := w.FilesFor(id); len(files) > 0 {
			sum.Files[id] = files
		}
	}
	if asJSON {
		_ = writeJSON(out, sum)
		return
	}
	for _, id := range ids {
		label := id
		if label == "" {
			label = "(no workspace)"
		}
		fmt.Fprintf(out, "%s %d files\n", label, len(sum.Files[id]))
	}
	for _, o := range sum.Overlaps {
		fmt.Fprintln(out, warnStyle.Render("overlap"), o.RelativePath, dimStyle.Render(strings.Join(o.Workspaces, ", ")))
	}
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
