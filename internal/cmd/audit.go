package cmd

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries",
	Long: `Show blocked operations, sensitive writes, lock transitions, workspace
releases and handoffs, newest last. Entries come from the SQLite audit
database when audit.sqlite_path is set, else from the JSONL log.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntP("limit", "n", 20, "maximum entries to show (0 for all)")
	auditCmd.Flags().StringSlice("kind", nil, "only show these kinds (blocked, sensitive, lock, workspace, handoff)")
	auditCmd.Flags().Duration("since", 0, "only show entries newer than this")
}

func runAudit(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	kindNames, _ := cmd.Flags().GetStringSlice("kind")
	since, _ := cmd.Flags().GetDuration("since")

	f := audit.Filter{Limit: limit}
	for _, k := range kindNames {
		f.Kinds = append(f.Kinds, audit.Kind(k))
	}
	if since > 0 {
		f.Since = g.Now().Add(-since)
	}

	var entries []audit.Entry
	switch {
	case g.AuditDB != nil:
		entries, err = g.AuditDB.Query(ctx, f)
		// Query is newest first
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	case g.AuditLog != nil:
		entries, err = g.AuditLog.Recent(ctx, 0)
		entries = filterEntries(entries, f)
	default:
		return fmt.Errorf("no audit sink configured: enable audit.jsonl or set audit.sqlite_path")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if entries == nil {
			entries = []audit.Entry{}
		}
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no audit entries"))
		return nil
	}
	for _, e := range entries {
		kind := dimStyle.Render("[" + string(e.Kind) + "]")
		if e.Kind == audit.KindBlocked {
			kind = errStyle.Render("[" + string(e.Kind) + "]")
		}
		fmt.Fprintln(out, dimStyle.Render(e.Time.Local().Format(time.DateTime)), kind, e.Target, e.Reason)
	}
	return nil
}

// filterEntries applies f to entries read oldest first, keeping the newest
// f.Limit matches.
func filterEntries(entries []audit.Entry, f audit.Filter) []audit.Entry {
	var kept []audit.Entry
	for _, e := range entries {
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
			continue
		}
		kept = append(kept, e)
	}
	if f.Limit > 0 && len(kept) > f.Limit {
		kept = kept[len(kept)-f.Limit:]
	}
	return kept
}
