package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/guardian"
	"github.com/Iron-Ham/guardian/internal/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage the critical resource lock",
	Long: `Acquire, release and inspect named resource locks. Without a name the
configured critical resource lock (gate.critical_resource.lock_name) is used.

The holder defaults to the caller's workspace id, then the current session.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire [name]",
	Short: "Acquire a lock",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [name]",
	Short: "Release a lock you hold",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockRelease,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show one lock, or every live lock",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockStatus,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockStatusCmd)

	for _, c := range []*cobra.Command{lockAcquireCmd, lockReleaseCmd} {
		c.Flags().String("holder", "", "holder identity")
	}
	lockAcquireCmd.Flags().String("operation", "", "what the lock is held for")
	lockAcquireCmd.Flags().Duration("ttl", 0, "lock lifetime (default lock.default_ttl)")
}

func lockName(g *guardian.Guardian, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return g.Config.Gate.CriticalResource.LockName
}

func lockHolder(ctx context.Context, cmd *cobra.Command, g *guardian.Guardian) string {
	if h, _ := cmd.Flags().GetString("holder"); h != "" {
		return h
	}
	if ws := workspaceID(cmd); ws != "" {
		return ws
	}
	if s, err := g.Sessions.Current(ctx); err == nil {
		return s.ID
	}
	return ""
}

// withHolderHint explains how to name a holder when the lock manager
// rejected the request as invalid.
func withHolderHint(err error) error {
	if !errors.IsInput(err) {
		return err
	}
	return fmt.Errorf("%w (pass --holder, set %s or start a session)", err, config.WorkspaceEnvVar)
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	name, holder := lockName(g, args), lockHolder(ctx, cmd, g)
	operation, _ := cmd.Flags().GetString("operation")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	rec, err := g.Locks.Acquire(ctx, name, holder, operation, ttl)
	if err != nil {
		if errors.IsConflict(err) {
			fmt.Fprintln(cmd.ErrOrStderr(), errStyle.Render("lock held:"), err)
			return &ExitError{Code: 1, Err: err}
		}
		return withHolderHint(err)
	}
	g.Audit.Record(ctx, audit.Entry{Kind: audit.KindLock, Target: name, Reason: "acquired by " + holder + " for " + operation})
	return printLock(cmd, rec)
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	name, holder := lockName(g, args), lockHolder(ctx, cmd, g)
	released, err := g.Locks.Release(ctx, name, holder)
	if err != nil {
		return withHolderHint(err)
	}
	if released {
		g.Audit.Record(ctx, audit.Entry{Kind: audit.KindLock, Target: name, Reason: "released by " + holder})
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, map[string]any{"name": name, "holder": holder, "released": released})
	}
	if released {
		fmt.Fprintln(out, okStyle.Render("released"), name)
	} else {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s is not held by %s", name, holder)))
	}
	return nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()
	ctx := cmd.Context()

	if len(args) == 1 {
		rec, err := g.Locks.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "locked": false})
			}
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(args[0]+" is unlocked"))
			return nil
		}
		return printLock(cmd, rec)
	}

	recs, err := g.Locks.List(ctx)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		if recs == nil {
			recs = []lock.Record{}
		}
		return writeJSON(cmd.OutOrStdout(), recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no locks held"))
	}
	for i := range recs {
		if err := printLock(cmd, &recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func printLock(cmd *cobra.Command, rec *lock.Record) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, rec)
	}
	heading(out, rec.Name)
	field(out, "Holder", rec.Holder)
	if rec.Operation != "" {
		field(out, "Operation", rec.Operation)
	}
	field(out, "Acquired", rec.AcquiredAt.Local().Format(time.DateTime))
	field(out, "Expires", rec.ExpiresAt.Local().Format(time.DateTime))
	return nil
}
