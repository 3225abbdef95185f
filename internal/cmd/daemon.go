package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/guardian"
	"github.com/Iron-Ham/guardian/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled sweeps and pressure checks",
	Long: `Run in the foreground, releasing stale workspaces on schedule.sweep and
re-measuring context pressure on schedule.monitor. Both take standard cron
specs or descriptors such as "@every 15m". An empty spec disables the job.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// cronLogger adapts the Guardian logger to cron's logging interface.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// scheduleJobs registers the sweep and monitor jobs on c and returns how
// many were scheduled.
func scheduleJobs(ctx context.Context, c *cron.Cron, g *guardian.Guardian) (int, error) {
	logger := g.Logger.WithComponent("daemon")
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"sweep", g.Config.Schedule.Sweep, func() {
			released, err := g.Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", "error", err)
				return
			}
			if len(released) > 0 {
				logger.Info("sweep released workspaces", "count", len(released))
			}
		}},
		{"monitor", g.Config.Schedule.Monitor, func() {
			s, err := g.Sessions.Current(ctx)
			if err != nil {
				logger.Error("session unreadable", "error", err)
				return
			}
			if s.ID == "" {
				return
			}
			if _, err := g.Monitor.Measure(ctx, s.ID); err != nil {
				logger.Error("pressure measurement failed", "error", err)
			}
		}},
	}

	n := 0
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.run); err != nil {
			return n, fmt.Errorf("schedule.%s %q: %w", j.name, j.spec, err)
		}
		logger.Info("job scheduled", "job", j.name, "spec", j.spec)
		n++
	}
	return n, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := cronLogger{l: g.Logger.WithComponent("cron")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	n, err := scheduleJobs(ctx, c, g)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no jobs scheduled: schedule.sweep and schedule.monitor are both empty")
	}

	c.Start()
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("guardian daemon running"), dimStyle.Render(fmt.Sprintf("(%d jobs)", n)))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
