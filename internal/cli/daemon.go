package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jackyhsuehtcg/jira-sync-sub000/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the continuous scheduler",
	Long: `Run the long-lived scheduler loop.

Every ten seconds the daemon scans all enabled tables and dispatches the
ones whose sync interval has elapsed, each on its own goroutine. A failed
table retries after sixty seconds regardless of its configured interval.

Once a day (midnight by default) dispatch pauses, in-flight syncs drain,
and a cleanup window removes duplicate and orphaned target rows, trims old
processing-log and metrics data, and retries pending user mappings.

The configuration file is polled for changes and hot-reloaded; tables that
survive a reload keep their position in the schedule. When --metrics-addr
is set, Prometheus metrics are served at /metrics.

The daemon runs until SIGINT or SIGTERM, then drains in-flight syncs
before exiting.`,
	Example: `  jira-lark-sync daemon
  jira-lark-sync daemon --metrics-addr :9090
  jira-lark-sync daemon --cleanup-schedule "0 3 * * *" --retention-days 30`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	daemonCmd.Flags().String("cleanup-schedule", "", "Cron expression for the daily cleanup window (default midnight)")
	daemonCmd.Flags().Int("retention-days", 0, "Days of processing-log and metrics history to keep (default 90)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	cleanupSchedule, _ := cmd.Flags().GetString("cleanup-schedule")
	retentionDays, _ := cmd.Flags().GetInt("retention-days")

	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	d := daemon.New(app.Coordinator, app.Config, daemon.Options{
		ConfigPath:      app.ConfigPath,
		MetricsAddr:     metricsAddr,
		CleanupSchedule: cleanupSchedule,
		RetentionDays:   retentionDays,
	}, app.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("🚀 Daemon started, press Ctrl-C to stop")
	if err := d.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Println("🛑 Daemon stopped by signal")
		return ErrInterrupted
	}
	return nil
}
