package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and per-table sync state",
	Long: `Probe the JIRA server and summarize the processing log of every
enabled table: how many rows it tracks, how many recorded errors, when it
was last written, and whether the next pass would run as a cold start.`,
	Example: `  jira-lark-sync status
  jira-lark-sync status --config /etc/jira-lark-sync/config.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	status := app.Coordinator.GetSystemStatus(context.Background())

	fmt.Println()
	if status.JIRAErr != nil {
		fmt.Printf("❌ JIRA: unreachable (%v)\n", status.JIRAErr)
	} else {
		fmt.Printf("✅ JIRA: connected (version %s)\n", status.JIRAVersion)
	}

	fmt.Printf("\n📋 Tables (%d enabled):\n", len(status.Tables))
	for _, table := range status.Tables {
		if table.Err != nil {
			fmt.Printf("  ❌ %s/%s (%s): %v\n", table.TeamKey, table.TableKey, table.TableID, table.Err)
			continue
		}
		summary := table.Summary
		line := fmt.Sprintf("  ✅ %s/%s (%s): %d tracked, %d errors",
			table.TeamKey, table.TableKey, table.TableID,
			summary.TotalRecords, summary.ErrorRecords)
		if summary.LastProcessedAt > 0 {
			line += fmt.Sprintf(", last sync %s", time.UnixMilli(summary.LastProcessedAt).Format(time.RFC3339))
		}
		if summary.IsColdStart {
			line += " ❄️  (cold start pending)"
		}
		fmt.Println(line)
	}

	if stats := status.UserMappings; stats != nil {
		fmt.Printf("\n👤 User mappings: %d total (%d resolved, %d empty, %d pending)\n",
			stats.Total, stats.Resolved, stats.Empty, stats.Pending)
	}

	if status.JIRAErr != nil {
		return fmt.Errorf("JIRA is unreachable")
	}
	return nil
}
