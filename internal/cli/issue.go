package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:   "issue TEAM TABLE ISSUE-KEY",
	Short: "Sync a single issue into one table",
	Long: `Fetch one issue by key and write it into one table, bypassing both
cold-start detection and the timestamp filter. Useful for repairing a row
that was edited by hand or re-pushing an issue after a mapping fix.

The row is created or updated according to the processing log's record-id
index, and the result is recorded like any other pass.`,
	Example: `  jira-lark-sync issue tp-team tickets TP-1234`,
	Args:    cobra.ExactArgs(3),
	RunE:    runIssue,
}

func init() {
	rootCmd.AddCommand(issueCmd)
}

func runIssue(cmd *cobra.Command, args []string) error {
	teamKey, tableKey := args[0], args[1]
	issueKey := strings.ToUpper(strings.TrimSpace(args[2]))
	if issueKey == "" {
		return fmt.Errorf("issue key must not be empty")
	}

	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🔄 Syncing issue %s into %s/%s...\n", issueKey, teamKey, tableKey)
	result, err := app.Coordinator.SyncSingleIssue(ctx, teamKey, tableKey, issueKey)
	if err != nil {
		return interruptedOr(ctx, err)
	}

	printTableResult(teamKey, tableKey, result)
	if !result.Success {
		return interruptedOr(ctx, fmt.Errorf("issue sync failed: %w", result.Err))
	}
	if result.Fetched == 0 {
		return fmt.Errorf("issue %s not found or not visible", issueKey)
	}
	fmt.Println("✅ Issue synced")
	return nil
}
