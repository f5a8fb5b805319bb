package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackyhsuehtcg/jira-sync-sub000/internal/coordinator"
	syncengine "github.com/jackyhsuehtcg/jira-sync-sub000/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot synchronization pass",
	Long: `Run one synchronization pass and exit.

Without flags, every enabled table of every enabled team is synced, with up
to three teams in flight at once. Use --team to restrict the pass to one
team, and --team together with --table to sync a single table.

Each table pass is incremental: issues whose JIRA "updated" timestamp has
not advanced past the processing log are skipped. A table whose log is
empty or stale goes through cold-start seeding first, reusing the records
already present in the target table. --full-update bypasses the timestamp
filter and rewrites every row the target already contains.`,
	Example: `  # Sync everything
  jira-lark-sync sync

  # Sync one team
  jira-lark-sync sync --team tp-team

  # Sync one table
  jira-lark-sync sync --team tp-team --table tickets

  # Force-refresh every existing row of one table
  jira-lark-sync sync --team tp-team --table tickets --full-update`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("team", "", "Restrict the pass to one team")
	syncCmd.Flags().String("table", "", "Restrict the pass to one table (requires --team)")
	syncCmd.Flags().Bool("full-update", false, "Rewrite every existing target row, ignoring timestamps")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	teamKey, _ := cmd.Flags().GetString("team")
	tableKey, _ := cmd.Flags().GetString("table")
	fullUpdate, _ := cmd.Flags().GetBool("full-update")

	if tableKey != "" && teamKey == "" {
		return fmt.Errorf("--table requires --team")
	}

	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case tableKey != "":
		fmt.Printf("🔄 Syncing table %s/%s...\n", teamKey, tableKey)
		result, err := app.Coordinator.SyncSingleTable(ctx, teamKey, tableKey, fullUpdate)
		if err != nil {
			return interruptedOr(ctx, err)
		}
		printTableResult(teamKey, tableKey, result)
		if !result.Success {
			return interruptedOr(ctx, fmt.Errorf("table %s/%s failed: %w", teamKey, tableKey, result.Err))
		}
	case teamKey != "":
		fmt.Printf("🔄 Syncing team %s...\n", teamKey)
		team := app.Coordinator.SyncTeam(ctx, teamKey, fullUpdate, "")
		if err := printTeamResult(team); err != nil {
			return interruptedOr(ctx, err)
		}
	default:
		fmt.Println("🔄 Syncing all teams...")
		session := app.Coordinator.SyncAllTeams(ctx, fullUpdate)
		var failed int
		for _, team := range session.Teams {
			if err := printTeamResult(team); err != nil {
				failed++
			}
		}
		fmt.Printf("⏱️  Session finished in %s\n", session.Duration.Round(time.Millisecond))
		if failed > 0 {
			return interruptedOr(ctx, fmt.Errorf("%d team(s) had failures", failed))
		}
	}

	fmt.Println("✅ Sync complete")
	return nil
}

func printTeamResult(team *coordinator.TeamResult) error {
	if team.Err != nil {
		fmt.Printf("❌ Team %s: %v\n", team.TeamKey, team.Err)
		return team.Err
	}

	var failed int
	for _, table := range team.Tables {
		printTableResult(team.TeamKey, table.TableKey, table)
		if !table.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("team %s: %d table(s) failed", team.TeamKey, failed)
	}
	return nil
}

func printTableResult(teamKey, tableKey string, result *syncengine.Result) {
	mark := "✅"
	if !result.Success {
		mark = "❌"
	}
	fmt.Printf("%s %s/%s: fetched=%d skipped=%d created=%d updated=%d failed=%d (%s)\n",
		mark, teamKey, tableKey,
		result.Fetched, result.Skipped, result.Created, result.Updated, result.Failed,
		result.Duration.Round(time.Millisecond))
	if result.IsColdStart {
		fmt.Printf("   ❄️  cold start: reseeded the processing log from %s\n", result.TableID)
	}
	if len(result.PendingUsers) > 0 {
		fmt.Printf("   👤 %d user(s) pending resolution: %v\n", len(result.PendingUsers), result.PendingUsers)
	}
	if result.Err != nil {
		fmt.Printf("   error: %v\n", result.Err)
	}
}

// interruptedOr maps cancellation to the interrupted sentinel so main can
// exit with 130 instead of a generic failure.
func interruptedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	return err
}
