package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or rebuild a table's processing log",
	Long: `Manage the per-table processing log.

--rebuild wipes a table's processing log and reseeds it from the rows the
target table currently holds, exactly like a cold start. Use it after the
target was edited outside the sync, or when a log file was lost or
corrupted. The next sync pass then refreshes rows incrementally as usual.`,
	Example: `  # Rebuild one table's log
  jira-lark-sync cache --rebuild --team tp-team --table tickets

  # Rebuild every enabled table of one team
  jira-lark-sync cache --rebuild --team tp-team`,
	RunE: runCache,
}

func init() {
	cacheCmd.Flags().Bool("rebuild", false, "Wipe and reseed the processing log from the target table")
	cacheCmd.Flags().String("team", "", "Team to operate on")
	cacheCmd.Flags().String("table", "", "Table to operate on (requires --team)")
	rootCmd.AddCommand(cacheCmd)
}

func runCache(cmd *cobra.Command, args []string) error {
	rebuild, _ := cmd.Flags().GetBool("rebuild")
	teamKey, _ := cmd.Flags().GetString("team")
	tableKey, _ := cmd.Flags().GetString("table")

	if !rebuild {
		return fmt.Errorf("nothing to do: pass --rebuild")
	}
	if teamKey == "" {
		return fmt.Errorf("--rebuild requires --team")
	}

	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()

	if tableKey != "" {
		return rebuildOne(ctx, app, teamKey, tableKey)
	}

	tables := app.Config.EnabledTables(teamKey)
	if len(tables) == 0 {
		return fmt.Errorf("team %q has no enabled tables", teamKey)
	}
	for _, table := range tables {
		if err := rebuildOne(ctx, app, teamKey, table.Key); err != nil {
			return err
		}
	}
	return nil
}

func rebuildOne(ctx context.Context, app *App, teamKey, tableKey string) error {
	fmt.Printf("🔄 Rebuilding processing log for %s/%s...\n", teamKey, tableKey)
	seeded, err := app.Coordinator.RebuildCache(ctx, teamKey, tableKey)
	if err != nil {
		return fmt.Errorf("rebuild of %s/%s failed: %w", teamKey, tableKey, err)
	}
	fmt.Printf("✅ %s/%s: %d row(s) seeded\n", teamKey, tableKey, seeded)
	return nil
}
