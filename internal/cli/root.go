package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var buildInfo BuildInfo

// ErrInterrupted is returned when a run was stopped by SIGINT/SIGTERM.
// main translates it into exit code 130.
var ErrInterrupted = errors.New("interrupted")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jira-lark-sync",
	Short: "Replicate JIRA issues into Lark Base tables",
	Long: `JIRA Lark Sync - one-way replication of JIRA issues into Lark Base tables.

Issues are fetched with per-table JQL queries, transformed through a YAML
field-mapping schema, and written to Lark Base via batched create/update
calls. A per-table processing log makes every pass incremental and safe to
re-run.`,
	Version:       buildInfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(info BuildInfo) error {
	buildInfo = info
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
}
