package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackyhsuehtcg/jira-sync-sub000/internal/cli"
)

// Build-time variables set by ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	buildInfo := cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	if err := cli.Execute(buildInfo); err != nil {
		if errors.Is(err, cli.ErrInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
