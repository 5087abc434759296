package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crewkit",
	Short: "Multi-role task coordination engine",
	Long: `Crewkit turns a free-text work order into a dependency-ordered set of
subtasks and dispatches them to a bounded pool of role-specialized workers
that share a single consumption budget.

Core capabilities:
- Decomposes work orders into dependent subtasks per role
- Dispatches under per-role and global concurrency caps
- Enforces a shared reserve/commit token budget
- Reviews completed work and cycles rework with feedback
- Synthesizes a structured end-of-run report`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rolesCmd)
	rootCmd.AddCommand(versionCmd)
}
