// Package main is the entry point for the workspace manager.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "wsm",
	Short:        "Workspace manager - durable workflows for cloud workspaces",
	SilenceUsage: true,
	Long: `wsm creates, clones and deletes cloud workspaces and their resources.
Every change runs as a durable workflow that survives restarts and undoes
its completed steps when it cannot finish.

Configuration is read from WSM_* environment variables.`,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
