package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - control plane for ephemeral development sandboxes",
	Long: `Burrow orchestrates per-session development sandboxes: it keeps a
pool of pre-warmed sandboxes, drives repo clone, dependency install and
dev-server startup through an external host daemon, and runs the agent
loop that edits code on the user's behalf.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sandboxCmd)
	rootCmd.AddCommand(sessionCmd)
}
