// Package main is the relay gateway CLI.
//
// Relay fronts a remote AI coding-session provider with a tool
// catalog, batch and queue orchestration, webhook-driven
// auto-remediation, and a live event feed.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Configuration can also be provided via RELAY_* environment
// variables; see internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - AI coding-session gateway",
		Long: `Relay fronts a remote AI coding-session provider with a tool
catalog, batch orchestration, a priority queue, templates, webhook
auto-remediation, and a websocket event feed.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
