// Package main provides the CLI entry point for the Moonbot agent gateway.
//
// Moonbot runs a local-first agent daemon: a loopback WebSocket control
// plane that plans tasks with an LLM provider, executes tools inside a
// confined workspace, and suspends privileged actions until a human
// approves them.
//
// # Basic Usage
//
// Start the daemon:
//
//	moonbot serve --config ~/.moonbot/moonbot.yaml
//
// Pair a new device and mint its session token:
//
//	moonbot pair new --user jane
//	moonbot pair approve 3kf9x2ab
//
// Prepare config material:
//
//	moonbot token new
//	moonbot policy init
//
// Inspect a running daemon:
//
//	moonbot status
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moonbot",
		Short: "Moonbot - local-first AI agent gateway",
		Long: `Moonbot runs an agent daemon on your machine: it plans tasks with an LLM,
executes tools inside a confined workspace, and holds privileged actions
for approval. Clients connect over a loopback WebSocket; nothing listens
off-host.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPairCmd(),
		buildTokenCmd(),
		buildPolicyCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "moonbot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
