package main

import (
	"strings"

	"github.com/moonbotlabs/moonbot/internal/config"
	"github.com/spf13/cobra"
)

// resolveConfigPath falls back to the default location when --config is
// not given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return config.DefaultPath()
	}
	return path
}

// buildServeCmd creates the "serve" command that starts the daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Moonbot daemon",
		Long: `Start the Moonbot daemon with the configured planner and tools.

The daemon will:
1. Load configuration (or defaults when no file exists)
2. Open the audit trail, session store, and pairing state
3. Register builtin tools and load the command policy
4. Start the task orchestrator and approval flow
5. Serve the WebSocket control plane on a loopback address

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  moonbot serve

  # Start with custom config
  moonbot serve --config /etc/moonbot/moonbot.yaml

  # Start with debug logging
  moonbot serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (default ~/.moonbot/moonbot.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildPairCmd creates the "pair" command group.
func buildPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage device pairing codes",
	}
	cmd.AddCommand(buildPairNewCmd(), buildPairApproveCmd(), buildPairListCmd())
	return cmd
}

func buildPairNewCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		device     string
		showQR     bool
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Issue a pairing code for a user",
		Example: `  # Issue a code for jane's phone
  moonbot pair new --user jane --device phone

  # Show the code as a terminal QR
  moonbot pair new --user jane --qr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairNew(cmd, resolveConfigPath(configPath), userID, device, showQR)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User the code authenticates (required)")
	cmd.Flags().StringVar(&device, "device", "", "Device label for the code")
	cmd.Flags().BoolVar(&showQR, "qr", false, "Render the code as a terminal QR")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildPairApproveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code and mint its session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairApprove(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildPairListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairList(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildTokenCmd creates the "token" command group.
func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate and hash operator tokens",
	}
	cmd.AddCommand(buildTokenNewCmd(), buildTokenHashCmd())
	return cmd
}

func buildTokenNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Generate an operator token and its config digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenNew(cmd)
		},
	}
}

func buildTokenHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the SHA-256 digest of a token for auth.token_hashes",
		Long: `Print the SHA-256 hex digest of a token, suitable for the
auth.token_hashes config list. Reads the token from stdin when no
argument is given, keeping it out of shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			return runTokenHash(cmd, token)
		},
	}
}

// buildPolicyCmd creates the "policy" command group.
func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the command execution policy",
	}
	cmd.AddCommand(buildPolicyInitCmd())
	return cmd
}

func buildPolicyInitCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default command policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyInit(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		token      string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime statistics from a running daemon",
		Example: `  # Human-readable summary
  moonbot status --token $MOONBOT_TOKEN

  # Raw JSON for scripting
  moonbot status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, resolveConfigPath(configPath), token, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&token, "token", "", "Operator token (or set MOONBOT_TOKEN)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	return cmd
}
