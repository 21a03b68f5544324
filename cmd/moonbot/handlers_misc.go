package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot/internal/auth"
	"github.com/moonbotlabs/moonbot/internal/config"
	"github.com/moonbotlabs/moonbot/internal/policy"
	"github.com/moonbotlabs/moonbot/internal/tools/runtime"
	"github.com/moonbotlabs/moonbot/pkg/client"
	"github.com/spf13/cobra"
)

func runTokenNew(cmd *cobra.Command) error {
	token, err := auth.NewToken()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Token:  %s\n", token)
	fmt.Fprintf(out, "Digest: %s\n\n", auth.HashToken(token))
	fmt.Fprintln(out, "Add the digest to your config:")
	fmt.Fprintln(out, "  auth:")
	fmt.Fprintln(out, "    token_hashes:")
	fmt.Fprintf(out, "      - %q\n", auth.HashToken(token))
	return nil
}

func runTokenHash(cmd *cobra.Command, token string) error {
	if token == "" {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			token = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read token from stdin: %w", err)
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is required (argument or stdin)")
	}
	fmt.Fprintln(cmd.OutOrStdout(), auth.HashToken(token))
	return nil
}

func runPolicyInit(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := cfg.PolicyPath()
	created, err := policy.EnsureDefault(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Default policy written: %s\n", path)
	} else {
		fmt.Fprintf(out, "Policy already exists: %s\n", path)
	}
	return nil
}

// statusReply mirrors the gateway's status result document.
type statusReply struct {
	UptimeMs    int64          `json:"uptimeMs"`
	Connections int            `json:"connections"`
	Version     string         `json:"version"`
	Invocations runtime.Stats  `json:"invocations"`
	Queues      map[string]int `json:"queues"`
}

func runStatus(cmd *cobra.Command, configPath, token string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if token == "" {
		token = os.Getenv("MOONBOT_TOKEN")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws", cfg.Gateway.Bind)
	c, err := client.Dial(ctx, client.Options{
		URL:        url,
		Token:      token,
		ClientType: "cli",
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("dial gateway at %s: %w", url, err)
	}
	defer c.Close()

	var raw json.RawMessage
	if err := c.Call(ctx, "status", nil, &raw); err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(out, buf.String())
		return nil
	}

	var st statusReply
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintf(out, "Gateway:     %s", url)
	if st.Version != "" {
		fmt.Fprintf(out, " (version %s)", st.Version)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Uptime:      %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(out, "Connections: %d\n", st.Connections)

	fmt.Fprintf(out, "\nInvocations: %d total (avg %.1f retries)\n", st.Invocations.Total, st.Invocations.AvgRetries)
	for _, status := range sortedKeys(st.Invocations.ByStatus) {
		fmt.Fprintf(out, "  %-18s %d\n", status+":", st.Invocations.ByStatus[status])
	}

	if len(st.Queues) == 0 {
		fmt.Fprintln(out, "\nQueues:      idle")
		return nil
	}
	fmt.Fprintln(out, "\nQueues:")
	for _, key := range sortedKeys(st.Queues) {
		fmt.Fprintf(out, "  %-30s %d\n", key, st.Queues[key])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
