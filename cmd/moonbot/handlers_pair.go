package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot/internal/audit"
	"github.com/moonbotlabs/moonbot/internal/auth"
	"github.com/moonbotlabs/moonbot/internal/config"
	"github.com/moonbotlabs/moonbot/internal/pairing"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func runPairNew(cmd *cobra.Command, configPath, userID, device string, showQR bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := pairing.NewStore(cfg.PairingStatePath(), nil)
	code, err := store.Generate(userID, device)
	if err != nil {
		return err
	}

	recordPairingEvent(cfg, audit.Event{
		Type:   audit.TypePairingIssued,
		UserID: code.UserID,
		Detail: map[string]any{"device": code.Device},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pairing code: %s\n", code.Code)
	fmt.Fprintf(out, "User:         %s\n", code.UserID)
	if code.Device != "" {
		fmt.Fprintf(out, "Device:       %s\n", code.Device)
	}
	fmt.Fprintf(out, "Expires:      %s (in %s)\n",
		code.ExpiresAt.Format(time.RFC3339), time.Until(code.ExpiresAt).Round(time.Second))
	if showQR {
		qr, err := qrcode.New(code.Code, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, qr.ToSmallString(false))
	}
	fmt.Fprintf(out, "\nApprove with: moonbot pair approve %s\n", code.Code)
	return nil
}

func runPairApprove(cmd *cobra.Command, configPath, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("pairing code is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set; session tokens cannot be minted")
	}

	store := pairing.NewStore(cfg.PairingStatePath(), nil)
	grant, err := store.Approve(code)
	if err != nil {
		if errors.Is(err, pairing.ErrCodeUsed) {
			recordPairingEvent(cfg, audit.Event{
				Type:   audit.TypePairingReplay,
				Detail: map[string]any{"code": code},
			})
		}
		return err
	}

	verifier, err := auth.NewVerifier(auth.Config{
		JWTSecret:  cfg.Auth.JWTSecret,
		SessionTTL: cfg.Auth.SessionTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	token, err := verifier.MintSession(grant.UserID, grant.Device)
	if err != nil {
		return fmt.Errorf("mint session token: %w", err)
	}

	recordPairingEvent(cfg, audit.Event{
		Type:   audit.TypePairingApproved,
		UserID: grant.UserID,
		Detail: map[string]any{"device": grant.Device},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Paired %s", grant.UserID)
	if grant.Device != "" {
		fmt.Fprintf(out, " (%s)", grant.Device)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Session token (valid %s):\n%s\n", cfg.Auth.SessionTokenTTL, token)
	return nil
}

func runPairList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := pairing.NewStore(cfg.PairingStatePath(), nil)
	pending, err := store.Pending()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending pairing codes.")
		return nil
	}
	for _, code := range pending {
		label := code.UserID
		if code.Device != "" {
			label += " (" + code.Device + ")"
		}
		expiresIn := time.Until(code.ExpiresAt).Round(time.Second)
		if expiresIn < 0 {
			expiresIn = 0
		}
		fmt.Fprintf(out, "  %s  %s  expires in %s\n", code.Code, label, expiresIn)
	}
	return nil
}

// recordPairingEvent writes one audit event from the CLI process. Audit is
// best-effort everywhere; a locked or missing database never fails the
// pairing operation itself.
func recordPairingEvent(cfg *config.Config, ev audit.Event) {
	if !cfg.Audit.Enabled {
		return
	}
	store, err := audit.Open(cfg.AuditPath(), nil)
	if err != nil {
		return
	}
	store.Record(context.Background(), ev)
	_ = store.Close()
}
