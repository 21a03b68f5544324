// Package builtin registers the tools every gateway ships with: workspace
// file access, command execution, and outbound HTTP. All inputs are
// schema-validated before the handlers run; paths resolve through the
// workspace resolver so nothing reaches outside the root.
package builtin

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/workspace"
)

// Config controls builtin tool defaults.
type Config struct {
	// Workspace confines every file path and working directory.
	Workspace workspace.Resolver

	// MaxReadBytes caps fs.read content. Default 200000.
	MaxReadBytes int
	// MaxListEntries caps fs.list output. Default 500.
	MaxListEntries int
	// MaxOutputBytes caps each of system.run's stdout and stderr. Default 64000.
	MaxOutputBytes int
	// MaxProcsPerUser bounds concurrent system.run invocations per user.
	// Default 3.
	MaxProcsPerUser int
	// FetchTimeout bounds one http.fetch round trip. Default 30s.
	FetchTimeout time.Duration
	// MaxFetchBytes caps http.fetch response bodies. Default 262144.
	MaxFetchBytes int
	// AllowLoopbackFetch lets http.fetch reach loopback addresses.
	// Tests only.
	AllowLoopbackFetch bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 200000
	}
	if c.MaxListEntries <= 0 {
		c.MaxListEntries = 500
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64000
	}
	if c.MaxProcsPerUser <= 0 {
		c.MaxProcsPerUser = 3
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = 256 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Register adds the builtin tools to the registry.
func Register(reg *tools.Registry, cfg Config) {
	cfg = cfg.withDefaults()
	registerFS(reg, cfg)
	registerRun(reg, cfg)
	registerFetch(reg, cfg)
}

// decode maps a validated input onto a typed struct. Validation already
// rejected shape mismatches, so failures here indicate a schema drift bug.
func decode(input map[string]any, out any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
