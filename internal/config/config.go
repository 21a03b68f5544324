// Package config loads and validates the gateway configuration from YAML or
// JSON5 files, resolving $include directives and environment references.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration consumed by the serve command.
type Config struct {
	// StateDir holds persisted gateway state: approval store, policy file,
	// pairing state, session transcripts, audit database.
	StateDir string `yaml:"state_dir"`

	Gateway       GatewayConfig       `yaml:"gateway"`
	Auth          AuthConfig          `yaml:"auth"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Tools         ToolsConfig         `yaml:"tools"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Policy        PolicyConfig        `yaml:"policy"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Planner       PlannerConfig       `yaml:"planner"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Exec          ExecConfig          `yaml:"exec"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GatewayConfig configures the loopback control plane.
type GatewayConfig struct {
	// Bind must resolve to a loopback address; anything else fails startup.
	Bind string `yaml:"bind"`
	// RequestTimeout bounds how long a dispatched handler may run before the
	// caller receives a timeout error.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
	// ConnectRate and ConnectBurst feed the per-host accept limiter.
	ConnectRate  float64 `yaml:"connect_rate"`
	ConnectBurst int     `yaml:"connect_burst"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	// TokenHashes are SHA-256 digests (64 hex chars) of accepted tokens.
	TokenHashes []string `yaml:"token_hashes"`
	// Tokens are plaintext tokens, honored only with AllowLegacyTokens.
	Tokens []string `yaml:"tokens"`
	// AllowLegacyTokens opts in to plaintext token comparison.
	AllowLegacyTokens bool `yaml:"allow_legacy_tokens"`
	// JWTSecret enables pairing-minted session tokens when non-empty.
	JWTSecret string `yaml:"jwt_secret"`
	// SessionTokenTTL bounds minted session tokens.
	SessionTokenTTL time.Duration `yaml:"session_token_ttl"`
}

// WorkspaceConfig locates the directory tools are confined to.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// ToolsConfig tunes the tool runtime.
type ToolsConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	InvocationTTL  time.Duration `yaml:"invocation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// ApprovalsConfig tunes the approval flow.
type ApprovalsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Expiry    time.Duration `yaml:"expiry"`
	StorePath string        `yaml:"store_path"`
}

// PolicyConfig locates the command policy file.
type PolicyConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the policy when the file changes on disk.
	Watch bool `yaml:"watch"`
}

// SessionsConfig locates session transcripts.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

// PlannerConfig selects and bounds the planner.
type PlannerConfig struct {
	// Provider is "anthropic", "openai", or "" for the deterministic
	// keyword fallback.
	Provider   string `yaml:"provider"`
	MaxSteps   int    `yaml:"max_steps"`
	RetryLimit int    `yaml:"retry_limit"`
}

// ProvidersConfig holds LLM provider credentials.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OpenAIConfig configures the OpenAI (or compatible) provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ExecConfig tunes the system-execution tool.
type ExecConfig struct {
	MaxSessionsPerUser int   `yaml:"max_sessions_per_user"`
	MaxOutputBytes     int64 `yaml:"max_output_bytes"`
}

// AuditConfig configures the SQLite audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Metrics   bool   `yaml:"metrics"`
	// OTLPEndpoint enables trace export when non-empty (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		StateDir: "~/.moonbot",
		Gateway: GatewayConfig{
			Bind:           "127.0.0.1:8765",
			RequestTimeout: 30 * time.Second,
			MaxFrameBytes:  1 << 20,
			ConnectRate:    30,
			ConnectBurst:   10,
		},
		Auth: AuthConfig{
			SessionTokenTTL: 30 * 24 * time.Hour,
		},
		Workspace: WorkspaceConfig{Root: "."},
		Tools: ToolsConfig{
			MaxConcurrent:  10,
			DefaultTimeout: 30 * time.Second,
			InvocationTTL:  time.Hour,
			SweepInterval:  5 * time.Minute,
		},
		Approvals: ApprovalsConfig{
			Enabled: true,
			Expiry:  5 * time.Minute,
		},
		Policy:   PolicyConfig{Watch: true},
		Planner:  PlannerConfig{MaxSteps: 8, RetryLimit: 3},
		Exec:     ExecConfig{MaxSessionsPerUser: 3, MaxOutputBytes: 64_000},
		Audit:    AuditConfig{Enabled: true},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Metrics:   true,
		},
	}
}

// Load reads the file at path, layering it over Default: fields absent from
// the document keep their default values. A missing file at the default path
// is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := LoadRaw(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath() {
			return finalize(cfg)
		}
		return nil, err
	}
	if err := decodeRawConfig(raw, cfg); err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// DefaultPath is the config file location used when --config is not given.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".moonbot", "moonbot.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ExpandPath resolves a leading "~" against the user home directory.
func ExpandPath(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// ApprovalStorePath resolves the pending-approval store location.
func (c *Config) ApprovalStorePath() string {
	if c.Approvals.StorePath != "" {
		return ExpandPath(c.Approvals.StorePath)
	}
	return filepath.Join(ExpandPath(c.StateDir), "pending-approvals.json")
}

// PolicyPath resolves the command policy file location.
func (c *Config) PolicyPath() string {
	if c.Policy.Path != "" {
		return ExpandPath(c.Policy.Path)
	}
	return filepath.Join(ExpandPath(c.StateDir), "exec-approvals.json")
}

// SessionsDir resolves the transcript directory.
func (c *Config) SessionsDir() string {
	if c.Sessions.Dir != "" {
		return ExpandPath(c.Sessions.Dir)
	}
	return filepath.Join(ExpandPath(c.StateDir), "sessions")
}

// AuditPath resolves the audit database location.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return ExpandPath(c.Audit.Path)
	}
	return filepath.Join(ExpandPath(c.StateDir), "audit.db")
}

// PairingStatePath resolves the pairing state file location.
func (c *Config) PairingStatePath() string {
	return filepath.Join(ExpandPath(c.StateDir), "pairing.json")
}

var hexDigest = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// finalize fills derived fields and validates the result.
func finalize(cfg *Config) (*Config, error) {
	cfg.StateDir = ExpandPath(cfg.StateDir)
	cfg.Workspace.Root = ExpandPath(cfg.Workspace.Root)

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg.Workspace.Root = root

	if err := validateLoopbackBind(cfg.Gateway.Bind); err != nil {
		return nil, err
	}
	for _, h := range cfg.Auth.TokenHashes {
		if !hexDigest.MatchString(h) {
			return nil, fmt.Errorf("auth.token_hashes entry %q is not a sha-256 hex digest", h)
		}
	}
	if len(cfg.Auth.Tokens) > 0 && !cfg.Auth.AllowLegacyTokens {
		return nil, fmt.Errorf("auth.tokens requires auth.allow_legacy_tokens")
	}
	if cfg.Tools.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("tools.max_concurrent must be positive")
	}
	switch cfg.Planner.Provider {
	case "", "anthropic", "openai":
	default:
		return nil, fmt.Errorf("planner.provider %q is not supported", cfg.Planner.Provider)
	}
	return cfg, nil
}

// validateLoopbackBind rejects bind addresses that are not loopback.
// The gateway never listens off-host.
func validateLoopbackBind(bind string) error {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("gateway.bind %q: %w", bind, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("gateway.bind %q is not a loopback address", bind)
	}
	return nil
}

