// Package config loads and validates the gateway's YAML configuration
// using a single-struct-tree layout with component-scoped sub-configs
// and environment-variable secret overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for the gateway process.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	LogJSON  bool           `yaml:"log_json"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Vault    VaultConfig    `yaml:"vault"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Cron     CronConfig     `yaml:"cron"`
	Channels ChannelsConfig `yaml:"channels"`
	Session  SessionConfig  `yaml:"session"`
	Models   ModelsConfig   `yaml:"models"`
}

// ProviderConfig configures one LLM backend's credentials and defaults.
type ProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	APIKey       string        `yaml:"-"` // from MOLTIS_<PROVIDER>_API_KEY
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// ModelsConfig configures the agent executor's registered providers and
// the model a session falls back to when it requests none explicitly.
type ModelsConfig struct {
	DefaultModel string         `yaml:"default_model"`
	Anthropic    ProviderConfig `yaml:"anthropic"`
	OpenAI       ProviderConfig `yaml:"openai"`
}

// HTTPConfig configures the HTTPS/plain-HTTP listeners.
type HTTPConfig struct {
	HTTPSAddr string `yaml:"https_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	CertsDir  string `yaml:"certs_dir"`
}

// AuthConfig configures device-token/API-key/password auth.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	JWTSecret    string        `yaml:"-"` // from MOLTIS_JWT_SECRET
	TokenExpiry  time.Duration `yaml:"token_expiry"`
	APIKeys      []string      `yaml:"-"` // from MOLTIS_API_KEYS (comma separated)
	Password     string        `yaml:"-"` // from MOLTIS_AUTH_PASSWORD
	BehindProxy  bool          `yaml:"-"` // from MOLTIS_BEHIND_PROXY
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	KDFTimeCost   uint32 `yaml:"kdf_time_cost"`
	KDFMemoryKiB  uint32 `yaml:"kdf_memory_kib"`
	KDFThreads    uint8  `yaml:"kdf_threads"`
}

// SandboxConfig configures the tool sandbox router.
type SandboxConfig struct {
	Enabled         bool     `yaml:"enabled"`
	SecurityLevel   string   `yaml:"security_level"`   // deny | allowlist | full
	ApprovalMode    string   `yaml:"approval_mode"`     // off | on-miss | always
	UserPatterns    []string `yaml:"user_patterns"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ImageCachePrefix string  `yaml:"image_cache_prefix"`
}

// CronJobConfig is one statically-configured cron job, loaded at startup;
// runtime-added jobs (via cron.add) are persisted to the relational store
// instead.
type CronJobConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Enabled        bool   `yaml:"enabled"`
	At             string `yaml:"at"`
	Every          string `yaml:"every"`
	Cron           string `yaml:"cron"`
	Timezone       string `yaml:"timezone"`
	SessionTarget  string `yaml:"session_target"`
	DeleteAfterRun *bool  `yaml:"delete_after_run"`

	// payload
	Text        string `yaml:"text"`
	Message     string `yaml:"message"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	Deliver     bool   `yaml:"deliver"`
	Channel     string `yaml:"channel"`
	To          string `yaml:"to"`
}

// CronConfig configures the scheduled job engine.
type CronConfig struct {
	TickInterval time.Duration   `yaml:"tick_interval"`
	RunCap       int             `yaml:"run_cap"`
	Jobs         []CronJobConfig `yaml:"jobs"`
}

// ChannelPolicyConfig is the per-account/per-conversation-type access policy.
type ChannelPolicyConfig struct {
	Policy      string   `yaml:"policy"` // open | allowlist | disabled
	AllowFrom   []string `yaml:"allow_from"`
	MentionMode string   `yaml:"mention_mode"`
}

// ChannelAccountConfig is one configured channel account.
type ChannelAccountConfig struct {
	AccountID       string              `yaml:"account_id"`
	Enabled         bool                `yaml:"enabled"`
	DM              ChannelPolicyConfig `yaml:"dm"`
	Group           ChannelPolicyConfig `yaml:"group"`
	OTPCooldownSecs int                 `yaml:"otp_cooldown_secs"`
}

// ChannelsConfig configures the channel ingress plane.
type ChannelsConfig struct {
	Telegram []ChannelAccountConfig `yaml:"telegram"`
	Slack    []ChannelAccountConfig `yaml:"slack"`
	Discord  []ChannelAccountConfig `yaml:"discord"`
	WhatsApp []ChannelAccountConfig `yaml:"whatsapp"`
}

// SessionConfig configures session defaults.
type SessionConfig struct {
	DefaultAgentID string `yaml:"default_agent_id"`
}

// Load reads a YAML config file, applies defaults, and layers in
// environment-variable secret overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a Config populated with zero values before defaults apply.
func Default() *Config {
	return &Config{}
}

func (c *Config) applyEnvOverrides() {
	c.Auth.JWTSecret = os.Getenv("MOLTIS_JWT_SECRET")
	if keys := os.Getenv("MOLTIS_API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Auth.APIKeys = append(c.Auth.APIKeys, k)
			}
		}
	}
	c.Auth.BehindProxy = os.Getenv("MOLTIS_BEHIND_PROXY") == "1"
	c.Auth.Password = os.Getenv("MOLTIS_AUTH_PASSWORD")

	if key := os.Getenv("MOLTIS_ANTHROPIC_API_KEY"); key != "" {
		c.Models.Anthropic.APIKey = key
		c.Models.Anthropic.Enabled = true
	}
	if key := os.Getenv("MOLTIS_OPENAI_API_KEY"); key != "" {
		c.Models.OpenAI.APIKey = key
		c.Models.OpenAI.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = home + "/.moltis"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.HTTPSAddr == "" {
		c.HTTP.HTTPSAddr = ":8443"
	}
	if c.HTTP.HTTPAddr == "" {
		c.HTTP.HTTPAddr = ":8080"
	}
	if c.HTTP.CertsDir == "" {
		c.HTTP.CertsDir = c.DataDir + "/certs"
	}
	if c.Auth.TokenExpiry <= 0 {
		c.Auth.TokenExpiry = 30 * 24 * time.Hour
	}
	if c.Vault.KDFTimeCost == 0 {
		c.Vault.KDFTimeCost = 3
	}
	if c.Vault.KDFMemoryKiB == 0 {
		c.Vault.KDFMemoryKiB = 64 * 1024
	}
	if c.Vault.KDFThreads == 0 {
		c.Vault.KDFThreads = 4
	}
	if c.Sandbox.SecurityLevel == "" {
		c.Sandbox.SecurityLevel = "allowlist"
	}
	if c.Sandbox.ApprovalMode == "" {
		c.Sandbox.ApprovalMode = "on-miss"
	}
	if c.Sandbox.ApprovalTimeout <= 0 {
		c.Sandbox.ApprovalTimeout = 120 * time.Second
	}
	if c.Sandbox.ToolTimeout <= 0 {
		c.Sandbox.ToolTimeout = 30 * time.Second
	}
	if c.Sandbox.ImageCachePrefix == "" {
		c.Sandbox.ImageCachePrefix = "moltis-cache/"
	}
	if c.Cron.TickInterval <= 0 {
		c.Cron.TickInterval = time.Second
	}
	if c.Cron.RunCap <= 0 {
		c.Cron.RunCap = 20
	}
	if c.Session.DefaultAgentID == "" {
		c.Session.DefaultAgentID = "main"
	}
	if c.Models.DefaultModel == "" {
		c.Models.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.Models.Anthropic.DefaultModel == "" {
		c.Models.Anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.Models.Anthropic.MaxRetries <= 0 {
		c.Models.Anthropic.MaxRetries = 3
	}
	if c.Models.Anthropic.RetryDelay <= 0 {
		c.Models.Anthropic.RetryDelay = time.Second
	}
	if c.Models.OpenAI.DefaultModel == "" {
		c.Models.OpenAI.DefaultModel = "gpt-4o"
	}
	if c.Models.OpenAI.MaxRetries <= 0 {
		c.Models.OpenAI.MaxRetries = 3
	}
	if c.Models.OpenAI.RetryDelay <= 0 {
		c.Models.OpenAI.RetryDelay = time.Second
	}
}
