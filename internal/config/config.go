// ABOUTME: Configuration loading and parsing for wap-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// AuthTokenEnv is consulted when no channel-level auth token is configured.
const AuthTokenEnv = "WAP_AUTH_TOKEN"

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr       = "0.0.0.0:8765"
	DefaultTempFileTTL    = 10 * time.Minute
	DefaultDownloadRate   = 5.0
	DefaultDownloadBurst  = 10
	DefaultWebhookTimeout = 2 * time.Minute
	DefaultChunkLimit     = 4000
	DefaultMetricsPath    = "/metrics"

	DefaultReadHeaderTimeout = 10 * time.Second
)

// Config represents the complete wap-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Channel   ChannelConfig   `yaml:"channel" toml:"channel"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Host      HostConfig      `yaml:"host" toml:"host"`
	Text      TextConfig      `yaml:"text" toml:"text"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr          string        `yaml:"http_addr" toml:"http_addr"`
	ReadHeaderTimeout time.Duration `yaml:"-" toml:"-"`

	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve with Tailscale-provisioned certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AccountOverrides holds the policy fields that can be set at channel level
// and overridden per account. Nil means "not set" so that resolution can tell
// an explicit false or empty list apart from an absent field.
type AccountOverrides struct {
	Enabled                      *bool    `yaml:"enabled" toml:"enabled"`
	Name                         *string  `yaml:"name" toml:"name"`
	AuthToken                    *string  `yaml:"auth_token" toml:"auth_token"`
	DMPolicy                     *string  `yaml:"dm_policy" toml:"dm_policy"`
	AllowFrom                    []string `yaml:"allow_from" toml:"allow_from"`
	Whitelist                    []string `yaml:"whitelist" toml:"whitelist"` // deprecated alias of allow_from
	GroupPolicy                  *string  `yaml:"group_policy" toml:"group_policy"`
	GroupAllowChats              []string `yaml:"group_allow_chats" toml:"group_allow_chats"`
	GroupAllowFrom               []string `yaml:"group_allow_from" toml:"group_allow_from"`
	RequireMentionInGroup        *bool    `yaml:"require_mention_in_group" toml:"require_mention_in_group"`
	SilentPairing                *bool    `yaml:"silent_pairing" toml:"silent_pairing"`
	NoMentionContextGroups       []string `yaml:"no_mention_context_groups" toml:"no_mention_context_groups"`
	NoMentionContextHistoryLimit *int     `yaml:"no_mention_context_history_limit" toml:"no_mention_context_history_limit"`
}

// ChannelConfig is the channel-level block: defaults for every account plus
// the per-account override map.
type ChannelConfig struct {
	AccountOverrides `yaml:",inline" toml:",inline"`
	Accounts         map[string]AccountOverrides `yaml:"accounts" toml:"accounts"`
}

// AccountIDs lists the explicitly configured account ids in no particular order.
func (c ChannelConfig) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	return ids
}

// RelayConfig holds temp-file relay settings
type RelayConfig struct {
	TempFileTTL   time.Duration `yaml:"-" toml:"-"`
	DownloadRate  float64       `yaml:"download_rate" toml:"download_rate"` // requests per second per IP
	DownloadBurst int           `yaml:"download_burst" toml:"download_burst"`

	TempFileTTLRaw string `yaml:"temp_file_ttl" toml:"temp_file_ttl"`
}

// HostConfig describes how inbound messages reach the reply engine
type HostConfig struct {
	WebhookURL     string        `yaml:"webhook_url" toml:"webhook_url"`
	WebhookToken   string        `yaml:"webhook_token" toml:"webhook_token"`
	AgentID        string        `yaml:"agent_id" toml:"agent_id"`
	WebhookTimeout time.Duration `yaml:"-" toml:"-"`

	WebhookTimeoutRaw string `yaml:"webhook_timeout" toml:"webhook_timeout"`
}

// TextConfig controls outbound text formatting
type TextConfig struct {
	ChunkLimit  int    `yaml:"chunk_limit" toml:"chunk_limit"`
	PlainText   *bool  `yaml:"plain_text" toml:"plain_text"`
	ContextHint string `yaml:"context_hint" toml:"context_hint"`
}

// PlainTextEnabled reports whether markdown should be flattened before sending.
func (t TextConfig) PlainTextEnabled() bool {
	return t.PlainText == nil || *t.PlainText
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML configuration from memory. Used by tests and the init command.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values. The channel-level token falls back to
// WAP_AUTH_TOKEN so account resolution itself never touches the environment.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Relay.TempFileTTL == 0 {
		c.Relay.TempFileTTL = DefaultTempFileTTL
	}
	if c.Relay.DownloadRate == 0 {
		c.Relay.DownloadRate = DefaultDownloadRate
	}
	if c.Relay.DownloadBurst == 0 {
		c.Relay.DownloadBurst = DefaultDownloadBurst
	}
	if c.Host.WebhookTimeout == 0 {
		c.Host.WebhookTimeout = DefaultWebhookTimeout
	}
	if c.Text.ChunkLimit == 0 {
		c.Text.ChunkLimit = DefaultChunkLimit
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Channel.AuthToken == nil {
		if token := os.Getenv(AuthTokenEnv); token != "" {
			c.Channel.AuthToken = &token
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if err := validateOverrides("channel", c.Channel.AccountOverrides); err != nil {
		return err
	}
	for id, acct := range c.Channel.Accounts {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("channel.accounts: account id cannot be blank")
		}
		if err := validateOverrides("channel.accounts."+id, acct); err != nil {
			return err
		}
	}

	if c.Relay.DownloadRate < 0 || c.Relay.DownloadBurst < 0 {
		return fmt.Errorf("relay.download_rate and relay.download_burst must not be negative")
	}
	if c.Text.ChunkLimit < 0 {
		return fmt.Errorf("text.chunk_limit must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateOverrides(prefix string, o AccountOverrides) error {
	if o.DMPolicy != nil {
		switch *o.DMPolicy {
		case "open", "pairing", "allowlist", "disabled":
		default:
			return fmt.Errorf("%s.dm_policy must be open, pairing, allowlist or disabled, got %q", prefix, *o.DMPolicy)
		}
	}
	if o.GroupPolicy != nil {
		switch *o.GroupPolicy {
		case "open", "allowlist", "disabled":
		default:
			return fmt.Errorf("%s.group_policy must be open, allowlist or disabled, got %q", prefix, *o.GroupPolicy)
		}
	}
	if o.NoMentionContextHistoryLimit != nil {
		if n := *o.NoMentionContextHistoryLimit; n < 0 || n > 50 {
			return fmt.Errorf("%s.no_mention_context_history_limit must be between 0 and 50, got %d", prefix, n)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ReadHeaderTimeoutRaw != "" {
		cfg.Server.ReadHeaderTimeout, err = time.ParseDuration(cfg.Server.ReadHeaderTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing read_header_timeout %q: %w", cfg.Server.ReadHeaderTimeoutRaw, err)
		}
	}

	if cfg.Relay.TempFileTTLRaw != "" {
		cfg.Relay.TempFileTTL, err = time.ParseDuration(cfg.Relay.TempFileTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing temp_file_ttl %q: %w", cfg.Relay.TempFileTTLRaw, err)
		}
	}

	if cfg.Host.WebhookTimeoutRaw != "" {
		cfg.Host.WebhookTimeout, err = time.ParseDuration(cfg.Host.WebhookTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing webhook_timeout %q: %w", cfg.Host.WebhookTimeoutRaw, err)
		}
	}

	return nil
}
