// Package config handles bashobot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bashobot/config.yaml, /etc/bashobot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bashobot", "config.yaml"))
	}

	paths = append(paths, "/etc/bashobot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bashobot configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Providers ProvidersConfig `yaml:"providers"`
	Context   ContextConfig   `yaml:"context"`
	Tools     ToolsConfig     `yaml:"tools"`
	Memory    MemoryConfig    `yaml:"memory"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Status    StatusConfig    `yaml:"status"`
}

// ProvidersConfig defines the available LLM backends and the default choice.
type ProvidersConfig struct {
	Default   string             `yaml:"default"` // provider name, e.g. "anthropic"
	Model     string             `yaml:"model"`   // default model for the default provider
	Ollama    OllamaConfig       `yaml:"ollama"`
	Anthropic AnthropicConfig    `yaml:"anthropic"`
	OAuth     SubscriptionConfig `yaml:"oauth"`
}

// OllamaConfig defines the local Ollama backend.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // default http://localhost:11434
}

// AnthropicConfig defines Anthropic API settings (static API key auth).
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// SubscriptionConfig defines an OAuth-refreshed subscription backend.
// The credential file is created out of band (login flow is not part of
// the daemon); the daemon only refreshes it when stale.
type SubscriptionConfig struct {
	Provider        string `yaml:"provider"`         // inner provider to wrap, e.g. "anthropic"
	TokenURL        string `yaml:"token_url"`        // OAuth token endpoint for refresh
	ClientID        string `yaml:"client_id"`        //
	CredentialsFile string `yaml:"credentials_file"` // default <data_dir>/credentials.json
}

// ContextConfig controls token budgeting and compaction.
type ContextConfig struct {
	MaxTokens        int     `yaml:"max_tokens"`         // context budget (default 4000)
	TriggerRatio     float64 `yaml:"trigger_ratio"`      // compact at this fraction (default 0.75)
	KeepRecentTokens int     `yaml:"keep_recent_tokens"` // verbatim tail budget (default 1000)
}

// ToolsConfig controls the local tool surface.
type ToolsConfig struct {
	// Enabled is the startup default; the runtime overlay can flip it.
	Enabled bool `yaml:"enabled"`
	// WhitelistEnforced requires approval for never-before-seen shell commands.
	WhitelistEnforced bool `yaml:"whitelist_enforced"`
	// AllowedDirs restricts file tools to these directories. Empty means the
	// user's home directory. The BASHOBOT_ALLOWED_DIRS environment variable
	// (colon-separated) overrides this list.
	AllowedDirs []string `yaml:"allowed_dirs"`
	// BashTimeoutSec bounds shell command wall-clock time (default 60).
	BashTimeoutSec int `yaml:"bash_timeout_sec"`
}

// MemoryConfig selects and configures the durable memory store.
type MemoryConfig struct {
	// Backend is "sqlite" (keyword records) or "markdown" (daily note files).
	Backend string `yaml:"backend"`
	// Enabled is the startup default; the runtime overlay can flip it.
	Enabled bool `yaml:"enabled"`
}

// DaemonConfig controls the channel router process.
type DaemonConfig struct {
	// SocketPath is the unix socket for local clients.
	// Default <data_dir>/bashobot.sock.
	SocketPath string `yaml:"socket_path"`
	// HeartbeatInterval enables the periodic system-check message when > 0.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// QueueSize is the inbound message buffer (default 64).
	QueueSize int `yaml:"queue_size"`
}

// TelegramConfig defines the Telegram channel listener.
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BotToken       string  `yaml:"bot_token"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
	PollTimeoutSec int     `yaml:"poll_timeout_sec"` // long-poll timeout (default 30)
}

// MQTTConfig defines the MQTT channel listener.
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	InboundTopic string `yaml:"inbound_topic"`  // default bashobot/inbound
	ReplyTopic   string `yaml:"outbound_topic"` // default bashobot/outbound
	ClientID     string `yaml:"client_id"`      // default bashobot-<hostname>
}

// StatusConfig defines the optional status/events HTTP server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // default 127.0.0.1
	Port    int    `yaml:"port"`    // default 8723
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: "ollama",
			Model:   "qwen3:4b",
		},
		Tools: ToolsConfig{
			Enabled:           true,
			WhitelistEnforced: true,
		},
		Memory: MemoryConfig{
			Backend: "sqlite",
			Enabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "share", "bashobot")
		} else {
			c.DataDir = "."
		}
	}
	if c.Providers.Ollama.BaseURL == "" {
		c.Providers.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = 4000
	}
	if c.Context.TriggerRatio <= 0 {
		c.Context.TriggerRatio = 0.75
	}
	if c.Context.KeepRecentTokens <= 0 {
		c.Context.KeepRecentTokens = 1000
	}
	if c.Tools.BashTimeoutSec <= 0 {
		c.Tools.BashTimeoutSec = 60
	}
	if len(c.Tools.AllowedDirs) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			c.Tools.AllowedDirs = []string{home}
		}
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "sqlite"
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.DataDir, "bashobot.sock")
	}
	if c.Daemon.QueueSize <= 0 {
		c.Daemon.QueueSize = 64
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.MQTT.InboundTopic == "" {
		c.MQTT.InboundTopic = "bashobot/inbound"
	}
	if c.MQTT.ReplyTopic == "" {
		c.MQTT.ReplyTopic = "bashobot/outbound"
	}
	if c.MQTT.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "local"
		}
		c.MQTT.ClientID = "bashobot-" + host
	}
	if c.Status.Address == "" {
		c.Status.Address = "127.0.0.1"
	}
	if c.Status.Port <= 0 {
		c.Status.Port = 8723
	}
	if c.Providers.OAuth.CredentialsFile == "" {
		c.Providers.OAuth.CredentialsFile = filepath.Join(c.DataDir, "credentials.json")
	}
}

// Validate rejects configurations that cannot produce a working daemon.
// Called once at startup; failures here are fatal before the daemon loop.
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "ollama":
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return errors.New("providers.anthropic.api_key is required when providers.default is anthropic")
		}
	case "oauth":
		if c.Providers.OAuth.TokenURL == "" {
			return errors.New("providers.oauth.token_url is required when providers.default is oauth")
		}
	default:
		return fmt.Errorf("unknown provider %q (valid: ollama, anthropic, oauth)", c.Providers.Default)
	}

	switch c.Memory.Backend {
	case "sqlite", "markdown":
	default:
		return fmt.Errorf("unknown memory backend %q (valid: sqlite, markdown)", c.Memory.Backend)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("telegram.bot_token is required when telegram.enabled is true")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt.enabled is true")
	}

	return nil
}
