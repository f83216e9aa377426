package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Providers.Default != "ollama" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("ollama base url = %q", cfg.Providers.Ollama.BaseURL)
	}
	if cfg.Context.MaxTokens != 4000 || cfg.Context.TriggerRatio != 0.75 || cfg.Context.KeepRecentTokens != 1000 {
		t.Errorf("context defaults = %+v", cfg.Context)
	}
	if !cfg.Tools.Enabled || !cfg.Tools.WhitelistEnforced {
		t.Errorf("tools defaults = %+v", cfg.Tools)
	}
	if cfg.Tools.BashTimeoutSec != 60 {
		t.Errorf("bash timeout = %d", cfg.Tools.BashTimeoutSec)
	}
	if home, err := os.UserHomeDir(); err == nil {
		if len(cfg.Tools.AllowedDirs) != 1 || cfg.Tools.AllowedDirs[0] != home {
			t.Errorf("allowed dirs = %v, want [%s]", cfg.Tools.AllowedDirs, home)
		}
	}
	if cfg.Memory.Backend != "sqlite" {
		t.Errorf("memory backend = %q", cfg.Memory.Backend)
	}
	if cfg.Daemon.QueueSize != 64 {
		t.Errorf("queue size = %d", cfg.Daemon.QueueSize)
	}
	if cfg.Daemon.SocketPath == "" {
		t.Error("socket path not defaulted")
	}
	if cfg.Status.Address != "127.0.0.1" || cfg.Status.Port != 8723 {
		t.Errorf("status defaults = %+v", cfg.Status)
	}
	if cfg.MQTT.InboundTopic != "bashobot/inbound" || cfg.MQTT.ReplyTopic != "bashobot/outbound" {
		t.Errorf("mqtt topics = %+v", cfg.MQTT)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/bashobot-test
log_level: debug
providers:
  default: anthropic
  model: claude-sonnet-4
  anthropic:
    api_key: sk-test
context:
  max_tokens: 8000
daemon:
  heartbeat_interval: 5m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/bashobot-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Providers.Default != "anthropic" || cfg.Providers.Model != "claude-sonnet-4" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Context.MaxTokens != 8000 {
		t.Errorf("max_tokens = %d", cfg.Context.MaxTokens)
	}
	// unset fields fall back to defaults
	if cfg.Context.TriggerRatio != 0.75 {
		t.Errorf("trigger_ratio = %v", cfg.Context.TriggerRatio)
	}
	if cfg.Daemon.HeartbeatInterval != 5*time.Minute {
		t.Errorf("heartbeat_interval = %v", cfg.Daemon.HeartbeatInterval)
	}
	if cfg.Daemon.SocketPath != filepath.Join("/tmp/bashobot-test", "bashobot.sock") {
		t.Errorf("socket_path = %q", cfg.Daemon.SocketPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("BASHOBOT_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  default: anthropic
  anthropic:
    api_key: ${BASHOBOT_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown provider",
			func(c *Config) { c.Providers.Default = "openai" },
			"unknown provider",
		},
		{
			"anthropic without key",
			func(c *Config) { c.Providers.Default = "anthropic" },
			"api_key",
		},
		{
			"oauth without token url",
			func(c *Config) { c.Providers.Default = "oauth" },
			"token_url",
		},
		{
			"unknown memory backend",
			func(c *Config) { c.Memory.Backend = "redis" },
			"memory backend",
		},
		{
			"telegram without token",
			func(c *Config) { c.Telegram.Enabled = true },
			"bot_token",
		},
		{
			"mqtt without broker",
			func(c *Config) { c.MQTT.Enabled = true },
			"broker",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfig(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/x\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q", got)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing explicit config accepted")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  Error  ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace rendered as %q", got.Value.String())
	}

	b := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, b)
	if got.Value.Any() != any(slog.LevelInfo) {
		t.Errorf("info level altered: %v", got.Value)
	}
}

func TestRuntimeStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewRuntimeStore(dir, Runtime{
		Provider:      "ollama",
		Model:         "qwen3:4b",
		ToolsEnabled:  true,
		MemoryEnabled: true,
	})

	// missing file yields defaults
	rt, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rt.Provider != "ollama" || !rt.ToolsEnabled {
		t.Errorf("defaults = %+v", rt)
	}

	rt.Provider = "anthropic"
	rt.ToolsEnabled = false
	if err := store.Save(rt); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Provider != "anthropic" || got.ToolsEnabled {
		t.Errorf("reloaded = %+v", got)
	}

	// a second store on the same dir sees the overlay
	other := NewRuntimeStore(dir, Runtime{Provider: "ollama"})
	got, err = other.Load()
	if err != nil {
		t.Fatalf("other Load: %v", err)
	}
	if got.Provider != "anthropic" {
		t.Errorf("overlay not shared: %+v", got)
	}
}

func TestRuntimeStoreMalformedOverlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "runtime.yaml"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewRuntimeStore(dir, Runtime{Provider: "ollama"})
	if _, err := store.Load(); err == nil {
		t.Error("malformed overlay accepted")
	}
}
