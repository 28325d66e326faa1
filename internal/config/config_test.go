package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Sessions.GroupMarker != "group:" {
		t.Errorf("group marker = %q", cfg.Sessions.GroupMarker)
	}
	if cfg.Router.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Router.Workers)
	}
}

func TestLoadJSON5Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// comments are fine in json5
		gateway: { port: 9000, chat_timeout: "30s" },
		sessions: { compaction_tokens: 1234 },
		bindings: [
			{ channel: "discord", agent_id: "support", activation: "MENTION" },
		],
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	if cfg.Gateway.ChatTimeout.Duration != 30*time.Second {
		t.Errorf("chat timeout = %v", cfg.Gateway.ChatTimeout)
	}
	if cfg.Sessions.CompactionTokens != 1234 {
		t.Errorf("compaction tokens = %d", cfg.Sessions.CompactionTokens)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].AgentID != "support" {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
	// Untouched sections keep their defaults.
	if cfg.Filters.MaxMessageLength != 8000 {
		t.Errorf("max message length = %d", cfg.Filters.MaxMessageLength)
	}
}

func TestDurationSecondsForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway: {chat_timeout: 45}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ChatTimeout.Duration != 45*time.Second {
		t.Errorf("chat timeout = %v, want 45s", cfg.Gateway.ChatTimeout)
	}
}

func TestEnvSecretsOverlay(t *testing.T) {
	t.Setenv("CHATRELAY_DISCORD_TOKEN", "disc-token")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Discord.Token != "disc-token" {
		t.Errorf("discord token not overlaid")
	}
	if cfg.Provider.APIKey != "sk-ant-test" {
		t.Errorf("api key not overlaid")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"discord without token", func(c *Config) { c.Channels.Discord.Enabled = true }},
		{"binding missing agent", func(c *Config) { c.Bindings = []Binding{{Channel: "discord"}} }},
		{"zero workers", func(c *Config) { c.Router.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
