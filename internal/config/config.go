// Package config holds the gateway configuration: a JSON5 file for structure,
// environment variables for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration accepts either a Go duration string ("30s") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		d.Duration = time.Duration(t) * time.Second
		return nil
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", t, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Channels  ChannelsConfig  `json:"channels"`
	Bindings  []Binding       `json:"bindings"`
	Router    RouterConfig    `json:"router"`
	Filters   FiltersConfig   `json:"filters"`
	Sessions  SessionsConfig  `json:"sessions"`
	Provider  ProviderConfig  `json:"provider"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   LoggingConfig   `json:"logging"`
}

type GatewayConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	ChatTimeout Duration `json:"chat_timeout"`
	// Token guards the operator endpoints. Comes from
	// CHATRELAY_GATEWAY_TOKEN; empty disables auth (dev mode).
	Token string `json:"-"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres". The postgres DSN comes from
	// CHATRELAY_PG_DSN, never from the file.
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"-"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Webchat  WebchatConfig  `json:"webchat"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

type WebchatConfig struct {
	Enabled bool `json:"enabled"`
	// MaxMessageLength caps outbound frames; 0 means unlimited.
	MaxMessageLength int `json:"max_message_length"`
}

// Binding maps a channel (optionally narrowed by workspace or explicit
// conversation ids) to an agent. First match wins.
type Binding struct {
	Channel       string   `json:"channel"`
	Workspace     string   `json:"workspace"`
	Conversations []string `json:"conversations"`
	AgentID       string   `json:"agent_id"`
	Activation    string   `json:"activation"`
}

type RouterConfig struct {
	Workers          int      `json:"workers"`
	DeliveryAttempts int      `json:"delivery_attempts"`
	DeliveryBackoff  Duration `json:"delivery_backoff"`
	SubscribeBackoff Duration `json:"subscribe_backoff"`
	SubscribeMaxWait Duration `json:"subscribe_max_wait"`
}

type FiltersConfig struct {
	MaxMessageLength int `json:"max_message_length"`
}

type SessionsConfig struct {
	// GroupMarker is the conversation id prefix that forces GROUP scope.
	GroupMarker       string   `json:"group_marker"`
	CompactionTokens  int      `json:"compaction_tokens"`
	CompactionCron    string   `json:"compaction_cron"`
	RetentionCron     string   `json:"retention_cron"`
	ArchiveAfter      Duration `json:"archive_after"`
	PurgeAfter        Duration `json:"purge_after"`
	SummaryLineBudget int      `json:"summary_line_budget"`
}

type ProviderConfig struct {
	// APIKey comes from ANTHROPIC_API_KEY.
	APIKey         string   `json:"-"`
	BaseURL        string   `json:"base_url"`
	DefaultModel   string   `json:"default_model"`
	MaxTokens      int      `json:"max_tokens"`
	RequestTimeout Duration `json:"request_timeout"`
	PromptTemplate string   `json:"prompt_template"`
}

type RateLimitConfig struct {
	PerMinute int `json:"per_minute"`
	Burst     int `json:"burst"`
	MaxKeys   int `json:"max_keys"`
}

type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	// Protocol is "grpc" or "http".
	Protocol string `json:"protocol"`
	Insecure bool   `json:"insecure"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			ChatTimeout: Duration{60 * time.Second},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "chatrelay.db",
		},
		Channels: ChannelsConfig{
			Webchat: WebchatConfig{Enabled: true, MaxMessageLength: 0},
		},
		Router: RouterConfig{
			Workers:          8,
			DeliveryAttempts: 3,
			DeliveryBackoff:  Duration{500 * time.Millisecond},
			SubscribeBackoff: Duration{time.Second},
			SubscribeMaxWait: Duration{time.Minute},
		},
		Filters: FiltersConfig{
			MaxMessageLength: 8000,
		},
		Sessions: SessionsConfig{
			GroupMarker:       "group:",
			CompactionTokens:  6000,
			CompactionCron:    "*/5 * * * *",
			RetentionCron:     "0 3 * * *",
			ArchiveAfter:      Duration{14 * 24 * time.Hour},
			PurgeAfter:        Duration{30 * 24 * time.Hour},
			SummaryLineBudget: 120,
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.anthropic.com",
			DefaultModel:   "claude-sonnet-4-20250514",
			MaxTokens:      4096,
			RequestTimeout: Duration{90 * time.Second},
		},
		RateLimit: RateLimitConfig{
			PerMinute: 20,
			Burst:     5,
			MaxKeys:   10000,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the parts of the config that would otherwise fail at
// runtime in unhelpful places.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("postgres driver requires CHATRELAY_PG_DSN")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord enabled but CHATRELAY_DISCORD_TOKEN is empty")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but CHATRELAY_TELEGRAM_TOKEN is empty")
	}
	for i, b := range c.Bindings {
		if b.Channel == "" || b.AgentID == "" {
			return fmt.Errorf("binding %d: channel and agent_id are required", i)
		}
	}
	if c.Router.Workers <= 0 {
		return fmt.Errorf("router.workers must be positive")
	}
	return nil
}
