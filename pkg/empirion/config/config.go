// Package config defines the gateway configuration and its YAML loader.
package config

import (
	"time"

	"github.com/empirion-ai/empirion/pkg/empirion/auth"
)

// Config holds all daemon configuration.
type Config struct {
	// Name is the assistant name announced to clients.
	Name string `yaml:"name"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// WebSocket configures the gateway server.
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Auth configures credential validation.
	Auth auth.Config `yaml:"auth"`

	// Assistant configures the chat capability.
	Assistant AssistantConfig `yaml:"assistant"`

	// Voice configures the voice capability.
	Voice VoiceConfig `yaml:"voice"`

	// Phone configures the device telephony integration.
	Phone PhoneConfig `yaml:"phone"`

	// Store configures the app-store integration.
	Store StoreConfig `yaml:"store"`

	// Monitor configures the periodic status publisher.
	Monitor MonitorConfig `yaml:"monitor"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// WebSocketConfig configures the connection layer.
type WebSocketConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxConnections caps concurrent clients; further connections are
	// rejected with a terminal error frame.
	MaxConnections int `yaml:"max_connections"`

	// HeartbeatInterval is the liveness window in seconds: a session with
	// no traffic (inbound frames or answered pings) within it is closed.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// RequestTimeout is the capability-call deadline in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// OutboundQueueSize bounds each session's outbound frame queue.
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// MaxAuthFailures closes the connection after this many rejected
	// auth attempts.
	MaxAuthFailures int `yaml:"max_auth_failures"`
}

// Heartbeat returns the liveness window as a duration.
func (w WebSocketConfig) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// Timeout returns the capability-call deadline as a duration.
func (w WebSocketConfig) Timeout() time.Duration {
	return time.Duration(w.RequestTimeout) * time.Second
}

// AssistantConfig configures the chat capability handler.
type AssistantConfig struct {
	// BaseURL is an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// Instructions is the base system prompt.
	Instructions string `yaml:"instructions"`

	// HistoryPath locates the SQLite conversation database.
	HistoryPath string `yaml:"history_path"`
}

// VoiceConfig configures the voice capability handler.
type VoiceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language"`
	// Model is the transcription model on the assistant endpoint.
	Model string `yaml:"model"`
}

// PhoneConfig configures device telephony.
type PhoneConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoreConfig configures the app-store client.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// MonitorConfig configures the status monitor.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression or @every shorthand.
	Schedule string `yaml:"schedule"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name: "Empirion",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Host:              "0.0.0.0",
			Port:              8765,
			MaxConnections:    100,
			HeartbeatInterval: 60,
			RequestTimeout:    30,
			OutboundQueueSize: 64,
			MaxAuthFailures:   5,
		},
		Assistant: AssistantConfig{
			Model:       "gpt-4o-mini",
			HistoryPath: "./data/empirion.db",
		},
		Voice: VoiceConfig{
			Enabled:  true,
			Language: "en",
		},
		Phone: PhoneConfig{Enabled: true},
		Store: StoreConfig{Enabled: true},
		Monitor: MonitorConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
	}
}
