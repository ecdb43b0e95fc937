package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFile reads a YAML config file, expands ${VAR} references from the
// environment (with .env files loaded first), and overlays the result on
// the defaults.
func LoadFile(path string) (*Config, error) {
	// .env files are optional; ignore their absence.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(expandEnv(string(data)))
}

// Parse unmarshals YAML onto the defaults and validates the result.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	w := c.WebSocket
	if w.Port <= 0 || w.Port > 65535 {
		return fmt.Errorf("websocket.port %d out of range", w.Port)
	}
	if w.MaxConnections <= 0 {
		return fmt.Errorf("websocket.max_connections must be positive")
	}
	if w.HeartbeatInterval <= 0 {
		return fmt.Errorf("websocket.heartbeat_interval must be positive")
	}
	if w.RequestTimeout <= 0 {
		return fmt.Errorf("websocket.request_timeout must be positive")
	}
	if w.OutboundQueueSize <= 0 {
		return fmt.Errorf("websocket.outbound_queue_size must be positive")
	}
	if w.MaxAuthFailures <= 0 {
		return fmt.Errorf("websocket.max_auth_failures must be positive")
	}
	return nil
}

// Save writes the configuration to path with owner-only permissions, since
// it may carry credentials.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile looks for a config file in the conventional locations: the
// working directory, then ~/.config/empirion/. Returns "" when none exists.
func FindFile() string {
	candidates := []string{"config.yaml", "config.yml", "empirion.yaml"}
	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range candidates {
			path := filepath.Join(home, ".config", "empirion", name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}
