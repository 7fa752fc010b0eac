package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskery/chatrelay/internal/history"
)

// Config is the top-level configuration for the chat relay.
type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	History    HistoryConfig    `yaml:"history"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// RelayConfig contains the core relay settings.
type RelayConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	HistoryLimit   int           `yaml:"history_limit"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// HistoryConfig selects and tunes the message history store.
type HistoryConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "memory"
	Path        string `yaml:"path"`
	MemoryLimit int    `yaml:"memory_limit"` // retained messages per room (memory driver)
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AuthToken           string          `yaml:"auth_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddress:  "127.0.0.1:8080",
			AllowedOrigins: []string{"localhost:*"},
			HistoryLimit:   50,
			MaxMessageSize: 16384, // 16KB, chat lines are small
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			StoreTimeout:   5 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		History: HistoryConfig{
			Driver:      "sqlite",
			Path:        "/var/lib/chatrelay/messages.db",
			MemoryLimit: 1000,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    20,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Relay validation
	if c.Relay.ListenAddress == "" {
		return fmt.Errorf("relay.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddress); err != nil {
		return fmt.Errorf("relay.listen_address is invalid: %w", err)
	}
	if len(c.Relay.AllowedOrigins) == 0 {
		return fmt.Errorf("relay.allowed_origins is required (set the client application's origin)")
	}
	if c.Relay.HistoryLimit <= 0 {
		return fmt.Errorf("relay.history_limit must be positive")
	}
	if c.Relay.HistoryLimit > 1000 {
		return fmt.Errorf("relay.history_limit must not exceed 1000")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be positive")
	}
	if c.Relay.MaxMessageSize > 1048576 {
		return fmt.Errorf("relay.max_message_size must not exceed 1048576 (1MB)")
	}
	for name, d := range map[string]time.Duration{
		"relay.write_timeout": c.Relay.WriteTimeout,
		"relay.store_timeout": c.Relay.StoreTimeout,
		"relay.drain_timeout": c.Relay.DrainTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
		if d > 5*time.Minute {
			return fmt.Errorf("%s must not exceed 5m", name)
		}
	}
	if c.Relay.PingInterval < 0 {
		return fmt.Errorf("relay.ping_interval must not be negative")
	}
	if c.Relay.PingInterval > 0 && c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be positive when pings are enabled")
	}

	// History validation
	switch c.History.Driver {
	case "sqlite":
		if err := history.ValidatePath(c.History.Path); err != nil {
			return err
		}
	case "memory":
		if c.History.MemoryLimit <= 0 {
			return fmt.Errorf("history.memory_limit must be positive for the memory driver")
		}
	default:
		return fmt.Errorf("history.driver must be one of: sqlite, memory")
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Relay.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("relay.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies CHATRELAY_ prefixed environment variables.
// Convention: CHATRELAY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"CHATRELAY_RELAY_LISTEN_ADDRESS":           func(v string) { cfg.Relay.ListenAddress = v },
		"CHATRELAY_RELAY_ALLOWED_ORIGINS":          func(v string) { cfg.Relay.AllowedOrigins = splitList(v) },
		"CHATRELAY_RELAY_HISTORY_LIMIT":            func(v string) { cfg.Relay.HistoryLimit = parseInt(v, cfg.Relay.HistoryLimit) },
		"CHATRELAY_RELAY_MAX_MESSAGE_SIZE":         func(v string) { cfg.Relay.MaxMessageSize = parseInt64(v, cfg.Relay.MaxMessageSize) },
		"CHATRELAY_RELAY_PING_INTERVAL":            func(v string) { cfg.Relay.PingInterval = parseDuration(v, cfg.Relay.PingInterval) },
		"CHATRELAY_RELAY_PONG_TIMEOUT":             func(v string) { cfg.Relay.PongTimeout = parseDuration(v, cfg.Relay.PongTimeout) },
		"CHATRELAY_RELAY_WRITE_TIMEOUT":            func(v string) { cfg.Relay.WriteTimeout = parseDuration(v, cfg.Relay.WriteTimeout) },
		"CHATRELAY_RELAY_STORE_TIMEOUT":            func(v string) { cfg.Relay.StoreTimeout = parseDuration(v, cfg.Relay.StoreTimeout) },
		"CHATRELAY_RELAY_DRAIN_TIMEOUT":            func(v string) { cfg.Relay.DrainTimeout = parseDuration(v, cfg.Relay.DrainTimeout) },
		"CHATRELAY_HISTORY_DRIVER":                 func(v string) { cfg.History.Driver = v },
		"CHATRELAY_HISTORY_PATH":                   func(v string) { cfg.History.Path = v },
		"CHATRELAY_HISTORY_MEMORY_LIMIT":           func(v string) { cfg.History.MemoryLimit = parseInt(v, cfg.History.MemoryLimit) },
		"CHATRELAY_SECURITY_AUTH_TOKEN":            func(v string) { cfg.Security.AuthToken = v },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS":       func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"CHATRELAY_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"CHATRELAY_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"CHATRELAY_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"CHATRELAY_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"CHATRELAY_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"CHATRELAY_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"CHATRELAY_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"CHATRELAY_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, history driver/path.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Relay.MaxMessageSize = newCfg.Relay.MaxMessageSize
	updated.Relay.HistoryLimit = newCfg.Relay.HistoryLimit
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Relay.ListenAddress != new.Relay.ListenAddress {
		warnings = append(warnings, "relay.listen_address requires restart")
	}
	if old.History.Driver != new.History.Driver || old.History.Path != new.History.Path {
		warnings = append(warnings, "history settings require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
