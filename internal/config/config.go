// ABOUTME: Configuration loading and parsing for wagate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wagate configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the optional Redis connection. An empty addr runs the
// gateway with in-memory webhook queueing and process-local locking only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// EngineConfig holds connection engine timing configuration
type EngineConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	MaxQRAttempts  int           `yaml:"max_qr_attempts"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	QRTimeout      time.Duration `yaml:"-"`
	ReconnectDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	QRTimeoutRaw      string `yaml:"qr_timeout"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	AdminURL       string        `yaml:"admin_url"`
	AdminSecret    string        `yaml:"admin_secret"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	PollInterval   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// RecoveryConfig holds startup session recovery timing configuration
type RecoveryConfig struct {
	StartupGrace time.Duration `yaml:"-"`
	StaggerMin   time.Duration `yaml:"-"`
	StaggerMax   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StartupGraceRaw string `yaml:"startup_grace"`
	StaggerMinRaw   string `yaml:"stagger_min"`
	StaggerMaxRaw   string `yaml:"stagger_max"`
}

// GatewayConfig holds websocket fan-out configuration
type GatewayConfig struct {
	PingInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.BrokerURL == "" {
		return fmt.Errorf("engine.broker_url is required")
	}

	if c.Recovery.StaggerMax != 0 && c.Recovery.StaggerMax < c.Recovery.StaggerMin {
		return fmt.Errorf("recovery.stagger_max must not be below recovery.stagger_min")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Engine.QRTimeoutRaw, &cfg.Engine.QRTimeout, "qr_timeout"},
		{cfg.Engine.ReconnectDelayRaw, &cfg.Engine.ReconnectDelay, "reconnect_delay"},
		{cfg.Webhook.PollIntervalRaw, &cfg.Webhook.PollInterval, "poll_interval"},
		{cfg.Webhook.RequestTimeoutRaw, &cfg.Webhook.RequestTimeout, "request_timeout"},
		{cfg.Recovery.StartupGraceRaw, &cfg.Recovery.StartupGrace, "startup_grace"},
		{cfg.Recovery.StaggerMinRaw, &cfg.Recovery.StaggerMin, "stagger_min"},
		{cfg.Recovery.StaggerMaxRaw, &cfg.Recovery.StaggerMax, "stagger_max"},
		{cfg.Gateway.PingIntervalRaw, &cfg.Gateway.PingInterval, "ping_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
