// ABOUTME: Configuration loading and parsing for meter-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the complete meter-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Limits      LimitsConfig      `yaml:"limits"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ReadHeaderTimeout time.Duration `yaml:"-"`
	WriteTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token and secret-rotation configuration
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	BcryptCost int    `yaml:"bcrypt_cost"`

	TokenTTL      time.Duration `yaml:"-"`
	RotationGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TokenTTLRaw      string `yaml:"token_ttl"`
	RotationGraceRaw string `yaml:"rotation_grace"`
}

// LimitsConfig holds the fixed-window rate limiter configuration.
// Ceilings are requests per window, per caller, per route class.
type LimitsConfig struct {
	Auth  int `yaml:"auth"`
	Agent int `yaml:"agent"`
	Ping  int `yaml:"ping"`

	Window time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// DiagnosticsConfig holds diagnostic session timing configuration
type DiagnosticsConfig struct {
	CoolDown       time.Duration `yaml:"-"`
	SessionTimeout time.Duration `yaml:"-"`

	CoolDownRaw       string `yaml:"cooldown"`
	SessionTimeoutRaw string `yaml:"session_timeout"`
}

// ChannelsConfig holds agent push-channel configuration
type ChannelsConfig struct {
	KeepaliveInterval time.Duration `yaml:"-"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills in zero-valued fields with operational defaults.
func (c *Config) applyDefaults() {
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.RotationGrace == 0 {
		c.Auth.RotationGrace = 24 * time.Hour
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = bcrypt.DefaultCost
	}
	if c.Limits.Window == 0 {
		c.Limits.Window = time.Minute
	}
	if c.Limits.Auth == 0 {
		c.Limits.Auth = 10
	}
	if c.Limits.Agent == 0 {
		c.Limits.Agent = 120
	}
	if c.Limits.Ping == 0 {
		c.Limits.Ping = 600
	}
	if c.Diagnostics.CoolDown == 0 {
		c.Diagnostics.CoolDown = 60 * time.Second
	}
	if c.Diagnostics.SessionTimeout == 0 {
		c.Diagnostics.SessionTimeout = 30 * time.Second
	}
	if c.Channels.KeepaliveInterval == 0 {
		c.Channels.KeepaliveInterval = 30 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.rotation_grace", cfg.Auth.RotationGraceRaw, &cfg.Auth.RotationGrace},
		{"limits.window", cfg.Limits.WindowRaw, &cfg.Limits.Window},
		{"diagnostics.cooldown", cfg.Diagnostics.CoolDownRaw, &cfg.Diagnostics.CoolDown},
		{"diagnostics.session_timeout", cfg.Diagnostics.SessionTimeoutRaw, &cfg.Diagnostics.SessionTimeout},
		{"channels.keepalive_interval", cfg.Channels.KeepaliveIntervalRaw, &cfg.Channels.KeepaliveInterval},
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
