// Package config provides configuration structures and loading logic for the
// authorization service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the configuration file is read.
const (
	DefaultAddress     = ":8181"
	DefaultLogLevel    = "info"
	DefaultServiceName = "polis-authz"
)

// Config holds the global configuration for the authorization service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Policies  PoliciesConfig  `yaml:"policies"`
}

// ServerConfig holds configuration for the HTTP decision server.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	ResourceTags map[string]string `yaml:"resource_tags"`
}

// AuthConfig configures bearer token authentication. An empty secret
// disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// Enabled reports whether callers must present a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// RateLimitConfig configures the per-caller token bucket. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PoliciesConfig locates the policy bundle and the static extensions merged
// into every request.
type PoliciesConfig struct {
	File       string         `yaml:"file"`
	Watch      bool           `yaml:"watch"`
	Extensions map[string]any `yaml:"extensions"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: DefaultAddress,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("AUTHZ_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("AUTHZ_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("AUTHZ_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("AUTHZ_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("AUTHZ_OTLP_HEADERS"); val != "" {
		headers, err := parseKeyValues(val)
		if err != nil {
			return fmt.Errorf("invalid AUTHZ_OTLP_HEADERS: %w", err)
		}
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			cfg.Telemetry.Headers[k] = v
		}
	}
	if val := os.Getenv("AUTHZ_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}
	if val := os.Getenv("AUTHZ_JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("AUTHZ_POLICY_FILE"); val != "" {
		cfg.Policies.File = val
	}
	if val := os.Getenv("AUTHZ_RATE_LIMIT_RPS"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid AUTHZ_RATE_LIMIT_RPS %q: %w", val, err)
		}
		cfg.RateLimit.RequestsPerSecond = rps
	}
	return nil
}

// parseKeyValues reads "k1=v1,k2=v2". Whitespace around keys and values is
// trimmed.
func parseKeyValues(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", strings.TrimSpace(pair))
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration: %w", err)
	}
	if c.Policies.Watch && strings.TrimSpace(c.Policies.File) == "" {
		return errors.New("policies configuration: watch requires a policy file")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultAddress
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ExecuteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if c.Level == "" {
		c.Level = DefaultLogLevel
	}

	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}

	switch strings.ToLower(c.Format) {
	case "", "json":
	case "text", "pretty":
		c.Pretty = true
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

// Validate performs validation of rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}
	if c.Burst < 0 {
		return errors.New("burst must not be negative")
	}
	if c.RequestsPerSecond > 0 && c.Burst == 0 {
		c.Burst = max(1, int(c.RequestsPerSecond))
	}
	return nil
}
