package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddress, cfg.Server.Address)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, DefaultServiceName, cfg.Telemetry.ServiceName)
	assert.False(t, cfg.Auth.Enabled())
	assert.Zero(t, cfg.RateLimit.RequestsPerSecond)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  address: ":9000"
  read_timeout: 5s
  execute_timeout: 250ms
logging:
  level: debug
  format: text
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
auth:
  jwt_secret: "s3cret"
  issuer: "polis"
rate_limit:
  requests_per_second: 20
policies:
  file: bundle.yaml
  watch: true
  extensions:
    region: eu-west-1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.ExecuteTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty, "text format selects the console handler")
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, 20, cfg.RateLimit.Burst, "burst defaults to the rate")
	assert.Equal(t, "bundle.yaml", cfg.Policies.File)
	assert.Equal(t, map[string]any{"region": "eu-west-1"}, cfg.Policies.Extensions)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUTHZ_ADDR", ":7000")
	t.Setenv("AUTHZ_LOG_LEVEL", "warn")
	t.Setenv("AUTHZ_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("AUTHZ_OTLP_INSECURE", "true")
	t.Setenv("AUTHZ_JWT_SECRET", "from-env")
	t.Setenv("AUTHZ_POLICY_FILE", "/etc/authz/bundle.yaml")
	t.Setenv("AUTHZ_RATE_LIMIT_RPS", "2.5")

	path := writeFile(t, t.TempDir(), "config.yaml", "server:\n  address: \":9000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "/etc/authz/bundle.yaml", cfg.Policies.File)
	assert.InDelta(t, 2.5, cfg.RateLimit.RequestsPerSecond, 0.0001)
	assert.Equal(t, 2, cfg.RateLimit.Burst)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"log level", "logging:\n  level: loud\n", "invalid log level"},
		{"log format", "logging:\n  format: xml\n", "invalid log format"},
		{"negative rps", "rate_limit:\n  requests_per_second: -1\n", "requests_per_second"},
		{"negative timeout", "server:\n  read_timeout: -1s\n", "timeouts"},
		{"watch without file", "policies:\n  watch: true\n", "watch requires a policy file"},
		{"malformed yaml", "server: [", "failed to parse config file"},
	}

	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "config.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsBadRateEnv(t *testing.T) {
	t.Setenv("AUTHZ_RATE_LIMIT_RPS", "fast")
	_, err := Load("")
	require.ErrorContains(t, err, "AUTHZ_RATE_LIMIT_RPS")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestLoadTelemetryOverrides(t *testing.T) {
	t.Setenv("AUTHZ_OTLP_HEADERS", " authorization = Bearer t , x-tenant=acme,")
	t.Setenv("AUTHZ_ENVIRONMENT", "prod")

	path := writeFile(t, t.TempDir(), "config.yaml", `
telemetry:
  environment: staging
  headers:
    x-tenant: from-file
    x-extra: kept
  resource_tags:
    team: platform
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Telemetry.Environment)
	assert.Equal(t, map[string]string{
		"authorization": "Bearer t",
		"x-tenant":      "acme",
		"x-extra":       "kept",
	}, cfg.Telemetry.Headers)
	assert.Equal(t, map[string]string{"team": "platform"}, cfg.Telemetry.ResourceTags)
}

func TestLoadRejectsBadHeadersEnv(t *testing.T) {
	t.Setenv("AUTHZ_OTLP_HEADERS", "no-equals-sign")
	_, err := Load("")
	require.ErrorContains(t, err, "AUTHZ_OTLP_HEADERS")
}
