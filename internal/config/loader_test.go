package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9000
  shutdownTimeout: "5s"
logging:
  level: debug
rateLimit:
  enabled: true
  algorithm: sliding_window
  limit: 50
  windowSeconds: 30
  burstSize: 5
  store: memory
versioning:
  supported: ["v1", "v2"]
  default: v1
services:
  - name: orders
    url: http://orders.internal:8080
    breakerTimeout: "2s"
    circuitBreaker:
      enabled: true
      failureThreshold: 5
      recoveryTimeout: "30s"
      halfOpenMaxRequests: 3
routes:
  - path: /api/orders
    service: orders
    rateLimit:
      enabled: true
      algorithm: fixed_window
      limit: 10
      windowSeconds: 60
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sliding_window", cfg.RateLimit.Algorithm)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window())
	assert.Equal(t, []string{"v1", "v2"}, cfg.Versioning.Supported)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "fixed_window", cfg.Routes[0].RateLimit.Algorithm)

	svc := cfg.Service("orders")
	require.NotNil(t, svc)
	assert.Equal(t, 2*time.Second, svc.BreakerTimeout.Duration())
	require.NotNil(t, svc.CircuitBreaker)
	assert.Equal(t, 30*time.Second, svc.CircuitBreaker.RecoveryTimeout.Duration())
	assert.Nil(t, cfg.Service("unknown"))
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader("server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, "token_bucket", cfg.RateLimit.Algorithm)
	assert.Equal(t, "moderate", cfg.Validation.Level)
	assert.Equal(t, "v1", cfg.Versioning.Default)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/gateway.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("GW_PORT", "9443")

	cfg, err := LoadConfigFromReader(strings.NewReader(
		"server:\n  port: ${GW_PORT}\nlogging:\n  level: ${GW_LEVEL:-warn}\n"))
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvSubstitutionEscapedDollar(t *testing.T) {
	result := substituteEnvVars("password: $$literal")
	assert.Equal(t, "password: $literal", result)
}

func TestValidateRejectsBadAlgorithm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Algorithm = "leaky_bucket"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algorithm")
}

func TestValidateRejectsUnknownRouteService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = []RouteConfig{{Path: "/api/x", Service: "ghost"}}

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown service "ghost"`)
}

func TestValidateRejectsRedisStoreWithoutRedisSection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Store = "redis"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis section is required")
}

func TestValidateRejectsBadAuthMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth = &AuthConfig{Enabled: true, Mode: "basic"}

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.mode")
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.RateLimit.Limit = 0

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "rateLimit.limit")
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON(out))
	assert.Equal(t, d, parsed)

	require.NoError(t, parsed.UnmarshalJSON([]byte("null")))
	assert.Equal(t, Duration(0), parsed)
}
