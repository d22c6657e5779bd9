// Package config provides configuration management for the gateway.
// Configuration is loaded from YAML files with environment variable
// substitution, validated, and optionally hot-reloaded on file change.
package config

import "time"

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Tracing    TracingConfig     `json:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig     `json:"metrics" yaml:"metrics"`
	RateLimit  *RateLimitConfig  `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Auth       *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Authz      *AuthzConfig      `json:"authz,omitempty" yaml:"authz,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"`
	Versioning VersioningConfig  `json:"versioning" yaml:"versioning"`
	Routes     []RouteConfig     `json:"routes" yaml:"routes"`
	Services   []ServiceConfig   `json:"services" yaml:"services"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, console
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"serviceName" yaml:"serviceName"`
	OTLPEndpoint string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Port    int    `json:"port" yaml:"port"`
}

// VersioningConfig lists the API versions the gateway accepts.
type VersioningConfig struct {
	Supported []string `json:"supported" yaml:"supported"`
	Default   string   `json:"default" yaml:"default"`
}

// RateLimitConfig holds rate limiting settings, used both as the
// global default and as a per-route override.
type RateLimitConfig struct {
	Enabled       bool         `json:"enabled" yaml:"enabled"`
	Algorithm     string       `json:"algorithm" yaml:"algorithm"` // token_bucket, sliding_window, fixed_window
	Limit         int          `json:"limit" yaml:"limit"`
	WindowSeconds int          `json:"windowSeconds" yaml:"windowSeconds"`
	BurstSize     int          `json:"burstSize" yaml:"burstSize"`
	Store         string       `json:"store" yaml:"store"` // memory, redis
	Redis         *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// Window returns the configured window as a time.Duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RedisConfig holds Redis connection settings for the distributed
// rate limit store.
type RedisConfig struct {
	Address         string   `json:"address" yaml:"address"`
	Password        string   `json:"password" yaml:"password"`
	DB              int      `json:"db" yaml:"db"`
	KeyPrefix       string   `json:"keyPrefix" yaml:"keyPrefix"`
	DialTimeout     Duration `json:"dialTimeout" yaml:"dialTimeout"`
	BreakerFailures int      `json:"breakerFailures" yaml:"breakerFailures"`
	BreakerCooldown Duration `json:"breakerCooldown" yaml:"breakerCooldown"`
}

// CircuitBreakerConfig holds per-service circuit breaker settings.
// Protection is opt-in: a service without this block is called
// directly.
type CircuitBreakerConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold    int      `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     Duration `json:"recoveryTimeout" yaml:"recoveryTimeout"`
	HalfOpenMaxRequests int      `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Mode    string        `json:"mode" yaml:"mode"` // jwt, api_key
	JWT     *JWTConfig    `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	APIKeys []APIKeyEntry `json:"apiKeys,omitempty" yaml:"apiKeys,omitempty"`
}

// JWTConfig holds JWT verification settings.
type JWTConfig struct {
	Issuer     string `json:"issuer" yaml:"issuer"`
	Audience   string `json:"audience" yaml:"audience"`
	JWKSURL    string `json:"jwksUrl" yaml:"jwksUrl"`
	Secret     string `json:"secret" yaml:"secret"` // HMAC fallback when no JWKS
	Algorithm  string `json:"algorithm" yaml:"algorithm"`
	RolesClaim string `json:"rolesClaim,omitempty" yaml:"rolesClaim,omitempty"`
}

// APIKeyEntry is a named API key. Hash is a bcrypt hash of the key;
// plaintext keys never appear in configuration.
type APIKeyEntry struct {
	Name  string   `json:"name" yaml:"name"`
	Hash  string   `json:"hash" yaml:"hash"`
	Roles []string `json:"roles" yaml:"roles"`
}

// AuthzConfig holds authorization settings.
type AuthzConfig struct {
	Enabled  bool                `json:"enabled" yaml:"enabled"`
	Roles    map[string][]string `json:"roles,omitempty" yaml:"roles,omitempty"` // role -> allowed path prefixes
	Policies []PolicyConfig      `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// PolicyConfig is a CEL policy expression evaluated against the
// request. Every matching policy must evaluate to true.
type PolicyConfig struct {
	Name       string `json:"name" yaml:"name"`
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix"`
	Expression string `json:"expression" yaml:"expression"`
}

// ValidationConfig holds request body validation settings.
type ValidationConfig struct {
	Level   string         `json:"level" yaml:"level"` // strict, moderate, lenient
	Schemas []SchemaConfig `json:"schemas,omitempty" yaml:"schemas,omitempty"`
}

// SchemaConfig binds a body schema to a route.
type SchemaConfig struct {
	Path   string                 `json:"path" yaml:"path"`
	Method string                 `json:"method" yaml:"method"`
	Fields map[string]FieldSchema `json:"fields" yaml:"fields"`
}

// FieldSchema describes one expected body field.
type FieldSchema struct {
	Type     string `json:"type" yaml:"type"` // string, number, boolean, object, array
	Required bool   `json:"required" yaml:"required"`
	Format   string `json:"format,omitempty" yaml:"format,omitempty"` // email, uuid, url
}

// TransformConfig holds body transformation rules for a route, used
// for both the request and the response direction.
type TransformConfig struct {
	RenameFields map[string]string      `json:"renameFields,omitempty" yaml:"renameFields,omitempty"`
	AddFields    map[string]interface{} `json:"addFields,omitempty" yaml:"addFields,omitempty"`
	RemoveFields []string               `json:"removeFields,omitempty" yaml:"removeFields,omitempty"`
	SnakeToCamel bool                   `json:"snakeToCamel" yaml:"snakeToCamel"`
}

// RouteConfig binds a path to a backend service with optional
// per-route overrides.
type RouteConfig struct {
	Path      string           `json:"path" yaml:"path"`
	Methods   []string         `json:"methods,omitempty" yaml:"methods,omitempty"`
	Service   string           `json:"service" yaml:"service"`
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	// RequestTransform rewrites the inbound body before rate limiting
	// and the downstream call; Transform rewrites the response body.
	RequestTransform *TransformConfig `json:"requestTransform,omitempty" yaml:"requestTransform,omitempty"`
	Transform        *TransformConfig `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// ServiceConfig describes a downstream service.
type ServiceConfig struct {
	Name           string                `json:"name" yaml:"name"`
	URL            string                `json:"url" yaml:"url"`
	BreakerTimeout Duration              `json:"breakerTimeout" yaml:"breakerTimeout"` // per-call deadline
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	OutboundRPS    float64               `json:"outboundRps" yaml:"outboundRps"` // 0 disables throttling
	OutboundBurst  int                   `json:"outboundBurst" yaml:"outboundBurst"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName:  "gateway",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		RateLimit: &RateLimitConfig{
			Enabled:       true,
			Algorithm:     "token_bucket",
			Limit:         100,
			WindowSeconds: 60,
			BurstSize:     10,
			Store:         "memory",
		},
		Validation: &ValidationConfig{
			Level: "moderate",
		},
		Versioning: VersioningConfig{
			Supported: []string{"v1"},
			Default:   "v1",
		},
	}
}

// Service returns the service config with the given name, or nil.
func (c *GatewayConfig) Service(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}
