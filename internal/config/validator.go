package config

import (
	"fmt"
	"strings"
)

var validAlgorithms = map[string]bool{
	"token_bucket":   true,
	"sliding_window": true,
	"fixed_window":   true,
}

var validStores = map[string]bool{
	"":       true,
	"memory": true,
	"redis":  true,
}

var validLevels = map[string]bool{
	"":         true,
	"strict":   true,
	"moderate": true,
	"lenient":  true,
}

// ValidateConfig checks the configuration for errors. All problems
// are reported together rather than one at a time.
func ValidateConfig(c *GatewayConfig) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	if c.RateLimit != nil {
		errs = append(errs, validateRateLimit("rateLimit", c.RateLimit)...)
	}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Path == "" {
			errs = append(errs, fmt.Sprintf("routes[%d].path is required", i))
		}
		if route.Service == "" {
			errs = append(errs, fmt.Sprintf("routes[%d].service is required", i))
		} else if c.Service(route.Service) == nil {
			errs = append(errs, fmt.Sprintf("routes[%d] references unknown service %q", i, route.Service))
		}
		if route.RateLimit != nil {
			errs = append(errs, validateRateLimit(fmt.Sprintf("routes[%d].rateLimit", i), route.RateLimit)...)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			errs = append(errs, fmt.Sprintf("services[%d].name is required", i))
			continue
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("duplicate service name %q", svc.Name))
		}
		seen[svc.Name] = true
		if svc.URL == "" {
			errs = append(errs, fmt.Sprintf("services[%d].url is required", i))
		}
		if cb := svc.CircuitBreaker; cb != nil && cb.Enabled {
			if cb.FailureThreshold < 1 {
				errs = append(errs, fmt.Sprintf("services[%d].circuitBreaker.failureThreshold must be positive", i))
			}
			if cb.RecoveryTimeout <= 0 {
				errs = append(errs, fmt.Sprintf("services[%d].circuitBreaker.recoveryTimeout must be positive", i))
			}
			if cb.HalfOpenMaxRequests < 1 {
				errs = append(errs, fmt.Sprintf("services[%d].circuitBreaker.halfOpenMaxRequests must be positive", i))
			}
		}
	}

	if c.Auth != nil && c.Auth.Enabled {
		switch c.Auth.Mode {
		case "jwt":
			if c.Auth.JWT == nil {
				errs = append(errs, "auth.jwt section is required when auth.mode is jwt")
			} else if c.Auth.JWT.JWKSURL == "" && c.Auth.JWT.Secret == "" {
				errs = append(errs, "auth.jwt requires jwksUrl or secret")
			}
		case "api_key":
			if len(c.Auth.APIKeys) == 0 {
				errs = append(errs, "auth.apiKeys must not be empty when auth.mode is api_key")
			}
		default:
			errs = append(errs, fmt.Sprintf("auth.mode must be jwt or api_key, got %q", c.Auth.Mode))
		}
	}

	if c.Validation != nil && !validLevels[c.Validation.Level] {
		errs = append(errs, fmt.Sprintf("validation.level must be strict, moderate or lenient, got %q", c.Validation.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func validateRateLimit(prefix string, rl *RateLimitConfig) []string {
	var errs []string

	if !rl.Enabled {
		return nil
	}
	if !validAlgorithms[rl.Algorithm] {
		errs = append(errs, fmt.Sprintf("%s.algorithm must be token_bucket, sliding_window or fixed_window, got %q", prefix, rl.Algorithm))
	}
	if rl.Limit < 1 {
		errs = append(errs, fmt.Sprintf("%s.limit must be positive, got %d", prefix, rl.Limit))
	}
	if rl.WindowSeconds < 1 {
		errs = append(errs, fmt.Sprintf("%s.windowSeconds must be positive, got %d", prefix, rl.WindowSeconds))
	}
	if rl.BurstSize < 0 {
		errs = append(errs, fmt.Sprintf("%s.burstSize must not be negative, got %d", prefix, rl.BurstSize))
	}
	if !validStores[rl.Store] {
		errs = append(errs, fmt.Sprintf("%s.store must be memory or redis, got %q", prefix, rl.Store))
	}
	if rl.Store == "redis" && rl.Redis == nil {
		errs = append(errs, fmt.Sprintf("%s.redis section is required when store is redis", prefix))
	}
	return errs
}
