package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/config"
)

// JWTVerifier verifies bearer tokens against a JWKS endpoint or a
// shared HMAC secret.
type JWTVerifier struct {
	issuer     string
	audience   string
	rolesClaim string
	clockSkew  time.Duration

	keySet jwk.Set     // auto-refreshing when backed by JWKS
	hmac   jwk.Key     // set when verifying with a shared secret
	alg    jwa.KeyAlgorithm

	logger *zap.Logger
}

// NewJWTVerifier creates a verifier from configuration. When a JWKS
// URL is configured the key set refreshes in the background for the
// lifetime of ctx.
func NewJWTVerifier(ctx context.Context, cfg *config.JWTConfig, logger *zap.Logger) (*JWTVerifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &JWTVerifier{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		rolesClaim: cfg.RolesClaim,
		clockSkew:  30 * time.Second,
		logger:     logger,
	}
	if v.rolesClaim == "" {
		v.rolesClaim = "roles"
	}

	switch {
	case cfg.JWKSURL != "":
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
		}
		// Fetch once up front so misconfiguration fails at startup.
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		v.keySet = jwk.NewCachedSet(cache, cfg.JWKSURL)

	case cfg.Secret != "":
		key, err := jwk.FromRaw([]byte(cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("failed to build HMAC key: %w", err)
		}
		v.hmac = key
		v.alg = jwa.HS256
		if cfg.Algorithm != "" {
			v.alg = jwa.SignatureAlgorithm(cfg.Algorithm)
		}

	default:
		return nil, fmt.Errorf("jwt verifier requires a JWKS URL or a secret")
	}

	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, r *http.Request) (*Identity, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, ErrMissingCredentials
	}

	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.clockSkew),
	}
	if v.keySet != nil {
		opts = append(opts, jwt.WithKeySet(v.keySet))
	} else {
		opts = append(opts, jwt.WithKey(v.alg, v.hmac))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		v.logger.Debug("jwt verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, "token verification failed")
	}

	identity := &Identity{
		Subject: token.Subject(),
		Method:  "jwt",
		Claims:  token.PrivateClaims(),
		Roles:   extractRoles(token, v.rolesClaim),
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, "token has no subject")
	}
	return identity, nil
}

// extractRoles reads the roles claim, accepting either a list or a
// single string.
func extractRoles(token jwt.Token, claim string) []string {
	raw, ok := token.Get(claim)
	if !ok {
		return nil
	}

	switch value := raw.(type) {
	case []interface{}:
		roles := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return value
	case string:
		return []string{value}
	default:
		return nil
	}
}
