package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/config"
)

const testSecret = "test-secret-key-for-hmac-signing"

func signToken(t *testing.T, mutate func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()

	builder := jwt.NewBuilder().
		Subject("user-42").
		Issuer("https://issuer.test").
		Audience([]string{"gateway"}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		builder = mutate(builder)
	}

	token, err := builder.Build()
	require.NoError(t, err)

	key, err := jwk.FromRaw([]byte(testSecret))
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(signed)
}

func newHMACVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(context.Background(), &config.JWTConfig{
		Issuer:   "https://issuer.test",
		Audience: "gateway",
		Secret:   testSecret,
	}, zap.NewNop())
	require.NoError(t, err)
	return v
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken(bearerRequest("abc")))
	assert.Equal(t, "", BearerToken(bearerRequest("")))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", BearerToken(r))
}

func TestJWTVerifierValidToken(t *testing.T) {
	v := newHMACVerifier(t)
	token := signToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Claim("roles", []string{"admin", "reader"})
	})

	identity, err := v.Verify(context.Background(), bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.Subject)
	assert.Equal(t, "jwt", identity.Method)
	assert.Equal(t, []string{"admin", "reader"}, identity.Roles)
}

func TestJWTVerifierSingleStringRole(t *testing.T) {
	v := newHMACVerifier(t)
	token := signToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Claim("roles", "admin")
	})

	identity, err := v.Verify(context.Background(), bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, identity.Roles)
}

func TestJWTVerifierMissingToken(t *testing.T) {
	v := newHMACVerifier(t)

	_, err := v.Verify(context.Background(), bearerRequest(""))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestJWTVerifierExpiredToken(t *testing.T) {
	v := newHMACVerifier(t)
	token := signToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Expiration(time.Now().Add(-2 * time.Minute))
	})

	_, err := v.Verify(context.Background(), bearerRequest(token))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestJWTVerifierWrongIssuer(t *testing.T) {
	v := newHMACVerifier(t)
	token := signToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("https://evil.test")
	})

	_, err := v.Verify(context.Background(), bearerRequest(token))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestJWTVerifierGarbageToken(t *testing.T) {
	v := newHMACVerifier(t)

	_, err := v.Verify(context.Background(), bearerRequest("not.a.token"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestJWTVerifierRequiresKeySource(t *testing.T) {
	_, err := NewJWTVerifier(context.Background(), &config.JWTConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestAPIKeyVerifier(t *testing.T) {
	hash, err := HashAPIKey("sk-live-12345")
	require.NoError(t, err)

	v := NewAPIKeyVerifier([]config.APIKeyEntry{
		{Name: "billing-service", Hash: hash, Roles: []string{"billing"}},
	}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	r.Header.Set(APIKeyHeader, "sk-live-12345")

	identity, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "billing-service", identity.Subject)
	assert.Equal(t, "api_key", identity.Method)
	assert.Equal(t, []string{"billing"}, identity.Roles)

	// Second verification hits the match cache.
	identity, err = v.Verify(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "billing-service", identity.Subject)
}

func TestAPIKeyVerifierRejectsUnknownKey(t *testing.T) {
	hash, err := HashAPIKey("sk-live-12345")
	require.NoError(t, err)

	v := NewAPIKeyVerifier([]config.APIKeyEntry{
		{Name: "billing-service", Hash: hash},
	}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(APIKeyHeader, "sk-live-wrong")

	_, err = v.Verify(context.Background(), r)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAPIKeyVerifierMissingHeader(t *testing.T) {
	v := NewAPIKeyVerifier(nil, zap.NewNop())

	_, err := v.Verify(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
