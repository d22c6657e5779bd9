package auth

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowgate-io/flowgate/internal/config"
)

// APIKeyHeader is the request header carrying the API key.
const APIKeyHeader = "X-API-Key"

// APIKeyVerifier verifies static API keys against bcrypt hashes from
// configuration. Plaintext keys never appear in config or logs.
type APIKeyVerifier struct {
	entries []config.APIKeyEntry
	logger  *zap.Logger

	// Successful comparisons are cached so the bcrypt cost is paid
	// once per key, not once per request.
	mu      sync.RWMutex
	matched map[string]int // plaintext key -> entry index
}

// NewAPIKeyVerifier creates a verifier from the configured entries.
func NewAPIKeyVerifier(entries []config.APIKeyEntry, logger *zap.Logger) *APIKeyVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyVerifier{
		entries: entries,
		logger:  logger,
		matched: make(map[string]int),
	}
}

// Verify implements Verifier.
func (v *APIKeyVerifier) Verify(_ context.Context, r *http.Request) (*Identity, error) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, ErrMissingCredentials
	}

	if entry := v.lookup(key); entry != nil {
		return identityFor(entry), nil
	}

	for i := range v.entries {
		entry := &v.entries[i]
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)) == nil {
			v.remember(key, i)
			return identityFor(entry), nil
		}
	}

	v.logger.Debug("api key verification failed")
	return nil, ErrInvalidCredentials
}

func (v *APIKeyVerifier) lookup(key string) *config.APIKeyEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i, ok := v.matched[key]; ok {
		return &v.entries[i]
	}
	return nil
}

func (v *APIKeyVerifier) remember(key string, index int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.matched[key] = index
}

func identityFor(entry *config.APIKeyEntry) *Identity {
	return &Identity{
		Subject: entry.Name,
		Method:  "api_key",
		Roles:   entry.Roles,
	}
}

// HashAPIKey produces a bcrypt hash suitable for the apiKeys config
// section. Exposed for the key generation CLI.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
