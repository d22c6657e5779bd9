package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds the circuit breakers for the services that opted in.
// Services that never register are not protected: lookups return nil
// and callers invoke the backend directly.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Register creates a breaker for the named service and returns it. A
// second registration for the same name replaces the old breaker and
// discards its state.
func (r *Registry) Register(name string, config *Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := New(name, config, r.logger)
	r.breakers[name] = cb

	r.logger.Debug("circuit breaker registered", zap.String("name", name))
	return cb
}

// Get returns the breaker for the named service, or nil when the
// service did not opt in to protection.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Remove deletes the named breaker.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Names returns the registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Statuses returns a status snapshot for every registered breaker,
// keyed by service name.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]Status, len(r.breakers))
	for name, cb := range r.breakers {
		statuses[name] = cb.Status()
	}
	return statuses
}

// ResetAll forces every registered breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
