package backend

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/circuitbreaker"
	"github.com/flowgate-io/flowgate/internal/config"
)

// Registry maps service names to callers.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]ServiceCaller
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		callers: make(map[string]ServiceCaller),
		logger:  logger,
	}
}

// BuildRegistry creates callers for every configured service. Circuit
// breakers are created in the breaker registry only for services that
// enable them.
func BuildRegistry(
	services []config.ServiceConfig,
	breakers *circuitbreaker.Registry,
	logger *zap.Logger,
) *Registry {
	r := NewRegistry(logger)

	for i := range services {
		svc := &services[i]

		var opts []CallerOption
		if cb := svc.CircuitBreaker; cb != nil && cb.Enabled {
			breaker := breakers.Register(svc.Name, &circuitbreaker.Config{
				FailureThreshold:    cb.FailureThreshold,
				Timeout:             cb.RecoveryTimeout.Duration(),
				HalfOpenMaxRequests: cb.HalfOpenMaxRequests,
			})
			opts = append(opts, WithBreaker(breaker))
		}
		if svc.OutboundRPS > 0 {
			opts = append(opts, WithThrottle(svc.OutboundRPS, svc.OutboundBurst))
		}

		r.Register(NewHTTPCaller(svc.Name, svc.URL, svc.BreakerTimeout.Duration(), logger, opts...))
	}

	return r
}

// Register adds a caller, replacing any previous one for the name.
func (r *Registry) Register(caller ServiceCaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[caller.Name()] = caller
	r.logger.Debug("service caller registered", zap.String("service", caller.Name()))
}

// Get returns the caller for a service name.
func (r *Registry) Get(name string) (ServiceCaller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return caller, nil
}

// Names returns the registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	return names
}
