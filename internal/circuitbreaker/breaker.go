// Package circuitbreaker isolates failing downstream services so one
// bad dependency cannot cascade through the gateway.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed is normal operation: calls go through.
	StateClosed State = iota

	// StateOpen fails fast: calls are rejected without invoking the
	// protected operation.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to test
	// downstream recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is the sentinel matched by errors.Is for any breaker
// rejection.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// halfOpenRetryAfter is the advisory retry delay for calls rejected
// while the probe budget is exhausted. Probes settle within a request
// timeout, so a short delay is enough.
const halfOpenRetryAfter = time.Second

// CircuitOpenError is returned when the breaker rejects a call without
// invoking the operation. It always carries the advisory retry delay.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Service, e.RetryAfter)
}

// Is matches the ErrCircuitOpen sentinel.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	// Successes in the closed state decay the count by one, so only a
	// sustained run of failures trips the breaker.
	FailureThreshold int

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// HalfOpenMaxRequests is the probe budget: the maximum number of
	// concurrent half-open probes, and the success count required to
	// close the circuit again.
	HalfOpenMaxRequests int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Validate normalizes out-of-range values to defaults.
func (c *Config) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.Timeout < time.Millisecond {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests < 1 {
		c.HalfOpenMaxRequests = 3
	}
}

// CircuitBreaker is the per-service failure isolation state machine.
// All state is process-local and guarded by one mutex; concurrent
// half-open probes agree on a single shared success count.
type CircuitBreaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	state State

	failureCount int
	successCount int

	// Half-open probe accounting for the current probe cycle.
	probesAdmitted int
	probesInFlight int

	lastFailure     time.Time
	lastStateChange time.Time
}

// New creates a circuit breaker in the closed state.
func New(name string, config *Config, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	recordState(name, StateClosed)
	return cb
}

// Execute runs op under breaker protection. When the circuit is open
// and the cooldown has not elapsed, op is not invoked and a
// *CircuitOpenError carrying the remaining cooldown is returned.
// Operation errors are always re-raised to the caller after the
// outcome is recorded; the breaker never swallows them.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.acquire(); err != nil {
		recordRejection(cb.name)
		return err
	}

	err := op(ctx)
	cb.settle(err)
	return err
}

// acquire decides whether a call may proceed and registers half-open
// probes against the budget.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := now.Sub(cb.lastFailure)
		if elapsed <= cb.config.Timeout {
			return &CircuitOpenError{
				Service:    cb.name,
				RetryAfter: cb.config.Timeout - elapsed,
			}
		}
		cb.transitionTo(StateHalfOpen)
		cb.probesAdmitted = 1
		cb.probesInFlight = 1
		return nil

	case StateHalfOpen:
		if cb.probesAdmitted >= cb.config.HalfOpenMaxRequests {
			return &CircuitOpenError{Service: cb.name, RetryAfter: halfOpenRetryAfter}
		}
		cb.probesAdmitted++
		cb.probesInFlight++
		return nil

	default:
		return &CircuitOpenError{Service: cb.name, RetryAfter: halfOpenRetryAfter}
	}
}

// settle records the call outcome and applies the state transitions.
func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.recordSuccessLocked()
	} else {
		cb.recordFailureLocked()
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	recordSuccess(cb.name)

	switch cb.state {
	case StateClosed:
		// Decay rather than reset: isolated failures should not keep
		// the breaker one failure away from tripping.
		if cb.failureCount > 0 {
			cb.failureCount--
		}

	case StateHalfOpen:
		cb.probesInFlight--
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenMaxRequests {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	recordFailure(cb.name)

	cb.failureCount++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A single probe failure reopens the circuit.
		cb.probesInFlight--
		cb.transitionTo(StateOpen)
	}
}

// transitionTo moves to a new state. Closing zeroes every counter;
// other transitions reset only the probe cycle.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	cb.successCount = 0
	cb.probesAdmitted = 0
	cb.probesInFlight = 0
	if newState == StateClosed {
		cb.failureCount = 0
	}

	recordStateChange(cb.name, oldState, newState)

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the breaker back to closed with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.name))
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	State                State
	FailureCount         int
	TimeSinceLastFailure time.Duration
	TimeInCurrentState   time.Duration

	// Probe counters, populated when half-open.
	ProbesAdmitted int
	ProbesInFlight int
	SuccessCount   int
}

// Status returns the current status of the circuit breaker.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	status := Status{
		State:              cb.state,
		FailureCount:       cb.failureCount,
		TimeInCurrentState: now.Sub(cb.lastStateChange),
	}
	if !cb.lastFailure.IsZero() {
		status.TimeSinceLastFailure = now.Sub(cb.lastFailure)
	}
	if cb.state == StateHalfOpen {
		status.ProbesAdmitted = cb.probesAdmitted
		status.ProbesInFlight = cb.probesInFlight
		status.SuccessCount = cb.successCount
	}
	return status
}
