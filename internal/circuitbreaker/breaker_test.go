package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBackend = errors.New("backend failure")

func testConfig() *Config {
	return &Config{
		FailureThreshold:    3,
		Timeout:             50 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}
}

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func tripBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < cb.config.FailureThreshold; i++ {
		err := cb.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestExecuteClosed(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())

	err := cb.Execute(context.Background(), ok)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAtFailureThreshold(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), fail), errBackend)
		assert.Equal(t, StateClosed, cb.State())
	}

	require.ErrorIs(t, cb.Execute(context.Background(), fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessDecaysFailureCount(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())

	// Two failures, one success, two more failures: the decay keeps
	// the count at 3 only after the fifth call.
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, 1, cb.Status().FailureCount)

	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenRejectsWithRetryAfter(t *testing.T) {
	cb := New("payments", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the operation")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payments", openErr.Service)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, openErr.RetryAfter, testConfig().Timeout)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenClosesAfterFullBudget(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	// HalfOpenMaxRequests successes are required before closing.
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Status().FailureCount)
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(context.Background(), fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- cb.Execute(context.Background(), func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// Budget exhausted: the third probe is rejected without running,
	// and the rejection still carries an advisory retry delay.
	err := cb.Execute(context.Background(), ok)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))

	close(release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, StateClosed, cb.State())
}

func TestReset(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Execute(context.Background(), ok))
}

func TestStatusHalfOpenCounters(t *testing.T) {
	cb := New("test", testConfig(), zap.NewNop())
	tripBreaker(t, cb)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), ok))

	status := cb.Status()
	assert.Equal(t, StateHalfOpen, status.State)
	assert.Equal(t, 1, status.SuccessCount)
	assert.Equal(t, 1, status.ProbesAdmitted)
	assert.Equal(t, 0, status.ProbesInFlight)
}

func TestNilConfigUsesDefaults(t *testing.T) {
	cb := New("test", nil, nil)
	assert.Equal(t, 5, cb.config.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.config.Timeout)
	assert.Equal(t, 3, cb.config.HalfOpenMaxRequests)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	assert.Nil(t, r.Get("unregistered"))

	cb := r.Register("payments", testConfig())
	require.NotNil(t, cb)
	assert.Same(t, cb, r.Get("payments"))
	assert.ElementsMatch(t, []string{"payments"}, r.Names())

	statuses := r.Statuses()
	require.Contains(t, statuses, "payments")
	assert.Equal(t, StateClosed, statuses["payments"].State)

	r.Remove("payments")
	assert.Nil(t, r.Get("payments"))
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	cb := r.Register("orders", testConfig())
	tripBreaker(t, cb)

	r.ResetAll()
	assert.Equal(t, StateClosed, cb.State())
}
