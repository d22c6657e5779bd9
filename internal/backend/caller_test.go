package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/circuitbreaker"
	"github.com/flowgate-io/flowgate/internal/config"
)

func TestHTTPCallerForwardsRequest(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))
	defer server.Close()

	caller := NewHTTPCaller("orders", server.URL, time.Second, zap.NewNop())

	resp, err := caller.Call(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/orders",
		Query:  url.Values{"dry_run": []string{"true"}},
		Header: http.Header{"X-Request-Id": []string{"req-1"}},
		Body:   []byte(`{"sku":"x"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":"o-1"}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, "dry_run=true", gotQuery)
	assert.Equal(t, "req-1", gotHeader)
}

func TestHTTPCallerForwards5xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	caller := NewHTTPCaller("orders", server.URL, time.Second, zap.NewNop())

	resp, err := caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHTTPCallerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	caller := NewHTTPCaller("slow", server.URL, 20*time.Millisecond, zap.NewNop())

	_, err := caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
}

func TestHTTPCallerBreakerCounts5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := circuitbreaker.New("flaky", &circuitbreaker.Config{
		FailureThreshold:    2,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
	caller := NewHTTPCaller("flaky", server.URL, time.Second, zap.NewNop(), WithBreaker(cb))

	// Failures forward the 5xx response while the breaker counts them.
	for i := 0; i < 2; i++ {
		resp, err := caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	// Open breaker fails fast.
	_, err := caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	var openErr *circuitbreaker.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
}

func TestHTTPCallerThrottle(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// 1 rps with burst 1: the second call must wait ~1s, so a short
	// deadline cancels it.
	caller := NewHTTPCaller("throttled", server.URL, 50*time.Millisecond, zap.NewNop(),
		WithThrottle(1, 1))

	_, err := caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)

	_, err = caller.Call(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbound throttle")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	r.Register(&FuncCaller{ServiceName: "echo", Fn: func(_ context.Context, req *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: req.Body}, nil
	}})

	caller, err := r.Get("echo")
	require.NoError(t, err)

	resp, err := caller.Call(context.Background(), &Request{Body: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp.Body))
	assert.ElementsMatch(t, []string{"echo"}, r.Names())
}

func TestBuildRegistry(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(zap.NewNop())

	r := BuildRegistry([]config.ServiceConfig{
		{
			Name:           "orders",
			URL:            "http://orders.internal",
			BreakerTimeout: config.Duration(2 * time.Second),
			CircuitBreaker: &config.CircuitBreakerConfig{
				Enabled:             true,
				FailureThreshold:    5,
				RecoveryTimeout:     config.Duration(30 * time.Second),
				HalfOpenMaxRequests: 3,
			},
		},
		{Name: "catalog", URL: "http://catalog.internal"},
	}, breakers, zap.NewNop())

	_, err := r.Get("orders")
	require.NoError(t, err)
	_, err = r.Get("catalog")
	require.NoError(t, err)

	// Only opted-in services get a breaker.
	assert.NotNil(t, breakers.Get("orders"))
	assert.Nil(t, breakers.Get("catalog"))
}
