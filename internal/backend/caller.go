// Package backend invokes downstream services on behalf of the
// pipeline. Each service gets an HTTP caller with a per-call
// deadline, an optional outbound throttle, and an optional circuit
// breaker.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowgate-io/flowgate/internal/circuitbreaker"
)

// ErrServiceNotFound is returned when no caller is registered for a
// service name.
var ErrServiceNotFound = errors.New("service not found")

// Request is a downstream request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully materialized downstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ServiceCaller invokes one downstream service.
type ServiceCaller interface {
	Name() string
	Call(ctx context.Context, req *Request) (*Response, error)
}

// HTTPCaller is the HTTP implementation of ServiceCaller.
type HTTPCaller struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// CallerOption is a functional option for HTTPCaller.
type CallerOption func(*HTTPCaller)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) CallerOption {
	return func(c *HTTPCaller) {
		c.client = client
	}
}

// WithBreaker protects calls with a circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) CallerOption {
	return func(c *HTTPCaller) {
		c.breaker = cb
	}
}

// WithThrottle limits outbound calls to rps with the given burst.
func WithThrottle(rps float64, burst int) CallerOption {
	return func(c *HTTPCaller) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPCaller creates a caller for one downstream service.
func NewHTTPCaller(name, baseURL string, timeout time.Duration, logger *zap.Logger, opts ...CallerOption) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &HTTPCaller{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name implements ServiceCaller.
func (c *HTTPCaller) Name() string {
	return c.name
}

// Call implements ServiceCaller. The circuit breaker, when present,
// wraps the whole exchange: a rejection returns *CircuitOpenError
// without touching the network.
func (c *HTTPCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	invoke := func(ctx context.Context) error {
		var err error
		resp, err = c.do(ctx, req)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, invoke)
	} else {
		err = invoke(ctx)
	}

	// A downstream 5xx is a breaker failure but still a response the
	// client should see.
	var downstream *DownstreamError
	if errors.As(err, &downstream) && resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPCaller) do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("outbound throttle: %w", err)
		}
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", c.name, err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = values
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("downstream call failed",
			zap.String("service", c.name),
			zap.String("path", req.Path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("call to %s failed: %w", c.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", c.name, err)
	}

	c.logger.Debug("downstream call completed",
		zap.String("service", c.name),
		zap.String("path", req.Path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	// 5xx counts as a failure for the circuit breaker while still
	// surfacing the response to the caller.
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return &Response{
				StatusCode: httpResp.StatusCode,
				Header:     httpResp.Header,
				Body:       body,
			}, &DownstreamError{
				Service:    c.name,
				StatusCode: httpResp.StatusCode,
			}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// DownstreamError marks a 5xx response from a downstream service.
type DownstreamError struct {
	Service    string
	StatusCode int
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	return fmt.Sprintf("service %s returned status %d", e.Service, e.StatusCode)
}

// FuncCaller adapts a function to ServiceCaller. Used in tests and
// for in-process services.
type FuncCaller struct {
	ServiceName string
	Fn          func(ctx context.Context, req *Request) (*Response, error)
}

// Name implements ServiceCaller.
func (f *FuncCaller) Name() string { return f.ServiceName }

// Call implements ServiceCaller.
func (f *FuncCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	return f.Fn(ctx, req)
}
