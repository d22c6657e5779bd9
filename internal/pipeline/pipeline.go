// Package pipeline runs every request through a fixed sequence of
// stages: request identification, version negotiation, routing,
// authentication, authorization, body validation, request transform,
// rate limiting, downstream proxying, and completion. A stage failure
// short-circuits to the error envelope; the completion step runs
// unconditionally.
package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/auth"
	"github.com/flowgate-io/flowgate/internal/authz"
	"github.com/flowgate-io/flowgate/internal/backend"
	"github.com/flowgate-io/flowgate/internal/config"
	"github.com/flowgate-io/flowgate/internal/observability"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/transform"
	"github.com/flowgate-io/flowgate/internal/validation"
)

// Pipeline is the gateway's request processor. It implements
// http.Handler.
type Pipeline struct {
	stages  []Stage
	logger  *zap.Logger
	metrics observability.MetricsSink
}

// Options bundles the collaborators for a pipeline.
type Options struct {
	Routes     []config.RouteConfig
	Versioning config.VersioningConfig

	Verifier  auth.Verifier                // nil disables authentication
	Checker   authz.Checker                // nil disables authorization
	Limiter   ratelimit.Limiter            // global default, nil disables
	PerRoute  map[string]ratelimit.Limiter // per-route overrides by route path
	Validator *validation.SchemaValidator  // nil disables validation
	Services  *backend.Registry

	Tracer  *observability.Tracer
	Metrics observability.MetricsSink
	Logger  *zap.Logger
}

// New assembles the pipeline in its fixed stage order.
func New(opts Options) (*Pipeline, error) {
	if opts.Services == nil {
		return nil, fmt.Errorf("pipeline requires a service registry")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetricsSink{}
	}

	requestTransforms := make(map[string]transform.Transformer)
	responseTransforms := make(map[string]transform.Transformer)
	for i := range opts.Routes {
		route := &opts.Routes[i]
		if route.RequestTransform != nil {
			requestTransforms[route.Path] = transform.New(route.RequestTransform, opts.Logger)
		}
		if route.Transform != nil {
			responseTransforms[route.Path] = transform.New(route.Transform, opts.Logger)
		}
	}

	stages := []Stage{
		&requestIDStage{tracer: opts.Tracer},
		newVersionStage(opts.Versioning.Supported, opts.Versioning.Default),
		&routeStage{router: newRouter(opts.Routes)},
		&authStage{verifier: opts.Verifier},
		&authzStage{checker: opts.Checker},
		&validationStage{validator: opts.Validator},
		&requestTransformStage{transforms: requestTransforms},
		&rateLimitStage{
			global:   opts.Limiter,
			perRoute: opts.PerRoute,
			metrics:  opts.Metrics,
			logger:   opts.Logger,
		},
		&proxyStage{
			services:   opts.Services,
			transforms: responseTransforms,
			logger:     opts.Logger,
		},
	}

	return &Pipeline{
		stages:  stages,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := newState(w, r)

	// Completion runs last on every path, panics included: it closes
	// the span and records exactly one request metric.
	defer p.complete(s)
	defer p.recovered(s)

	for _, stage := range p.stages {
		if stageErr := stage.Execute(s); stageErr != nil {
			p.reject(s, stage, stageErr)
			return
		}
	}
}

// reject writes the error envelope for a short-circuited request.
func (p *Pipeline) reject(s *State, stage Stage, e *Error) {
	if s.Span != nil {
		s.Span.AddEvent("pipeline.rejected")
	}

	level := p.logger.Debug
	if e.Status >= http.StatusInternalServerError {
		level = p.logger.Error
	}
	level("request rejected",
		zap.String("requestId", s.RequestID),
		zap.String("stage", stage.Name()),
		zap.String("code", e.Code),
		zap.Int("status", e.Status),
		zap.String("path", s.R.URL.Path),
	)

	writeError(s.W, e)
}

// recovered converts a stage panic into a 500 envelope.
func (p *Pipeline) recovered(s *State) {
	rec := recover()
	if rec == nil {
		return
	}

	// The original panic value goes on the span before the response is
	// mapped to the generic 500 envelope.
	if s.Span != nil {
		s.Span.RecordError(fmt.Errorf("panic: %v", rec))
	}

	p.logger.Error("panic in pipeline",
		zap.String("requestId", s.RequestID),
		zap.String("path", s.R.URL.Path),
		zap.Any("panic", rec),
		zap.Stack("stack"),
	)

	if !s.Written() {
		writeError(s.W, internalError())
	}
}

// complete is the unconditional final step.
func (p *Pipeline) complete(s *State) {
	duration := time.Since(s.Start)
	status := s.Status()

	p.metrics.RecordRequest(s.R.Method, s.RoutePath(), status, duration)

	if s.Span != nil {
		var spanErr error
		if status >= http.StatusInternalServerError {
			spanErr = fmt.Errorf("request failed with status %d", status)
		}
		observability.EndSpan(s.Span, spanErr)
	}

	p.logger.Info("request completed",
		zap.String("requestId", s.RequestID),
		zap.String("method", s.R.Method),
		zap.String("path", s.R.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)
}
