package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/auth"
	"github.com/flowgate-io/flowgate/internal/authz"
	"github.com/flowgate-io/flowgate/internal/backend"
	"github.com/flowgate-io/flowgate/internal/circuitbreaker"
	"github.com/flowgate-io/flowgate/internal/observability"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/transform"
	"github.com/flowgate-io/flowgate/internal/validation"
)

// Response headers set by the pipeline.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderAPIVersion         = "X-API-Version"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderWarnings           = "X-Validation-Warnings"
)

// Stage is one step of the pipeline. A non-nil Error short-circuits
// the remaining stages.
type Stage interface {
	Name() string
	Execute(s *State) *Error
}

// requestIDStage assigns the request ID and opens the server span.
// An inbound X-Request-ID is honored so IDs survive gateway hops.
type requestIDStage struct {
	tracer *observability.Tracer
}

func (st *requestIDStage) Name() string { return "request_id" }

func (st *requestIDStage) Execute(s *State) *Error {
	id := s.R.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	s.RequestID = id
	s.W.Header().Set(HeaderRequestID, id)

	ctx := observability.ContextWithRequestID(s.R.Context(), id)
	if st.tracer != nil {
		ctx, s.Span = st.tracer.StartSpan(ctx, "gateway.request",
			attribute.String("http.method", s.R.Method),
			attribute.String("http.target", s.R.URL.Path),
			attribute.String("request.id", id),
		)
	}
	s.R = s.R.WithContext(ctx)
	return nil
}

var versionSegment = regexp.MustCompile(`^v[0-9]+$`)

// versionStage resolves and checks the requested API version. The
// X-API-Version header wins over a version path segment; absence
// means the default version.
type versionStage struct {
	supported map[string]bool
	def       string
}

func newVersionStage(supported []string, def string) *versionStage {
	m := make(map[string]bool, len(supported))
	for _, v := range supported {
		m[v] = true
	}
	return &versionStage{supported: m, def: def}
}

func (st *versionStage) Name() string { return "version" }

func (st *versionStage) Execute(s *State) *Error {
	requested := s.R.Header.Get(HeaderAPIVersion)
	if requested == "" {
		requested = versionFromPath(s.R.URL.Path)
	}
	if requested == "" {
		requested = st.def
	}

	if !st.supported[requested] {
		return &Error{
			Status:  http.StatusBadRequest,
			Code:    CodeVersionUnsupported,
			Message: "requested API version is not supported",
			Details: map[string]interface{}{"requestedVersion": requested},
		}
	}

	s.Version = requested
	s.W.Header().Set(HeaderAPIVersion, requested)
	return nil
}

func versionFromPath(path string) string {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			trimmed = trimmed[:i]
			break
		}
	}
	if versionSegment.MatchString(trimmed) {
		return trimmed
	}
	return ""
}

// routeStage matches the request to a configured route.
type routeStage struct {
	router *router
}

func (st *routeStage) Name() string { return "route" }

func (st *routeStage) Execute(s *State) *Error {
	route := st.router.match(s.R.Method, s.R.URL.Path)
	if route == nil {
		return &Error{
			Status:  http.StatusNotFound,
			Code:    CodeRouteNotFound,
			Message: "no route matches the request path",
		}
	}
	s.Route = route
	return nil
}

// authStage verifies credentials. A nil verifier disables
// authentication entirely. A request without credentials is not an
// error: it proceeds with an anonymous identity and is limited by
// client IP instead of subject.
type authStage struct {
	verifier auth.Verifier
}

func (st *authStage) Name() string { return "auth" }

func (st *authStage) Execute(s *State) *Error {
	if st.verifier == nil {
		return nil
	}

	identity, err := st.verifier.Verify(s.R.Context(), s.R)
	if err != nil {
		if errors.Is(err, auth.ErrMissingCredentials) {
			return nil
		}
		return &Error{
			Status:  http.StatusUnauthorized,
			Code:    CodeInvalidToken,
			Message: "authentication failed",
		}
	}
	s.Identity = identity
	return nil
}

// authzStage checks permissions for the verified identity. Anonymous
// requests skip the check, they carry no roles to evaluate.
type authzStage struct {
	checker authz.Checker
}

func (st *authzStage) Name() string { return "authz" }

func (st *authzStage) Execute(s *State) *Error {
	if st.checker == nil || s.Identity == nil {
		return nil
	}

	if err := st.checker.Check(s.R.Context(), s.Identity, s.R); err != nil {
		return &Error{
			Status:  http.StatusForbidden,
			Code:    CodeForbidden,
			Message: "access denied",
		}
	}
	return nil
}

// rateLimitStage consumes capacity for the caller identity. A store
// failure fails open: the request proceeds and the incident is
// logged, since denying traffic on infrastructure errors turns a
// degraded store into an outage.
type rateLimitStage struct {
	global   ratelimit.Limiter
	perRoute map[string]ratelimit.Limiter
	metrics  observability.MetricsSink
	logger   *zap.Logger
}

func (st *rateLimitStage) Name() string { return "rate_limit" }

func (st *rateLimitStage) limiterFor(s *State) ratelimit.Limiter {
	if s.Route != nil {
		if l, ok := st.perRoute[s.Route.Path]; ok {
			return l
		}
	}
	return st.global
}

func (st *rateLimitStage) Execute(s *State) *Error {
	limiter := st.limiterFor(s)
	if limiter == nil {
		return nil
	}

	identifier := ratelimit.AnonymousIdentifier
	if s.Identity != nil {
		identifier = s.Identity.Subject
	} else if ip := ratelimit.ClientIP(s.R); ip != "" {
		identifier = ip
	}
	id := ratelimit.Identity{Identifier: identifier, Resource: s.RoutePath()}

	decision, err := limiter.Consume(s.R.Context(), id)
	if err != nil {
		st.logger.Error("rate limit store unavailable, failing open",
			zap.String("requestId", s.RequestID),
			zap.String("resource", id.Resource),
			zap.Error(err),
		)
		return nil
	}

	s.Decision = decision
	st.metrics.RecordRateLimit(id.Resource, decision.Allowed)

	header := s.W.Header()
	header.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	header.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	header.Set(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		return &Error{
			Status:     http.StatusTooManyRequests,
			Code:       CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		}
	}
	return nil
}

// validationStage buffers the request body and validates it against
// the route schema. Warnings never reject; they travel in a response
// header.
type validationStage struct {
	validator *validation.SchemaValidator
}

func (st *validationStage) Name() string { return "validation" }

func (st *validationStage) Execute(s *State) *Error {
	if s.R.Body != nil {
		body, err := io.ReadAll(s.R.Body)
		_ = s.R.Body.Close()
		if err != nil {
			return internalError()
		}
		s.Body = body
	}

	if st.validator == nil {
		return nil
	}

	result := st.validator.ValidateBody(s.R.Method, s.R.URL.Path, s.Body)
	s.Warnings = result.Warnings

	if !result.OK() {
		return &Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeValidationFailed,
			Message: "request body failed validation",
			Details: map[string]interface{}{"issues": result.Errors},
		}
	}

	if len(result.Warnings) > 0 {
		if encoded, err := json.Marshal(result.Warnings); err == nil {
			s.W.Header().Set(HeaderWarnings, string(encoded))
		}
	}
	return nil
}

// requestTransformStage rewrites the buffered request body with the
// route's request rules. Best effort only: the stage never aborts, and
// a body that is not a JSON object passes through unchanged.
type requestTransformStage struct {
	transforms map[string]transform.Transformer
}

func (st *requestTransformStage) Name() string { return "request_transform" }

func (st *requestTransformStage) Execute(s *State) *Error {
	if s.Route == nil || len(s.Body) == 0 {
		return nil
	}
	if tr, ok := st.transforms[s.Route.Path]; ok {
		s.Body = tr.Apply(s.Body)
	}
	return nil
}

// Hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxyStage invokes the downstream service and writes its response,
// applying the route's transform to JSON bodies. Transformers are
// compiled per route at construction.
type proxyStage struct {
	services   *backend.Registry
	transforms map[string]transform.Transformer
	logger     *zap.Logger
}

func (st *proxyStage) Name() string { return "proxy" }

func (st *proxyStage) Execute(s *State) *Error {
	caller, err := st.services.Get(s.Route.Service)
	if err != nil {
		st.logger.Error("route references unregistered service",
			zap.String("route", s.Route.Path),
			zap.String("service", s.Route.Service),
		)
		return internalError()
	}

	req := &backend.Request{
		Method: s.R.Method,
		Path:   s.R.URL.Path,
		Query:  s.R.URL.Query(),
		Header: outboundHeaders(s),
		Body:   s.Body,
	}

	resp, err := caller.Call(s.R.Context(), req)
	if err != nil {
		return translateCallError(err)
	}

	tr := st.transforms[s.Route.Path]
	if tr == nil {
		tr = transform.Noop{}
	}
	writeDownstream(s, resp, tr)
	return nil
}

func outboundHeaders(s *State) http.Header {
	header := s.R.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set(HeaderRequestID, s.RequestID)
	if ip := ratelimit.ClientIP(s.R); ip != "" {
		header.Set("X-Forwarded-For", ip)
	}
	return header
}

func translateCallError(err error) *Error {
	var open *circuitbreaker.CircuitOpenError
	if errors.As(err, &open) {
		return &Error{
			Status:     http.StatusServiceUnavailable,
			Code:       CodeServiceUnavailable,
			Message:    "service is temporarily unavailable",
			RetryAfter: open.RetryAfter,
		}
	}
	if errors.Is(err, backend.ErrServiceNotFound) {
		return internalError()
	}
	return &Error{
		Status:  http.StatusBadGateway,
		Code:    CodeBadGateway,
		Message: "downstream request failed",
	}
}

// writeDownstream copies the downstream response to the client. The
// body is already fully materialized, so the transform sees the whole
// document and Content-Length stays accurate.
func writeDownstream(s *State, resp *backend.Response, tr transform.Transformer) {
	body := resp.Body

	if isJSON(resp.Header) {
		body = tr.Apply(body)
	}

	header := s.W.Header()
	for key, values := range resp.Header {
		if isHopHeader(key) || key == "Content-Length" {
			continue
		}
		header[key] = values
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	s.W.WriteHeader(resp.StatusCode)
	_, _ = s.W.Write(body)
}

func isJSON(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "application/json")
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(key) {
			return true
		}
	}
	return false
}
