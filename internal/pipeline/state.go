package pipeline

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowgate-io/flowgate/internal/auth"
	"github.com/flowgate-io/flowgate/internal/config"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/validation"
)

// State carries one request through the stages. Stages communicate
// only through it.
type State struct {
	W http.ResponseWriter
	R *http.Request

	RequestID string
	Version   string
	Start     time.Time

	// Body is the buffered request body, read once by the validation
	// stage and replayed for the downstream call.
	Body []byte

	Route    *config.RouteConfig
	Identity *auth.Identity
	Decision *ratelimit.Decision
	Warnings []validation.Issue

	Span trace.Span

	recorder *statusRecorder
}

func newState(w http.ResponseWriter, r *http.Request) *State {
	recorder := &statusRecorder{ResponseWriter: w}
	return &State{
		W:        recorder,
		R:        r,
		Start:    time.Now(),
		recorder: recorder,
	}
}

// Status returns the response status written so far, defaulting to
// 200 when the downstream handler never called WriteHeader.
func (s *State) Status() int {
	return s.recorder.status()
}

// Written reports whether any response has been started.
func (s *State) Written() bool {
	return s.recorder.wroteHeader
}

// RoutePath returns the matched route pattern, or a placeholder for
// unmatched requests. Used as the metric label to keep cardinality
// bounded.
func (s *State) RoutePath() string {
	if s.Route != nil {
		return s.Route.Path
	}
	return "unmatched"
}

// statusRecorder captures the status code written to the client.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) status() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.code
}
