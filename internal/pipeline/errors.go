package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error codes returned in the error envelope.
const (
	CodeVersionUnsupported = "API_VERSION_UNSUPPORTED"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeForbidden          = "AUTH_FORBIDDEN"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeRouteNotFound      = "ROUTE_NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBadGateway         = "BAD_GATEWAY"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// Error is a pipeline error destined for the client. Every rejection
// the gateway produces is one of these; anything else becomes a 500.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}

	// RetryAfter, when positive, becomes a Retry-After header.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorEnvelope is the wire format for error responses.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError writes the error envelope. The request ID header is
// expected to be set already by the first stage.
func writeError(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		seconds := int(e.RetryAfter.Seconds() + 0.999)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(e.Status)

	payload := errorEnvelope{Error: errorBody{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}}
	_ = json.NewEncoder(w).Encode(payload)
}

func internalError() *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "an internal error occurred",
	}
}
