// Package validation checks request bodies against per-route schemas.
// The enforcement level decides whether problems reject the request
// or surface as warnings.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/config"
)

// Enforcement levels.
const (
	LevelStrict   = "strict"   // every problem rejects
	LevelModerate = "moderate" // missing/mistyped fields reject, format problems warn
	LevelLenient  = "lenient"  // every problem warns, request proceeds
)

// Issue is one validation problem found in a request body.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of validating one body.
type Result struct {
	// Errors reject the request when non-empty.
	Errors []Issue

	// Warnings accompany the response but never reject.
	Warnings []Issue
}

// OK reports whether the body passed validation.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// formatTags maps schema format names to validator/v10 tags.
var formatTags = map[string]string{
	"email": "email",
	"uuid":  "uuid4",
	"url":   "url",
	"ip":    "ip",
}

// SchemaValidator validates JSON bodies against configured schemas.
// Routes without a schema are not validated.
type SchemaValidator struct {
	level    string
	schemas  []config.SchemaConfig
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSchemaValidator creates a validator from configuration.
func NewSchemaValidator(cfg *config.ValidationConfig, logger *zap.Logger) *SchemaValidator {
	if logger == nil {
		logger = zap.NewNop()
	}

	level := LevelModerate
	if cfg != nil && cfg.Level != "" {
		level = cfg.Level
	}

	var schemas []config.SchemaConfig
	if cfg != nil {
		schemas = cfg.Schemas
	}

	return &SchemaValidator{
		level:    level,
		schemas:  schemas,
		validate: validator.New(),
		logger:   logger,
	}
}

// Level returns the configured enforcement level.
func (v *SchemaValidator) Level() string {
	return v.level
}

// Schema returns the schema for a route, or nil when the route has
// none.
func (v *SchemaValidator) Schema(method, path string) *config.SchemaConfig {
	for i := range v.schemas {
		s := &v.schemas[i]
		if s.Method != "" && !strings.EqualFold(s.Method, method) {
			continue
		}
		if s.Path == path {
			return s
		}
		if strings.HasSuffix(s.Path, "*") && strings.HasPrefix(path, strings.TrimSuffix(s.Path, "*")) {
			return s
		}
	}
	return nil
}

// ValidateBody validates a JSON body against the route's schema. A
// route without a schema always passes. A body that is not valid JSON
// is a hard error regardless of level, since downstream handlers
// cannot parse it either.
func (v *SchemaValidator) ValidateBody(method, path string, body []byte) *Result {
	result := &Result{}

	schema := v.Schema(method, path)
	if schema == nil {
		return result
	}

	if len(body) == 0 {
		body = []byte("{}")
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		result.Errors = append(result.Errors, Issue{
			Field:   "",
			Message: "request body is not valid JSON",
		})
		return result
	}

	for name, field := range schema.Fields {
		value, present := parsed[name]

		if !present || value == nil {
			if field.Required {
				v.report(result, v.level != LevelLenient, Issue{
					Field:   name,
					Message: "required field is missing",
				})
			}
			continue
		}

		if field.Type != "" && !typeMatches(field.Type, value) {
			v.report(result, v.level != LevelLenient, Issue{
				Field:   name,
				Message: fmt.Sprintf("expected %s, got %s", field.Type, jsonTypeName(value)),
			})
			continue
		}

		if field.Format != "" {
			v.checkFormat(result, name, field.Format, value)
		}
	}

	return result
}

// checkFormat validates string formats with validator/v10 tags.
// Format problems are warnings except at the strict level.
func (v *SchemaValidator) checkFormat(result *Result, name, format string, value interface{}) {
	s, ok := value.(string)
	if !ok {
		return
	}

	tag, known := formatTags[format]
	if !known {
		v.logger.Warn("unknown schema format", zap.String("format", format))
		return
	}

	if err := v.validate.Var(s, tag); err != nil {
		v.report(result, v.level == LevelStrict, Issue{
			Field:   name,
			Message: fmt.Sprintf("value is not a valid %s", format),
		})
	}
}

func (v *SchemaValidator) report(result *Result, hard bool, issue Issue) {
	if hard {
		result.Errors = append(result.Errors, issue)
	} else {
		result.Warnings = append(result.Warnings, issue)
	}
}

// typeMatches checks a decoded JSON value against a schema type name.
func typeMatches(want string, value interface{}) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}

func jsonTypeName(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "null"
	}
}
