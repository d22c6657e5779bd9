// Package transform rewrites JSON bodies per route: field renames,
// additions, removals, and snake_case to camelCase key conversion.
// Transformation is best effort: a body that is not a JSON object
// passes through untouched.
package transform

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/flowgate-io/flowgate/internal/config"
)

// Transformer rewrites a JSON body.
type Transformer interface {
	Apply(body []byte) []byte
}

// Noop passes bodies through unchanged.
type Noop struct{}

// Apply implements Transformer.
func (Noop) Apply(body []byte) []byte { return body }

// FieldTransformer applies configured field rules to top-level keys
// of a JSON object body. Rules apply in a fixed order: remove,
// rename, case conversion, add.
type FieldTransformer struct {
	rules  *config.TransformConfig
	caser  cases.Caser
	logger *zap.Logger
}

// New creates a transformer for the given rules. Nil or empty rules
// yield a Noop.
func New(rules *config.TransformConfig, logger *zap.Logger) Transformer {
	if rules == nil || isEmpty(rules) {
		return Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FieldTransformer{
		rules:  rules,
		caser:  cases.Title(language.English, cases.NoLower),
		logger: logger,
	}
}

func isEmpty(rules *config.TransformConfig) bool {
	return len(rules.RenameFields) == 0 &&
		len(rules.AddFields) == 0 &&
		len(rules.RemoveFields) == 0 &&
		!rules.SnakeToCamel
}

// Apply implements Transformer.
func (t *FieldTransformer) Apply(body []byte) []byte {
	if len(body) == 0 {
		return body
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.logger.Debug("body is not a JSON object, skipping transform",
			zap.Error(err),
		)
		return body
	}

	for _, field := range t.rules.RemoveFields {
		delete(parsed, field)
	}

	for from, to := range t.rules.RenameFields {
		if value, ok := parsed[from]; ok {
			delete(parsed, from)
			parsed[to] = value
		}
	}

	if t.rules.SnakeToCamel {
		parsed = t.camelize(parsed)
	}

	for field, value := range t.rules.AddFields {
		parsed[field] = value
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return out
}

// camelize converts snake_case keys to camelCase, recursing into
// nested objects and arrays of objects.
func (t *FieldTransformer) camelize(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for key, value := range obj {
		out[t.camelKey(key)] = t.camelValue(value)
	}
	return out
}

func (t *FieldTransformer) camelValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return t.camelize(v)
	case []interface{}:
		for i, item := range v {
			v[i] = t.camelValue(item)
		}
		return v
	default:
		return value
	}
}

func (t *FieldTransformer) camelKey(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}

	parts := strings.Split(key, "_")
	var b strings.Builder
	wrote := false
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !wrote {
			b.WriteString(part)
			wrote = true
			continue
		}
		b.WriteString(t.caser.String(part))
	}
	if !wrote {
		return key
	}
	return b.String()
}
