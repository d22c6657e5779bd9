package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/config"
)

func orderSchema() config.SchemaConfig {
	return config.SchemaConfig{
		Path:   "/api/orders",
		Method: "POST",
		Fields: map[string]config.FieldSchema{
			"customer_id": {Type: "string", Required: true},
			"email":       {Type: "string", Format: "email"},
			"quantity":    {Type: "number", Required: true},
			"metadata":    {Type: "object"},
		},
	}
}

func newValidator(level string) *SchemaValidator {
	return NewSchemaValidator(&config.ValidationConfig{
		Level:   level,
		Schemas: []config.SchemaConfig{orderSchema()},
	}, zap.NewNop())
}

func TestValidBodyPasses(t *testing.T) {
	v := newValidator(LevelStrict)

	result := v.ValidateBody("POST", "/api/orders",
		[]byte(`{"customer_id":"c-1","email":"a@example.com","quantity":2}`))
	assert.True(t, result.OK())
	assert.Empty(t, result.Warnings)
}

func TestRouteWithoutSchemaPasses(t *testing.T) {
	v := newValidator(LevelStrict)

	result := v.ValidateBody("POST", "/api/unknown", []byte(`not even json`))
	assert.True(t, result.OK())
}

func TestMissingRequiredField(t *testing.T) {
	v := newValidator(LevelModerate)

	result := v.ValidateBody("POST", "/api/orders", []byte(`{"quantity":1}`))
	require.False(t, result.OK())
	assert.Equal(t, "customer_id", result.Errors[0].Field)
}

func TestTypeMismatch(t *testing.T) {
	v := newValidator(LevelModerate)

	result := v.ValidateBody("POST", "/api/orders",
		[]byte(`{"customer_id":"c-1","quantity":"two"}`))
	require.False(t, result.OK())
	assert.Contains(t, result.Errors[0].Message, "expected number")
}

func TestFormatProblemWarnsAtModerate(t *testing.T) {
	v := newValidator(LevelModerate)

	result := v.ValidateBody("POST", "/api/orders",
		[]byte(`{"customer_id":"c-1","email":"not-an-email","quantity":1}`))
	assert.True(t, result.OK())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "email", result.Warnings[0].Field)
}

func TestFormatProblemRejectsAtStrict(t *testing.T) {
	v := newValidator(LevelStrict)

	result := v.ValidateBody("POST", "/api/orders",
		[]byte(`{"customer_id":"c-1","email":"not-an-email","quantity":1}`))
	assert.False(t, result.OK())
}

func TestLenientTurnsErrorsIntoWarnings(t *testing.T) {
	v := newValidator(LevelLenient)

	result := v.ValidateBody("POST", "/api/orders", []byte(`{"quantity":"two"}`))
	assert.True(t, result.OK())
	assert.Len(t, result.Warnings, 2) // missing customer_id, mistyped quantity
}

func TestMalformedJSONAlwaysRejects(t *testing.T) {
	v := newValidator(LevelLenient)

	result := v.ValidateBody("POST", "/api/orders", []byte(`{"broken`))
	require.False(t, result.OK())
	assert.Contains(t, result.Errors[0].Message, "not valid JSON")
}

func TestEmptyBodyTreatedAsEmptyObject(t *testing.T) {
	v := newValidator(LevelModerate)

	result := v.ValidateBody("POST", "/api/orders", nil)
	require.False(t, result.OK())
	assert.Len(t, result.Errors, 2) // both required fields missing
}

func TestSchemaWildcardAndMethodMatch(t *testing.T) {
	v := NewSchemaValidator(&config.ValidationConfig{
		Level: LevelModerate,
		Schemas: []config.SchemaConfig{
			{Path: "/api/items/*", Method: "PUT", Fields: map[string]config.FieldSchema{
				"name": {Type: "string", Required: true},
			}},
		},
	}, zap.NewNop())

	assert.NotNil(t, v.Schema("PUT", "/api/items/42"))
	assert.Nil(t, v.Schema("GET", "/api/items/42"))
	assert.Nil(t, v.Schema("PUT", "/api/other"))
}
