package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/config"
)

func apply(t *testing.T, rules *config.TransformConfig, body string) map[string]interface{} {
	t.Helper()
	out := New(rules, zap.NewNop()).Apply([]byte(body))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &parsed))
	return parsed
}

func TestNilRulesIsNoop(t *testing.T) {
	tr := New(nil, zap.NewNop())
	assert.IsType(t, Noop{}, tr)

	body := []byte(`{"a": 1}`)
	assert.Equal(t, body, tr.Apply(body))
}

func TestRenameFields(t *testing.T) {
	parsed := apply(t, &config.TransformConfig{
		RenameFields: map[string]string{"uid": "userId"},
	}, `{"uid":"u-1","name":"x"}`)

	assert.Equal(t, "u-1", parsed["userId"])
	assert.NotContains(t, parsed, "uid")
	assert.Equal(t, "x", parsed["name"])
}

func TestRemoveAndAddFields(t *testing.T) {
	parsed := apply(t, &config.TransformConfig{
		RemoveFields: []string{"internal_debug"},
		AddFields:    map[string]interface{}{"apiVersion": "v2"},
	}, `{"internal_debug":true,"value":7}`)

	assert.NotContains(t, parsed, "internal_debug")
	assert.Equal(t, "v2", parsed["apiVersion"])
	assert.Equal(t, float64(7), parsed["value"])
}

func TestSnakeToCamel(t *testing.T) {
	parsed := apply(t, &config.TransformConfig{SnakeToCamel: true},
		`{"user_id":"u-1","nested_obj":{"created_at":"now"},"item_list":[{"unit_price":2}]}`)

	assert.Equal(t, "u-1", parsed["userId"])

	nested := parsed["nestedObj"].(map[string]interface{})
	assert.Equal(t, "now", nested["createdAt"])

	items := parsed["itemList"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, float64(2), first["unitPrice"])
}

func TestSnakeToCamelLeavesPlainKeys(t *testing.T) {
	parsed := apply(t, &config.TransformConfig{SnakeToCamel: true}, `{"name":"x","ID":"y"}`)
	assert.Equal(t, "x", parsed["name"])
	assert.Equal(t, "y", parsed["ID"])
}

func TestNonObjectBodyPassesThrough(t *testing.T) {
	tr := New(&config.TransformConfig{SnakeToCamel: true}, zap.NewNop())

	body := []byte(`[1, 2, 3]`)
	assert.Equal(t, body, tr.Apply(body))

	text := []byte("plain text")
	assert.Equal(t, text, tr.Apply(text))

	assert.Empty(t, tr.Apply(nil))
}

func TestRuleOrderRemoveThenRenameThenAdd(t *testing.T) {
	// A field both removed and re-added keeps the added value.
	parsed := apply(t, &config.TransformConfig{
		RemoveFields: []string{"status"},
		AddFields:    map[string]interface{}{"status": "redacted"},
	}, `{"status":"secret"}`)

	assert.Equal(t, "redacted", parsed["status"])
}
