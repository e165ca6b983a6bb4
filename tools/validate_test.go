package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherTool = `{
  "functionDeclarations": [{
    "name": "get_weather",
    "description": "Current weather for a city",
    "parameters": {
      "type": "OBJECT",
      "properties": {
        "city": {"type": "STRING", "description": "City name"},
        "days": {"type": "NUMBER"},
        "tags": {"type": "ARRAY", "items": {"type": "STRING"}}
      },
      "required": ["city"]
    }
  }]
}`

func raw(s ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(s))
	for i := range s {
		out[i] = json.RawMessage(s[i])
	}
	return out
}

func TestValidate_Accepts(t *testing.T) {
	got, err := Validate(raw(weatherTool, `{"googleSearch":{}}`, `{"codeExecution":{}}`))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, weatherTool, string(got[0]))
	assert.NotContains(t, string(got[0]), "\n")
}

func TestValidate_Empty(t *testing.T) {
	got, err := Validate(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		decl     string
		field    string
		function string
	}{
		{
			name: "neither builtin nor functions",
			decl: `{"somethingElse":{}}`,
		},
		{
			name: "empty function list",
			decl: `{"functionDeclarations":[]}`,
		},
		{
			name: "missing name",
			decl: `{"functionDeclarations":[{"description":"d","parameters":{"type":"OBJECT","properties":{}}}]}`,
		},
		{
			name: "description not a string",
			decl: `{"functionDeclarations":[{"name":"f","description":3,"parameters":{"type":"OBJECT","properties":{}}}]}`,
		},
		{
			name: "missing parameters type",
			decl: `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"properties":{}}}]}`,
		},
		{
			name:     "parameters type not object",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"STRING","properties":{}}}]}`,
			field:    "parameters.type",
			function: "f",
		},
		{
			name: "properties not an object",
			decl: `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":[]}}]}`,
		},
		{
			name:     "unsupported property type",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"x":{"type":"DATE"}}}}]}`,
			field:    "parameters.properties.x",
			function: "f",
		},
		{
			name: "property description not a string",
			decl: `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"x":{"type":"STRING","description":1}}}}]}`,
		},
		{
			name:     "array without item type",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"x":{"type":"ARRAY"}}}}]}`,
			field:    "parameters.properties.x.items",
			function: "f",
		},
		{
			name:     "required missing",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"a":{"type":"STRING"}}}}]}`,
			field:    "parameters.required",
			function: "f",
		},
		{
			name:     "required empty",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"a":{"type":"STRING"}},"required":[]}}]}`,
			field:    "parameters.required",
			function: "f",
		},
		{
			name:     "lower-case property type",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"a":{"type":"string"}},"required":["a"]}}]}`,
			field:    "parameters.properties.a",
			function: "f",
		},
		{
			name:     "integer property type",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"a":{"type":"INTEGER"}},"required":["a"]}}]}`,
			field:    "parameters.properties.a",
			function: "f",
		},
		{
			name:     "required names unknown property",
			decl:     `{"functionDeclarations":[{"name":"f","description":"d","parameters":{"type":"OBJECT","properties":{"a":{"type":"STRING"}},"required":["a","b"]}}]}`,
			field:    "parameters.required",
			function: "f",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(raw(`{"googleSearch":{}}`, tt.decl))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDeclaration)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, 1, verr.Tool)
			if tt.field != "" {
				assert.Equal(t, tt.field, verr.Field)
			}
			if tt.function != "" {
				assert.Equal(t, tt.function, verr.Function)
			}
		})
	}
}

func TestValidate_MalformedJSON(t *testing.T) {
	_, err := Validate(raw(`{"functionDeclarations":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDeclaration)
}

func TestFromYAML(t *testing.T) {
	values := []any{
		map[string]any{"googleSearch": map[string]any{}},
		map[string]any{"functionDeclarations": []any{
			map[string]any{
				"name":        "ping",
				"description": "Ping a host",
				"parameters": map[string]any{
					"type":       "OBJECT",
					"properties": map[string]any{"host": map[string]any{"type": "STRING"}},
					"required":   []any{"host"},
				},
			},
		}},
	}
	decls, err := FromYAML(values)
	require.NoError(t, err)

	_, err = Validate(decls)
	assert.NoError(t, err)

	_, err = FromYAML([]any{make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidDeclaration)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Tool: 2, Function: "f", Field: "parameters.type", Detail: "bad"}
	assert.Equal(t, `tool 2 function "f" field parameters.type: bad`, err.Error())
}
