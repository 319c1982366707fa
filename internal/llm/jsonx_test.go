package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"kind":"escalate"}`, `{"kind":"escalate"}`},
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", `{"a": 1}`},
		{"prose", `I think {"a": "x}y", "b": [1,2]} is right.`, `{"a": "x}y", "b": [1,2]}`},
		{"array", `[{"name":"getLeadById"}]`, `[{"name":"getLeadById"}]`},
		{"skips invalid", `{not json} then {"ok": true}`, `{"ok": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestExtractJSON_None(t *testing.T) {
	_, err := ExtractJSON("I cannot help with that.")
	assert.ErrorIs(t, err, ErrNoJSON)
	_, err = ExtractJSON("")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, DecodeJSON("```\n{\"confidence\": 0.9}\n```", &v))
	assert.Equal(t, 0.9, v.Confidence)
}
