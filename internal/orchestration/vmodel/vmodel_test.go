package vmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapScope is a trivial Scope over plain maps, used to test path/eval
// logic in isolation from the model package.
type mapScope map[Prefix]any

func (m mapScope) Root(p Prefix) (any, bool) {
	v, ok := m[p]
	return v, ok
}

func TestGetPathsDotsIndicesAndGreedyKeys(t *testing.T) {
	scope := mapScope{
		PrefixState: map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": "hi"},
				map[string]any{"role": "assistant", "content": "hello"},
			},
			"server.tool": "present-via-dotted-key",
			"flags": map[string]any{"ready": true},
		},
	}

	v, ok := Get(scope, "state.messages[0].content")
	require.True(t, ok)
	assert.Equal(t, "hi", v)

	v, ok = Get(scope, "state.messages[-1].role")
	require.True(t, ok)
	assert.Equal(t, "assistant", v)

	v, ok = Get(scope, "messages[1].content")
	require.True(t, ok, "no prefix should default to state")
	assert.Equal(t, "hello", v)

	v, ok = Get(scope, "state.server.tool")
	require.True(t, ok, "greedy dotted-key fallback must find the literal key")
	assert.Equal(t, "present-via-dotted-key", v)

	_, ok = Get(scope, "state.messages[99].content")
	assert.False(t, ok)
}

func TestEvalBooleanCombinations(t *testing.T) {
	scope := mapScope{
		PrefixState: map[string]any{
			"count": float64(3),
			"name":  "alex",
			"tags":  []any{"a", "b"},
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"state.count > 2", true},
		{"state.count >= 3 and state.count < 10", true},
		{"state.count == 3 or state.count == 4", true},
		{"not (state.count == 3)", false},
		{"len(state.tags) == 2", true},
		{"state.name == \"alex\"", true},
		{"state.missing_field", false},
		{"", true},
	}
	for _, c := range cases {
		got, err := Eval(scope, c.expr)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvalBuiltins(t *testing.T) {
	scope := mapScope{
		PrefixState: map[string]any{
			"flags_list": []any{true, true, false},
		},
	}
	got, err := Eval(scope, "any(state.flags_list)")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Eval(scope, "all(state.flags_list)")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestInterpolate(t *testing.T) {
	scope := mapScope{
		PrefixState: map[string]any{
			"user": map[string]any{"name": "Ada"},
		},
	}
	out := Interpolate(scope, "Hello {{ state.user.name }}, welcome.")
	assert.Equal(t, "Hello Ada, welcome.", out)

	out = Interpolate(scope, "Missing: [{{ state.user.missing }}]")
	assert.Equal(t, "Missing: []", out)
}

func TestEvalRejectsMalformedExpressionWithoutPanicking(t *testing.T) {
	scope := mapScope{}
	_, err := Eval(scope, "state.count ===")
	assert.Error(t, err)
}
