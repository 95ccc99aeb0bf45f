package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/model"
)

func TestRegisterDuplicateNameErrors(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&Entry{Name: "search", Kind: KindInternal}))
	err := r.Register(&Entry{Name: "search", Kind: KindInternal})
	assert.Error(t, err)
}

func TestPublishedSchemaStripsXFields(t *testing.T) {
	r := New(nil)
	err := r.Register(&Entry{
		Name: "dispatch",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"work_module_id": map[string]any{"type": "string", "x-handover-title": "Module"},
			},
		},
	})
	require.NoError(t, err)

	e, ok := r.Get("dispatch")
	require.True(t, ok)
	props := e.PublishedSchema()["properties"].(map[string]any)
	field := props["work_module_id"].(map[string]any)
	_, hasX := field["x-handover-title"]
	assert.False(t, hasX)
	assert.Equal(t, "string", field["type"])
}

func TestRegisterMergesHandoverProtocolSchema(t *testing.T) {
	hs := handover.New()
	hs.Register(&handover.Protocol{
		ProtocolName: "launch_principal",
		ContextParameters: map[string]any{
			"properties": map[string]any{
				"original_question": map[string]any{"type": "string"},
			},
			"required": []any{"original_question"},
		},
	})

	r := New(hs)
	err := r.Register(&Entry{
		Name:             "launch_principal_tool",
		HandoverProtocol: "launch_principal",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"goal": map[string]any{"type": "string"}},
		},
	})
	require.NoError(t, err)

	e, _ := r.Get("launch_principal_tool")
	props := e.PublishedSchema()["properties"].(map[string]any)
	_, hasGoal := props["goal"]
	_, hasInherited := props["original_question"]
	assert.True(t, hasGoal)
	assert.True(t, hasInherited)
}

func TestRegisterMergesHandoverIntoArrayItemsSchema(t *testing.T) {
	hs := handover.New()
	hs.Register(&handover.Protocol{
		ProtocolName: "dispatch_one",
		ContextParameters: map[string]any{
			"properties": map[string]any{"parent_question": map[string]any{"type": "string"}},
		},
	})

	r := New(hs)
	err := r.Register(&Entry{
		Name:             "dispatch_associates",
		HandoverProtocol: "dispatch_one",
		Parameters: map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": map[string]any{"work_module_id": map[string]any{"type": "string"}},
			},
		},
	})
	require.NoError(t, err)

	e, _ := r.Get("dispatch_associates")
	items := e.PublishedSchema()["items"].(map[string]any)
	props := items["properties"].(map[string]any)
	_, hasParentQuestion := props["parent_question"]
	assert.True(t, hasParentQuestion, "array-typed tool must inherit handover fields into its items schema")
}

func TestEffectiveToolSetUnionsToolsetAndIndividualTools(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&Entry{Name: "web_search", Toolset: "research"}))
	require.NoError(t, r.Register(&Entry{Name: "read_file", Toolset: "filesystem"}))
	require.NoError(t, r.Register(&Entry{Name: "dangerous_op", Toolset: "admin"}))

	policy := model.ToolAccessPolicy{AllowedToolsets: []string{"research"}, AllowedTools: []string{"dangerous_op"}}
	out := r.EffectiveToolSet(policy, nil)
	assert.ElementsMatch(t, []string{"web_search", "dangerous_op"}, out)
}

func TestEffectiveToolSetAssociateOverrideWinsOverProfilePolicy(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&Entry{Name: "web_search", Toolset: "research"}))
	require.NoError(t, r.Register(&Entry{Name: "read_file", Toolset: "filesystem"}))

	policy := model.ToolAccessPolicy{AllowedToolsets: []string{"research"}}
	out := r.EffectiveToolSet(policy, []string{"filesystem"})
	assert.Equal(t, []string{"read_file"}, out)
}

func TestWrapExternalSurfacesConnectionFailureAsAdvisory(t *testing.T) {
	fn := WrapExternal("playwright", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, &ConnectionError{Server: "playwright", Err: errors.New("dial tcp refused")}
	})

	result, err := fn(context.Background(), nil)
	require.NoError(t, err)
	proxyResult, ok := result.(ProxyResult)
	require.True(t, ok)
	assert.True(t, proxyResult.IsError)
	assert.Contains(t, proxyResult.Content, "terminate the flow")
}

func TestWrapExternalPassesThroughNonConnectionErrors(t *testing.T) {
	fn := WrapExternal("playwright", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("bad params")
	})
	_, err := fn(context.Background(), nil)
	assert.Error(t, err)
}
