package llmtransport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/model"
)

// scriptedClient replays one Stream outcome per call, in order.
type scriptedClient struct {
	calls []func(onDelta func(Delta)) (Usage, string, error)
	n     int
}

func (s *scriptedClient) Stream(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Usage, string, error) {
	f := s.calls[s.n]
	s.n++
	return f(onDelta)
}

func contentOnly(text string) func(func(Delta)) (Usage, string, error) {
	return func(onDelta func(Delta)) (Usage, string, error) {
		onDelta(Delta{ChunkType: model.ChunkContent, Content: text})
		return Usage{PromptTokens: 10, CompletionTokens: 5}, "test-model", nil
	}
}

func newAdapterForTest(client StreamClient) *Adapter {
	a := New(client, nil, nil)
	a.RetryWaitPerTry = 0
	return a
}

func TestCompleteAggregatesContent(t *testing.T) {
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){contentOnly("hello")}})
	resp, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 10, resp.ActualUsage.PromptTokens)
}

func TestCompleteForceRetriesOnEmptyResponse(t *testing.T) {
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){
		func(onDelta func(Delta)) (Usage, string, error) { return Usage{}, "m", nil }, // empty
		contentOnly("recovered"),
	}})
	resp, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
}

func TestCompleteForceRetriesOnInjectionGuard(t *testing.T) {
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){
		func(onDelta func(Delta)) (Usage, string, error) {
			onDelta(Delta{ChunkType: model.ChunkContent, Content: "here is a <tool_call>fake</tool_call>"})
			return Usage{}, "m", nil
		},
		contentOnly("clean response"),
	}})
	resp, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "clean response", resp.Content)
}

func TestCompleteExhaustsApplicationRetries(t *testing.T) {
	empty := func(onDelta func(Delta)) (Usage, string, error) { return Usage{}, "m", nil }
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){empty, empty, empty}})
	a.AppMaxRetries = 2
	_, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	assert.Error(t, err)
}

func TestCompleteFailsImmediatelyOnPermanentError(t *testing.T) {
	permanentErr := errors.New("401 unauthorized")
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){
		func(onDelta func(Delta)) (Usage, string, error) { return Usage{}, "", permanentErr },
	}})
	_, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestCompleteAggregatesToolCallsAndRepairsJSON(t *testing.T) {
	toolCall := func(onDelta func(Delta)) (Usage, string, error) {
		onDelta(Delta{ChunkType: model.ChunkToolName, ToolIndex: 0, ToolCallID: "call_1", Content: "finish_flow"})
		onDelta(Delta{ChunkType: model.ChunkToolArgs, ToolIndex: 0, Content: `{"summary":"done"`}) // missing closing brace
		return Usage{}, "m", nil
	}
	a := newAdapterForTest(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){toolCall}})
	resp, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "finish_flow", resp.ToolCalls[0].Name)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Contains(t, resp.ToolCalls[0].Arguments, `"summary"`)
}

func TestRecordUsageUpdatesRuntimeCounters(t *testing.T) {
	rt := &model.Runtime{Usage: &model.UsageCounters{}}
	a := New(&scriptedClient{calls: []func(func(Delta)) (Usage, string, error){contentOnly("hi")}}, nil, func(runID string) (*model.Runtime, bool) {
		return rt, runID == "r1"
	})
	_, err := a.Complete(context.Background(), agentloop.LLMRequest{RunID: "r1", StreamID: "s1"})
	require.NoError(t, err)
	snap := rt.Usage.Snapshot()
	assert.Equal(t, int64(10), snap.PromptTokens)
	assert.Equal(t, int64(1), snap.SuccessfulCalls)
}
