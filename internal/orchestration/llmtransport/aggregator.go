package llmtransport

import (
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"alex/internal/orchestration/model"
)

// errForceRetry is raised internally when the aggregated stream must be
// discarded and retried with an escalating corrective prompt: either the
// injection guard tripped, or the stream ended with no content and no tool
// calls. It never escapes Adapter.Complete.
var errForceRetry = errors.New("llm response requires a forced retry")

// injection guard literals (spec §4.12): a model that emits these in plain
// content is trying to fake a tool call outside the native channel.
const (
	injectionMarkerToolCall = "<tool_call>"
	injectionMarkerToolCode = "<tool_code>"
)

// aggregator accumulates one stream's deltas, mirroring
// LLMResponseAggregator.process_chunk/get_aggregated_response.
type aggregator struct {
	content   strings.Builder
	reasoning strings.Builder

	order     []int // first-seen order of tool indices
	toolCalls map[int]*model.ToolCall

	emit func(model.ChunkType, string, int)
}

func newAggregator(emit func(model.ChunkType, string, int)) *aggregator {
	return &aggregator{
		toolCalls: make(map[int]*model.ToolCall),
		emit:      emit,
	}
}

// onDelta folds one Delta into the aggregate, forwarding it to emit and
// returning errForceRetry the instant the injection guard trips.
func (a *aggregator) onDelta(d Delta) error {
	switch d.ChunkType {
	case model.ChunkReasoning:
		a.reasoning.WriteString(d.Content)
		a.emitChunk(d.ChunkType, d.Content, 0)

	case model.ChunkContent:
		a.content.WriteString(d.Content)
		if strings.Contains(a.content.String(), injectionMarkerToolCall) ||
			strings.Contains(a.content.String(), injectionMarkerToolCode) {
			return errForceRetry
		}
		a.emitChunk(d.ChunkType, d.Content, 0)

	case model.ChunkToolName, model.ChunkToolArgs:
		tc, ok := a.toolCalls[d.ToolIndex]
		if !ok {
			tc = &model.ToolCall{}
			a.toolCalls[d.ToolIndex] = tc
			a.order = append(a.order, d.ToolIndex)
		}
		if d.ToolCallID != "" {
			tc.ID = d.ToolCallID
		}
		if d.ChunkType == model.ChunkToolName {
			tc.Name += d.Content
		} else {
			tc.Arguments += d.Content
		}
		a.emitChunk(d.ChunkType, d.Content, d.ToolIndex)
	}
	return nil
}

func (a *aggregator) emitChunk(chunkType model.ChunkType, content string, toolIndex int) {
	if a.emit != nil {
		a.emit(chunkType, content, toolIndex)
	}
}

// result finalizes the aggregate into an LLMResponse, best-effort repairing
// each tool call's JSON arguments (get_aggregated_response's json_repair
// pass) without failing the call over a repair miss — processToolCall in
// the agent loop still validates the final JSON and surfaces any remaining
// breakage to the agent as a TOOL_RESULT error.
func (a *aggregator) result(modelID string, usage Usage) model.LLMResponse {
	calls := make([]model.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tc := *a.toolCalls[idx]
		if repaired, err := jsonrepair.JSONRepair(tc.Arguments); err == nil {
			tc.Arguments = repaired
		}
		calls = append(calls, tc)
	}
	return model.LLMResponse{
		Content:   a.content.String(),
		ToolCalls: calls,
		Reasoning: a.reasoning.String(),
		ModelID:   modelID,
		ActualUsage: model.TokenUsage{
			PromptTokens:     int(usage.PromptTokens),
			CompletionTokens: int(usage.CompletionTokens),
		},
	}
}

// empty reports whether the aggregate would be spec §4.12's "completely
// empty response" case: no content and no tool calls.
func (a *aggregator) empty() bool {
	return strings.TrimSpace(a.content.String()) == "" && len(a.order) == 0
}
