// Package llmtransport implements the LLM Transport Adapter (C12): the one
// streamed-then-aggregated call the Agent Loop makes per turn, wrapping
// whatever raw provider call a StreamClient performs with transport-level
// retries, application-level empty-response recovery, an injection guard,
// streaming event fan-out, and usage accounting.
//
// Grounded on original_source/.../llm/call_litellm_acompletion and its
// LLMResponseAggregator (the escalating corrective-prompt retry loop and
// per-chunk event emission this package ports almost line for line), and on
// internal/infra/llm/retry_client.go's transport-retry/circuit-breaker idiom
// for the outer, provider-error layer.
package llmtransport

import (
	"context"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
)

// Delta is one incremental fragment delivered while a StreamClient call is
// in flight. ToolIndex follows the provider convention of addressing
// concurrently-streamed tool calls by position; ToolCallID is only ever
// populated the first time a given index's id arrives.
type Delta struct {
	ChunkType  model.ChunkType
	Content    string
	ToolIndex  int
	ToolCallID string
}

// Usage is the token accounting a provider reports at the end of a stream,
// when it reports one at all.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// ChatRequest is what one underlying provider call needs: the already
// system-prompt-prefixed message list plus the tool schema to advertise.
// Adapter rebuilds this on every application-level retry attempt, since the
// message list itself grows with each escalating corrective prompt.
type ChatRequest struct {
	Messages []model.Message
	Tools    []tools.Definition
	Model    string
	Options  map[string]any
}

// StreamClient performs exactly one streamed provider call, invoking
// onDelta for every content/reasoning/tool_name/tool_args fragment as it
// arrives. A non-nil error aborts the call. Usage/model id are best-effort:
// a provider that never reports them returns the zero Usage and empty model
// string.
type StreamClient interface {
	Stream(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Usage, string, error)
}
