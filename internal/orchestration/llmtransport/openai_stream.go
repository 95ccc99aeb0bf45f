package llmtransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
)

const (
	streamScannerInitialBuffer = 64 * 1024
	streamScannerMaxBuffer     = 512 * 1024
)

// OpenAIStreamClient speaks the OpenAI-compatible chat completions streaming
// API (SSE "data:" lines, a terminal "[DONE]" sentinel) and is the default
// production StreamClient. Grounded on internal/infra/llm/openai_client.go's
// StreamComplete: same request shape, same delta struct, same scanner
// buffering, rewritten against this package's Delta/onDelta callback shape
// instead of ports.CompletionStreamCallbacks so reasoning and per-tool-call
// deltas (which that callback type doesn't expose) reach the aggregator.
type OpenAIStreamClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string

	log logging.Logger
}

// NewOpenAIStreamClient builds a client against baseURL (e.g.
// "https://api.openai.com/v1" or an OpenRouter-compatible endpoint).
func NewOpenAIStreamClient(baseURL, apiKey string) *OpenAIStreamClient {
	return &OpenAIStreamClient{
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		log:        logging.NewComponentLogger("llmtransport.openai"),
	}
}

var _ StreamClient = (*OpenAIStreamClient)(nil)

type oaiToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string             `json:"content"`
			ReasoningContent string             `json:"reasoning_content"`
			ToolCalls        []oaiToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream implements StreamClient.
func (c *OpenAIStreamClient) Stream(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Usage, string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return Usage{}, "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", strings.NewReader(string(body)))
	if err != nil {
		return Usage{}, "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Usage{}, "", fmt.Errorf("llm stream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Usage{}, "", fmt.Errorf("llm stream http %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, streamScannerInitialBuffer), streamScannerMaxBuffer)

	var usage Usage
	modelID := req.Model
	toolNames := map[int]bool{} // tracks whether a name fragment has already been sent for an index

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Debug("discarding unparsable stream chunk: %v", err)
			continue
		}
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			onDelta(Delta{ChunkType: model.ChunkContent, Content: delta.Content})
		}
		if delta.ReasoningContent != "" {
			onDelta(Delta{ChunkType: model.ChunkReasoning, Content: delta.ReasoningContent})
		}
		for _, tc := range delta.ToolCalls {
			if tc.Function.Name != "" || !toolNames[tc.Index] {
				toolNames[tc.Index] = true
				onDelta(Delta{ChunkType: model.ChunkToolName, ToolIndex: tc.Index, ToolCallID: tc.ID, Content: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				onDelta(Delta{ChunkType: model.ChunkToolArgs, ToolIndex: tc.Index, Content: tc.Function.Arguments})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return usage, modelID, fmt.Errorf("read llm stream: %w", err)
	}
	return usage, modelID, nil
}

// buildRequest mirrors openaiClient.StreamComplete's request map: model,
// converted messages, tool schema when present, and stream:true.
func (c *OpenAIStreamClient) buildRequest(req ChatRequest) map[string]any {
	out := map[string]any{
		"model":    req.Model,
		"messages": convertMessages(req.Messages),
		"stream":   true,
	}
	for k, v := range req.Options {
		out[k] = v
	}
	if len(req.Tools) > 0 {
		out["tools"] = convertTools(req.Tools)
		out["tool_choice"] = "auto"
	}
	return out
}

func convertMessages(messages []model.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{"role": string(m.Role), "content": m.Content}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if m.ToolName != "" {
			entry["name"] = m.ToolName
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func convertTools(defs []tools.Definition) []map[string]any {
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}
