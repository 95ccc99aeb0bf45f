// Package agentloop implements the Agent Loop (C7): the per-agent
// prepare→invoke-LLM→post-process state machine that ties the Turn
// Ledger, Inbox Processor, Knowledge Base, Tool Registry and safenet
// together into one iteration. A Loop is bound to exactly one SubContext
// for its lifetime, matching one of Partner/Principal/Associate.
//
// Grounded on original_source/.../nodes/base_agent_node.py's
// AgentNode.prep_async/exec_async/post_async, generalized off the
// pocketflow Node lifecycle onto a plain Go method with explicit
// dependencies instead of ambient dict lookups.
package agentloop

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"alex/internal/logging"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tokencount"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
	"alex/internal/orchestration/vmodel"
)

// maxConsecutiveEmptyResponses bounds how many back-to-back empty LLM
// responses one agent tolerates before the loop gives up rather than spin
// forever (spec §4.1 "never sees a truly empty response" is the
// transport's job; this is the loop-level backstop if that still surfaces).
const maxConsecutiveEmptyResponses = 3

// NextAction is the decider's verdict: usually a tool name to continue
// with, or one of the sentinel strings below.
type NextAction string

const (
	ActionEndFlow        NextAction = "END_FLOW"
	ActionError          NextAction = "error"
	ActionDefault        NextAction = "default"
	ActionAwaitUserInput NextAction = "await_user_input"
)

// LLMRequest is what the loop hands the transport adapter for one call.
type LLMRequest struct {
	Messages      []model.Message
	SystemPrompt  string
	Tools         []tools.Definition
	StreamID      string
	LLMConfigName string
	RunID         string
	AgentID       string
	ParentAgentID string
}

// Transport is the narrow surface the loop needs from the LLM Transport
// Adapter (C12, built separately): one streamed-then-aggregated call.
type Transport interface {
	Complete(ctx context.Context, req LLMRequest) (model.LLMResponse, error)
}

// Deps bundles every collaborator the loop drives. All are required
// except Knowledge; with a nil Knowledge the loop skips hydration.
type Deps struct {
	Turns     *turns.Manager
	Inbox     *inbox.Processor
	Ingestors *inbox.Registry // used for state_value system-prompt segments
	Knowledge *knowledge.Store
	ToolReg   *tools.Registry
	Transport Transport
}

// Loop drives one SubContext through repeated turns.
type Loop struct {
	profile *model.Profile
	sub     *model.SubContext
	deps    Deps
	log     logging.Logger
}

// New binds a Loop to profile/sub for its lifetime.
func New(profile *model.Profile, sub *model.SubContext, deps Deps) *Loop {
	return &Loop{
		profile: profile,
		sub:     sub,
		log:     logging.NewComponentLogger("agentloop"),
		deps:    deps,
	}
}

// prepResult is everything exec/post need that prep computed.
type prepResult struct {
	turnID            string
	streamID          string
	messagesForLLM    []model.Message
	systemPrompt      string
	placeholderIndex  int
	predictedTokens   int
}

// RunTurn executes one full prepare→invoke→post cycle and returns the
// decider's next action.
func (l *Loop) RunTurn(ctx context.Context) (NextAction, error) {
	prep, err := l.prep(ctx)
	if err != nil {
		l.deps.Turns.FailCurrentTurn(l.sub, err.Error())
		return ActionError, err
	}

	resp, callErr := l.invoke(ctx, prep)
	return l.post(ctx, prep, resp, callErr)
}

// prep implements spec §4.1 prep steps 1-8.
func (l *Loop) prep(ctx context.Context) (*prepResult, error) {
	if err := l.processObservers("pre_turn"); err != nil {
		return nil, err
	}

	resolveDanglingToolCalls(l.sub)

	procResult := l.deps.Inbox.Process(l.sub, l.profile.InboxHandlingStrategies)

	streamID := fmt.Sprintf("stream_%s_%s", l.sub.Meta.AgentID, randSuffix())
	turnID := l.deps.Turns.StartNewTurn(l.sub, streamID)

	systemPrompt, promptLog := l.constructSystemPrompt()

	var messages []model.Message
	l.sub.ReadLocked(func(st model.SubContextState) {
		messages = append([]model.Message(nil), st.Messages...)
	})

	if l.deps.Knowledge != nil {
		for i := range messages {
			messages[i].Content = fmt.Sprint(l.deps.Knowledge.HydrateContent(messages[i].Content, 5))
		}
	}

	messages = inbox.ApplySafenet(messages)

	predictedTokens := estimatePromptTokens(systemPrompt, messages)

	l.deps.Turns.EnrichTurnInputs(l.sub.Refs.Team, turnID, procResult.ProcessingLog, promptLog, predictedTokens)

	placeholderIdx := -1
	l.sub.WithLock(func(st *model.SubContextState) {
		st.Messages = append(st.Messages, model.Message{Role: model.RoleAssistant, Content: ""})
		placeholderIdx = len(st.Messages) - 1
	})

	return &prepResult{
		turnID:           turnID,
		streamID:         streamID,
		messagesForLLM:   messages,
		systemPrompt:     systemPrompt,
		placeholderIndex: placeholderIdx,
		predictedTokens:  predictedTokens,
	}, nil
}

// invoke implements spec §4.1's invoke step: call the transport and return
// its response and error unchanged (a transport error is only logged here;
// post() fails the turn with it).
func (l *Loop) invoke(ctx context.Context, prep *prepResult) (model.LLMResponse, error) {
	var toolDefs []tools.Definition
	if l.deps.ToolReg != nil {
		var subOverride []string
		l.sub.ReadLocked(func(st model.SubContextState) { subOverride = st.Flags.AllowedToolsets })
		names := l.deps.ToolReg.EffectiveToolSet(l.profile.ToolAccessPolicy, subOverride)
		toolDefs = l.deps.ToolReg.ListForNames(names)
	}

	req := LLMRequest{
		Messages:      prep.messagesForLLM,
		SystemPrompt:  prep.systemPrompt,
		Tools:         toolDefs,
		StreamID:      prep.streamID,
		LLMConfigName: l.profile.LLMConfigRef,
		RunID:         l.sub.Meta.RunID,
		AgentID:       l.sub.Meta.AgentID,
		ParentAgentID: l.sub.Meta.ParentAgentID,
	}

	resp, err := l.deps.Transport.Complete(ctx, req)
	if err != nil {
		l.log.Error("llm_call_failed agent=%s error=%v", l.sub.Meta.AgentID, err)
	}
	return resp, err
}

// post implements spec §4.1 post steps 1-10.
func (l *Loop) post(ctx context.Context, prep *prepResult, resp model.LLMResponse, callErr error) (NextAction, error) {
	if callErr != nil {
		l.deps.Turns.FailCurrentTurn(l.sub, callErr.Error())
		l.updatePlaceholder(prep, resp)
		return ActionError, callErr
	}

	l.deps.Turns.UpdateLLMInteractionEnd(l.sub, resp, nil)

	if exceeded := l.trackEmptyResponse(resp); exceeded {
		msg := fmt.Sprintf("agent %s received %d consecutive empty LLM responses", l.sub.Meta.AgentID, maxConsecutiveEmptyResponses)
		l.deps.Turns.FailCurrentTurn(l.sub, msg)
		l.updatePlaceholder(prep, resp)
		return ActionError, errors.New(msg)
	}

	if len(resp.ToolCalls) > 1 {
		l.log.Warn("multiple_tool_calls_detected agent=%s total=%d dropped=%d", l.sub.Meta.AgentID, len(resp.ToolCalls), len(resp.ToolCalls)-1)
		resp.ToolCalls = resp.ToolCalls[:1]
	}

	l.processToolCall(resp)
	l.updatePlaceholder(prep, resp)

	if err := l.processObservers("post_turn"); err != nil {
		l.log.Error("post_turn_observer_error agent=%s error=%v", l.sub.Meta.AgentID, err)
	}

	next := l.decideNextAction()

	if next == ActionEndFlow || next == ActionError || l.isFlowEndingTool(next) {
		l.finalizeDanglingToolInteraction()
	}
	l.deps.Turns.FinalizeCurrentTurn(l.sub, string(next))

	l.log.Info("turn_completed agent=%s next_action=%s", l.sub.Meta.AgentID, next)
	return next, nil
}

// trackEmptyResponse maintains the consecutive-empty-response counter as a
// backstop behind the transport's own empty-response retry escalation
// (spec §4.1 "the agent loop never sees a truly empty response" — this
// only fires if that guarantee is somehow not upheld). Returns true once
// the counter reaches the threshold.
func (l *Loop) trackEmptyResponse(resp model.LLMResponse) bool {
	empty := resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0
	var exceeded bool
	l.sub.WithLock(func(st *model.SubContextState) {
		if empty {
			st.ConsecutiveEmptyLLMResponses++
		} else {
			st.ConsecutiveEmptyLLMResponses = 0
		}
		exceeded = st.ConsecutiveEmptyLLMResponses >= maxConsecutiveEmptyResponses
	})
	return exceeded
}

func (l *Loop) updatePlaceholder(prep *prepResult, resp model.LLMResponse) {
	l.sub.WithLock(func(st *model.SubContextState) {
		if prep.placeholderIndex < 0 || prep.placeholderIndex >= len(st.Messages) {
			return
		}
		msg := &st.Messages[prep.placeholderIndex]
		msg.Content = resp.Content
		msg.ReasoningText = resp.Reasoning
		msg.ToolCalls = resp.ToolCalls
	})
}

// processToolCall implements post.3-5: validate JSON args, record the
// interaction, or inject a TOOL_RESULT error and clear the action.
func (l *Loop) processToolCall(resp model.LLMResponse) {
	if len(resp.ToolCalls) == 0 {
		l.sub.WithLock(func(st *model.SubContextState) { st.CurrentAction = nil })
		return
	}
	call := resp.ToolCalls[0]

	repaired, err := jsonrepair.JSONRepair(call.Arguments)
	var args map[string]any
	if err == nil {
		err = json.Unmarshal([]byte(repaired), &args)
	}
	if err != nil || args == nil {
		l.injectToolErrorResult(call, fmt.Sprintf("LLM provided invalid JSON arguments for tool %q: %v", call.Name, err))
		l.sub.WithLock(func(st *model.SubContextState) { st.CurrentAction = nil })
		return
	}

	if _, ok := l.deps.ToolReg.Get(call.Name); !ok {
		l.injectToolErrorResult(call, fmt.Sprintf("LLM called an unregistered tool: %q", call.Name))
		l.sub.WithLock(func(st *model.SubContextState) { st.CurrentAction = nil })
		return
	}

	l.deps.Turns.AddToolInteraction(l.sub, call, args)
	l.sub.WithLock(func(st *model.SubContextState) { st.CurrentAction = &call })
}

func (l *Loop) injectToolErrorResult(call model.ToolCall, message string) {
	l.sub.PushInboxItem(&model.InboxItem{
		ItemID: fmt.Sprintf("inbox_error_%s", randSuffix()),
		Source: model.SourceToolResult,
		Payload: map[string]any{
			"tool_name":     call.Name,
			"tool_call_id":  call.ID,
			"is_error":      true,
			"content":       message,
		},
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})
}

// isFlowEndingTool reports whether next names a registered tool with
// EndsFlow set (spec §4.1 post.8).
func (l *Loop) isFlowEndingTool(next NextAction) bool {
	if l.deps.ToolReg == nil {
		return false
	}
	e, ok := l.deps.ToolReg.Get(string(next))
	return ok && e.EndsFlow
}

// finalizeDanglingToolInteraction force-closes a still-running
// tool_interaction matching state.CurrentAction when the flow is ending
// (spec §4.1 post.8 / base_agent_node.py's _finalize_dangling_tool_in_turn).
func (l *Loop) finalizeDanglingToolInteraction() {
	var turnID, toolCallID string
	l.sub.ReadLocked(func(st model.SubContextState) {
		turnID = st.CurrentTurnID
		if st.CurrentAction != nil {
			toolCallID = st.CurrentAction.ID
		}
	})
	if turnID == "" || toolCallID == "" {
		return
	}
	turn, ok := l.sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return
	}
	turn.WithLock(func(t *model.Turn) {
		ti, ok := t.RunningToolInteraction(toolCallID)
		if !ok {
			return
		}
		ti.Status = model.ToolInteractionCompleted
		ti.EndTime = time.Now().UTC()
		ti.ResultPayload = map[string]any{"status": "finalized", "reason": "flow is ending"}
	})
}

func randSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func estimatePromptTokens(systemPrompt string, messages []model.Message) int {
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	return tokencount.EstimateAll(systemPrompt, contents)
}
