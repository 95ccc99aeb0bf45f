package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
)

func newTestSub(role model.AssignedRole) (*model.RunContext, *model.SubContext) {
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	sub := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "agent1", AssignedRole: role}, run, run.Team)
	run.RegisterSubContext(sub)
	return run, sub
}

type stubTransport struct {
	resp model.LLMResponse
	err  error
	calls int
}

func (s *stubTransport) Complete(ctx context.Context, req LLMRequest) (model.LLMResponse, error) {
	s.calls++
	return s.resp, s.err
}

func newDeps(t *testing.T, transport Transport) Deps {
	t.Helper()
	tm := turns.New()
	toolReg := tools.New(nil)
	require.NoError(t, toolReg.Register(&tools.Entry{
		Name:    "finish_flow",
		Kind:    tools.KindInternal,
		EndsFlow: true,
		Toolset: "control",
	}))
	require.NoError(t, toolReg.Register(&tools.Entry{
		Name:    "web_search",
		Kind:    tools.KindInternal,
		Toolset: "research",
	}))
	return Deps{
		Turns:     tm,
		Inbox:     inbox.NewProcessor(tm),
		Ingestors: inbox.NewRegistry(),
		ToolReg:   toolReg,
		Transport: transport,
	}
}

func testProfile() *model.Profile {
	return &model.Profile{
		Name: "Associate_Test",
		Type: model.ProfileTypeAssociate,
		ToolAccessPolicy: model.ToolAccessPolicy{
			AllowedToolsets: []string{"control", "research"},
		},
		FlowDecider: []model.DeciderRule{
			{ID: "has_tool", Condition: "state.current_action != nil", Action: model.DeciderContinueWithTool},
			{ID: "otherwise", Condition: "true", Action: model.DeciderEndAgentTurn},
		},
	}
}

func TestRunTurnContinuesWithToolOnValidCall(t *testing.T) {
	transport := &stubTransport{resp: model.LLMResponse{
		Content:   "calling tool",
		ToolCalls: []model.ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query":"go"}`}},
	}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	next, err := loop.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NextAction("web_search"), next)
	assert.Equal(t, 1, transport.calls)

	var action *model.ToolCall
	sub.ReadLocked(func(st model.SubContextState) { action = st.CurrentAction })
	require.NotNil(t, action)
	assert.Equal(t, "web_search", action.Name)
}

func TestRunTurnEndsFlowWhenNoToolCall(t *testing.T) {
	transport := &stubTransport{resp: model.LLMResponse{Content: "all done"}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	next, err := loop.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionEndFlow, next)
}

func TestRunTurnInjectsErrorForMalformedToolArguments(t *testing.T) {
	transport := &stubTransport{resp: model.LLMResponse{
		ToolCalls: []model.ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query": "unterminated`}},
	}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	_, err := loop.RunTurn(context.Background())
	require.NoError(t, err)

	var inboxItems []*model.InboxItem
	sub.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	assert.Equal(t, model.SourceToolResult, inboxItems[0].Source)
}

func TestRunTurnInjectsErrorForUnregisteredTool(t *testing.T) {
	transport := &stubTransport{resp: model.LLMResponse{
		ToolCalls: []model.ToolCall{{ID: "call_1", Name: "not_a_real_tool", Arguments: `{}`}},
	}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	_, err := loop.RunTurn(context.Background())
	require.NoError(t, err)

	var inboxItems []*model.InboxItem
	sub.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	payload := inboxItems[0].Payload.(map[string]any)
	assert.Contains(t, payload["content"].(string), "unregistered")
}

func TestRunTurnDropsAllButFirstToolCall(t *testing.T) {
	transport := &stubTransport{resp: model.LLMResponse{
		ToolCalls: []model.ToolCall{
			{ID: "call_1", Name: "web_search", Arguments: `{}`},
			{ID: "call_2", Name: "finish_flow", Arguments: `{}`},
		},
	}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	next, err := loop.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NextAction("web_search"), next)

	var msgs []model.Message
	sub.ReadLocked(func(st model.SubContextState) { msgs = st.Messages })
	last := msgs[len(msgs)-1]
	assert.Len(t, last.ToolCalls, 1)
}

func TestRunTurnPropagatesTransportError(t *testing.T) {
	transport := &stubTransport{err: assertAnError{}}
	deps := newDeps(t, transport)
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, deps)

	next, err := loop.RunTurn(context.Background())
	assert.Error(t, err)
	assert.Equal(t, ActionError, next)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "transport unavailable" }

func TestResolveDanglingToolCallsSynthesizesTerminationResult(t *testing.T) {
	_, sub := newTestSub(model.RoleAssociate)
	sub.WithLock(func(st *model.SubContextState) {
		st.Messages = []model.Message{
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "orphan_1", Name: "web_search"}}},
		}
	})

	resolveDanglingToolCalls(sub)

	var inboxItems []*model.InboxItem
	sub.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	assert.Equal(t, model.SourceToolResult, inboxItems[0].Source)
	payload := inboxItems[0].Payload.(map[string]any)
	assert.Equal(t, "orphan_1", payload["tool_call_id"])
}

func TestResolveDanglingToolCallsSkipsWhenResponseAlreadyInMessages(t *testing.T) {
	_, sub := newTestSub(model.RoleAssociate)
	sub.WithLock(func(st *model.SubContextState) {
		st.Messages = []model.Message{
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "ok_1", Name: "web_search"}}},
			{Role: model.RoleTool, ToolCallID: "ok_1", Content: "result"},
		}
	})

	resolveDanglingToolCalls(sub)

	var inboxItems []*model.InboxItem
	sub.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	assert.Empty(t, inboxItems)
}

func TestConstructSystemPromptSkipsFalseConditionSegment(t *testing.T) {
	_, sub := newTestSub(model.RolePrincipal)
	profile := &model.Profile{
		TextDefinitions: map[string]string{"greeting": "hello there"},
		SystemPromptSegments: []model.PromptSegment{
			{ID: "greet", Order: 1, Type: model.SegmentStaticText, ContentKey: "greeting"},
			{ID: "hidden", Order: 2, Type: model.SegmentStaticText, ContentKey: "greeting", Condition: "false"},
		},
	}
	loop := New(profile, sub, Deps{Ingestors: inbox.NewRegistry()})

	prompt, log := loop.constructSystemPrompt()
	assert.Equal(t, "hello there", prompt)
	require.Len(t, log, 2)
	assert.True(t, log[1].Skipped)
}

func TestTrackEmptyResponseExceedsThreshold(t *testing.T) {
	_, sub := newTestSub(model.RoleAssociate)
	loop := New(testProfile(), sub, Deps{})

	for i := 0; i < maxConsecutiveEmptyResponses-1; i++ {
		assert.False(t, loop.trackEmptyResponse(model.LLMResponse{}))
	}
	assert.True(t, loop.trackEmptyResponse(model.LLMResponse{}))
}
