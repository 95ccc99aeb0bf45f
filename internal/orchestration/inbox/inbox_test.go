package inbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/turns"
	"alex/internal/orchestration/vmodel"
)

func newTestSub(t *testing.T) *model.SubContext {
	t.Helper()
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	sub := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "a1", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(sub)
	return sub
}

func TestResolveFallsBackToMarkdownFormatter(t *testing.T) {
	strategy, kind := Resolve(nil, model.Source("UNKNOWN_SOURCE"))
	assert.Equal(t, model.StrategyFromFallback, kind)
	assert.Equal(t, "markdown_formatter", strategy.Ingestor)
}

func TestResolvePrefersProfileOverride(t *testing.T) {
	overrides := map[string]model.InboxHandlingStrategy{
		"TOOL_RESULT": {Ingestor: "generic_message", Role: model.RoleUser},
	}
	strategy, kind := Resolve(overrides, model.SourceToolResult)
	assert.Equal(t, model.StrategyFromProfile, kind)
	assert.Equal(t, "generic_message", strategy.Ingestor)
}

func TestProcessDrainsPriorityOrderAndConsumesOnRead(t *testing.T) {
	sub := newTestSub(t)
	sub.PushInboxItem(&model.InboxItem{
		ItemID: "1", Source: model.SourceUserPrompt, Payload: "hi",
		ConsumptionPolicy: model.PersistentUntilConsumed,
	})
	sub.PushInboxItem(&model.InboxItem{
		ItemID: "2", Source: model.SourceToolResult,
		Payload:           map[string]any{"status": "ok", "payload": map[string]any{"main_content_for_llm": "42", "tool_call_id": "c1"}, "tool_call_id": "c1"},
		ConsumptionPolicy: model.ConsumeOnRead,
	})

	mgr := turns.New()
	p := NewProcessor(mgr)
	result := p.Process(sub, nil)

	require.Len(t, result.ProcessingLog, 2)
	assert.Equal(t, model.SourceToolResult, result.ProcessingLog[0].Source, "tool result must process before user prompt")

	var remaining []*model.InboxItem
	sub.WithLock(func(st *model.SubContextState) { remaining = st.Inbox })
	require.Len(t, remaining, 1, "consume_on_read item must be dropped")
	assert.Equal(t, "1", remaining[0].ItemID)
}

func TestProcessTTLGarbageCollectsExpiredItems(t *testing.T) {
	sub := newTestSub(t)
	sub.PushInboxItem(&model.InboxItem{
		ItemID: "stale", Source: model.SourceSelfReflectionPrompt, Payload: "x",
		ConsumptionPolicy: model.PersistentUntilConsumed,
		Metadata:          model.InboxMetadata{MaxTurnsInInbox: 1, TurnCountInInbox: 1},
	})

	mgr := turns.New()
	p := NewProcessor(mgr)
	result := p.Process(sub, nil)
	assert.Empty(t, result.ProcessingLog, "item already over its TTL bound should be GC'd before processing")
}

func TestProcessSetsInitialBriefingDeliveredFlag(t *testing.T) {
	sub := newTestSub(t)
	sub.PushInboxItem(&model.InboxItem{
		ItemID: "b1", Source: model.SourceAgentStartupBriefing, Payload: "welcome",
		ConsumptionPolicy: model.ConsumeOnRead,
	})
	mgr := turns.New()
	NewProcessor(mgr).Process(sub, nil)

	var flag bool
	sub.WithLock(func(st *model.SubContextState) { flag = st.Flags.InitialBriefingDelivered })
	assert.True(t, flag)
}

func TestProcessIngestorFailureInjectsAdvisoryInsteadOfAborting(t *testing.T) {
	sub := newTestSub(t)
	sub.PushInboxItem(&model.InboxItem{
		ItemID: "bad", Source: model.SourceSelfReflectionPrompt, Payload: "x",
		ConsumptionPolicy: model.ConsumeOnRead,
	})

	mgr := turns.New()
	p := NewProcessor(mgr)
	p.registry.Register("generic_message", func(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
		return "", errors.New("boom")
	})

	result := p.Process(sub, nil)
	require.Len(t, result.ProcessingLog, 1)
	assert.Contains(t, result.ProcessingLog[0].InjectedContent, "system_error")
}

func TestSafenetSynthesizesMissingToolResponse(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "search"}}},
	}
	out := ApplySafenet(messages)
	require.Len(t, out, 2)
	assert.Equal(t, model.RoleTool, out[1].Role)
	assert.Equal(t, "c1", out[1].ToolCallID)
	assert.Contains(t, out[1].Content, "no_response_from_tool")
}

func TestSafenetDemotesOrphanToolResponse(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleTool, Content: "stray", ToolCallID: "ghost"},
	}
	out := ApplySafenet(messages)
	require.Len(t, out, 1)
	assert.Equal(t, model.RoleAssistant, out[0].Role)
}

func TestSafenetReordersInterloperAfterToolResponses(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "search"}}},
		{Role: model.RoleUser, Content: "unrelated interruption"},
		{Role: model.RoleTool, Content: "result", ToolCallID: "c1"},
	}
	out := ApplySafenet(messages)
	// assistant, tool result, advisory, interloper
	require.Len(t, out, 4)
	assert.Equal(t, model.RoleTool, out[1].Role)
	assert.Equal(t, model.RoleUser, out[3].Role)
}

func TestSafenetIsIdempotent(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "search"}}},
		{Role: model.RoleUser, Content: "unrelated"},
		{Role: model.RoleTool, Content: "result", ToolCallID: "c1"},
	}
	once := ApplySafenet(messages)
	twice := ApplySafenet(once)
	assert.Equal(t, once, twice)
}
