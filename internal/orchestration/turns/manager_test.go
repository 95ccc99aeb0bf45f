package turns

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/model"
)

func newTestSub() (*model.RunContext, *model.SubContext) {
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	sub := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "agent1", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(sub)
	return run, sub
}

func TestStartNewTurnMintsRootFlowWhenNoBaton(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()

	turnID := mgr.StartNewTurn(sub, "stream-1")
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	require.True(t, ok)
	assert.Equal(t, model.TurnRunning, turn.Status)
	assert.Empty(t, turn.SourceTurnIDs)
	assert.Contains(t, turn.FlowID, "flow_root_")
	require.Len(t, turn.LLMInteraction.Attempts, 1)
	assert.Equal(t, "stream-1", turn.LLMInteraction.Attempts[0].StreamID)
}

func TestStartNewTurnInheritsFlowFromBaton(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()

	first := mgr.StartNewTurn(sub, "s1")
	mgr.FinalizeCurrentTurn(sub, "continue_with_tool")

	second := mgr.StartNewTurn(sub, "s2")
	firstTurn, _ := sub.Refs.Team.TurnByID(first)
	secondTurn, _ := sub.Refs.Team.TurnByID(second)
	assert.Equal(t, firstTurn.FlowID, secondTurn.FlowID)
	assert.Equal(t, []string{first}, secondTurn.SourceTurnIDs)
}

func TestToolInteractionLifecycle(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()
	mgr.StartNewTurn(sub, "s1")

	call := model.ToolCall{ID: "c1", Name: "echo"}
	mgr.AddToolInteraction(sub, call, map[string]any{"s": "hello"})

	mgr.UpdateToolInteractionResult(sub.Refs.Team, "c1", map[string]any{"echoed": "hello"}, false)

	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, _ := sub.Refs.Team.TurnByID(turnID)
	require.Len(t, turn.ToolInteractions, 1)
	assert.Equal(t, model.ToolInteractionCompleted, turn.ToolInteractions[0].Status)
	assert.True(t, turn.AllToolInteractionsSettled())
}

func TestFailCurrentTurnIsIdempotent(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()
	mgr.StartNewTurn(sub, "s1")

	mgr.FailCurrentTurn(sub, "boom")
	mgr.FailCurrentTurn(sub, "boom again") // must not clobber the first error

	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, _ := sub.Refs.Team.TurnByID(turnID)
	assert.Equal(t, model.TurnError, turn.Status)
	assert.Equal(t, model.LLMInteractionError, turn.LLMInteraction.Status)
}

func TestUpdateLLMInteractionEndRecordsFinalAttempt(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()
	mgr.StartNewTurn(sub, "s1")

	mgr.UpdateLLMInteractionEnd(sub, model.LLMResponse{Content: "done"}, nil)

	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, _ := sub.Refs.Team.TurnByID(turnID)
	require.NotNil(t, turn.LLMInteraction.FinalResponse)
	assert.Equal(t, "done", turn.LLMInteraction.FinalResponse.Content)
	assert.Equal(t, model.AttemptSuccess, turn.LLMInteraction.Attempts[0].Status)

	mgr.UpdateLLMInteractionEnd(sub, model.LLMResponse{}, errors.New("network blip"))
}

func TestFinalizeCurrentTurnAlwaysPassesBaton(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()
	turnID := mgr.StartNewTurn(sub, "s1")
	mgr.CancelCurrentTurn(sub.Refs.Team) // turn becomes cancelled, not running

	mgr.FinalizeCurrentTurn(sub, "end")

	var baton string
	sub.WithLock(func(st *model.SubContextState) { baton = st.LastTurnID })
	assert.Equal(t, turnID, baton, "baton passes even when the turn didn't end in completed")

	turn, _ := sub.Refs.Team.TurnByID(turnID)
	assert.Equal(t, model.TurnCancelled, turn.Status, "finalize must not override a prior terminal status")
}

func TestCreateAggregationTurnParentsEqualSubflowCount(t *testing.T) {
	mgr := New()
	_, sub := newTestSub()
	dispatchTurnID := mgr.StartNewTurn(sub, "s1")
	dispatchTurn, _ := sub.Refs.Team.TurnByID(dispatchTurnID)

	aggID := mgr.CreateAggregationTurn(sub.Refs.Team, "r1", dispatchTurn, []string{"t1", "t2"}, "call1", "2 succeeded")
	aggTurn, ok := sub.Refs.Team.TurnByID(aggID)
	require.True(t, ok)
	assert.Len(t, aggTurn.SourceTurnIDs, 2)
	assert.Equal(t, model.TurnAggregation, aggTurn.TurnType)
}
