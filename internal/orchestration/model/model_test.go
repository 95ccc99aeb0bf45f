package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcePriorityTable(t *testing.T) {
	cases := []struct {
		source Source
		want   int
	}{
		{SourceToolResult, 0},
		{SourceObserverFailure, 5},
		{SourceAgentStartupBriefing, 8},
		{SourcePartnerDirective, 10},
		{SourcePrincipalCompleted, 10},
		{SourceInternalDirective, 15},
		{SourceSelfReflectionPrompt, 20},
		{SourceWorkModulesStatusUpdate, 90},
		{SourcePrincipalActivityUpdate, 90},
		{SourceUserPrompt, 100},
		{Source("SOMETHING_UNREGISTERED"), 99},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.source.Priority(), "source %s", c.source)
	}
}

func TestInboxItemExceedsTTL(t *testing.T) {
	item := &InboxItem{
		ConsumptionPolicy: PersistentUntilConsumed,
		Metadata:          InboxMetadata{MaxTurnsInInbox: 3},
	}
	item.Metadata.TurnCountInInbox = 3
	assert.False(t, item.ExceedsTTL(), "at the bound, not yet exceeded")

	item.Metadata.TurnCountInInbox = 4
	assert.True(t, item.ExceedsTTL(), "max+1 must drop the item")

	consumeOnRead := &InboxItem{ConsumptionPolicy: ConsumeOnRead, Metadata: InboxMetadata{MaxTurnsInInbox: 1, TurnCountInInbox: 99}}
	assert.False(t, consumeOnRead.ExceedsTTL(), "TTL only applies to persistent items")
}

func TestTeamStateWorkModuleIDsAreMonotonic(t *testing.T) {
	team := NewTeamState()
	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := team.NewWorkModuleID()
		require.False(t, ids[id], "id %s reused", id)
		ids[id] = true
	}
	assert.Equal(t, "WM_5", team.NewWorkModuleID())
}

func TestWorkModuleRunningAssigneeInvariant(t *testing.T) {
	w := &WorkModule{
		ID:     "WM_1",
		Status: ModuleOngoing,
		AssigneeHistory: []AssigneeHistoryEntry{
			{AgentID: "a1", Outcome: OutcomeSuccess},
			{AgentID: "a2", Outcome: OutcomeRunning},
		},
	}
	entry, ok := w.RunningAssignee()
	require.True(t, ok)
	assert.Equal(t, "a2", entry.AgentID)
}

func TestWorkModuleCanTransitionToOngoing(t *testing.T) {
	for _, s := range []WorkModuleStatus{ModulePending, ModulePendingReview} {
		assert.True(t, (&WorkModule{Status: s}).CanTransitionToOngoing())
	}
	for _, s := range []WorkModuleStatus{ModuleOngoing, ModuleCompleted, ModuleDeprecated, ModuleInProgress} {
		assert.False(t, (&WorkModule{Status: s}).CanTransitionToOngoing())
	}
}

func TestTurnAllToolInteractionsSettled(t *testing.T) {
	turn := &Turn{ToolInteractions: []ToolInteraction{
		{ToolCallID: "c1", Status: ToolInteractionCompleted},
		{ToolCallID: "c2", Status: ToolInteractionError},
	}}
	assert.True(t, turn.AllToolInteractionsSettled())

	turn.ToolInteractions = append(turn.ToolInteractions, ToolInteraction{ToolCallID: "c3", Status: ToolInteractionRunning})
	assert.False(t, turn.AllToolInteractionsSettled())
}

func TestRunContextSubContextRegistry(t *testing.T) {
	run := NewRunContext(RunMeta{RunID: "r1"}, RunConfig{}, "proj1", &Runtime{})
	sc := NewSubContext(SubContextMeta{RunID: "r1", AgentID: "a1", AssignedRole: RolePrincipal}, run, run.Team)
	run.RegisterSubContext(sc)

	got, ok := run.SubContextByID("a1")
	require.True(t, ok)
	assert.Same(t, sc, got)

	byRole, ok := run.SubContextByRole(RolePrincipal)
	require.True(t, ok)
	assert.Same(t, sc, byRole)

	run.DeregisterSubContext("a1")
	_, ok = run.SubContextByID("a1")
	assert.False(t, ok)
}
