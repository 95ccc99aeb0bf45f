package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
)

func newTestRun() (*model.RunContext, *model.SubContext) {
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	principal := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "Principal", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(principal)
	return run, principal
}

func newHandoverService(t *testing.T) *handover.Service {
	t.Helper()
	svc := handover.New()
	svc.Register(&handover.Protocol{
		ProtocolName:    "principal_to_associate_briefing",
		TargetInboxItem: handover.TargetInboxItem{Source: "AGENT_STARTUP_BRIEFING"},
	})
	return svc
}

// stubTransport completes every call by immediately calling finish_flow,
// so an Associate run reaches the terminal action after a single turn.
type stubTransport struct{}

func (stubTransport) Complete(ctx context.Context, req agentloop.LLMRequest) (model.LLMResponse, error) {
	return model.LLMResponse{
		ToolCalls: []model.ToolCall{{ID: "call_1", Name: "finish_flow", Arguments: `{"summary":"done"}`}},
	}, nil
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	tm := turns.New()
	toolReg := tools.New(nil)
	require.NoError(t, toolReg.Register(&tools.Entry{
		Name:     "finish_flow",
		Kind:     tools.KindInternal,
		EndsFlow: true,
		Toolset:  "control",
		Implementation: func(ctx context.Context, params map[string]any) (any, error) {
			sub, ok := tools.CallingSubContext(ctx)
			if ok {
				sub.WithLock(func(st *model.SubContextState) {
					st.Deliverables["summary"] = params["summary"]
				})
			}
			return "ok", nil
		},
	}))

	associateProfile := &model.Profile{
		Name: "Associate_Worker",
		Type: model.ProfileTypeAssociate,
		ToolAccessPolicy: model.ToolAccessPolicy{
			AllowedToolsets: []string{"control"},
		},
		FlowDecider: []model.DeciderRule{
			{ID: "has_tool", Condition: "state.current_action != nil", Action: model.DeciderContinueWithTool},
			{ID: "otherwise", Condition: "true", Action: model.DeciderEndAgentTurn},
		},
	}

	return Deps{
		Handover:  newHandoverService(t),
		Turns:     tm,
		ToolReg:   toolReg,
		Ingestors: inbox.NewRegistry(),
		Transport: stubTransport{},
		Profiles: func(name string) (*model.Profile, bool) {
			if name == "Associate_Worker" {
				return associateProfile, true
			}
			return nil, false
		},
	}
}

func newPendingModule(team *model.TeamState, id string) {
	team.PutWorkModule(&model.WorkModule{ID: id, Name: id, Status: model.ModulePending})
}

func startDispatchTurn(tm *turns.Manager, principal *model.SubContext) {
	tm.StartNewTurn(principal, "stream_dispatch")
}

func TestDispatchRejectsDuplicateModuleID(t *testing.T) {
	deps := newTestDeps(t)
	svc := New(deps)
	run, principal := newTestRun()
	newPendingModule(run.Team, "WM_1")
	startDispatchTurn(deps.Turns, principal)

	params := map[string]any{"assignments": []any{
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Associate_Worker"},
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Associate_Worker"},
	}}

	svc.Dispatch(context.Background(), principal, "call_dispatch", params)

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	failures := content["failed_preparation_details"].([]map[string]any)
	assert.Len(t, failures, 1)
	assert.Contains(t, failures[0]["reason"].(string), "duplicate")
}

func TestDispatchRejectsIneligibleStatus(t *testing.T) {
	deps := newTestDeps(t)
	svc := New(deps)
	run, principal := newTestRun()
	run.Team.PutWorkModule(&model.WorkModule{ID: "WM_1", Status: model.ModuleCompleted})
	startDispatchTurn(deps.Turns, principal)

	params := map[string]any{"assignments": []any{
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Associate_Worker"},
	}}
	svc.Dispatch(context.Background(), principal, "call_dispatch", params)

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	assert.Equal(t, "TOTAL_FAILURE_ALL_PREP_FAILED", content["status"])
}

func TestDispatchRejectsUnknownProfile(t *testing.T) {
	deps := newTestDeps(t)
	svc := New(deps)
	run, principal := newTestRun()
	newPendingModule(run.Team, "WM_1")
	startDispatchTurn(deps.Turns, principal)

	params := map[string]any{"assignments": []any{
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Nonexistent"},
	}}
	svc.Dispatch(context.Background(), principal, "call_dispatch", params)

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	failures := content["failed_preparation_details"].([]map[string]any)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0]["reason"].(string), "not found")
}

func TestDispatchSuccessfulSingleAssignment(t *testing.T) {
	deps := newTestDeps(t)
	svc := New(deps)
	run, principal := newTestRun()
	newPendingModule(run.Team, "WM_1")
	startDispatchTurn(deps.Turns, principal)

	params := map[string]any{"assignments": []any{
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Associate_Worker"},
	}}
	svc.Dispatch(context.Background(), principal, "call_dispatch", params)

	module, ok := run.Team.WorkModule("WM_1")
	require.True(t, ok)
	assert.Equal(t, model.ModulePendingReview, module.Status)
	require.Len(t, module.AssigneeHistory, 1)
	assert.Equal(t, model.OutcomeSuccess, module.AssigneeHistory[0].Outcome)
	require.Len(t, module.ContextArchive, 1)
	assert.Equal(t, "done", module.ContextArchive[0].Deliverables["summary"])

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	assert.Equal(t, "SUCCESS", content["status"])

	var lastTurnID string
	principal.ReadLocked(func(st model.SubContextState) { lastTurnID = st.LastTurnID })
	assert.NotEmpty(t, lastTurnID)

	_, stillRegistered := run.SubContextByID("Assoc_Worker_1")
	assert.False(t, stillRegistered)
}

func TestDispatchPartialSuccessWithPrepFailure(t *testing.T) {
	deps := newTestDeps(t)
	run, principal := newTestRun()
	newPendingModule(run.Team, "WM_1")
	newPendingModule(run.Team, "WM_2")
	startDispatchTurn(deps.Turns, principal)

	// WM_2 resolves to an unknown profile: a prep failure alongside WM_1's
	// successful launch produces PARTIAL_SUCCESS_SOME_PREP_FAILED.
	svc := New(deps)
	params := map[string]any{"assignments": []any{
		map[string]any{"module_id_to_assign": "WM_1", "agent_profile_logical_name": "Associate_Worker"},
		map[string]any{"module_id_to_assign": "WM_2", "agent_profile_logical_name": "Missing_Profile"},
	}}
	svc.Dispatch(context.Background(), principal, "call_dispatch", params)

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	assert.Equal(t, "PARTIAL_SUCCESS_SOME_PREP_FAILED", content["status"])

	results := content["assignment_execution_results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, "success", results[0]["execution_status"])

	failures := content["failed_preparation_details"].([]map[string]any)
	require.Len(t, failures, 1)
}

func TestDispatchNoAssignmentsRequested(t *testing.T) {
	deps := newTestDeps(t)
	svc := New(deps)
	_, principal := newTestRun()
	startDispatchTurn(deps.Turns, principal)

	svc.Dispatch(context.Background(), principal, "call_dispatch", map[string]any{"assignments": []any{}})

	var inboxItems []*model.InboxItem
	principal.ReadLocked(func(st model.SubContextState) { inboxItems = st.Inbox })
	require.Len(t, inboxItems, 1)
	content := inboxItems[0].Payload.(map[string]any)["content"].(map[string]any)
	assert.Equal(t, "NO_ASSIGNMENTS_REQUESTED", content["status"])

	var lastTurnID string
	principal.ReadLocked(func(st model.SubContextState) { lastTurnID = st.LastTurnID })
	assert.Empty(t, lastTurnID) // no aggregation turn created when nothing launched
}
