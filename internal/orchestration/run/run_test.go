package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/dispatcher"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
)

func newHandoverServiceForRun(t *testing.T) *handover.Service {
	t.Helper()
	svc := handover.New()
	svc.Register(&handover.Protocol{
		ProtocolName:    "partner_to_principal_initial_briefing",
		TargetInboxItem: handover.TargetInboxItem{Source: "AGENT_STARTUP_BRIEFING"},
	})
	return svc
}

// scriptedTransport completes each call in order, looping the last entry
// forever once exhausted.
type scriptedTransport struct {
	calls []model.LLMResponse
	n     int
}

func (s *scriptedTransport) Complete(ctx context.Context, req agentloop.LLMRequest) (model.LLMResponse, error) {
	i := s.n
	if i >= len(s.calls) {
		i = len(s.calls) - 1
	}
	s.n++
	return s.calls[i], nil
}

func awaitUserInputResponse() model.LLMResponse {
	return model.LLMResponse{}
}

func newTestOrchestrator(t *testing.T, transport agentloop.Transport, profiles ProfileLookup) (*Orchestrator, Deps) {
	t.Helper()
	tm := turns.New()
	toolReg := tools.New(nil)
	deps := Deps{
		Handover:  newHandoverServiceForRun(t),
		Turns:     tm,
		ToolReg:   toolReg,
		Ingestors: inbox.NewRegistry(),
		Knowledge: knowledge.New("r1"),
		Transport: transport,
		Profiles:  profiles,
	}
	return New(deps), deps
}

func partnerProfile() *model.Profile {
	return &model.Profile{
		Name: "Partner",
		Type: model.ProfileTypePartner,
		FlowDecider: []model.DeciderRule{
			{ID: "await", Condition: "true", Action: model.DeciderAwaitUserInput},
		},
	}
}

func principalProfile() *model.Profile {
	return &model.Profile{
		Name: "Principal",
		Type: model.ProfileTypePrincipal,
		ToolAccessPolicy: model.ToolAccessPolicy{
			AllowedToolsets: []string{"control"},
		},
		FlowDecider: []model.DeciderRule{
			{ID: "has_tool", Condition: "state.current_action != nil", Action: model.DeciderContinueWithTool},
			{ID: "otherwise", Condition: "true", Action: model.DeciderEndAgentTurn},
		},
	}
}

func lookup(profiles ...*model.Profile) ProfileLookup {
	return func(name string) (*model.Profile, bool) {
		for _, p := range profiles {
			if p.Name == name {
				return p, true
			}
		}
		return nil, false
	}
}

func TestCreateRunPartnerInteraction(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedTransport{}, lookup(partnerProfile()))
	cfg := model.RunConfig{Profiles: model.ProfileCatalog{Profiles: map[string]model.Profile{
		"Associate_Worker": {Name: "Associate_Worker", AvailableForStaffing: true},
		"Hidden_Profile":    {Name: "Hidden_Profile", AvailableForStaffing: false},
	}}}
	run, partner := o.CreateRun("r1", model.RunTypePartnerInteraction, cfg, "proj", &model.Runtime{}, "what's up", CreateRunOptions{
		PartnerProfileLogicalName: "Partner",
	})

	require.NotNil(t, run)
	assert.Equal(t, model.RolePartner, partner.Meta.AssignedRole)
	assert.Equal(t, "what's up", run.Team.Question)

	var available []string
	partner.ReadLocked(func(st model.SubContextState) {
		available = st.InitialParameters["available_for_staffing_profiles"].([]string)
	})
	assert.Equal(t, []string{"Associate_Worker"}, available)

	got, ok := run.SubContextByRole(model.RolePartner)
	require.True(t, ok)
	assert.Same(t, partner, got)
}

func TestCreateRunPrincipalDirect(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedTransport{}, lookup(principalProfile()))
	cfg := model.RunConfig{}
	run, principal := o.CreateRun("r2", model.RunTypePrincipalDirect, cfg, "proj", &model.Runtime{}, "direct task", CreateRunOptions{
		PrincipalProfileLogicalName: "Principal",
		PrincipalAssociateProfiles:  []string{"Associate_Worker"},
	})

	require.NotNil(t, run)
	assert.Equal(t, model.RolePrincipal, principal.Meta.AssignedRole)
	_, partnerRegistered := run.SubContextByRole(model.RolePartner)
	assert.False(t, partnerRegistered)

	var assoc []string
	principal.ReadLocked(func(st model.SubContextState) {
		assoc = st.InitialParameters["assigned_associate_profiles"].([]string)
	})
	assert.Equal(t, []string{"Associate_Worker"}, assoc)
}

func TestRunPartnerPassReachesAwaitUserInput(t *testing.T) {
	o, deps := newTestOrchestrator(t, &scriptedTransport{calls: []model.LLMResponse{awaitUserInputResponse()}}, lookup(partnerProfile()))
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	partner := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "Partner", ProfileLogicalName: "Partner", AssignedRole: model.RolePartner}, run, run.Team)
	run.RegisterSubContext(partner)
	deps.Turns.StartNewTurn(partner, "stream_1")

	o.runPartnerPass(context.Background(), partner)

	var waiting bool
	partner.ReadLocked(func(st model.SubContextState) { waiting = st.CurrentAction == nil })
	assert.True(t, waiting)
}

func TestRunPrincipalSessionCompletes(t *testing.T) {
	transport := &scriptedTransport{calls: []model.LLMResponse{
		{ToolCalls: []model.ToolCall{{ID: "call_1", Name: "finish_flow", Arguments: `{"summary":"done"}`}}},
	}}
	o, deps := newTestOrchestrator(t, transport, lookup(principalProfile()))
	require.NoError(t, deps.ToolReg.Register(&tools.Entry{
		Name:     "finish_flow",
		Kind:     tools.KindInternal,
		EndsFlow: true,
		Toolset:  "control",
		Implementation: func(ctx context.Context, params map[string]any) (any, error) {
			sub, ok := tools.CallingSubContext(ctx)
			if ok {
				sub.WithLock(func(st *model.SubContextState) { st.Deliverables["summary"] = params["summary"] })
			}
			return "ok", nil
		},
	}))

	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	principal := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "Principal", ProfileLogicalName: "Principal", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(principal)
	deps.Turns.StartNewTurn(principal, "stream_1")

	result := o.RunPrincipalSession(context.Background(), principal)

	assert.Equal(t, "COMPLETED", result.Status)
	assert.Equal(t, "finish_flow", result.TerminatingTool)
	assert.Equal(t, "done", result.Deliverables["summary"])
	assert.False(t, run.Team.PrincipalFlowRunning())

	var sessions []model.PrincipalExecutionSession
	principal.ReadLocked(func(st model.SubContextState) { sessions = st.PrincipalExecutionSessions })
	require.Len(t, sessions, 1)
	assert.Equal(t, "COMPLETED", sessions[0].TerminationReason)
	assert.False(t, sessions[0].EndedAt.IsZero())
}

func TestRunPrincipalSessionUnknownProfile(t *testing.T) {
	o, deps := newTestOrchestrator(t, &scriptedTransport{}, lookup())
	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	principal := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "Principal", ProfileLogicalName: "Ghost", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(principal)
	deps.Turns.StartNewTurn(principal, "stream_1")

	result := o.RunPrincipalSession(context.Background(), principal)
	assert.Equal(t, "COMPLETED_WITH_ERROR", result.Status)
	assert.Contains(t, result.ErrorDetails, "not found")
}

func TestDrivePrincipalRoutesDispatchSubmodulesToDispatcher(t *testing.T) {
	transport := &scriptedTransport{calls: []model.LLMResponse{
		{ToolCalls: []model.ToolCall{{ID: "call_1", Name: "dispatch_submodules", Arguments: `{"assignments":[]}`}}},
		{ToolCalls: []model.ToolCall{{ID: "call_2", Name: "finish_flow", Arguments: `{"summary":"ok"}`}}},
	}}
	o, deps := newTestOrchestrator(t, transport, lookup(principalProfile()))
	require.NoError(t, deps.ToolReg.Register(&tools.Entry{
		Name: "dispatch_submodules", Kind: tools.KindInternal, Toolset: "control",
	}))
	require.NoError(t, deps.ToolReg.Register(&tools.Entry{
		Name: "finish_flow", Kind: tools.KindInternal, EndsFlow: true, Toolset: "control",
		Implementation: func(ctx context.Context, params map[string]any) (any, error) { return "ok", nil },
	}))

	dispatchSvc := dispatcher.New(dispatcher.Deps{
		Handover:  deps.Handover,
		Turns:     deps.Turns,
		ToolReg:   deps.ToolReg,
		Ingestors: deps.Ingestors,
		Transport: transport,
		Profiles:  func(string) (*model.Profile, bool) { return nil, false },
	})
	deps.Dispatcher = dispatchSvc
	o = New(deps)

	run := model.NewRunContext(model.RunMeta{RunID: "r1"}, model.RunConfig{}, "proj", &model.Runtime{})
	principal := model.NewSubContext(model.SubContextMeta{RunID: "r1", AgentID: "Principal", ProfileLogicalName: "Principal", AssignedRole: model.RolePrincipal}, run, run.Team)
	run.RegisterSubContext(principal)
	deps.Turns.StartNewTurn(principal, "stream_1")

	result := o.RunPrincipalSession(context.Background(), principal)
	assert.Equal(t, "COMPLETED", result.Status)

	var inboxSources []model.Source
	principal.ReadLocked(func(st model.SubContextState) {
		for _, item := range st.Inbox {
			inboxSources = append(inboxSources, item.Source)
		}
	})
	assert.Contains(t, inboxSources, model.SourceToolResult)
}
