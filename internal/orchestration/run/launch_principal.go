package run

import (
	"context"
	"fmt"
	"time"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/vmodel"
)

// LaunchPrincipalName is the tool name profiles register this
// Implementation under (spec §4.8 "Launch-Principal tool").
const LaunchPrincipalName = "launch_principal"

// LaunchPrincipal implements the launch_principal tool's three modes. It
// is a tools.Func: register it on the Tool Registry with
// Implementation: orchestrator.LaunchPrincipal so the calling Partner's
// SubContext is available via tools.CallingSubContext.
func (o *Orchestrator) LaunchPrincipal(ctx context.Context, params map[string]any) (any, error) {
	partner, ok := tools.CallingSubContext(ctx)
	if !ok {
		return nil, fmt.Errorf("launch_principal: no calling sub-context in context")
	}

	forceTerminate, _ := params["force_terminate_and_relaunch"].(bool)
	mode, _ := params["mode"].(string)

	switch {
	case forceTerminate:
		return o.forceTerminateAndRelaunch(partner, params)
	case mode == "continue_from_previous":
		return o.continueFromPrevious(partner, params)
	default:
		return o.startFreshPrincipal(partner, params, "")
	}
}

// startFreshPrincipal implements spec §4.8's start_fresh mode: build the
// new Principal's briefing via the Handover Service's
// partner_to_principal_initial_briefing protocol, register the
// SubContext, and launch its session in the background. attachToTurnID,
// when non-empty, is the restart_delimiter_turn the force-terminate path
// injects as this Principal's first parent turn.
func (o *Orchestrator) startFreshPrincipal(partner *model.SubContext, params map[string]any, attachToTurnID string) (any, error) {
	run := partner.Refs.Run
	team := partner.Refs.Team

	if team.PrincipalFlowRunning() {
		return map[string]any{"status": "error", "message": "a Principal is already running for this run"}, nil
	}

	profileName, _ := params["principal_profile_logical_name"].(string)
	if profileName == "" {
		profileName = "Principal"
	}
	profile, ok := o.deps.Profiles(profileName)
	if !ok {
		return map[string]any{"status": "error", "message": fmt.Sprintf("principal profile %q not found", profileName)}, nil
	}

	scope := vmodel.NewSubContextScope(partner)
	briefing, err := o.deps.Handover.Execute("partner_to_principal_initial_briefing", scope, params)
	if err != nil {
		return nil, fmt.Errorf("launch_principal: build initial briefing: %w", err)
	}

	principal := model.NewSubContext(model.SubContextMeta{
		RunID:              partner.Meta.RunID,
		AgentID:            "Principal",
		ParentAgentID:      partner.Meta.AgentID,
		ProfileLogicalName: profile.Name,
		AssignedRole:       model.RolePrincipal,
	}, run, team)
	if attachToTurnID != "" {
		principal.WithLock(func(st *model.SubContextState) { st.LastTurnID = attachToTurnID })
	}
	principal.PushInboxItem(&model.InboxItem{
		ItemID:            fmt.Sprintf("inbox_%s", randSuffix()),
		Source:            model.Source(briefing.Source),
		Payload:           map[string]any{"data": briefing.Data, "schema_for_rendering": briefing.SchemaForRendering},
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})
	run.RegisterSubContext(principal)

	partner.WithLock(func(st *model.SubContextState) {
		st.PrincipalLaunchConfigHistory = append(st.PrincipalLaunchConfigHistory, model.PrincipalLaunchConfig{
			Mode:                      "start_fresh",
			ForceTerminateAndRelaunch: attachToTurnID != "",
			Timestamp:                 time.Now().UTC(),
		})
	})

	o.launchPrincipalAsync(principal)
	return map[string]any{"status": "launched", "agent_id": principal.Meta.AgentID}, nil
}

// continueFromPrevious implements spec §4.8's continue_from_previous mode:
// archive the existing Principal's message history, reset its transient
// per-session fields, optionally inject a PARTNER_DIRECTIVE, then resume
// its session in the background.
func (o *Orchestrator) continueFromPrevious(partner *model.SubContext, params map[string]any) (any, error) {
	run := partner.Refs.Run
	team := partner.Refs.Team

	if team.PrincipalFlowRunning() {
		return map[string]any{"status": "error", "message": "a Principal is already running for this run"}, nil
	}

	principal, ok := run.SubContextByRole(model.RolePrincipal)
	if !ok {
		return map[string]any{"status": "error", "message": "no existing Principal to continue"}, nil
	}

	var iteration int
	principal.WithLock(func(st *model.SubContextState) {
		st.ArchivedMessagesHistory = append(st.ArchivedMessagesHistory, append([]model.Message(nil), st.Messages...))
		st.Messages = nil
		st.ConsecutiveEmptyLLMResponses = 0
		st.CurrentAction = nil
		iteration = len(st.ArchivedMessagesHistory)
	})

	if directive, ok := params["partner_directive"].(string); ok && directive != "" {
		principal.PushInboxItem(&model.InboxItem{
			ItemID:            fmt.Sprintf("inbox_%s", randSuffix()),
			Source:            model.SourcePartnerDirective,
			Payload:           map[string]any{"content": directive},
			ConsumptionPolicy: model.ConsumeOnRead,
			Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
		})
	}

	partner.WithLock(func(st *model.SubContextState) {
		st.PrincipalLaunchConfigHistory = append(st.PrincipalLaunchConfigHistory, model.PrincipalLaunchConfig{
			Mode:      "continue_from_previous",
			Timestamp: time.Now().UTC(),
		})
	})

	o.launchPrincipalAsync(principal)
	return map[string]any{"status": "launched", "agent_id": principal.Meta.AgentID, "iteration": iteration}, nil
}

// forceTerminateAndRelaunch implements spec §4.8's
// force_terminate_and_relaunch mode: cancel the running Principal's
// session, mark its running turns interrupted (not merely cancelled —
// a distinct status so the UI can tell a forced restart apart from a
// clean cancellation), archive its messages, inject a
// restart_delimiter_turn inheriting the old flow_id, then start a fresh
// Principal whose first turn attaches to that delimiter.
func (o *Orchestrator) forceTerminateAndRelaunch(partner *model.SubContext, params map[string]any) (any, error) {
	run := partner.Refs.Run
	team := partner.Refs.Team

	var oldFlowID, sourceTurnID string
	if existing, ok := run.SubContextByRole(model.RolePrincipal); ok {
		o.cancelRunningPrincipal(partner.Meta.RunID)
		o.deps.Turns.InterruptRunningTurns(team, existing.Meta.AgentID)

		existing.WithLock(func(st *model.SubContextState) {
			sourceTurnID = st.CurrentTurnID
			if sourceTurnID == "" {
				sourceTurnID = st.LastTurnID
			}
			st.ArchivedMessagesHistory = append(st.ArchivedMessagesHistory, append([]model.Message(nil), st.Messages...))
			st.Messages = nil
		})
		if sourceTurnID != "" {
			if turn, ok := team.TurnByID(sourceTurnID); ok {
				oldFlowID = turn.FlowID
			}
		}
		run.DeregisterSubContext(existing.Meta.AgentID)
		team.SetPrincipalFlowRunning(false)
	}

	delimiterTurnID := ""
	if sourceTurnID != "" {
		delimiterTurnID = o.deps.Turns.CreateRestartDelimiterTurn(team, partner.Meta.RunID, oldFlowID, sourceTurnID)
	}

	return o.startFreshPrincipal(partner, params, delimiterTurnID)
}
