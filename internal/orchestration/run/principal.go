package run

import (
	"context"
	"fmt"
	"time"

	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/model"
)

// PrincipalResult is what a Principal session concludes with: either
// final_state["final_result_package"] in the source, or the synthesized
// fallback the source builds when that key is absent.
type PrincipalResult struct {
	Status          string // COMPLETED | COMPLETED_WITH_ERROR | CANCELLED
	FinalSummary    string
	TerminatingTool string
	ErrorDetails    string
	Deliverables    map[string]any
}

// RunPrincipalSession runs one Principal session to termination (spec
// §4.8 "Principal flow"): records a principal_execution_sessions entry,
// borrows/releases the external-tool session, drives the agent loop, then
// performs the post-task callback (notify the Partner, clear
// is_principal_flow_running, emit view updates).
func (o *Orchestrator) RunPrincipalSession(ctx context.Context, principal *model.SubContext) PrincipalResult {
	run := principal.Refs.Run
	team := principal.Refs.Team

	team.SetPrincipalFlowRunning(true)

	var sessionID string
	principal.WithLock(func(st *model.SubContextState) {
		sessionID = fmt.Sprintf("principal_session_%d", len(st.PrincipalExecutionSessions)+1)
		st.PrincipalExecutionSessions = append(st.PrincipalExecutionSessions, model.PrincipalExecutionSession{
			SessionID: sessionID,
			StartedAt: time.Now().UTC(),
		})
	})

	session, sessErr := o.deps.Sessions.Acquire(ctx)
	if sessErr != nil {
		o.log.Warn("external_tool_session_acquire_failed agent=%s err=%v", principal.Meta.AgentID, sessErr)
	} else {
		principal.Runtime.ExternalToolSession = session
	}

	var result PrincipalResult
	profile, ok := o.deps.Profiles(principal.Meta.ProfileLogicalName)
	if !ok {
		result = PrincipalResult{Status: "COMPLETED_WITH_ERROR", ErrorDetails: fmt.Sprintf("principal profile %q not found", principal.Meta.ProfileLogicalName)}
	} else {
		result = o.drivePrincipal(ctx, profile, principal)
	}

	if sessErr == nil {
		o.deps.Sessions.Release(ctx, session)
		principal.Runtime.ExternalToolSession = nil
	}

	endTS := time.Now().UTC()
	principal.WithLock(func(st *model.SubContextState) {
		for i := len(st.PrincipalExecutionSessions) - 1; i >= 0; i-- {
			if st.PrincipalExecutionSessions[i].SessionID == sessionID {
				st.PrincipalExecutionSessions[i].EndedAt = endTS
				st.PrincipalExecutionSessions[i].TerminationReason = result.Status
				break
			}
		}
	})

	team.SetPrincipalFlowRunning(false)

	if partner, ok := run.SubContextByRole(model.RolePartner); ok {
		partner.PushInboxItem(&model.InboxItem{
			ItemID: fmt.Sprintf("inbox_%s", randSuffix()),
			Source: model.SourcePrincipalCompleted,
			Payload: map[string]any{
				"status":        result.Status,
				"summary":       result.FinalSummary,
				"deliverables":  result.Deliverables,
				"error_details": result.ErrorDetails,
			},
			ConsumptionPolicy: model.ConsumeOnRead,
			Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
		})
		select {
		case partner.Runtime.PrincipalCompletionWait <- struct{}{}:
		default:
		}
	}

	o.emitView(run, model.ViewFlow)
	o.emitView(run, model.ViewTimeline)

	o.log.Info("principal_session_completed agent=%s session=%s status=%s", principal.Meta.AgentID, sessionID, result.Status)
	return result
}

// drivePrincipal runs the Principal's self-looping agent turns until a
// terminal action, special-casing dispatch_submodules so it routes to the
// Dispatcher service directly rather than through a generic tool
// Implementation call — the Dispatcher owns its own turn-ledger/inbox
// bookkeeping end to end (spec §4.4), unlike an ordinary tool.
func (o *Orchestrator) drivePrincipal(ctx context.Context, profile *model.Profile, sub *model.SubContext) PrincipalResult {
	loop := agentloop.New(profile, sub, o.loopDeps())

	for i := 0; i < maxPrincipalTurns; i++ {
		select {
		case <-ctx.Done():
			o.deps.Turns.CancelCurrentTurn(sub.Refs.Team)
			return PrincipalResult{Status: "CANCELLED", ErrorDetails: ctx.Err().Error(), Deliverables: o.deliverablesOf(sub)}
		default:
		}

		next, err := loop.RunTurn(ctx)
		if err != nil {
			return PrincipalResult{Status: "COMPLETED_WITH_ERROR", ErrorDetails: err.Error(), Deliverables: o.deliverablesOf(sub)}
		}
		o.emitTurnCompleted(sub)
		switch next {
		case agentloop.ActionEndFlow, agentloop.ActionAwaitUserInput:
			return PrincipalResult{Status: "COMPLETED", Deliverables: o.deliverablesOf(sub)}
		case agentloop.ActionDefault:
			continue
		}

		entry, ok := o.deps.ToolReg.Get(string(next))
		if !ok {
			continue
		}

		if entry.Name == "dispatch_submodules" {
			if o.deps.Dispatcher == nil {
				o.log.Error("dispatch_submodules_called_without_dispatcher agent=%s", sub.Meta.AgentID)
				continue
			}
			if callID, params, ok := currentToolCallAndParams(sub); ok {
				o.deps.Dispatcher.Dispatch(ctx, sub, callID, params)
			}
			continue
		}

		o.executeToolCall(ctx, sub, entry)
		if entry.EndsFlow {
			return PrincipalResult{Status: "COMPLETED", TerminatingTool: entry.Name, Deliverables: o.deliverablesOf(sub)}
		}
	}
	return PrincipalResult{Status: "COMPLETED_WITH_ERROR", ErrorDetails: fmt.Sprintf("principal %s exceeded %d turns without ending its flow", sub.Meta.AgentID, maxPrincipalTurns)}
}

// launchPrincipalAsync starts a Principal session in its own detached,
// cancellable goroutine so the tool call that triggered it (launch_principal,
// called from the Partner's own turn) returns immediately rather than
// blocking the Partner for the Principal's entire lifetime.
func (o *Orchestrator) launchPrincipalAsync(principal *model.SubContext) {
	ctx, cancel := context.WithCancel(context.Background())
	runID := principal.Meta.RunID
	o.mu.Lock()
	o.principalCancel[runID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			if o.principalCancel[runID] != nil {
				delete(o.principalCancel, runID)
			}
			o.mu.Unlock()
		}()
		o.RunPrincipalSession(ctx, principal)
	}()
}

// cancelRunningPrincipal cancels runID's active Principal session, if any,
// returning whether one was found.
func (o *Orchestrator) cancelRunningPrincipal(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.principalCancel[runID]
	delete(o.principalCancel, runID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
