package run

import (
	"context"

	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/model"
)

// RunPartnerFlow loops forever, waking on either a new-user-input signal
// or a principal-completion signal, running one agent-loop pass per wakeup
// (spec §4.8 "Partner flow"). It returns when ctx is cancelled.
func (o *Orchestrator) RunPartnerFlow(ctx context.Context, partner *model.SubContext) {
	for {
		select {
		case <-ctx.Done():
			o.deps.Turns.CancelCurrentTurn(partner.Refs.Team)
			return
		case <-partner.Runtime.NewUserInput:
		case <-partner.Runtime.PrincipalCompletionWait:
		}
		o.runPartnerPass(ctx, partner)
	}
}

// runPartnerPass drives the Partner's own self-looping agent turns until a
// terminal action (end_flow or await_user_input) is reached, executing any
// tool call chosen along the way. This is "one partner_flow.run_async
// pass" in the source: the pass itself may cover several turns before the
// decider routes to await_user_input, which is the Partner's normal way of
// yielding back to its outer wait loop.
func (o *Orchestrator) runPartnerPass(ctx context.Context, partner *model.SubContext) {
	profile, ok := o.deps.Profiles(partner.Meta.ProfileLogicalName)
	if !ok {
		o.log.Error("partner_profile_not_found profile=%s", partner.Meta.ProfileLogicalName)
		return
	}

	loop := agentloop.New(profile, partner, o.loopDeps())
	for i := 0; i < maxPartnerPassTurns; i++ {
		next, err := loop.RunTurn(ctx)
		if err != nil {
			o.log.Error("partner_turn_error agent=%s err=%v", partner.Meta.AgentID, err)
			return
		}
		o.emitTurnCompleted(partner)
		switch next {
		case agentloop.ActionEndFlow, agentloop.ActionAwaitUserInput:
			return
		case agentloop.ActionDefault:
			continue
		}

		entry, ok := o.deps.ToolReg.Get(string(next))
		if !ok {
			continue // the agent loop already injected an "unregistered tool" error
		}
		if entry.Name == "dispatch_submodules" {
			// Only a Principal dispatches work modules; a Partner profile
			// declaring this tool is a configuration error, not ours to fix here.
			o.log.Error("partner_attempted_dispatch_submodules agent=%s", partner.Meta.AgentID)
			continue
		}

		o.executeToolCall(ctx, partner, entry)
		if entry.EndsFlow {
			return
		}
	}
	o.log.Warn("partner_pass_exceeded_turns agent=%s", partner.Meta.AgentID)
}
