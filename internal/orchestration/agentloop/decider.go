package agentloop

import (
	"fmt"
	"time"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/vmodel"
)

// decideNextAction implements spec §4.1's flow decider: evaluate the
// profile's ordered rules top-down, first match wins. No match defaults to
// looping ("default").
func (l *Loop) decideNextAction() NextAction {
	if len(l.profile.FlowDecider) == 0 {
		return l.fallbackNextAction()
	}

	acc := vmodel.NewAccessor(vmodel.NewSubContextScope(l.sub))
	for _, rule := range l.profile.FlowDecider {
		matched, err := acc.Eval(rule.Condition)
		if err != nil {
			l.log.Error("flow_decider_condition_error agent=%s rule=%s error=%v", l.sub.Meta.AgentID, rule.ID, err)
			continue
		}
		if !matched {
			continue
		}

		switch rule.Action {
		case model.DeciderContinueWithTool:
			var toolName string
			l.sub.ReadLocked(func(st model.SubContextState) {
				if st.CurrentAction != nil {
					toolName = st.CurrentAction.Name
				}
			})
			if toolName != "" {
				return NextAction(toolName)
			}
			return ActionDefault

		case model.DeciderEndAgentTurn:
			return ActionEndFlow

		case model.DeciderLoopWithInboxItem:
			l.sub.PushInboxItem(&model.InboxItem{
				ItemID:            fmt.Sprintf("inbox_%s_%s", rule.ID, randSuffix()),
				Source:            model.SourceSelfReflectionPrompt,
				Payload:           rule.InboxPayload,
				ConsumptionPolicy: model.ConsumeOnRead,
				Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC(), TriggeringObserverID: rule.ID},
			})
			return ActionDefault

		case model.DeciderAwaitUserInput:
			l.sub.WithLock(func(st *model.SubContextState) { st.IsWaitingForUserInput = true })
			return ActionAwaitUserInput
		}
	}

	l.log.Warn("flow_decider_no_rule_matched agent=%s", l.sub.Meta.AgentID)
	return ActionDefault
}

// fallbackNextAction is used only when a profile declares no flow_decider
// at all: continue with the chosen tool, else loop.
func (l *Loop) fallbackNextAction() NextAction {
	var toolName string
	l.sub.ReadLocked(func(st model.SubContextState) {
		if st.CurrentAction != nil {
			toolName = st.CurrentAction.Name
		}
	})
	if toolName != "" {
		return NextAction(toolName)
	}
	return ActionDefault
}
