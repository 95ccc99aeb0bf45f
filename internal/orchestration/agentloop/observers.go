package agentloop

import (
	"fmt"
	"time"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/vmodel"
)

// processObservers runs the profile's pre_turn or post_turn observer rules
// (spec §4.1 prep.1 / post.6, §4.9). A rule's condition failing to evaluate
// never aborts the turn; it degrades to an OBSERVER_FAILURE inbox item.
func (l *Loop) processObservers(kind string) error {
	var rules []model.ObserverRule
	switch kind {
	case "pre_turn":
		rules = l.profile.PreTurnObservers
	case "post_turn":
		rules = l.profile.PostTurnObservers
	}
	if len(rules) == 0 {
		return nil
	}

	acc := vmodel.NewAccessor(vmodel.NewSubContextScope(l.sub))
	for _, rule := range rules {
		if err := l.runObserver(rule, acc); err != nil {
			l.log.Error("observer_execution_failed agent=%s observer=%s error=%v", l.sub.Meta.AgentID, rule.ID, err)
			l.sub.PushInboxItem(&model.InboxItem{
				ItemID: fmt.Sprintf("inbox_observer_fail_%s", randSuffix()),
				Source: model.SourceObserverFailure,
				Payload: map[string]any{
					"failed_observer_id": rule.ID,
					"error_message":      err.Error(),
				},
				ConsumptionPolicy: model.ConsumeOnRead,
				Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
			})
		}
	}
	return nil
}

func (l *Loop) runObserver(rule model.ObserverRule, acc *vmodel.Accessor) error {
	should := rule.Condition == "" || rule.Condition == "true" || rule.Condition == "True"
	if !should {
		var err error
		should, err = acc.Eval(rule.Condition)
		if err != nil {
			return err
		}
	}
	if !should {
		return nil
	}

	switch rule.Action {
	case model.ObserverAddToInbox:
		return l.runAddToInboxObserver(rule, acc)
	case model.ObserverUpdateState:
		return l.runUpdateStateObserver(rule)
	}
	return fmt.Errorf("observer %q: unknown action %q", rule.ID, rule.Action)
}

func (l *Loop) runAddToInboxObserver(rule model.ObserverRule, acc *vmodel.Accessor) error {
	if rule.InboxSource == "" {
		return fmt.Errorf("observer %q: add_to_inbox requires InboxSource", rule.ID)
	}

	payload := rule.InboxPayloadTemplate
	if tmplPath, ok := rule.InboxPayloadTemplate.(string); ok {
		if resolved, found := acc.Get(tmplPath); found {
			payload = resolved
		} else {
			payload = nil
		}
	}

	l.sub.PushInboxItem(&model.InboxItem{
		ItemID:            fmt.Sprintf("inbox_%s", randSuffix()),
		Source:            model.Source(rule.InboxSource),
		Payload:           payload,
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC(), TriggeringObserverID: rule.ID},
	})
	return nil
}

func (l *Loop) runUpdateStateObserver(rule model.ObserverRule) error {
	if rule.StateOps == nil {
		return nil
	}
	l.sub.WithLock(func(st *model.SubContextState) {
		for _, op := range rule.StateOps {
			switch op.Operation {
			case "set":
				setExtra(st, op.Path, op.Value)
			case "increment":
				cur, _ := extra(st, op.Path).(int)
				setExtra(st, op.Path, cur+1)
			}
		}
	})
	return nil
}

// setExtra/extra operate on state.Flags.Extra, the only writable
// free-form bag an observer's update_state action may target — profile
// authors name a leaf key there, not an arbitrary struct field path.
func setExtra(st *model.SubContextState, path string, value any) {
	if st.Flags.Extra == nil {
		st.Flags.Extra = make(map[string]any)
	}
	st.Flags.Extra[path] = value
}

func extra(st *model.SubContextState, path string) any {
	if st.Flags.Extra == nil {
		return nil
	}
	return st.Flags.Extra[path]
}
