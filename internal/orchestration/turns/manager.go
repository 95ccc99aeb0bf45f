// Package turns implements the Turn Ledger (C2): the single service that
// owns every mutation of a TeamState's append-only turn list. No other
// package writes model.Turn fields directly — agent code, the Dispatcher
// and tool nodes all go through a turns.Manager, matching spec §4.3's "all
// mutations go through a single turn manager service, not by direct
// dictionary writes in agent code."
//
// Grounded on original_source/.../framework/turn_manager.py, translated
// method-for-method onto model.Turn/model.TeamState; the teacher's own
// internal/domain/workflow.Node informs the slog-based logging idiom used
// throughout (component logger, structured key/value pairs).
package turns

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
)

// Manager is the concrete model.TurnManager implementation.
type Manager struct {
	log logging.Logger
}

// New constructs a Manager with a component-scoped logger.
func New() *Manager {
	return &Manager{log: logging.NewComponentLogger("turns")}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// AddTurn appends a pre-constructed Turn (satisfies model.TurnManager).
func (m *Manager) AddTurn(team *model.TeamState, turn *model.Turn) {
	team.AppendTurn(turn)
	m.log.Debug("turn added id=%s type=%s", turn.TurnID, turn.TurnType)
}

// StartNewTurn allocates a new agent_turn parented on the sub-context's
// baton, derives its flow_id (inherit from the parent turn, else mint a
// new root), and records the initial streaming attempt.
func (m *Manager) StartNewTurn(sub *model.SubContext, streamID string) string {
	var agentID, runID string
	var lastTurnID string
	sub.WithLock(func(st *model.SubContextState) {
		lastTurnID = st.LastTurnID
	})
	agentID = sub.Meta.AgentID
	runID = sub.Meta.RunID

	turnID := fmt.Sprintf("turn_%s_%s", agentID, randomHex(4))

	var sourceTurnIDs []string
	var flowID string
	if lastTurnID != "" {
		sourceTurnIDs = []string{lastTurnID}
		if parent, ok := sub.Refs.Team.TurnByID(lastTurnID); ok {
			flowID = parent.FlowID
		}
	}
	if flowID == "" {
		flowID = "flow_root_" + randomHex(4)
		m.log.Warn("flow_id_created_new_root agent=%s flow=%s", agentID, flowID)
	}

	turn := &model.Turn{
		TurnID:        turnID,
		RunID:         runID,
		FlowID:        flowID,
		AgentInfo: model.AgentInfo{
			AgentID:            agentID,
			ProfileLogicalName: sub.Meta.ProfileLogicalName,
			ProfileInstanceID:  sub.Meta.ProfileInstanceID,
			AssignedRoleName:   sub.Meta.AssignedRole,
		},
		TurnType:      model.TurnAgent,
		Status:        model.TurnRunning,
		StartTime:     time.Now().UTC(),
		SourceTurnIDs: sourceTurnIDs,
		LLMInteraction: model.LLMInteraction{
			Status:   model.LLMInteractionRunning,
			Attempts: []model.LLMAttempt{{StreamID: streamID, Status: "pending"}},
		},
	}
	sub.Refs.Team.AppendTurn(turn)
	sub.WithLock(func(st *model.SubContextState) { st.CurrentTurnID = turnID })
	m.log.Debug("new_turn_started agent=%s turn=%s", agentID, turnID)
	return turnID
}

// EnrichTurnInputs populates the inputs section with the processed-inbox
// audit trail and the system-prompt construction log, and derives
// source_tool_call_id from the first TOOL_RESULT item in that trail.
func (m *Manager) EnrichTurnInputs(team *model.TeamState, turnID string, processingLog []model.ProcessedInboxItemLog, promptLog []model.SystemPromptSegmentLog, predictedTotalTokens int) {
	turn, ok := team.TurnByID(turnID)
	if !ok {
		m.log.Error("turn_not_found_for_enrichment turn=%s", turnID)
		return
	}
	turn.WithLock(func(t *model.Turn) {
		t.Inputs.ProcessedInboxItems = processingLog
		t.Inputs.SystemPromptLog = promptLog
		for _, item := range processingLog {
			if item.Source == model.SourceToolResult {
				// the tool_call_id travels in the rendered log entry's
				// ingestor params by convention; callers populate it there.
				t.SourceToolCallID = item.ItemID
				break
			}
		}
		t.LLMInteraction.PredictedUsage = model.TokenUsage{PromptTokens: predictedTotalTokens}
	})
}

// AddToolInteraction records a new running tool interaction on the
// sub-context's current turn.
func (m *Manager) AddToolInteraction(sub *model.SubContext, call model.ToolCall, params map[string]any) {
	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		m.log.Error("turn_not_found_for_tool_interaction turn=%s", turnID)
		return
	}
	turn.WithLock(func(t *model.Turn) {
		t.ToolInteractions = append(t.ToolInteractions, model.ToolInteraction{
			ToolCallID:  call.ID,
			ToolName:    call.Name,
			StartTime:   time.Now().UTC(),
			Status:      model.ToolInteractionRunning,
			InputParams: params,
		})
	})
	m.log.Debug("tool_interaction_added turn=%s tool=%s", turnID, call.Name)
}

// UpdateToolInteractionResult scans turns backward (most recent first) for
// a running interaction matching toolCallID and closes it. This is the
// method the Inbox Processor calls when it ingests a TOOL_RESULT item.
func (m *Manager) UpdateToolInteractionResult(team *model.TeamState, toolCallID string, payload any, isError bool) {
	turns := team.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		found := false
		turn.WithLock(func(t *model.Turn) {
			ti, ok := t.RunningToolInteraction(toolCallID)
			if !ok {
				return
			}
			found = true
			if isError {
				ti.Status = model.ToolInteractionError
				ti.ErrorDetails = fmt.Sprint(payload)
			} else {
				ti.Status = model.ToolInteractionCompleted
			}
			ti.EndTime = time.Now().UTC()
			ti.ResultPayload = payload
		})
		if found {
			m.log.Debug("tool_interaction_result_updated turn=%s tool_call=%s", turn.TurnID, toolCallID)
			return
		}
	}
}

// UpdateLLMInteractionEnd records the final LLM response on the
// sub-context's current turn and closes out the latest attempt.
func (m *Manager) UpdateLLMInteractionEnd(sub *model.SubContext, resp model.LLMResponse, callErr error) {
	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return
	}
	turn.WithLock(func(t *model.Turn) {
		t.LLMInteraction.Status = model.LLMInteractionCompleted
		t.LLMInteraction.ActualUsage = resp.ActualUsage
		respCopy := resp
		t.LLMInteraction.FinalResponse = &respCopy
		if n := len(t.LLMInteraction.Attempts); n > 0 {
			last := &t.LLMInteraction.Attempts[n-1]
			if last.Status == "pending" {
				if callErr != nil {
					last.Status = model.AttemptFailed
					last.Error = callErr.Error()
				} else {
					last.Status = model.AttemptSuccess
				}
			}
		}
	})
}

// FailCurrentTurn transitions the sub-context's current turn and its LLM
// interaction to error, if not already in that state.
func (m *Manager) FailCurrentTurn(sub *model.SubContext, errMessage string) {
	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return
	}
	turn.WithLock(func(t *model.Turn) {
		if t.Status == model.TurnError {
			return
		}
		t.Status = model.TurnError
		t.EndTime = time.Now().UTC()
		t.LLMInteraction.Status = model.LLMInteractionError
		if n := len(t.LLMInteraction.Attempts); n > 0 {
			t.LLMInteraction.Attempts[n-1].Status = model.AttemptFailed
			t.LLMInteraction.Attempts[n-1].Error = errMessage
		}
	})
	m.log.Error("turn_failed turn=%s error=%s", turnID, errMessage)
}

// CancelCurrentTurn finds the most recent running turn and marks it (and
// its LLM interaction, if running) cancelled.
func (m *Manager) CancelCurrentTurn(team *model.TeamState) {
	turns := team.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		cancelled := false
		turn.WithLock(func(t *model.Turn) {
			if t.Status != model.TurnRunning {
				return
			}
			t.Status = model.TurnCancelled
			t.EndTime = time.Now().UTC()
			if t.LLMInteraction.Status == model.LLMInteractionRunning {
				t.LLMInteraction.Status = model.LLMInteractionCancelled
			}
			cancelled = true
		})
		if cancelled {
			m.log.Info("turn_cancelled_by_manager turn=%s", turn.TurnID)
			return
		}
	}
}

// InterruptRunningTurns marks every running turn belonging to agentID as
// interrupted, used by the Run Orchestrator's Launch-Principal
// force_terminate_and_relaunch path (spec §4.8, scenario S4) where the old
// Principal's turns must all be closed out distinctly from a plain
// cancellation before the restart delimiter is injected.
func (m *Manager) InterruptRunningTurns(team *model.TeamState, agentID string) {
	for _, turn := range team.Turns() {
		turn.WithLock(func(t *model.Turn) {
			if t.Status != model.TurnRunning || t.AgentInfo.AgentID != agentID {
				return
			}
			t.Status = model.TurnInterrupted
			t.EndTime = time.Now().UTC()
			if t.LLMInteraction.Status == model.LLMInteractionRunning {
				t.LLMInteraction.Status = model.LLMInteractionCancelled
			}
			for i := range t.ToolInteractions {
				ti := &t.ToolInteractions[i]
				if ti.Status == model.ToolInteractionRunning {
					ti.Status = model.ToolInteractionInterrupted
					ti.EndTime = time.Now().UTC()
				}
			}
			m.log.Info("turn_interrupted agent=%s turn=%s", agentID, t.TurnID)
		})
	}
}

// FinalizeCurrentTurn transitions a still-running turn to completed and
// always passes the baton, regardless of outcome.
func (m *Manager) FinalizeCurrentTurn(sub *model.SubContext, nextAction string) {
	var turnID string
	sub.WithLock(func(st *model.SubContextState) { turnID = st.CurrentTurnID })
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return
	}
	turn.WithLock(func(t *model.Turn) {
		if t.Status == model.TurnRunning {
			t.Status = model.TurnCompleted
			t.EndTime = time.Now().UTC()
			if nextAction != "" {
				t.Outputs = model.TurnOutputs{NextAction: nextAction}
			}
		}
	})
	sub.WithLock(func(st *model.SubContextState) { st.LastTurnID = turnID })
	m.log.Debug("turn_baton_passed last_turn=%s", turnID)
}

// CreateRestartDelimiterTurn injects a completed restart_delimiter_turn
// inheriting oldFlowID, used by the Run Orchestrator's force-restart path
// (spec §4.8, scenario S4).
func (m *Manager) CreateRestartDelimiterTurn(team *model.TeamState, runID, oldFlowID, sourceTurnID string) string {
	id := "delimiter_" + randomHex(4)
	now := time.Now().UTC()
	turn := &model.Turn{
		TurnID:   id,
		RunID:    runID,
		FlowID:   oldFlowID,
		AgentInfo: model.AgentInfo{
			AgentID:            "System",
			ProfileLogicalName: "FlowControl",
			AssignedRoleName:   "system",
		},
		TurnType:      model.TurnRestartDelimiter,
		Status:        model.TurnCompleted,
		StartTime:     now,
		EndTime:       now,
		SourceTurnIDs: []string{sourceTurnID},
	}
	team.AppendTurn(turn)
	m.log.Info("restart_delimiter_turn_injected id=%s source=%s", id, sourceTurnID)
	return id
}

// CreateAggregationTurn injects a completed fan-in turn whose parents are
// the final turn of every completed sub-flow (spec §4.4 post phase).
func (m *Manager) CreateAggregationTurn(team *model.TeamState, runID string, dispatchTurn *model.Turn, subflowLastTurnIDs []string, dispatchToolCallID, summary string) string {
	id := "agg_" + dispatchToolCallID
	now := time.Now().UTC()
	turn := &model.Turn{
		TurnID:           id,
		RunID:            runID,
		FlowID:           dispatchTurn.FlowID,
		AgentInfo:        dispatchTurn.AgentInfo,
		TurnType:         model.TurnAggregation,
		Status:           model.TurnCompleted,
		StartTime:        now,
		EndTime:          now,
		SourceTurnIDs:    subflowLastTurnIDs,
		SourceToolCallID: dispatchToolCallID,
		Outputs:          model.TurnOutputs{NextAction: summary},
	}
	team.AppendTurn(turn)
	m.log.Info("aggregation_turn_created id=%s dispatch_call=%s parents=%d", id, dispatchToolCallID, len(subflowLastTurnIDs))
	return id
}

// CreateUserTurn records a user_turn linked to the sub-context's baton, so
// subsequent agent_turns chain correctly (spec §4.2 step 1).
func (m *Manager) CreateUserTurn(sub *model.SubContext, payload any) string {
	var lastTurnID string
	sub.WithLock(func(st *model.SubContextState) { lastTurnID = st.LastTurnID })
	id := "turn_user_" + randomHex(4)
	now := time.Now().UTC()
	var sourceTurnIDs []string
	flowID := "flow_root_" + randomHex(4)
	if lastTurnID != "" {
		sourceTurnIDs = []string{lastTurnID}
		if parent, ok := sub.Refs.Team.TurnByID(lastTurnID); ok {
			flowID = parent.FlowID
		}
	}
	turn := &model.Turn{
		TurnID:        id,
		RunID:         sub.Meta.RunID,
		FlowID:        flowID,
		AgentInfo:     model.AgentInfo{AgentID: sub.Meta.AgentID, AssignedRoleName: sub.Meta.AssignedRole},
		TurnType:      model.TurnUser,
		Status:        model.TurnCompleted,
		StartTime:     now,
		EndTime:       now,
		SourceTurnIDs: sourceTurnIDs,
		Outputs:       model.TurnOutputs{NextAction: fmt.Sprint(payload)},
	}
	sub.Refs.Team.AppendTurn(turn)
	sub.WithLock(func(st *model.SubContextState) { st.LastTurnID = id })
	return id
}
