// Package dispatcher implements the Dispatcher (C8): the Principal's
// dispatch_submodules tool. It validates a batch of work-module
// assignments, launches one fresh Associate SubContext per valid
// assignment, drives each Associate's agent loop to completion in
// parallel, and synthesizes a single aggregation turn plus a TOOL_RESULT
// inbox item summarizing the batch back to the Principal.
//
// Grounded on
// original_source/.../nodes/custom_nodes/dispatcher_node.py's
// DispatcherNode (AsyncParallelBatchNode prep_async/exec_async/
// post_async) and flow.py's run_associate_async, translated onto a plain
// Go type with an errgroup-bounded fan-out in the idiom of
// internal/agent/app/subagent.go's SubAgentOrchestrator.ExecuteParallel.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"alex/internal/logging"
	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
	"alex/internal/orchestration/vmodel"
)

// defaultMaxParallel bounds concurrent Associate launches when a caller
// leaves Deps.MaxParallel unset, mirroring SubAgentOrchestrator's
// maxWorkers cap rather than letting one dispatch call spawn unbounded
// goroutines.
const defaultMaxParallel = 8

// maxAssociateTurns safeguards an Associate flow against never reaching
// END_FLOW. Not present in the source (pocketflow's action routing simply
// trusts the flow decider); a Go port adds this bound since there is no
// supervising process to kill a runaway goroutine.
const maxAssociateTurns = 200

// ProfileLookup resolves an active Associate profile by its logical name
// (spec §4.4 prep.2, get_active_profile_by_name).
type ProfileLookup func(logicalName string) (*model.Profile, bool)

// Deps bundles the Dispatcher's collaborators.
type Deps struct {
	Handover    *handover.Service
	Turns       *turns.Manager
	ToolReg     *tools.Registry
	Ingestors   *inbox.Registry
	Knowledge   *knowledge.Store
	Transport   agentloop.Transport
	Profiles    ProfileLookup
	MaxParallel int
}

// PrepFailure is one assignment rejected before execution (duplicate
// module id, unknown module, wrong status, or unresolvable profile).
type PrepFailure struct {
	Input  map[string]any
	Reason string
}

// AssignmentResult is one executed assignment's outcome, reported back to
// the Principal in the aggregated tool result.
type AssignmentResult struct {
	ModuleID             string
	AssociateID          string
	ProfileLogicalName   string
	ExecutionStatus      string // "success" | "error"
	Deliverables         map[string]any
	ErrorDetails         string
	LastTurnID           string
	NewMessagesFromAssoc []model.Message
}

// assignmentPackage is one validated, ready-to-execute assignment (spec
// §4.4 prep.3).
type assignmentPackage struct {
	raw                map[string]any
	moduleID           string
	profile            *model.Profile
	profileLogicalName string
	assignedRoleName   string
	associateID        string
}

// Service implements the Dispatcher.
type Service struct {
	deps Deps
	log  logging.Logger
}

// New binds a Service to deps.
func New(deps Deps) *Service {
	if deps.MaxParallel <= 0 {
		deps.MaxParallel = defaultMaxParallel
	}
	return &Service{deps: deps, log: logging.NewComponentLogger("dispatcher")}
}

// Dispatch implements dispatch_submodules end to end: prepare, parallel
// execute, post. principal is the Principal's SubContext; toolCallID is
// the tool_call id of the dispatch_submodules invocation; params is the
// already-parsed tool-call arguments (the "assignments" array plus any
// handover-merged context parameters).
func (s *Service) Dispatch(ctx context.Context, principal *model.SubContext, toolCallID string, params map[string]any) {
	packages, prepFailures := s.prepare(principal, params)

	results := make([]AssignmentResult, len(packages))
	if len(packages) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.deps.MaxParallel)
		for i, pkg := range packages {
			i, pkg := i, pkg
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						results[i] = AssignmentResult{
							ModuleID:           pkg.moduleID,
							AssociateID:        pkg.associateID,
							ProfileLogicalName: pkg.profileLogicalName,
							ExecutionStatus:    "error",
							ErrorDetails:       fmt.Sprintf("dispatcher panic: %v", r),
						}
					}
				}()
				results[i] = s.execute(gctx, principal, toolCallID, pkg)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.post(principal, toolCallID, results, prepFailures)
}

// prepare implements spec §4.4's prepare phase.
func (s *Service) prepare(principal *model.SubContext, params map[string]any) ([]assignmentPackage, []PrepFailure) {
	team := principal.Refs.Team

	assignmentsRaw, _ := params["assignments"].([]any)
	seen := make(map[string]bool, len(assignmentsRaw))

	var packages []assignmentPackage
	var failures []PrepFailure

	for _, item := range assignmentsRaw {
		assignment, ok := item.(map[string]any)
		if !ok {
			failures = append(failures, PrepFailure{Reason: "assignment entry is not an object"})
			continue
		}

		moduleID, _ := assignment["module_id_to_assign"].(string)
		if moduleID != "" && seen[moduleID] {
			failures = append(failures, PrepFailure{
				Input:  assignment,
				Reason: fmt.Sprintf("duplicate assignment for module_id %q in a single call", moduleID),
			})
			continue
		}
		if moduleID != "" {
			seen[moduleID] = true
		}

		module, ok := team.WorkModule(moduleID)
		if !ok {
			failures = append(failures, PrepFailure{Input: assignment, Reason: fmt.Sprintf("Work Module ID %q not found.", moduleID)})
			continue
		}
		if !module.CanTransitionToOngoing() {
			failures = append(failures, PrepFailure{
				Input: assignment,
				Reason: fmt.Sprintf("Work Module %q has status %q, but must be 'pending' or 'pending_review' to be dispatched.",
					moduleID, module.Status),
			})
			continue
		}

		profileName, _ := assignment["agent_profile_logical_name"].(string)
		profile, ok := s.deps.Profiles(profileName)
		if !ok {
			failures = append(failures, PrepFailure{Input: assignment, Reason: fmt.Sprintf("Profile %q not found or inactive.", profileName)})
			continue
		}
		assignedRole, _ := assignment["assigned_role_name"].(string)

		packages = append(packages, assignmentPackage{
			raw:                assignment,
			moduleID:           moduleID,
			profile:            profile,
			profileLogicalName: profileName,
			assignedRoleName:   assignedRole,
			associateID:        newAssociateID(profileName, moduleID),
		})
	}

	return packages, failures
}

func newAssociateID(profileLogicalName, moduleID string) string {
	name := strings.TrimPrefix(profileLogicalName, "Associate_")
	if len(name) > 10 {
		name = name[:10]
	}
	return fmt.Sprintf("Assoc_%s_%s", name, strings.TrimPrefix(moduleID, "WM_"))
}

// execute implements spec §4.4's execute phase for one assignment.
func (s *Service) execute(ctx context.Context, principal *model.SubContext, toolCallID string, pkg assignmentPackage) AssignmentResult {
	team := principal.Refs.Team
	run := principal.Refs.Run
	startTS := time.Now().UTC()

	team.UpdateWorkModule(pkg.moduleID, func(m *model.WorkModule) {
		m.Status = model.ModuleOngoing
		m.AssigneeHistory = append(m.AssigneeHistory, model.AssigneeHistoryEntry{
			DispatchID: pkg.associateID,
			AgentID:    pkg.associateID,
			StartedAt:  startTS.UnixMilli(),
			Outcome:    model.OutcomeRunning,
		})
	})
	s.emitWorkModuleUpdated(run, pkg.moduleID, model.ModuleOngoing)

	team.AppendDispatchHistory(model.DispatchHistoryEntry{
		DispatchID:  pkg.associateID,
		ModuleID:    pkg.moduleID,
		AssociateID: pkg.associateID,
		Status:      model.DispatchLaunching,
		StartedAt:   startTS.UnixMilli(),
	})
	s.emitView(run, model.ViewKanban)

	briefing, err := s.buildBriefing(principal, pkg)
	if err != nil {
		return s.finishFailed(team, run, pkg, fmt.Sprintf("Failed to prepare context handover: %v", err))
	}

	var lastTurnID string
	principal.ReadLocked(func(st model.SubContextState) { lastTurnID = st.LastTurnID })

	assocSub := model.NewSubContext(model.SubContextMeta{
		RunID:              principal.Meta.RunID,
		AgentID:            pkg.associateID,
		ParentAgentID:      principal.Meta.AgentID,
		ProfileLogicalName: pkg.profileLogicalName,
		AssignedRole:       model.RoleAssociate,
	}, run, team)
	assocSub.WithLock(func(st *model.SubContextState) {
		st.LastTurnID = lastTurnID
		st.Flags.AllowedToolsets = pkg.profile.ToolAccessPolicy.AllowedToolsets
	})
	assocSub.PushInboxItem(&model.InboxItem{
		ItemID:            fmt.Sprintf("inbox_%s", randSuffix()),
		Source:            model.Source(briefing.Source),
		Payload:           map[string]any{"data": briefing.Data, "schema_for_rendering": briefing.SchemaForRendering},
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})

	run.RegisterSubContext(assocSub)
	defer run.DeregisterSubContext(pkg.associateID)

	team.UpdateDispatchHistory(pkg.associateID, func(e *model.DispatchHistoryEntry) {
		e.Status = model.DispatchLaunchStatus("RUNNING")
	})

	runErr := s.runToCompletion(ctx, pkg.profile, assocSub)

	var endState model.SubContextState
	assocSub.ReadLocked(func(st model.SubContextState) { endState = st })

	status := "success"
	errDetails := ""
	outcome := model.OutcomeSuccess
	trigger := model.ReviewTriggerAssociateCompleted
	reviewMsg := "Associate completed its work."
	if runErr != nil {
		status = "error"
		errDetails = runErr.Error()
		outcome = model.OutcomeError
		trigger = model.ReviewTriggerAssociateFailed
		reviewMsg = "Associate failed with an exception."
	}

	endTS := time.Now().UTC()
	team.UpdateWorkModule(pkg.moduleID, func(m *model.WorkModule) {
		for i := range m.AssigneeHistory {
			if m.AssigneeHistory[i].DispatchID == pkg.associateID && m.AssigneeHistory[i].Outcome == model.OutcomeRunning {
				m.AssigneeHistory[i].EndedAt = endTS.UnixMilli()
				m.AssigneeHistory[i].Outcome = outcome
			}
		}
		m.ContextArchive = append(m.ContextArchive, model.ContextArchive{
			DispatchID:   pkg.associateID,
			Messages:     append([]model.Message(nil), endState.Messages...),
			Deliverables: endState.Deliverables,
		})
		m.Status = model.ModulePendingReview
		m.ReviewInfo = &model.ReviewInfo{Trigger: trigger, Message: reviewMsg, ErrorDetails: errDetails}
	})
	s.emitWorkModuleUpdated(run, pkg.moduleID, model.ModulePendingReview)

	summary := ""
	if len(endState.Deliverables) > 0 {
		keys := make([]string, 0, len(endState.Deliverables))
		for k := range endState.Deliverables {
			keys = append(keys, k)
		}
		summary = "Deliverables: " + strings.Join(keys, ", ")
	}
	team.UpdateDispatchHistory(pkg.associateID, func(e *model.DispatchHistoryEntry) {
		if status == "success" {
			e.Status = model.DispatchCompleted
		} else {
			e.Status = model.DispatchFailed
		}
		e.EndedAt = endTS.UnixMilli()
		e.ErrorDetails = errDetails
		e.FinalSummary = summary
	})

	return AssignmentResult{
		ModuleID:             pkg.moduleID,
		AssociateID:          pkg.associateID,
		ProfileLogicalName:   pkg.profileLogicalName,
		ExecutionStatus:      status,
		Deliverables:         endState.Deliverables,
		ErrorDetails:         errDetails,
		LastTurnID:           endState.LastTurnID,
		NewMessagesFromAssoc: endState.Messages,
	}
}

// finishFailed records an assignment that launched but could not even
// build its briefing (spec §4.4 execute.3's HandoverService failure
// path) — this still counts as a launched-and-failed execution, not a
// prep failure, matching the source's exec_async error path.
func (s *Service) finishFailed(team *model.TeamState, run *model.RunContext, pkg assignmentPackage, reason string) AssignmentResult {
	endTS := time.Now().UTC()
	team.UpdateWorkModule(pkg.moduleID, func(m *model.WorkModule) {
		for i := range m.AssigneeHistory {
			if m.AssigneeHistory[i].DispatchID == pkg.associateID && m.AssigneeHistory[i].Outcome == model.OutcomeRunning {
				m.AssigneeHistory[i].EndedAt = endTS.UnixMilli()
				m.AssigneeHistory[i].Outcome = model.OutcomeError
			}
		}
		m.Status = model.ModulePendingReview
		m.ReviewInfo = &model.ReviewInfo{Trigger: model.ReviewTriggerAssociateFailed, Message: "Associate failed with an exception.", ErrorDetails: reason}
	})
	s.emitWorkModuleUpdated(run, pkg.moduleID, model.ModulePendingReview)
	team.UpdateDispatchHistory(pkg.associateID, func(e *model.DispatchHistoryEntry) {
		e.Status = model.DispatchFailed
		e.EndedAt = endTS.UnixMilli()
		e.ErrorDetails = reason
	})
	return AssignmentResult{
		ModuleID:           pkg.moduleID,
		AssociateID:        pkg.associateID,
		ProfileLogicalName: pkg.profileLogicalName,
		ExecutionStatus:    "error",
		ErrorDetails:       reason,
	}
}

// assignmentScope exposes one assignment's parameters at
// state.current_action.parameters against the Principal's own scope for
// everything else, reproducing the source's temporary "source_context"
// built fresh per assignment (spec §4.4 execute.3).
type assignmentScope struct {
	base   vmodel.Scope
	params map[string]any
}

func (s assignmentScope) Root(prefix vmodel.Prefix) (any, bool) {
	if prefix == vmodel.PrefixState {
		return map[string]any{"current_action": map[string]any{"parameters": s.params}}, true
	}
	return s.base.Root(prefix)
}

func (s *Service) buildBriefing(principal *model.SubContext, pkg assignmentPackage) (handover.Result, error) {
	scope := assignmentScope{base: vmodel.NewSubContextScope(principal), params: pkg.raw}
	return s.deps.Handover.Execute("principal_to_associate_briefing", scope, pkg.raw)
}

// runToCompletion drives one Associate's agent loop until it reaches a
// terminal action, executing any intervening real tool call itself
// before looping back (spec §4.8 "Associate flow: runs one session to
// termination"), since the Dispatcher is this flow's only caller.
func (s *Service) runToCompletion(ctx context.Context, profile *model.Profile, sub *model.SubContext) error {
	loop := agentloop.New(profile, sub, agentloop.Deps{
		Turns:     s.deps.Turns,
		Inbox:     inbox.NewProcessor(s.deps.Turns),
		Ingestors: s.deps.Ingestors,
		Knowledge: s.deps.Knowledge,
		ToolReg:   s.deps.ToolReg,
		Transport: s.deps.Transport,
	})

	for i := 0; i < maxAssociateTurns; i++ {
		next, err := loop.RunTurn(ctx)
		if err != nil {
			return err
		}
		s.emitTurnCompleted(sub)
		switch next {
		case agentloop.ActionEndFlow:
			return nil
		case agentloop.ActionAwaitUserInput:
			return fmt.Errorf("associate %s unexpectedly awaited user input", sub.Meta.AgentID)
		case agentloop.ActionDefault:
			continue
		}

		entry, ok := s.deps.ToolReg.Get(string(next))
		if !ok {
			continue // the agent loop already injected an "unregistered tool" error
		}
		s.executeToolCall(ctx, sub, entry)
		if entry.EndsFlow {
			return nil
		}
	}
	return fmt.Errorf("associate %s exceeded %d turns without ending its flow", sub.Meta.AgentID, maxAssociateTurns)
}

func (s *Service) executeToolCall(ctx context.Context, sub *model.SubContext, entry *tools.Entry) {
	var turnID, callID string
	sub.ReadLocked(func(st model.SubContextState) {
		turnID = st.CurrentTurnID
		if st.CurrentAction != nil {
			callID = st.CurrentAction.ID
		}
	})
	if callID == "" {
		return
	}
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return
	}
	var params map[string]any
	turn.WithLock(func(t *model.Turn) {
		if ti, found := t.ToolInteractionByCallID(callID); found {
			params = ti.InputParams
		}
	})

	if entry.Implementation == nil {
		s.pushToolResult(sub, entry.Name, callID, "tool has no implementation registered", true)
		return
	}
	result, err := entry.Implementation(tools.WithCallingSubContext(ctx, sub), params)
	if err != nil {
		s.pushToolResult(sub, entry.Name, callID, err.Error(), true)
		return
	}
	s.pushToolResult(sub, entry.Name, callID, result, false)
}

func (s *Service) pushToolResult(sub *model.SubContext, toolName, callID string, content any, isError bool) {
	sub.PushInboxItem(&model.InboxItem{
		ItemID: fmt.Sprintf("inbox_%s", randSuffix()),
		Source: model.SourceToolResult,
		Payload: map[string]any{
			"tool_name":    toolName,
			"tool_call_id": callID,
			"is_error":     isError,
			"content":      content,
		},
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})
}

// post implements spec §4.4's post phase.
func (s *Service) post(principal *model.SubContext, toolCallID string, results []AssignmentResult, prepFailures []PrepFailure) {
	team := principal.Refs.Team
	run := principal.Refs.Run

	numLaunched := len(results)
	numSuccess := 0
	for _, r := range results {
		if r.ExecutionStatus == "success" {
			numSuccess++
		}
	}
	numFailed := numLaunched - numSuccess
	numPrepFailed := len(prepFailures)
	requested := numLaunched + numPrepFailed

	status := overallStatus(requested, numLaunched, numSuccess, numPrepFailed)
	message := fmt.Sprintf(
		"Dispatch operation concluded for %d requested assignment(s). %d module(s) were dispatched. "+
			"Of those, %d completed successfully and are now 'pending_review'. %d failed and are also "+
			"'pending_review' for analysis. %d assignment(s) failed pre-check and were not dispatched.",
		requested, numLaunched, numSuccess, numFailed, numPrepFailed,
	)

	assignmentResults := make([]map[string]any, 0, len(results))
	for _, r := range results {
		assignmentResults = append(assignmentResults, map[string]any{
			"module_id":                   r.ModuleID,
			"associate_id":                r.AssociateID,
			"execution_status":            r.ExecutionStatus,
			"deliverables":                r.Deliverables,
			"error_details":               r.ErrorDetails,
			"new_messages_from_associate": r.NewMessagesFromAssoc,
		})
	}
	failureDetails := make([]map[string]any, 0, len(prepFailures))
	for _, f := range prepFailures {
		failureDetails = append(failureDetails, map[string]any{"input": f.Input, "reason": f.Reason})
	}

	content := map[string]any{
		"status":                       status,
		"message":                      message,
		"assignment_execution_results": assignmentResults,
		"failed_preparation_details":   failureDetails,
	}

	if numLaunched > 0 {
		var dispatchTurnID string
		principal.ReadLocked(func(st model.SubContextState) { dispatchTurnID = st.CurrentTurnID })
		if dispatchTurn, ok := team.TurnByID(dispatchTurnID); ok {
			subflowTurnIDs := make([]string, 0, len(results))
			for _, r := range results {
				if r.LastTurnID != "" {
					subflowTurnIDs = append(subflowTurnIDs, r.LastTurnID)
				}
			}
			aggTurnID := s.deps.Turns.CreateAggregationTurn(team, principal.Meta.RunID, dispatchTurn, subflowTurnIDs, toolCallID,
				fmt.Sprintf("%d/%d successful.", numSuccess, numLaunched))
			principal.WithLock(func(st *model.SubContextState) { st.LastTurnID = aggTurnID })
		} else {
			s.log.Error("dispatcher_aggregation_turn_failed dispatch_turn=%s reason=not_found", dispatchTurnID)
		}
	}

	principal.PushInboxItem(&model.InboxItem{
		ItemID: fmt.Sprintf("inbox_%s", randSuffix()),
		Source: model.SourceToolResult,
		Payload: map[string]any{
			"tool_name":    "dispatch_submodules",
			"tool_call_id": toolCallID,
			"is_error":     strings.HasPrefix(status, "TOTAL_FAILURE"),
			"content":      content,
		},
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})
	principal.WithLock(func(st *model.SubContextState) { st.CurrentAction = nil })

	s.emitView(run, model.ViewFlow)
	s.emitView(run, model.ViewTimeline)
	s.emitView(run, model.ViewKanban)

	s.log.Info("dispatch_completed status=%s launched=%d successful=%d prep_failed=%d", status, numLaunched, numSuccess, numPrepFailed)
}

// overallStatus computes spec §4.4 post.2's truth table over
// (requested, launched, successful, prep_failed).
func overallStatus(requested, launched, successful, prepFailed int) string {
	switch {
	case requested == 0:
		return "NO_ASSIGNMENTS_REQUESTED"
	case launched > 0:
		switch {
		case successful == launched:
			if prepFailed == 0 {
				return "SUCCESS"
			}
			return "PARTIAL_SUCCESS_SOME_PREP_FAILED"
		case successful > 0:
			if prepFailed == 0 {
				return "PARTIAL_SUCCESS_ASSOCIATES_SOME_FAILED"
			}
			return "PARTIAL_SUCCESS_MIXED_RESULTS"
		default:
			if prepFailed == 0 {
				return "TOTAL_FAILURE_ASSOCIATES_ALL_FAILED"
			}
			return "TOTAL_FAILURE_PREP_AND_ASSOC_FAILED"
		}
	case prepFailed > 0:
		return "TOTAL_FAILURE_ALL_PREP_FAILED"
	default:
		return "TOTAL_FAILURE"
	}
}

func (s *Service) emitWorkModuleUpdated(run *model.RunContext, moduleID string, status model.WorkModuleStatus) {
	if run == nil || run.Runtime == nil || run.Runtime.Events == nil {
		return
	}
	run.Runtime.Events.Emit(model.Event{
		Type:      model.EventWorkModuleUpdated,
		RunID:     run.Meta.RunID,
		Timestamp: time.Now().UTC(),
		Payload:   model.WorkModuleUpdatedPayload{ModuleID: moduleID, Status: status},
	})
}

func (s *Service) emitView(run *model.RunContext, view model.ViewName) {
	if run == nil || run.Runtime == nil || run.Runtime.Events == nil {
		return
	}
	run.Runtime.Events.Emit(model.Event{
		Type:      model.EventViewModelUpdate,
		RunID:     run.Meta.RunID,
		Timestamp: time.Now().UTC(),
		Payload:   model.ViewModelUpdatePayload{View: view},
	})
}

// emitTurnCompleted mirrors run.Orchestrator's own helper of the same name
// (spec §4.11: the persistence hook subscribes to turn_completed events
// regardless of which flow produced them).
func (s *Service) emitTurnCompleted(sub *model.SubContext) {
	run := sub.Refs.Run
	if run == nil || run.Runtime == nil || run.Runtime.Events == nil {
		return
	}
	var turnID string
	sub.ReadLocked(func(st model.SubContextState) { turnID = st.LastTurnID })
	run.Runtime.Events.Emit(model.Event{
		Type:      model.EventTurnCompleted,
		RunID:     run.Meta.RunID,
		AgentID:   sub.Meta.AgentID,
		Timestamp: time.Now().UTC(),
		Payload:   turnID,
	})
}

func randSuffix() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
