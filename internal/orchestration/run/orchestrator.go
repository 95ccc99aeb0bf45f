// Package run implements the Run Orchestrator (C9): it creates a
// RunContext and its initial SubContext according to run_type, and drives
// the three agent flows (Partner, Principal, Associate) to completion.
//
// Grounded on original_source/.../core/agent_core/flow.py's
// run_partner_interaction_async/run_principal_async/run_associate_async,
// translated onto plain Go methods: the Associate flow is already fully
// covered by internal/orchestration/dispatcher.Service.runToCompletion (the
// Dispatcher is the Associate flow's only caller), so this package only
// drives Partner and Principal. The background-task-with-CancelFunc idiom
// for launching a Principal session without blocking the Partner's own
// turn is grounded on internal/agent/domain/react/background.go's
// BackgroundTaskManager.
package run

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alex/internal/logging"
	"alex/internal/orchestration/agentloop"
	"alex/internal/orchestration/dispatcher"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
)

// maxPartnerPassTurns bounds one Partner wakeup's self-loop; maxPrincipalTurns
// bounds one Principal session. Neither exists in the source (pocketflow's
// self-loop trusts the flow decider to reach a terminal action); a Go port
// adds both for the same reason dispatcher.maxAssociateTurns does.
const (
	maxPartnerPassTurns = 200
	maxPrincipalTurns   = 500
)

// ProfileLookup resolves an active profile by its logical name.
type ProfileLookup func(logicalName string) (*model.Profile, bool)

// SessionPool borrows and returns the external-tool session a Principal
// holds for the duration of its run (spec §4.8: "On entry, borrows an
// external-tool session; on exit, releases it"). The concrete
// implementation (an MCP session-group borrow, grounded on
// internal/infra/mcp/registry.go's server-instance lifecycle) is injected
// by whatever wires this package to a real external-tool runtime; NoopSessionPool
// is the default when a deployment has no such pool.
type SessionPool interface {
	Acquire(ctx context.Context) (any, error)
	Release(ctx context.Context, session any)
}

// NoopSessionPool is the default SessionPool: every Principal session runs
// without ever needing a pooled external-tool handle.
type NoopSessionPool struct{}

func (NoopSessionPool) Acquire(ctx context.Context) (any, error) { return nil, nil }
func (NoopSessionPool) Release(ctx context.Context, session any) {}

// Deps bundles the Run Orchestrator's collaborators.
type Deps struct {
	Handover   *handover.Service
	Turns      *turns.Manager
	ToolReg    *tools.Registry
	Ingestors  *inbox.Registry
	Knowledge  *knowledge.Store
	Transport  agentloop.Transport
	Profiles   ProfileLookup
	Dispatcher *dispatcher.Service
	Sessions   SessionPool
}

// Orchestrator implements the Run Orchestrator.
type Orchestrator struct {
	deps Deps
	log  logging.Logger

	mu              sync.Mutex
	principalCancel map[string]context.CancelFunc // keyed by run_id; at most one active Principal per run
}

// New binds an Orchestrator to deps, defaulting Sessions to NoopSessionPool.
func New(deps Deps) *Orchestrator {
	if deps.Sessions == nil {
		deps.Sessions = NoopSessionPool{}
	}
	return &Orchestrator{
		deps:            deps,
		log:             logging.NewComponentLogger("run"),
		principalCancel: make(map[string]context.CancelFunc),
	}
}

// CreateRunOptions carries the run_type-specific construction inputs spec
// §4.8 describes (the Partner's own profile name, and — for
// principal_direct runs only — the Principal's profile and its
// caller-supplied list of usable Associate profiles).
type CreateRunOptions struct {
	PartnerProfileLogicalName   string
	PrincipalProfileLogicalName string
	PrincipalAssociateProfiles  []string // principal_direct only
}

// CreateRun builds a RunContext and pre-creates its initial SubContext
// according to runType (spec §4.8 paragraph 1).
func (o *Orchestrator) CreateRun(runID string, runType model.RunType, cfg model.RunConfig, projectID string, rt *model.Runtime, question string, opts CreateRunOptions) (*model.RunContext, *model.SubContext) {
	run := model.NewRunContext(model.RunMeta{
		RunID:      runID,
		RunType:    runType,
		CreationTS: time.Now().UTC(),
		Status:     model.RunStatusActive,
	}, cfg, projectID, rt)
	run.Team.Question = question

	if runType == model.RunTypePrincipalDirect {
		principal := model.NewSubContext(model.SubContextMeta{
			RunID:              runID,
			AgentID:            "Principal",
			ProfileLogicalName: opts.PrincipalProfileLogicalName,
			AssignedRole:       model.RolePrincipal,
		}, run, run.Team)
		principal.WithLock(func(st *model.SubContextState) {
			st.InitialParameters["assigned_associate_profiles"] = opts.PrincipalAssociateProfiles
		})
		run.RegisterSubContext(principal)
		return run, principal
	}

	partner := model.NewSubContext(model.SubContextMeta{
		RunID:              runID,
		AgentID:            "Partner",
		ProfileLogicalName: opts.PartnerProfileLogicalName,
		AssignedRole:       model.RolePartner,
	}, run, run.Team)
	names := make([]string, 0, len(cfg.Profiles.Profiles))
	for name, p := range cfg.Profiles.Profiles {
		if p.AvailableForStaffing {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	partner.WithLock(func(st *model.SubContextState) {
		st.InitialParameters["available_for_staffing_profiles"] = names
	})
	run.RegisterSubContext(partner)
	return run, partner
}

func (o *Orchestrator) loopDeps() agentloop.Deps {
	return agentloop.Deps{
		Turns:     o.deps.Turns,
		Inbox:     inbox.NewProcessor(o.deps.Turns),
		Ingestors: o.deps.Ingestors,
		Knowledge: o.deps.Knowledge,
		ToolReg:   o.deps.ToolReg,
		Transport: o.deps.Transport,
	}
}

func currentToolCallAndParams(sub *model.SubContext) (string, map[string]any, bool) {
	var turnID, callID string
	sub.ReadLocked(func(st model.SubContextState) {
		turnID = st.CurrentTurnID
		if st.CurrentAction != nil {
			callID = st.CurrentAction.ID
		}
	})
	if callID == "" {
		return "", nil, false
	}
	turn, ok := sub.Refs.Team.TurnByID(turnID)
	if !ok {
		return "", nil, false
	}
	var params map[string]any
	turn.WithLock(func(t *model.Turn) {
		if ti, found := t.ToolInteractionByCallID(callID); found {
			params = ti.InputParams
		}
	})
	return callID, params, true
}

// executeToolCall mirrors dispatcher.Service.executeToolCall exactly;
// duplicated rather than exported from that package so neither package
// needs to import the other's internals (run already imports dispatcher
// for dispatch_submodules routing; the reverse import would cycle).
func (o *Orchestrator) executeToolCall(ctx context.Context, sub *model.SubContext, entry *tools.Entry) {
	callID, params, ok := currentToolCallAndParams(sub)
	if !ok {
		return
	}
	if entry.Implementation == nil {
		o.pushToolResult(sub, entry.Name, callID, "tool has no implementation registered", true)
		return
	}
	result, err := entry.Implementation(tools.WithCallingSubContext(ctx, sub), params)
	if err != nil {
		o.pushToolResult(sub, entry.Name, callID, err.Error(), true)
		return
	}
	o.pushToolResult(sub, entry.Name, callID, result, false)
}

func (o *Orchestrator) pushToolResult(sub *model.SubContext, toolName, callID string, content any, isError bool) {
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

func (o *Orchestrator) emitView(run *model.RunContext, view model.ViewName) {
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

// emitTurnCompleted fires once a turn has been finalized on sub's ledger
// (spec §4.11: the persistence hook is "subscribed to turn_completed
// events"). Called from each flow's own turn loop rather than from inside
// agentloop.Loop, since only the orchestration layer holds the run's
// Runtime.Events reference.
func (o *Orchestrator) emitTurnCompleted(sub *model.SubContext) {
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

func (o *Orchestrator) deliverablesOf(sub *model.SubContext) map[string]any {
	var d map[string]any
	sub.ReadLocked(func(st model.SubContextState) { d = st.Deliverables })
	return d
}

func randSuffix() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
