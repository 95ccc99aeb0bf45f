// Package model defines the shared data model of the orchestration core:
// RunContext, TeamState, WorkModule, SubContext, InboxItem, Turn and
// KnowledgeItem, grounded on the original system's
// agent_core/models/{turn.py,context.py} TypedDicts and reshaped onto Go
// structs with explicit ownership (RunContext owns TeamState/KnowledgeBase/
// TurnManager; SubContexts hold non-owning references back).
package model

import (
	"sync"
	"time"
)

// RunType distinguishes how a run was created.
type RunType string

const (
	RunTypePartnerInteraction RunType = "partner_interaction"
	RunTypePrincipalDirect    RunType = "principal_direct"
	RunTypeService            RunType = "service"
)

// RunStatus is the coarse lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunMeta is the immutable identity of a run.
type RunMeta struct {
	RunID      string
	RunType    RunType
	CreationTS time.Time
	Status     RunStatus
}

// ProfileCatalog and LLMConfigCatalog are snapshotted at run creation so a
// run's behavior never shifts mid-flight if the catalogs are edited live.
type ProfileCatalog struct {
	Profiles map[string]Profile
}

type LLMConfigCatalog struct {
	Configs map[string]LLMConfig
}

// RunConfig is the frozen-at-creation configuration snapshot for a run.
type RunConfig struct {
	Profiles   ProfileCatalog
	LLMConfigs LLMConfigCatalog
}

// Runtime holds the non-serializable, process-local singletons a run owns.
// Consumers reach them only through RunContext, never by constructing their
// own — this is the "pass a Runtime handle" port decision from the design
// notes (one per process in production, many per test).
type Runtime struct {
	Events              EventEmitter
	Knowledge           KnowledgeBase
	Turns               TurnManager
	PrincipalCompletion chan struct{}
	Usage               *UsageCounters
}

// EventEmitter is the narrow interface RunContext depends on; the concrete
// implementation lives in internal/orchestration/events.
type EventEmitter interface {
	Emit(event Event)
}

// KnowledgeBase is the narrow interface RunContext depends on; the concrete
// implementation lives in internal/orchestration/knowledge.
type KnowledgeBase interface {
	AddItem(item KnowledgeItemInput) (KnowledgeItem, error)
	Hydrate(content string) (string, error)
	ToDict() map[string]any
}

// TurnManager is the narrow interface RunContext depends on; the concrete
// implementation lives in internal/orchestration/turns.
type TurnManager interface {
	AddTurn(team *TeamState, turn *Turn)
}

// UsageCounters tracks run-level token accounting, updated by the LLM
// transport adapter on every usage chunk.
type UsageCounters struct {
	mu                   sync.Mutex
	PromptTokens         int64
	CompletionTokens     int64
	MaxSingleCallTokens  int64
	SuccessfulCalls      int64
	FailedCalls          int64
}

// Add records one completed LLM call's usage atomically.
func (u *UsageCounters) Add(prompt, completion int64, success bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	if total := prompt + completion; total > u.MaxSingleCallTokens {
		u.MaxSingleCallTokens = total
	}
	if success {
		u.SuccessfulCalls++
	} else {
		u.FailedCalls++
	}
}

// Snapshot returns a copy safe to read without holding the lock further.
func (u *UsageCounters) Snapshot() UsageCounters {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageCounters{
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		MaxSingleCallTokens: u.MaxSingleCallTokens,
		SuccessfulCalls:     u.SuccessfulCalls,
		FailedCalls:         u.FailedCalls,
	}
}

// RunContext is the root, process-wide object for one business run.
// Identity (Meta, Config, ProjectID) is immutable after creation; the
// sub-context registry mutates under RunContext's own lock, and TeamState
// under its own.
type RunContext struct {
	Meta      RunMeta
	Config    RunConfig
	ProjectID string
	Runtime   *Runtime

	mu             sync.RWMutex
	Team           *TeamState
	subContextRefs map[string]*SubContext // keyed by agent_id
}

// NewRunContext constructs a RunContext with an empty TeamState and an
// initialized sub-context registry.
func NewRunContext(meta RunMeta, cfg RunConfig, projectID string, rt *Runtime) *RunContext {
	return &RunContext{
		Meta:           meta,
		Config:         cfg,
		ProjectID:      projectID,
		Runtime:        rt,
		Team:           NewTeamState(),
		subContextRefs: make(map[string]*SubContext),
	}
}

// RegisterSubContext records a SubContext under its agent id.
func (r *RunContext) RegisterSubContext(sc *SubContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subContextRefs[sc.Meta.AgentID] = sc
}

// DeregisterSubContext removes a SubContext's registration (e.g. once an
// Associate's dispatch completes and its state has been archived).
func (r *RunContext) DeregisterSubContext(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subContextRefs, agentID)
}

// SubContextByID returns the registered SubContext for agentID, if any.
func (r *RunContext) SubContextByID(agentID string) (*SubContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.subContextRefs[agentID]
	return sc, ok
}

// SubContexts returns a snapshot copy of every currently registered
// SubContext keyed by agent id, for callers (the persistence snapshot
// builder) that must walk the whole registry rather than look up one role.
func (r *RunContext) SubContexts() map[string]*SubContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*SubContext, len(r.subContextRefs))
	for k, v := range r.subContextRefs {
		out[k] = v
	}
	return out
}

// SubContextByRole locates the run's singleton Partner/Principal agent by
// role, used by the V-Model accessor's `partner` and `principal` path
// prefixes.
func (r *RunContext) SubContextByRole(role AssignedRole) (*SubContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sc := range r.subContextRefs {
		if sc.Meta.AssignedRole == role {
			return sc, true
		}
	}
	return nil, false
}
