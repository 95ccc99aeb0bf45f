package model

import (
	"sync"
	"time"
)

// SubContextMeta is the immutable identity of one agent's SubContext.
type SubContextMeta struct {
	RunID              string
	AgentID            string
	ParentAgentID      string // empty for Partner/Principal roots
	ProfileLogicalName string
	ProfileInstanceID  string
	AssignedRole       AssignedRole
}

// Flags is the small set of boolean/string markers the agent loop and
// observers read/write on state (spec §3 SubContext.state.flags).
type Flags struct {
	InitialBriefingDelivered bool
	AllowedToolsets          []string // Associate override of tool_access_policy
	Extra                    map[string]any
}

// PrincipalLaunchConfig records one launch-Principal invocation, kept only
// on the Partner's SubContext (spec §3 recovered detail:
// principal_launch_config_history is Partner-only).
type PrincipalLaunchConfig struct {
	Mode                      string // start_fresh | continue_from_previous
	ForceTerminateAndRelaunch bool
	Timestamp                 time.Time
}

// ExecutionMilestone is a lightweight timestamped marker used by the
// status_summary_for_partner rendering and by view generators.
type ExecutionMilestone struct {
	Label     string
	Timestamp time.Time
}

// PrincipalExecutionSession records one Principal run (borrow/release of
// the external-tool session pool, and its termination reason), per spec
// §4.8 "Records a principal_execution_sessions entry with termination
// reason."
type PrincipalExecutionSession struct {
	SessionID        string
	StartedAt        time.Time
	EndedAt          time.Time
	TerminationReason string
}

// SubContextState is the private, serializable state of one agent.
type SubContextState struct {
	Messages     []Message
	Inbox        []*InboxItem
	Flags        Flags
	CurrentAction *ToolCall // the currently-chosen tool call, if any
	CurrentTurnID string
	LastTurnID    string // the baton

	Deliverables map[string]any

	InitialParameters map[string]any

	ConsecutiveEmptyLLMResponses int
	CurrentLLMStreamID           string
	AgentStartUTCTimestamp       time.Time

	PrincipalLaunchConfigHistory []PrincipalLaunchConfig // Partner-only
	ArchivedMessagesHistory      [][]Message
	ExecutionMilestones          []ExecutionMilestone
	StatusSummaryForPartner      string

	PrincipalExecutionSessions []PrincipalExecutionSession
	IsWaitingForUserInput      bool
}

// RuntimeObjects holds non-serializable per-agent signals.
type RuntimeObjects struct {
	NewUserInput          chan struct{}
	PrincipalCompletionWait chan struct{}
	ExternalToolSession   any // pooled external-tool session handle, opaque here
}

// SubContextRefs are non-owning pointers back to the owning run and its
// team state, so code that only receives a SubContext can still reach
// shared state (design note §9: explicit weak references).
type SubContextRefs struct {
	Run  *RunContext
	Team *TeamState
}

// SubContext is per-agent state: owned by exactly one agent task, written
// only by that task, read by others only through the explicit accessors
// the run exposes (e.g. Partner reading Principal status).
type SubContext struct {
	mu sync.RWMutex

	Meta    SubContextMeta
	State   SubContextState
	Runtime RuntimeObjects
	Refs    SubContextRefs
}

// NewSubContext constructs an empty SubContext bound to run/team.
func NewSubContext(meta SubContextMeta, run *RunContext, team *TeamState) *SubContext {
	return &SubContext{
		Meta: meta,
		State: SubContextState{
			Deliverables:      make(map[string]any),
			InitialParameters: make(map[string]any),
		},
		Runtime: RuntimeObjects{
			NewUserInput:            make(chan struct{}, 1),
			PrincipalCompletionWait: make(chan struct{}, 1),
		},
		Refs: SubContextRefs{Run: run, Team: team},
	}
}

// WithLock runs fn while holding the SubContext's own lock. The owning
// agent task uses this for every state mutation; other goroutines use it
// only for read-only access (e.g. the Partner reading Principal status).
func (s *SubContext) WithLock(fn func(*SubContextState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.State)
}

// ReadLocked runs fn with a read lock held, for concurrent read-only
// access from other agent tasks.
func (s *SubContext) ReadLocked(fn func(SubContextState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.State)
}

// PushInboxItem appends an item to the agent's inbox under lock.
func (s *SubContext) PushInboxItem(item *InboxItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State.Inbox = append(s.State.Inbox, item)
}
