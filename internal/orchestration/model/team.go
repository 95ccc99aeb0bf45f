package model

import "sync"

// WorkModuleStatus is the status lifecycle of a WorkModule.
type WorkModuleStatus string

const (
	ModulePending       WorkModuleStatus = "pending"
	ModuleInProgress    WorkModuleStatus = "in_progress"
	ModuleOngoing       WorkModuleStatus = "ongoing"
	ModulePendingReview WorkModuleStatus = "pending_review"
	ModuleCompleted     WorkModuleStatus = "completed"
	ModuleDeprecated    WorkModuleStatus = "deprecated"
)

// AssigneeOutcome is the terminal (or in-flight) result of one assignment.
type AssigneeOutcome string

const (
	OutcomeRunning AssigneeOutcome = "running"
	OutcomeSuccess AssigneeOutcome = "success"
	OutcomeError   AssigneeOutcome = "error"
)

// AssigneeHistoryEntry records one dispatch of a WorkModule to an agent.
type AssigneeHistoryEntry struct {
	DispatchID string
	AgentID    string
	StartedAt  int64 // unix millis
	EndedAt    int64 // zero until the assignment ends
	Outcome    AssigneeOutcome
}

// ContextArchive holds a dispatch's full message history and deliverables,
// archived once the Associate finishes so the module's provenance survives
// the SubContext's teardown.
type ContextArchive struct {
	DispatchID string
	Messages   []Message
	Deliverables map[string]any
}

// ReviewTrigger names what caused a module to enter pending_review.
type ReviewTrigger string

const (
	ReviewTriggerAssociateCompleted ReviewTrigger = "associate_completed"
	ReviewTriggerAssociateFailed    ReviewTrigger = "associate_failed"
)

// ReviewInfo is populated when an Associate finishes a WorkModule.
type ReviewInfo struct {
	Trigger      ReviewTrigger
	Message      string
	ErrorDetails string
}

// WorkModule is a unit of delegatable work tracked on the TeamState.
type WorkModule struct {
	ID          string
	Name        string
	Description string
	Notes       string
	Status      WorkModuleStatus

	AssigneeHistory []AssigneeHistoryEntry
	ContextArchive  []ContextArchive
	ReviewInfo      *ReviewInfo
}

// RunningAssignee returns the single assignee history entry with
// outcome=running, if any — invariant 4 in spec §8 guarantees at most one.
func (w *WorkModule) RunningAssignee() (*AssigneeHistoryEntry, bool) {
	for i := range w.AssigneeHistory {
		if w.AssigneeHistory[i].Outcome == OutcomeRunning {
			return &w.AssigneeHistory[i], true
		}
	}
	return nil, false
}

// CanTransitionToOngoing enforces "a module may only transition to ongoing
// from pending/pending_review" (§3 WorkModule invariants).
func (w *WorkModule) CanTransitionToOngoing() bool {
	return w.Status == ModulePending || w.Status == ModulePendingReview
}

// DispatchLaunchStatus tracks one Associate launch's lifecycle, independent
// of the module it targets (a module may be relaunched).
type DispatchLaunchStatus string

const (
	DispatchLaunching DispatchLaunchStatus = "LAUNCHING"
	DispatchCompleted DispatchLaunchStatus = "COMPLETED"
	DispatchFailed    DispatchLaunchStatus = "FAILED"
	DispatchCancelled DispatchLaunchStatus = "CANCELLED"
)

// DispatchHistoryEntry is one audit row in TeamState.DispatchHistory.
type DispatchHistoryEntry struct {
	DispatchID   string
	ModuleID     string
	AssociateID  string
	Status       DispatchLaunchStatus
	StartedAt    int64
	EndedAt      int64
	ErrorDetails string
	FinalSummary string
}

// TeamState is the shared, serializable ledger visible to every agent in a
// run. All mutation is funneled through TurnManager/Dispatcher/tool nodes;
// nothing else writes Turns directly (design note, §5 shared resource
// policy) — enforced here by keeping the slice unexported and only
// reachable through the mutator methods below, all guarded by one mutex per
// run so writes serialize through a single owner.
type TeamState struct {
	mu sync.Mutex

	Question string

	workModules      map[string]*WorkModule
	workModuleNextID int

	turns []*Turn

	DispatchHistory []DispatchHistoryEntry

	ProfilesListInstanceIDs []string
	IsPrincipalFlowRunning  bool
}

// NewTeamState returns an empty TeamState ready for a new run.
func NewTeamState() *TeamState {
	return &TeamState{
		workModules: make(map[string]*WorkModule),
	}
}

// NewWorkModuleID mints the next "WM_<n>" id from the monotonic counter
// (spec §8 invariant 8: strictly monotonic for the run's lifetime).
func (t *TeamState) NewWorkModuleID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workModuleNextID++
	return formatModuleID(t.workModuleNextID)
}

func formatModuleID(n int) string {
	return "WM_" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// WorkModuleCounter returns the last-minted work module sequence number, for
// a persistence snapshot to carry forward so restored runs keep minting
// strictly increasing ids (spec §8 invariant 8).
func (t *TeamState) WorkModuleCounter() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workModuleNextID
}

// SetWorkModuleCounter restores the sequence counter read back by
// WorkModuleCounter, so NewWorkModuleID resumes exactly where a restored
// run left off instead of restarting from WM_1.
func (t *TeamState) SetWorkModuleCounter(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workModuleNextID = n
}

// PutWorkModule inserts or replaces a module by id.
func (t *TeamState) PutWorkModule(m *WorkModule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workModules[m.ID] = m
}

// WorkModule returns the module for id, if present.
func (t *TeamState) WorkModule(id string) (*WorkModule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.workModules[id]
	return m, ok
}

// WorkModules returns a snapshot slice of all modules, stable order by id.
func (t *TeamState) WorkModules() []*WorkModule {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*WorkModule, 0, len(t.workModules))
	for _, m := range t.workModules {
		out = append(out, m)
	}
	return out
}

// AppendTurn appends a Turn to the append-only ledger. Only TurnManager
// should call this (spec §4.3 add_turn).
func (t *TeamState) AppendTurn(turn *Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
}

// Turns returns the ledger in append order. Callers must not mutate turns
// found in the returned slice except through TurnManager methods.
func (t *TeamState) Turns() []*Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// TurnByID finds a turn by id, scanning backward since callers (e.g.
// update_tool_interaction_result) typically want the most recent match.
func (t *TeamState) TurnByID(id string) (*Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.turns) - 1; i >= 0; i-- {
		if t.turns[i].TurnID == id {
			return t.turns[i], true
		}
	}
	return nil, false
}

// AppendDispatchHistory appends one audit row.
func (t *TeamState) AppendDispatchHistory(e DispatchHistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DispatchHistory = append(t.DispatchHistory, e)
}

// UpdateWorkModule runs fn against the module registered under id while
// holding the team's lock, letting the Dispatcher transition status and
// append history atomically even while sibling assignments run in
// parallel goroutines against other modules.
func (t *TeamState) UpdateWorkModule(id string, fn func(*WorkModule)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.workModules[id]
	if !ok {
		return
	}
	fn(m)
}

// UpdateDispatchHistory runs fn against the most recently appended
// dispatch history row matching dispatchID.
func (t *TeamState) UpdateDispatchHistory(dispatchID string, fn func(*DispatchHistoryEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.DispatchHistory) - 1; i >= 0; i-- {
		if t.DispatchHistory[i].DispatchID == dispatchID {
			fn(&t.DispatchHistory[i])
			return
		}
	}
}

// SetPrincipalFlowRunning records whether a Principal session is currently
// active for this run (spec §4.8: the Run Orchestrator sets this true for
// the duration of RunPrincipalSession and false again in its post-task
// callback, and the launch_principal tool refuses to start a second
// Principal while it is true).
func (t *TeamState) SetPrincipalFlowRunning(running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.IsPrincipalFlowRunning = running
}

// PrincipalFlowRunning reports the current value set by SetPrincipalFlowRunning.
func (t *TeamState) PrincipalFlowRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.IsPrincipalFlowRunning
}

// VModelField exposes TeamState's fields to the V-Model accessor (package
// vmodel) without reflection reaching past the mutex into unexported
// internals; see internal/orchestration/vmodel.FieldAccessor.
func (t *TeamState) VModelField(name string) (any, bool) {
	switch name {
	case "question":
		return t.Question, true
	case "work_modules":
		t.mu.Lock()
		out := make(map[string]any, len(t.workModules))
		for k, v := range t.workModules {
			out[k] = v
		}
		t.mu.Unlock()
		return out, true
	case "turns":
		return t.Turns(), true
	case "dispatch_history":
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.DispatchHistory, true
	case "profiles_list_instance_ids":
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.ProfilesListInstanceIDs, true
	case "is_principal_flow_running":
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.IsPrincipalFlowRunning, true
	}
	return nil, false
}
