package model

import (
	"sync"
	"time"
)

// TurnType is the kind of activity a Turn records.
type TurnType string

const (
	TurnAgent             TurnType = "agent_turn"
	TurnUser              TurnType = "user_turn"
	TurnAggregation       TurnType = "aggregation_turn"
	TurnRestartDelimiter  TurnType = "restart_delimiter_turn"
)

// TurnStatus is a Turn's lifecycle state.
type TurnStatus string

const (
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnError       TurnStatus = "error"
	TurnCancelled   TurnStatus = "cancelled"
	TurnInterrupted TurnStatus = "interrupted"
)

// AgentInfo names which agent produced a Turn (spec §3 recovered detail:
// exactly these four fields, not a free-form map).
type AgentInfo struct {
	AgentID             string
	ProfileLogicalName  string
	ProfileInstanceID   string
	AssignedRoleName    AssignedRole
}

// StrategySourceKind names where an inbox item's handling strategy was
// resolved from, per the two-level-then-fallback lookup in spec §4.2.2.
type StrategySourceKind string

const (
	StrategyFromProfile  StrategySourceKind = "profile"
	StrategyFromGlobal   StrategySourceKind = "global"
	StrategyFromFallback StrategySourceKind = "fallback"
)

// ProcessedInboxItemLog is one audit row of the per-turn inbox-processing
// trail (recovered detail, SPEC_FULL.md §3).
type ProcessedInboxItemLog struct {
	ItemID                 string
	Source                 Source
	TriggeringObserverID   string
	HandlingStrategySource StrategySourceKind
	IngestorUsed           string
	InjectionMode          InjectionMode
	InjectedContent        string
	PredictedTokenCount    int
}

// SystemPromptSegmentLog records one segment's condition evaluation and
// resulting content during system-prompt construction (spec §3 "inputs").
type SystemPromptSegmentLog struct {
	SegmentID        string
	ConditionResult  bool
	Skipped          bool
	Error            string
	RenderedContent  string
}

// TurnInputs is the "inputs" section of a Turn: everything that went into
// constructing the prompt for this turn.
type TurnInputs struct {
	ProcessedInboxItems    []ProcessedInboxItemLog
	SystemPromptLog        []SystemPromptSegmentLog
}

// LLMAttemptStatus is the outcome of one streamed LLM call attempt.
type LLMAttemptStatus string

const (
	AttemptSuccess LLMAttemptStatus = "success"
	AttemptFailed  LLMAttemptStatus = "failed"
	AttemptRetried LLMAttemptStatus = "retried"
)

// LLMAttempt is one entry of LLMInteraction.Attempts (spec §3 recovered
// detail: the S5 "four attempts, only the last successful" scenario is
// this slice).
type LLMAttempt struct {
	StreamID string
	Status   LLMAttemptStatus
	Error    string
}

// TokenUsage mirrors the transport's reported/estimated token accounting.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// LLMResponse is the aggregated result of one successful streamed call.
type LLMResponse struct {
	Content       string
	ToolCalls     []ToolCall
	Reasoning     string
	ModelID       string
	ActualUsage   TokenUsage
}

// LLMInteractionStatus is the overall outcome of a Turn's LLM interaction.
type LLMInteractionStatus string

const (
	LLMInteractionRunning   LLMInteractionStatus = "running"
	LLMInteractionCompleted LLMInteractionStatus = "completed"
	LLMInteractionError     LLMInteractionStatus = "error"
	LLMInteractionCancelled LLMInteractionStatus = "cancelled"
)

// LLMInteraction is the "llm_interaction" section of a Turn.
type LLMInteraction struct {
	Status          LLMInteractionStatus
	Attempts        []LLMAttempt
	FinalRequest    any // optional, audit-gated
	FinalResponse   *LLMResponse
	PredictedUsage  TokenUsage
	ActualUsage     TokenUsage
}

// ToolInteractionStatus is a per-tool-call lifecycle state (spec §3).
type ToolInteractionStatus string

const (
	ToolInteractionRunning     ToolInteractionStatus = "running"
	ToolInteractionCompleted   ToolInteractionStatus = "completed"
	ToolInteractionError       ToolInteractionStatus = "error"
	ToolInteractionCancelled   ToolInteractionStatus = "cancelled"
	ToolInteractionInterrupted ToolInteractionStatus = "interrupted"
)

// ToolInteraction is one per-tool-call record on a Turn.
type ToolInteraction struct {
	ToolCallID    string
	ToolName      string
	StartTime     time.Time
	EndTime       time.Time
	Status        ToolInteractionStatus
	InputParams   map[string]any
	ResultPayload any
	ErrorDetails  string
}

// TurnOutputs is the "outputs" section: the decision for the next step.
type TurnOutputs struct {
	NextAction string
}

// Turn is one activity on the causal DAG.
type Turn struct {
	mu sync.Mutex

	TurnID            string
	RunID             string
	FlowID            string
	AgentInfo         AgentInfo
	TurnType          TurnType
	Status            TurnStatus
	StartTime         time.Time
	EndTime           time.Time
	SourceTurnIDs     []string // parents; length 1 normally, N for aggregation
	SourceToolCallID  string

	Inputs          TurnInputs
	LLMInteraction  LLMInteraction
	ToolInteractions []ToolInteraction
	Outputs         TurnOutputs
}

// WithLock runs fn while holding the turn's own mutex, for callers (the
// turn manager) that mutate fields concurrently with readers serializing
// the turn for a view model.
func (t *Turn) WithLock(fn func(*Turn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// RunningToolInteraction returns the most recently appended tool
// interaction still running for toolCallID, or false if none matches.
func (t *Turn) RunningToolInteraction(toolCallID string) (*ToolInteraction, bool) {
	for i := len(t.ToolInteractions) - 1; i >= 0; i-- {
		ti := &t.ToolInteractions[i]
		if ti.ToolCallID == toolCallID && ti.Status == ToolInteractionRunning {
			return ti, true
		}
	}
	return nil, false
}

// ToolInteractionByCallID returns the most recently appended tool
// interaction for toolCallID regardless of status, for callers (the
// Dispatcher driving an Associate) that need its InputParams even after
// the agent loop has already force-closed a flow-ending call.
func (t *Turn) ToolInteractionByCallID(toolCallID string) (*ToolInteraction, bool) {
	for i := len(t.ToolInteractions) - 1; i >= 0; i-- {
		ti := &t.ToolInteractions[i]
		if ti.ToolCallID == toolCallID {
			return ti, true
		}
	}
	return nil, false
}

// AllToolInteractionsSettled reports invariant 1 (spec §8): every tool
// interaction on a completed turn is completed/error/cancelled.
func (t *Turn) AllToolInteractionsSettled() bool {
	for _, ti := range t.ToolInteractions {
		if ti.Status == ToolInteractionRunning {
			return false
		}
	}
	return true
}
