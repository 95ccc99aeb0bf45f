package model

// ProfileType is the role a profile is meant to back.
type ProfileType string

const (
	ProfileTypePartner   ProfileType = "partner"
	ProfileTypePrincipal ProfileType = "principal"
	ProfileTypeAssociate ProfileType = "associate"
)

// SegmentType is the kind of content a system-prompt segment renders.
type SegmentType string

const (
	SegmentStaticText       SegmentType = "static_text"
	SegmentStateValue       SegmentType = "state_value"
	SegmentToolDescription  SegmentType = "tool_description"
)

// PromptSegment is one profile-declared piece of the constructed system
// prompt (spec §4.1 prep.5).
type PromptSegment struct {
	ID              string
	Order           int
	Type            SegmentType
	Condition       string // V-Model expression; empty means always-true
	ContentKey      string // for static_text: a key into TextDefinitions
	SourceStatePath string // for state_value: a V-Model path
	IngestorID      string
	IngestorParams  map[string]any
}

// ObserverAction is the kind of effect an observer rule produces.
type ObserverAction string

const (
	ObserverAddToInbox   ObserverAction = "add_to_inbox"
	ObserverUpdateState  ObserverAction = "update_state"
)

// StateOp is one step of an update_state observer action.
type StateOp struct {
	Operation string // "set" | "increment"
	Path      string
	Value     any
}

// ObserverRule is a profile-declared pre/post-turn rule (spec §4.9).
type ObserverRule struct {
	ID        string
	Condition string
	Action    ObserverAction

	// populated when Action == ObserverAddToInbox
	InboxSource         string
	InboxPayloadTemplate any

	// populated when Action == ObserverUpdateState
	StateOps []StateOp
}

// DeciderActionKind is the flow-decider's chosen next action (spec §4.1).
type DeciderActionKind string

const (
	DeciderContinueWithTool   DeciderActionKind = "continue_with_tool"
	DeciderEndAgentTurn       DeciderActionKind = "end_agent_turn"
	DeciderLoopWithInboxItem  DeciderActionKind = "loop_with_inbox_item"
	DeciderAwaitUserInput     DeciderActionKind = "await_user_input"
)

// DeciderRule is one ordered rule in the profile's flow_decider list.
type DeciderRule struct {
	ID        string
	Condition string
	Action    DeciderActionKind

	Outcome      string // for end_agent_turn
	ErrorMessage string // for end_agent_turn
	InboxPayload any    // for loop_with_inbox_item
}

// InboxHandlingStrategy overrides or supplements the global ingestor
// registry for one event source, scoped to the owning profile.
type InboxHandlingStrategy struct {
	Ingestor      string
	InjectionMode InjectionMode
	Role          Role
	Persistent    bool
	Params        map[string]any
}

// ToolAccessPolicy names which toolsets/tools a profile may call (spec
// §4.7).
type ToolAccessPolicy struct {
	AllowedToolsets []string
	AllowedTools    []string
}

// Profile is a fully resolved (inheritance-flattened) agent profile. The
// design note in §9 says to resolve profile inheritance chains at load
// time; LineageOf keeps provenance for debugging without re-walking parents
// at runtime.
type Profile struct {
	Name                 string
	Type                 ProfileType
	LLMConfigRef         string
	SystemPromptSegments []PromptSegment
	TextDefinitions      map[string]string
	ToolAccessPolicy     ToolAccessPolicy
	InboxHandlingStrategies map[string]InboxHandlingStrategy
	PreTurnObservers     []ObserverRule
	PostTurnObservers    []ObserverRule
	FlowDecider          []DeciderRule
	AvailableForStaffing bool
	IsActive             bool
	IsDeleted            bool
	Rev                  int
	Lineage              []string
}

// LLMConfig is a self-describing LLM configuration, resolved at call time
// (supports indirections like from_env/json_from_file upstream of this
// struct; by the time it reaches the transport adapter those have already
// been resolved into concrete fields).
type LLMConfig struct {
	Name                     string
	Model                    string
	LitellmTokenCounterModel string
	LitellmOptions           map[string]any
}
