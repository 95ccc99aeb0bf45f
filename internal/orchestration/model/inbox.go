package model

import "time"

// Source is the registered vocabulary an InboxItem's source is drawn from
// (spec §3, §4.2 priority table, and the recovered EVENT_STRATEGY_REGISTRY
// in SPEC_FULL.md §4.9a).
type Source string

const (
	SourceToolResult                Source = "TOOL_RESULT"
	SourceAgentStartupBriefing      Source = "AGENT_STARTUP_BRIEFING"
	SourceSelfReflectionPrompt      Source = "SELF_REFLECTION_PROMPT"
	SourceInternalDirective         Source = "INTERNAL_DIRECTIVE"
	SourcePartnerDirective          Source = "PARTNER_DIRECTIVE"
	SourcePrincipalCompleted        Source = "PRINCIPAL_COMPLETED"
	SourceAllWorkCompletedPrompt    Source = "ALL_WORK_COMPLETED_PROMPT"
	SourceProfilesUpdatedNotification Source = "PROFILES_UPDATED_NOTIFICATION"
	SourceWorkModulesStatusUpdate   Source = "WORK_MODULES_STATUS_UPDATE"
	SourcePrincipalActivityUpdate   Source = "PRINCIPAL_ACTIVITY_UPDATE"
	SourceFIMInstruction            Source = "FIM_INSTRUCTION"
	SourceJSONHistoryForLLM         Source = "JSON_HISTORY_FOR_LLM"
	SourceToolInputsBriefing        Source = "TOOL_INPUTS_BRIEFING"
	SourceOriginalQuestion          Source = "ORIGINAL_QUESTION"
	SourceObserverFailure           Source = "OBSERVER_FAILURE"
	SourceUserPrompt                Source = "USER_PROMPT"
)

// Priority returns the inbox processing priority for a source, per the
// strict-priority table in spec §4.2. Lower sorts first. Unknown sources
// default to 99.
func (s Source) Priority() int {
	if p, ok := sourcePriority[s]; ok {
		return p
	}
	return 99
}

var sourcePriority = map[Source]int{
	SourceToolResult:              0,
	SourceObserverFailure:         5,
	SourceAgentStartupBriefing:    8,
	SourcePartnerDirective:        10,
	SourcePrincipalCompleted:      10,
	SourceInternalDirective:       15,
	SourceSelfReflectionPrompt:    20,
	SourceWorkModulesStatusUpdate: 90,
	SourcePrincipalActivityUpdate: 90,
	SourceUserPrompt:              100,
}

// ConsumptionPolicy governs whether an InboxItem is dropped after one
// ingestion or survives to be re-offered on a later turn.
type ConsumptionPolicy string

const (
	ConsumeOnRead            ConsumptionPolicy = "consume_on_read"
	PersistentUntilConsumed  ConsumptionPolicy = "persistent_until_consumed"
)

// InjectionMode is how an ingestor's rendered text is spliced into the
// message history (spec §4.2 step 4).
type InjectionMode string

const (
	InjectAppendAsNewMessage InjectionMode = "append_as_new_message"
	InjectPrependToRole      InjectionMode = "prepend_to_role"
)

// InboxMetadata is an InboxItem's bookkeeping envelope.
type InboxMetadata struct {
	CreatedAt           time.Time
	MaxTurnsInInbox      int // 0 means no TTL bound
	TurnCountInInbox     int
	TriggeringObserverID string
}

// InboxItem is a typed event awaiting ingestion into an agent's next
// prompt.
type InboxItem struct {
	ItemID            string
	Source            Source
	Payload           any
	ConsumptionPolicy ConsumptionPolicy
	Metadata          InboxMetadata
}

// ExceedsTTL reports whether a persistent item has outstayed
// max_turns_in_inbox (spec §8 boundary: "TTL expiry at exactly
// max_turns_in_inbox + 1 drops the item").
func (i *InboxItem) ExceedsTTL() bool {
	if i.ConsumptionPolicy != PersistentUntilConsumed || i.Metadata.MaxTurnsInInbox <= 0 {
		return false
	}
	return i.Metadata.TurnCountInInbox > i.Metadata.MaxTurnsInInbox
}
