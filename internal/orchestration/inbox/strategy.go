package inbox

import "alex/internal/orchestration/model"

// Strategy is a fully-resolved handling strategy for one inbox source:
// which ingestor renders it, how the rendered text is spliced in, which
// role the resulting message carries, and whether it also persists into
// state.Messages.
type Strategy struct {
	Ingestor      string
	InjectionMode model.InjectionMode
	Role          model.Role
	Persistent    bool
	Params        map[string]any
}

// GlobalStrategyRegistry is the process-wide source->strategy table,
// translated field-for-field from original_source's
// EVENT_STRATEGY_REGISTRY (events/event_strategies.py). Profile-level
// `inbox_handling_strategies` overrides take precedence over this at
// resolution time (spec §4.2 step 2's two-level lookup).
var GlobalStrategyRegistry = map[model.Source]Strategy{
	model.SourceToolResult: {
		Ingestor: "tool_result", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleTool, Persistent: true,
	},
	model.SourceAgentStartupBriefing: {
		Ingestor: "templated_content", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleSystem, Persistent: true,
	},
	model.SourceSelfReflectionPrompt: {
		Ingestor: "generic_message", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: false,
	},
	model.SourceInternalDirective: {
		Ingestor: "tagged_content", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: true,
	},
	model.SourcePartnerDirective: {
		Ingestor: "tagged_content", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: true,
	},
	model.SourcePrincipalCompleted: {
		Ingestor: "principal_history_summary", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: true,
	},
	model.SourceAllWorkCompletedPrompt: {
		Ingestor: "generic_message", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: false,
	},
	model.SourceProfilesUpdatedNotification: {
		Ingestor: "generic_message", InjectionMode: model.InjectPrependToRole,
		Role: model.RoleSystem, Persistent: false,
	},
	model.SourceWorkModulesStatusUpdate: {
		Ingestor: "work_modules", InjectionMode: model.InjectPrependToRole,
		Role: model.RoleSystem, Persistent: false,
	},
	model.SourcePrincipalActivityUpdate: {
		Ingestor: "markdown_formatter", InjectionMode: model.InjectPrependToRole,
		Role: model.RoleSystem, Persistent: false,
	},
	model.SourceFIMInstruction: {
		Ingestor: "tagged_content", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: false,
	},
	model.SourceJSONHistoryForLLM: {
		Ingestor: "json_history", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: false,
	},
	model.SourceToolInputsBriefing: {
		Ingestor: "markdown_formatter", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleSystem, Persistent: true,
	},
	model.SourceOriginalQuestion: {
		Ingestor: "generic_message", InjectionMode: model.InjectPrependToRole,
		Role: model.RoleSystem, Persistent: true,
	},
	model.SourceObserverFailure: {
		Ingestor: "observer_failure", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: false,
	},
	model.SourceUserPrompt: {
		Ingestor: "user_prompt", InjectionMode: model.InjectAppendAsNewMessage,
		Role: model.RoleUser, Persistent: true,
	},
}

// Resolve implements the two-level-then-fallback strategy lookup (spec
// §4.2 step 2): a profile-level override first, then the global registry,
// else a markdown_formatter fallback. Returns the resolved strategy plus
// which tier it came from (for the ProcessedInboxItemLog audit trail).
func Resolve(profileOverrides map[string]model.InboxHandlingStrategy, source model.Source) (Strategy, model.StrategySourceKind) {
	if profileOverrides != nil {
		if s, ok := profileOverrides[string(source)]; ok {
			return Strategy{
				Ingestor:      s.Ingestor,
				InjectionMode: s.InjectionMode,
				Role:          s.Role,
				Persistent:    s.Persistent,
				Params:        s.Params,
			}, model.StrategyFromProfile
		}
	}
	if s, ok := GlobalStrategyRegistry[source]; ok {
		return s, model.StrategyFromGlobal
	}
	return Strategy{
		Ingestor:      "markdown_formatter",
		InjectionMode: model.InjectAppendAsNewMessage,
		Role:          model.RoleUser,
		Persistent:    false,
	}, model.StrategyFromFallback
}
