package inbox

import (
	"fmt"
	"sort"

	"alex/internal/logging"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/tokencount"
	"alex/internal/orchestration/turns"
	"alex/internal/orchestration/vmodel"
)

// ToolInteractionUpdater is the narrow turns.Manager surface the processor
// needs, kept as an interface so tests can substitute a fake.
type ToolInteractionUpdater interface {
	UpdateToolInteractionResult(team *model.TeamState, toolCallID string, payload any, isError bool)
}

// Processor drains a SubContext's inbox each turn, per spec §4.2.
type Processor struct {
	registry *Registry
	turns    ToolInteractionUpdater
	log      logging.Logger
}

// NewProcessor builds a Processor with the default ingestor registry.
func NewProcessor(tm *turns.Manager) *Processor {
	return &Processor{
		registry: NewRegistry(),
		turns:    tm,
		log:      logging.NewComponentLogger("inbox"),
	}
}

// Result is what Process returns: the rendered processing log (attached to
// the turn via turns.Manager.EnrichTurnInputs) and whether anything was
// ingested at all.
type Result struct {
	ProcessingLog []model.ProcessedInboxItemLog
	Ingested      int
}

// Process runs the full per-turn inbox drain: TTL GC, priority sort,
// per-item ingestion, injection into state.Messages, and
// consumption-policy-driven removal.
func (p *Processor) Process(sub *model.SubContext, profileOverrides map[string]model.InboxHandlingStrategy) Result {
	acc := vmodel.NewAccessor(vmodel.NewSubContextScope(sub))

	var items []*model.InboxItem
	sub.WithLock(func(st *model.SubContextState) {
		items = gcAndSurvive(st.Inbox)
		st.Inbox = items
	})
	if len(items) == 0 {
		return Result{}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Source.Priority() < items[j].Source.Priority()
	})

	var log []model.ProcessedInboxItemLog
	remaining := items[:0:0]

	for _, item := range items {
		if item.Source == model.SourceUserPrompt {
			// user_turn creation is performed by the caller (agent loop),
			// which has the turns.Manager and can link it to the baton;
			// the processor only records that this item triggered it.
		}

		strategy, strategySource := Resolve(profileOverrides, item.Source)
		ingestor, ok := p.registry.Get(strategy.Ingestor)
		if !ok {
			ingestor = p.registry.byName["markdown_formatter"]
		}

		rendered, err := ingestor(item.Payload, strategy.Params, acc)
		if err != nil {
			rendered = inBandSystemError(item.Source, err)
			p.log.Error("ingestor_failed source=%s err=%v", item.Source, err)
		}

		p.inject(sub, strategy, rendered, item)

		if item.Source == model.SourceToolResult && p.turns != nil {
			toolCallID, isErr := toolResultCallID(item.Payload)
			if toolCallID != "" {
				p.turns.UpdateToolInteractionResult(sub.Refs.Team, toolCallID, item.Payload, isErr)
			}
		}

		if item.Source == model.SourceAgentStartupBriefing {
			sub.WithLock(func(st *model.SubContextState) { st.Flags.InitialBriefingDelivered = true })
		}

		log = append(log, model.ProcessedInboxItemLog{
			ItemID:                 item.ItemID,
			Source:                 item.Source,
			TriggeringObserverID:   item.Metadata.TriggeringObserverID,
			HandlingStrategySource: strategySource,
			IngestorUsed:           strategy.Ingestor,
			InjectionMode:          strategy.InjectionMode,
			InjectedContent:        rendered,
			PredictedTokenCount:    estimateTokens(rendered),
		})

		if item.ConsumptionPolicy != model.ConsumeOnRead {
			remaining = append(remaining, item)
		}
	}

	sub.WithLock(func(st *model.SubContextState) { st.Inbox = remaining })
	return Result{ProcessingLog: log, Ingested: len(log)}
}

// gcAndSurvive applies the TTL garbage-collection pass (spec §4.2): every
// persistent item's turn-count-in-inbox is incremented, and items past
// max_turns_in_inbox are dropped before priority sorting even sees them.
func gcAndSurvive(items []*model.InboxItem) []*model.InboxItem {
	survivors := make([]*model.InboxItem, 0, len(items))
	for _, item := range items {
		if item.ConsumptionPolicy == model.PersistentUntilConsumed && item.Metadata.MaxTurnsInInbox > 0 {
			item.Metadata.TurnCountInInbox++
		}
		if item.ExceedsTTL() {
			continue
		}
		survivors = append(survivors, item)
	}
	return survivors
}

func (p *Processor) inject(sub *model.SubContext, strategy Strategy, rendered string, item *model.InboxItem) {
	msg := model.Message{Role: strategy.Role, Content: rendered}
	if strategy.Role == model.RoleTool {
		if id, _ := toolResultCallID(item.Payload); id != "" {
			msg.ToolCallID = id
		}
		if name, ok := toolResultName(item.Payload); ok {
			msg.ToolName = name
		}
	}

	sub.WithLock(func(st *model.SubContextState) {
		switch strategy.InjectionMode {
		case model.InjectPrependToRole:
			for i := range st.Messages {
				if st.Messages[i].Role == strategy.Role {
					st.Messages[i].Content = rendered + "\n---\n" + st.Messages[i].Content
					if strategy.Persistent {
						st.Messages = append(st.Messages, msg)
					}
					return
				}
			}
			st.Messages = append(st.Messages, msg)
		default: // append_as_new_message
			st.Messages = append(st.Messages, msg)
		}
	})
}

func toolResultCallID(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	id, _ := m["tool_call_id"].(string)
	isErr, _ := m["is_error"].(bool)
	if status, ok := m["status"].(string); ok && status == "error" {
		isErr = true
	}
	return id, isErr
}

func toolResultName(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := m["tool_name"].(string)
	return name, ok
}

// inBandSystemError produces the structured advisory injected on ingestor
// failure (spec §7 "Inject an in-band system error message advising the
// agent to continue and warn").
func inBandSystemError(source model.Source, err error) string {
	return fmt.Sprintf("<system_error source=%q>\nAn internal error occurred while preparing this message: %v.\nWarn the user briefly, then continue.\n</system_error>", source, err)
}

// estimateTokens is the per-item audit-log token count (spec §9 open
// question: "prefer the transport's tokenizer when available" — no live
// transport is connected yet at ingest time, so this uses the same
// tiktoken-go estimator as the Agent Loop's predictedTokens, rather than a
// second, disagreeing heuristic).
func estimateTokens(s string) int {
	return tokencount.Estimate(s)
}
