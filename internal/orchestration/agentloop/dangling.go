package agentloop

import (
	"fmt"
	"time"

	"alex/internal/orchestration/model"
)

// resolveDanglingToolCalls implements spec §4.1 prep.2, the symmetry
// invariant: scan the last assistant message's tool_calls and synthesize a
// TOOL_RESULT inbox item for any id with neither a message-history nor
// inbox response, before the inbox is processed or the LLM is called.
func resolveDanglingToolCalls(sub *model.SubContext) {
	var messages []model.Message
	var inboxItems []*model.InboxItem
	sub.ReadLocked(func(st model.SubContextState) {
		messages = st.Messages
		inboxItems = st.Inbox
	})

	lastAssistantIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleAssistant {
			lastAssistantIdx = i
			break
		}
	}
	if lastAssistantIdx == -1 || len(messages[lastAssistantIdx].ToolCalls) == 0 {
		return
	}

	expected := make(map[string]model.ToolCall, len(messages[lastAssistantIdx].ToolCalls))
	for _, tc := range messages[lastAssistantIdx].ToolCalls {
		expected[tc.ID] = tc
	}

	responded := make(map[string]bool)
	for i := lastAssistantIdx + 1; i < len(messages); i++ {
		if messages[i].Role == model.RoleAssistant {
			break
		}
		if messages[i].Role == model.RoleTool && messages[i].ToolCallID != "" {
			responded[messages[i].ToolCallID] = true
		}
	}
	for _, item := range inboxItems {
		if item.Source != model.SourceToolResult {
			continue
		}
		if m, ok := item.Payload.(map[string]any); ok {
			if id, ok := m["tool_call_id"].(string); ok {
				responded[id] = true
			}
		}
	}

	for id, tc := range expected {
		if responded[id] {
			continue
		}
		sub.PushInboxItem(&model.InboxItem{
			ItemID: fmt.Sprintf("inbox_resolved_%s", randSuffix()),
			Source: model.SourceToolResult,
			Payload: map[string]any{
				"tool_name":    tc.Name,
				"tool_call_id": id,
				"is_error":     true,
				"content": map[string]any{
					"error":   "tool_call_failed",
					"message": "The tool did not produce a response, or its execution was interrupted before a result could be processed.",
				},
			},
			ConsumptionPolicy: model.ConsumeOnRead,
			Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC(), TriggeringObserverID: "dangling_call_resolver"},
		})
	}
}
