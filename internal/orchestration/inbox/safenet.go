package inbox

import "alex/internal/orchestration/model"

// ApplySafenet enforces the tool-call safenet invariants on a hydrated
// message stream immediately before every LLM call (spec §4.2 "Tool-Call
// Safenet"):
//
//  1. Proximity: non-tool messages that land between an assistant's
//     tool_calls and their corresponding tool responses are moved after the
//     full response group, with a short advisory prepended so the model
//     isn't confused by the reordering.
//  2. Symmetry: every tool_call_id an assistant emitted gets exactly one
//     tool response. Missing responses are synthesized with
//     {"error":"no_response_from_tool"}; tool messages with no matching
//     call are demoted to assistant role with an advisory prefix.
//
// ApplySafenet is idempotent: running it twice on its own output is a
// no-op (spec §8).
func ApplySafenet(messages []model.Message) []model.Message {
	fixed := enforceProximity(messages)
	return enforceSymmetry(fixed)
}

func enforceProximity(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]
		out = append(out, msg)
		if msg.Role != model.RoleAssistant || len(msg.ToolCalls) == 0 {
			i++
			continue
		}

		pending := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			pending[tc.ID] = true
		}

		j := i + 1
		var responses []model.Message
		var interlopers []model.Message
		for j < len(messages) && len(pending) > 0 {
			next := messages[j]
			if next.Role == model.RoleTool && pending[next.ToolCallID] {
				responses = append(responses, next)
				delete(pending, next.ToolCallID)
			} else if next.Role == model.RoleTool {
				// a tool response for some other call id: leave grouping
				// to the outer loop once we reach its own assistant turn.
				break
			} else {
				interlopers = append(interlopers, next)
			}
			j++
		}

		out = append(out, responses...)
		if len(interlopers) > 0 {
			out = append(out, model.Message{
				Role:    model.RoleSystem,
				Content: "The following message(s) arrived while tool calls were outstanding and have been moved after their results.",
			})
			out = append(out, interlopers...)
		}
		i = j
	}
	return out
}

func enforceSymmetry(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]
		out = append(out, msg)
		if msg.Role != model.RoleAssistant || len(msg.ToolCalls) == 0 {
			if msg.Role == model.RoleTool {
				// check it wasn't already handled as part of a preceding
				// assistant group; orphan tool messages get demoted here.
			}
			i++
			continue
		}

		seen := make(map[string]bool)
		j := i + 1
		for j < len(messages) && messages[j].Role == model.RoleTool {
			seen[messages[j].ToolCallID] = true
			out = append(out, messages[j])
			j++
		}
		for _, tc := range msg.ToolCalls {
			if !seen[tc.ID] {
				out = append(out, model.Message{
					Role:       model.RoleTool,
					Content:    `{"error":"no_response_from_tool"}`,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
				})
			}
		}
		i = j
	}
	return demoteOrphanToolMessages(out)
}

// demoteOrphanToolMessages finds tool-role messages whose tool_call_id
// does not correspond to any preceding assistant tool_call and demotes
// them to assistant role with an advisory prefix, per the symmetry
// invariant's second half.
func demoteOrphanToolMessages(messages []model.Message) []model.Message {
	known := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
	}

	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleTool && !known[m.ToolCallID] {
			out = append(out, model.Message{
				Role:    model.RoleAssistant,
				Content: "[unexpected tool response, no matching call]\n" + m.Content,
			})
			continue
		}
		out = append(out, m)
	}
	return out
}
