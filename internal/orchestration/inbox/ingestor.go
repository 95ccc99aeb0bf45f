// Package inbox implements the Inbox & Ingestor pipeline (C3/C4): the
// typed, prioritized per-agent event queue, its pluggable rendering
// strategies, the InboxProcessor that drains it each turn, and the
// tool-call safenet that enforces proximity/symmetry on the hydrated
// message stream before every LLM call.
//
// Grounded on original_source/.../framework/inbox_processor.py and
// .../events/event_strategies.py, translated strategy-for-strategy.
package inbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/vmodel"
)

// Ingestor renders one InboxItem's payload to text for injection into the
// message history. Pure function: (payload, params, scope) -> text (spec
// §4.2 "ingestors are pure functions").
type Ingestor func(payload any, params map[string]any, acc *vmodel.Accessor) (string, error)

// Registry is a name-keyed ingestor lookup (design note §9: "an interface
// trait Ingestor ... behind registries keyed by string").
type Registry struct {
	byName map[string]Ingestor
}

// NewRegistry returns a Registry pre-populated with the minimum ingestor
// set spec §4.2 names.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Ingestor)}
	r.Register("templated_content", templatedContent)
	r.Register("markdown_formatter", markdownFormatter)
	r.Register("tool_result", toolResult)
	r.Register("generic_message", genericMessage)
	r.Register("tagged_content", taggedContent)
	r.Register("json_history", jsonHistory)
	r.Register("protocol_aware", protocolAware)
	r.Register("principal_history_summary", principalHistorySummary)
	r.Register("work_modules", workModules)
	r.Register("observer_failure", observerFailure)
	r.Register("user_prompt", userPrompt)
	r.Register("dispatch_result", dispatchResult)
	return r
}

// Register adds or overrides one named ingestor.
func (r *Registry) Register(name string, ing Ingestor) { r.byName[name] = ing }

// Get looks up an ingestor by name.
func (r *Registry) Get(name string) (Ingestor, bool) {
	ing, ok := r.byName[name]
	return ing, ok
}

func templatedContent(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	tmplName, _ := params["template"].(string)
	tmpl, _ := params["template_text"].(string)
	if tmpl == "" {
		tmpl = tmplName
	}
	return acc.Interpolate(tmpl), nil
}

func markdownFormatter(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	title, _ := params["title"].(string)
	renames, _ := params["renames"].(map[string]any)
	var b strings.Builder
	if title != "" {
		b.WriteString("## " + title + "\n")
	}
	writeMarkdownTree(&b, payload, renames, 0)
	return b.String(), nil
}

func writeMarkdownTree(b *strings.Builder, v any, renames map[string]any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			label := k
			if renames != nil {
				if r, ok := renames[k].(string); ok {
					label = r
				}
			}
			b.WriteString(fmt.Sprintf("%s- **%s**: ", indent, label))
			writeMarkdownInline(b, t[k], renames, depth)
		}
	case []any:
		for _, item := range t {
			b.WriteString(indent + "- ")
			writeMarkdownInline(b, item, renames, depth)
		}
	default:
		b.WriteString(fmt.Sprintf("%s- %v\n", indent, t))
	}
}

func writeMarkdownInline(b *strings.Builder, v any, renames map[string]any, depth int) {
	switch v.(type) {
	case map[string]any, []any:
		b.WriteString("\n")
		writeMarkdownTree(b, v, renames, depth+1)
	default:
		b.WriteString(fmt.Sprintf("%v\n", v))
	}
}

// ToolResultPayload is the expected shape of a TOOL_RESULT item's payload.
type ToolResultPayload struct {
	Status         string
	Payload        map[string]any
	MainContentForLLM string
	ToolCallID     string
	ToolName       string
	IsError        bool
	ErrorMessage   string
}

func toolResult(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	trp, ok := asToolResultPayload(payload)
	if !ok {
		b, _ := json.Marshal(payload)
		return string(b), nil
	}
	if trp.Status == "error" || trp.IsError {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if trp.MainContentForLLM != "" {
		return trp.MainContentForLLM, nil
	}
	b, err := json.Marshal(trp.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func asToolResultPayload(payload any) (ToolResultPayload, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return ToolResultPayload{}, false
	}
	trp := ToolResultPayload{}
	if s, ok := m["status"].(string); ok {
		trp.Status = s
	}
	if p, ok := m["payload"].(map[string]any); ok {
		trp.Payload = p
		if main, ok := p["main_content_for_llm"].(string); ok {
			trp.MainContentForLLM = main
		}
	}
	if id, ok := m["tool_call_id"].(string); ok {
		trp.ToolCallID = id
	}
	if n, ok := m["tool_name"].(string); ok {
		trp.ToolName = n
	}
	if ie, ok := m["is_error"].(bool); ok {
		trp.IsError = ie
	}
	return trp, true
}

func genericMessage(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	if tmpl, ok := params["template"].(string); ok && tmpl != "" {
		return acc.Interpolate(tmpl), nil
	}
	switch v := payload.(type) {
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		return string(b), err
	}
}

func taggedContent(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	begin, _ := params["begin_tag"].(string)
	end, _ := params["end_tag"].(string)
	if begin == "" {
		begin = "<content>"
	}
	if end == "" {
		end = "</content>"
	}
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	default:
		b, _ := json.Marshal(v)
		body = string(b)
	}
	return begin + "\n" + body + "\n" + end, nil
}

func jsonHistory(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return "```json\n" + string(b) + "\n```", nil
}

// protocolAware renders a Handover Service payload ({data,
// schema_for_rendering}) as recursive markdown with per-field titles
// (spec §4.2 ingestor registry).
func protocolAware(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		b, _ := json.Marshal(payload)
		return string(b), nil
	}
	data, _ := m["data"].(map[string]any)
	schema, _ := m["schema_for_rendering"].(map[string]any)
	var b strings.Builder
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		title := k
		if schema != nil {
			if fieldSchema, ok := schema[k].(map[string]any); ok {
				if t, ok := fieldSchema["x-handover-title"].(string); ok && t != "" {
					title = t
				}
			}
		}
		b.WriteString("### " + title + "\n")
		writeMarkdownInline(&b, data[k], nil, 0)
	}
	return b.String(), nil
}

func principalHistorySummary(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	summary, _ := payload.(string)
	if summary == "" {
		b, _ := json.Marshal(payload)
		summary = string(b)
	}
	return "## Principal activity summary\n" + summary, nil
}

func workModules(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	var b strings.Builder
	b.WriteString("## Work modules\n")
	writeMarkdownTree(&b, payload, nil, 0)
	return b.String(), nil
}

func observerFailure(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	return fmt.Sprintf("<observer_failure>\n%v\n</observer_failure>", payload), nil
}

func userPrompt(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	if m, ok := payload.(map[string]any); ok {
		if p, ok := m["prompt"].(string); ok {
			return p, nil
		}
	}
	if s, ok := payload.(string); ok {
		return s, nil
	}
	b, _ := json.Marshal(payload)
	return string(b), nil
}

func dispatchResult(payload any, params map[string]any, acc *vmodel.Accessor) (string, error) {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return "## Dispatch result\n```json\n" + string(b) + "\n```", nil
}
