package agentloop

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"alex/internal/orchestration/model"
	"alex/internal/orchestration/vmodel"
)

const criticalSegmentFailureAdvisory = `

---
**[[CRITICAL SYSTEM PROMPT FAILURE]]**
**Alert:** A core part of your instructions (System Prompt Segment ID: %q) failed to generate due to an internal error: %v
**Your operational context is now incomplete and potentially unreliable.**
**Mandatory Action:**
1.  In your very next response to the user, you MUST start your message by stating: 'Warning: A critical internal error has occurred, and my operational instructions may be incomplete. I will proceed with caution, but my response might not be fully accurate.'
2.  After this warning, proceed with the user's request to the best of your ability using the remaining instructions.
3.  Do not refer to this error message again unless directly asked by the user.
---

`

// constructSystemPrompt implements spec §4.1 prep.5: render every
// profile-declared segment in Order, skipping those whose condition is
// false, substituting an in-band advisory for one that errors instead of
// aborting the whole prompt.
func (l *Loop) constructSystemPrompt() (string, []model.SystemPromptSegmentLog) {
	acc := vmodel.NewAccessor(vmodel.NewSubContextScope(l.sub))

	segments := append([]model.PromptSegment(nil), l.profile.SystemPromptSegments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Order < segments[j].Order })

	var parts []string
	var log []model.SystemPromptSegmentLog

	for _, seg := range segments {
		conditionMet := seg.Condition == "" || seg.Condition == "true" || seg.Condition == "True"
		if !conditionMet {
			conditionMet = acc.MustEval(seg.Condition)
		}

		entry := model.SystemPromptSegmentLog{SegmentID: seg.ID, ConditionResult: conditionMet}
		if !conditionMet {
			entry.Skipped = true
			log = append(log, entry)
			continue
		}

		rendered, err := l.renderSegment(seg, acc)
		if err != nil {
			entry.Error = err.Error()
			rendered = fmt.Sprintf(criticalSegmentFailureAdvisory, seg.ID, err)
		}
		rendered = acc.Interpolate(rendered)
		entry.RenderedContent = rendered
		log = append(log, entry)

		if rendered != "" {
			parts = append(parts, rendered)
		}
	}

	return strings.Join(parts, "\n\n"), log
}

func (l *Loop) renderSegment(seg model.PromptSegment, acc *vmodel.Accessor) (string, error) {
	switch seg.Type {
	case model.SegmentStaticText:
		if text, ok := l.profile.TextDefinitions[seg.ContentKey]; ok {
			return text, nil
		}
		return "", nil

	case model.SegmentStateValue:
		if seg.SourceStatePath == "" {
			return "", fmt.Errorf("segment %q: state_value requires SourceStatePath", seg.ID)
		}
		raw, found := acc.Get(seg.SourceStatePath)
		if seg.IngestorID != "" {
			ing, ok := l.deps.Ingestors.Get(seg.IngestorID)
			if !ok {
				return "", fmt.Errorf("segment %q: unknown ingestor %q", seg.ID, seg.IngestorID)
			}
			return ing(raw, seg.IngestorParams, acc)
		}
		if !found || raw == nil {
			return "", nil
		}
		return toDisplayString(raw), nil

	case model.SegmentToolDescription:
		return l.renderToolDescriptions(), nil
	}
	return "", fmt.Errorf("segment %q: unknown type %q", seg.ID, seg.Type)
}

func (l *Loop) renderToolDescriptions() string {
	if l.deps.ToolReg == nil {
		return ""
	}
	var subOverride []string
	l.sub.ReadLocked(func(st model.SubContextState) { subOverride = st.Flags.AllowedToolsets })
	names := l.deps.ToolReg.EffectiveToolSet(l.profile.ToolAccessPolicy, subOverride)
	byToolset := l.deps.ToolReg.ListByToolset(names)

	toolsets := make([]string, 0, len(byToolset))
	for ts := range byToolset {
		toolsets = append(toolsets, ts)
	}
	sort.Strings(toolsets)

	var b strings.Builder
	for _, ts := range toolsets {
		b.WriteString("### " + ts + "\n")
		defs := byToolset[ts]
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		for _, d := range defs {
			b.WriteString("- **" + d.Name + "**: " + d.Description + "\n")
		}
	}
	return b.String()
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}
