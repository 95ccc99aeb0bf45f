// Package tools implements the Tool Registry & Proxy (C6): a process-wide
// catalog of internal and external tools behind one invocation contract,
// with handover-protocol schema merging, `x-*` custom-field sanitization
// for the copy published to LLMs, and per-profile effective tool-set
// computation.
//
// Grounded on internal/app/toolregistry/registry.go's registration/wrapping
// idiom (static/dynamic/mcp tiers, policy-aware filtering) and
// internal/infra/mcp/registry.go's external-server proxying, adapted from
// the teacher's domain-agent tool contract onto spec §4.7's simpler one.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"alex/internal/logging"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/model"
)

// Kind is a tool's implementation category.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindExternalProxy Kind = "external_proxy"
)

// Func is a tool's actual invocation logic.
type Func func(ctx context.Context, params map[string]any) (any, error)

// callingSubContextKey carries the invoking agent's *model.SubContext
// through a Func call, the same empty-struct context-key idiom the
// teacher uses for request-scoped values (e.g. appcontext.PresetContextKey).
// A process-wide Registry has no per-agent closure state of its own, so a
// Func that needs to read or mutate the calling agent's SubContext (rather
// than just its params) retrieves it this way instead of the registry
// threading one sub-context per tool.
type callingSubContextKey struct{}

// WithCallingSubContext attaches sub to ctx for the duration of one tool
// invocation.
func WithCallingSubContext(ctx context.Context, sub *model.SubContext) context.Context {
	return context.WithValue(ctx, callingSubContextKey{}, sub)
}

// CallingSubContext retrieves the SubContext WithCallingSubContext attached,
// if any.
func CallingSubContext(ctx context.Context) (*model.SubContext, bool) {
	sub, ok := ctx.Value(callingSubContextKey{}).(*model.SubContext)
	return sub, ok
}

// Entry is one registered tool's full definition (spec §4.7: name,
// description, JSON-schema parameters, implementation kind, ends_flow
// flag, toolset name, optional handover_protocol, optional KB item type).
type Entry struct {
	Name             string
	Description      string
	Parameters       map[string]any // raw JSON schema, pre-merge, pre-sanitize
	Kind             Kind
	EndsFlow         bool
	Toolset          string
	HandoverProtocol string
	KBItemType       string
	Implementation   Func

	// resolved at registration time
	effectiveSchema map[string]any // handover-merged, still carries x-* fields
	publishedSchema map[string]any // effectiveSchema with x-* stripped, what LLMs see
}

// Registry is the process-wide tool catalog.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	handover *handover.Service
	log      logging.Logger
}

// New builds an empty Registry. handoverSvc may be nil if no tool in this
// process declares a handover_protocol.
func New(handoverSvc *handover.Service) *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		handover: handoverSvc,
		log:      logging.NewComponentLogger("tools"),
	}
}

// Register adds a tool, performing handover-protocol schema merging and
// x-* sanitization per spec §4.7 step 1-2. Registering a name twice is an
// error: tool identity must be unambiguous for the whole process.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("tools: tool already registered: %s", e.Name)
	}

	schema := cloneSchema(e.Parameters)
	if e.HandoverProtocol != "" && r.handover != nil {
		if protoSchema, ok := r.handover.GetProtocolSchema(e.HandoverProtocol); ok {
			schema = mergeHandoverSchema(schema, protoSchema)
		}
	}
	e.effectiveSchema = schema
	e.publishedSchema = sanitizeSchema(schema)

	r.entries[e.Name] = e
	r.log.Info("tool_registered name=%s kind=%s toolset=%s", e.Name, e.Kind, e.Toolset)
	return nil
}

// ExternalName builds the "server_name.tool_name" composite identifier
// external tools are registered and invoked under (spec §4.7).
func ExternalName(serverName, toolName string) string {
	return serverName + "." + toolName
}

// Get looks up a registered tool by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// PublishedSchema returns the x-*-stripped parameter schema shown to LLMs.
func (e *Entry) PublishedSchema() map[string]any { return e.publishedSchema }

// Definition is the minimal shape an LLM transport needs to advertise one
// callable tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// List returns every registered tool's LLM-facing definition, names
// sorted for deterministic prompt construction.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Definition, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		out = append(out, Definition{Name: e.Name, Description: e.Description, Parameters: e.publishedSchema})
	}
	return out
}

// ListForNames returns the LLM-facing definitions for exactly the given
// tool names (the effective tool set for one agent's turn), in the order
// given by names filtered to only those registered.
func (r *Registry) ListForNames(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		out = append(out, Definition{Name: e.Name, Description: e.Description, Parameters: e.publishedSchema})
	}
	return out
}

// ListByToolset groups the named tools' definitions under their
// registered toolset name, for the "tool_description" system-prompt
// segment's by-toolset rendering (spec §4.1 prep.5, grounded on
// format_tools_for_prompt_by_toolset). Tools with no toolset fall under
// their own name as toolset key, mirroring the teacher's fallback.
func (r *Registry) ListByToolset(names []string) map[string][]Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Definition)
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		toolset := e.Toolset
		if toolset == "" {
			toolset = e.Name
		}
		out[toolset] = append(out[toolset], Definition{Name: e.Name, Description: e.Description, Parameters: e.publishedSchema})
	}
	return out
}

// mergeHandoverSchema merges a handover protocol's context_parameters
// properties/required into the tool's own schema. For an array-typed
// parameter whose items schema is a single object, the merge targets that
// items schema instead, so fan-out tools inherit per-item (spec §4.7
// step 1's "array-based fan-out tools get per-item inheritance").
func mergeHandoverSchema(toolSchema, protocolSchema map[string]any) map[string]any {
	if protocolSchema == nil {
		return toolSchema
	}
	if toolSchema == nil {
		toolSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	target := toolSchema
	if toolSchema["type"] == "array" {
		if items, ok := toolSchema["items"].(map[string]any); ok && items["type"] == "object" {
			target = items
		}
	}

	props, _ := target["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
		target["properties"] = props
	}
	if protoProps, ok := protocolSchema["properties"].(map[string]any); ok {
		for k, v := range protoProps {
			props[k] = v
		}
	}

	if protoRequired, ok := protocolSchema["required"].([]any); ok {
		required, _ := target["required"].([]any)
		required = append(required, protoRequired...)
		target["required"] = required
	}

	return toolSchema
}

// sanitizeSchema returns a deep copy of schema with every `x-*` key
// removed, recursively, so internal-only annotations (e.g.
// x-handover-title) never reach the LLM-facing copy (spec §4.7 step 2).
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeSchema(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return deepCopyMap(schema)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// EffectiveToolSet computes the tools one profile/sub-context may call
// this turn: the union of (a) tools whose toolset is in
// policy.AllowedToolsets, (b) tools individually named in
// policy.AllowedTools, overridden for Associates by any
// subContextAllowedToolsets on their own state (spec §4.7 final
// paragraph).
func (r *Registry) EffectiveToolSet(policy model.ToolAccessPolicy, subContextAllowedToolsets []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	toolsets := policy.AllowedToolsets
	if len(subContextAllowedToolsets) > 0 {
		toolsets = subContextAllowedToolsets
	}
	allowedToolsets := make(map[string]bool, len(toolsets))
	for _, ts := range toolsets {
		allowedToolsets[ts] = true
	}
	allowedTools := make(map[string]bool, len(policy.AllowedTools))
	for _, name := range policy.AllowedTools {
		allowedTools[name] = true
	}

	var out []string
	for name, e := range r.entries {
		if allowedToolsets[e.Toolset] || allowedTools[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
