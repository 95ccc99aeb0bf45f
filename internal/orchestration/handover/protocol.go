// Package handover implements the Handover Service (C5): a declarative,
// YAML-defined protocol that assembles a sub-agent's briefing payload
// (and target InboxItem envelope) out of the launching context's state,
// without any agent-loop code hand-writing per-profile glue.
//
// Grounded on
// original_source/.../framework/handover_service.py, translated rule-for-
// rule onto the vmodel package built for this purpose: every `eval()` call
// in the source becomes a vmodel.Eval call against the same prefixed
// scope.
package handover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"alex/internal/logging"
	"alex/internal/orchestration/vmodel"
)

// InheritanceRule is one entry in a protocol's `inheritance` list.
type InheritanceRule struct {
	Condition       string         `yaml:"condition"`
	FromSource      SourceConfig   `yaml:"from_source"`
	AsPayloadKey    string         `yaml:"as_payload_key"`
	HandoverTitle   string         `yaml:"x-handover-title"`
	Schema          map[string]any `yaml:"schema"`
}

// SourceConfig describes where an inheritance rule pulls data from: either
// a single {path, replace} template, or an iterative
// {path_to_iterate, iterate_on} form that fans out over a list.
type SourceConfig struct {
	Path          string            `yaml:"path"`
	Replace       map[string]string `yaml:"replace"`
	PathToIterate string            `yaml:"path_to_iterate"`
	IterateOn     map[string]string `yaml:"iterate_on"`
}

// TargetInboxItem names the InboxItem source the assembled payload lands
// under in the recipient's inbox.
type TargetInboxItem struct {
	Source string `yaml:"source"`
}

// Protocol is one parsed handover_protocols/*.yaml document.
type Protocol struct {
	ProtocolName      string            `yaml:"protocol_name"`
	ContextParameters map[string]any    `yaml:"context_parameters"`
	Inheritance       []InheritanceRule `yaml:"inheritance"`
	TargetInboxItem   TargetInboxItem   `yaml:"target_inbox_item"`
}

// Result is the assembled {source, payload:{data, schema_for_rendering}}
// envelope handed to the recipient's inbox.
type Result struct {
	Source             string
	Data               map[string]any
	SchemaForRendering map[string]any
}

// Service holds the loaded protocol catalog.
type Service struct {
	protocols map[string]*Protocol
	log       logging.Logger
}

// New returns an empty Service; call LoadDir to populate it.
func New() *Service {
	return &Service{protocols: make(map[string]*Protocol), log: logging.NewComponentLogger("handover")}
}

// LoadDir reads every *.yaml file in dir as a Protocol (spec §4.5: loaded
// once at startup from a protocols directory).
func (s *Service) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("handover: read protocols dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			s.log.Error("handover_protocol_load_failed filename=%s err=%v", entry.Name(), err)
			continue
		}
		var p Protocol
		if err := yaml.Unmarshal(b, &p); err != nil {
			s.log.Error("handover_protocol_load_failed filename=%s err=%v", entry.Name(), err)
			continue
		}
		if p.ProtocolName == "" {
			continue
		}
		s.protocols[p.ProtocolName] = &p
		s.log.Info("handover_protocol_loaded protocol_name=%s", p.ProtocolName)
	}
	return nil
}

// Register adds or overrides a protocol programmatically (used by tests
// and by any embedding that prefers code-defined protocols over YAML
// files).
func (s *Service) Register(p *Protocol) { s.protocols[p.ProtocolName] = p }

// GetProtocolSchema returns a protocol's declared context_parameters
// schema, for tool registration to merge into the launching tool's
// parameters (spec §4.7 step 1).
func (s *Service) GetProtocolSchema(protocolName string) (map[string]any, bool) {
	p, ok := s.protocols[protocolName]
	if !ok {
		return nil, false
	}
	return p.ContextParameters, true
}

// Execute assembles the handover payload for one protocol against the
// launching scope (spec §4.5's three steps: direct tool-call parameters,
// conditional inheritance rules, envelope construction).
func (s *Service) Execute(protocolName string, scope vmodel.Scope, toolParams map[string]any) (Result, error) {
	p, ok := s.protocols[protocolName]
	if !ok {
		return Result{}, fmt.Errorf("handover: protocol %q not found", protocolName)
	}

	payload := make(map[string]any)
	schemaProps := make(map[string]any)

	if props, ok := asProperties(p.ContextParameters); ok {
		for name := range props {
			if v, ok := toolParams[name]; ok {
				payload[name] = v
			}
			schemaProps[name] = props[name]
		}
	}

	acc := vmodel.NewAccessor(scope)
	for _, rule := range p.Inheritance {
		cond := rule.Condition
		if cond == "" {
			cond = "true"
		}
		ok, err := acc.Eval(cond)
		if err != nil {
			s.log.Warn("inheritance_condition_evaluation_failed condition=%s err=%v", cond, err)
			continue
		}
		if !ok {
			continue
		}
		if rule.AsPayloadKey == "" {
			continue
		}

		inherited, found := resolveInheritance(acc, rule)
		if !found {
			continue
		}

		payload[rule.AsPayloadKey] = inherited
		title := rule.HandoverTitle
		if title == "" {
			title = rule.AsPayloadKey
		}
		minimalSchema := map[string]any{"x-handover-title": title}
		for k, v := range rule.Schema {
			minimalSchema[k] = v
		}
		schemaProps[rule.AsPayloadKey] = minimalSchema
	}

	return Result{
		Source:             p.TargetInboxItem.Source,
		Data:               payload,
		SchemaForRendering: map[string]any{"type": "object", "properties": schemaProps},
	}, nil
}

func asProperties(contextParameters map[string]any) (map[string]any, bool) {
	if contextParameters == nil {
		return nil, false
	}
	props, ok := contextParameters["properties"].(map[string]any)
	return props, ok
}

func resolveInheritance(acc *vmodel.Accessor, rule InheritanceRule) (any, bool) {
	src := rule.FromSource
	if src.PathToIterate != "" && len(src.IterateOn) > 0 {
		return resolveIterative(acc, src)
	}
	if src.Path != "" {
		resolved, ok := resolvePathTemplate(acc, src.Path, src.Replace)
		if !ok {
			return nil, false
		}
		v, ok := acc.Get(resolved)
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

func resolveIterative(acc *vmodel.Accessor, src SourceConfig) (any, bool) {
	placeholders := make([]string, 0, len(src.IterateOn))
	for ph := range src.IterateOn {
		placeholders = append(placeholders, ph)
	}
	sort.Strings(placeholders)

	var aggregated []any
	for _, placeholder := range placeholders {
		valuePath := src.IterateOn[placeholder]
		values, ok := acc.Get(valuePath)
		if !ok {
			continue
		}
		list, ok := values.([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			resolvedPath := substitutePlaceholder(src.PathToIterate, placeholder, fmt.Sprint(v))
			part, ok := acc.Get(resolvedPath)
			if !ok || part == nil {
				continue
			}
			if items, ok := part.([]any); ok {
				aggregated = append(aggregated, items...)
			} else {
				aggregated = append(aggregated, part)
			}
		}
	}
	if len(aggregated) == 0 {
		return nil, false
	}
	return aggregated, true
}

func resolvePathTemplate(acc *vmodel.Accessor, pathTemplate string, replacements map[string]string) (string, bool) {
	resolved := pathTemplate
	for placeholder, valuePath := range replacements {
		v, ok := acc.Get(valuePath)
		if !ok || v == nil {
			return "", false
		}
		resolved = substitutePlaceholder(resolved, placeholder, fmt.Sprint(v))
	}
	if containsUnresolvedPlaceholder(resolved) {
		return "", false
	}
	return resolved, true
}

func substitutePlaceholder(template, placeholder, value string) string {
	token := "{{ " + placeholder + " }}"
	return strings.ReplaceAll(template, token, value)
}

func containsUnresolvedPlaceholder(s string) bool {
	return strings.Contains(s, "{{")
}
