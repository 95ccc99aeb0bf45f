package vmodel

import (
	"fmt"
	"regexp"
	"strings"
)

var templateRef = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Interpolate replaces every `{{ path }}` occurrence in tmpl with the
// string form of the resolved value (spec §4.2 templated_content ingestor;
// §4.1 handover condition's companion templating). A reference that
// resolves to nil renders as an empty string rather than erroring, so a
// missing optional field degrades gracefully instead of corrupting the
// rendered prompt.
func Interpolate(scope Scope, tmpl string) string {
	return templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templateRef.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		path := strings.TrimSpace(sub[1])
		val, ok := Get(scope, path)
		if !ok || val == nil {
			return ""
		}
		return toStr(val)
	})
}

// Accessor bundles a Scope with the Eval/Interpolate/Get convenience
// methods so call sites in inbox/agentloop/handover don't need to import
// both this package's free functions and a Scope value separately.
type Accessor struct {
	Scope Scope
}

// NewAccessor wraps scope.
func NewAccessor(scope Scope) *Accessor { return &Accessor{Scope: scope} }

// Get resolves a dotted/indexed path.
func (a *Accessor) Get(path string) (any, bool) { return Get(a.Scope, path) }

// Eval evaluates a boolean condition expression.
func (a *Accessor) Eval(expr string) (bool, error) { return Eval(a.Scope, expr) }

// Interpolate renders a `{{ path }}` template string.
func (a *Accessor) Interpolate(tmpl string) string { return Interpolate(a.Scope, tmpl) }

// MustEval evaluates expr, treating any parse/resolve error as false —
// used by call sites that must never abort on a malformed profile-declared
// condition (spec §7 "System-prompt segment error" / observer semantics:
// failures degrade to an in-band advisory, never a panic).
func (a *Accessor) MustEval(expr string) bool {
	ok, err := a.Eval(expr)
	if err != nil {
		return false
	}
	return ok
}

// EvalDescribe is like Eval but also returns a short diagnostic string on
// failure, for callers that log/record the condition-evaluation outcome
// (Turn.Inputs.SystemPromptLog, ProcessedInboxItemLog).
func EvalDescribe(scope Scope, expr string) (bool, string) {
	ok, err := Eval(scope, expr)
	if err != nil {
		return false, fmt.Sprintf("condition error: %v", err)
	}
	return ok, ""
}
