// Package vmodel implements the V-Model accessor: a unified path resolver
// and a small, non-eval expression parser for observer conditions,
// flow-decider conditions, system-prompt segment conditions, handover
// `condition` fields, and `{{ path }}` template interpolation (spec §4.10).
//
// The source language evaluates these with a sandboxed eval(); the design
// note in spec §9 calls for replacing that with a purpose-built parser to
// remove injection risk and gain static checkability. No pack dependency
// implements this kind of expression DSL (checked: none of the example
// repos import an expr/govaluate/cel-go style library), so this package is
// hand-written against the stdlib only — the one deliberate stdlib-only
// component in the orchestration core, justified in DESIGN.md.
package vmodel

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Prefix is one of the root namespaces a path may start with (spec §4.10
// table). A path with no recognized prefix is resolved against "state".
type Prefix string

const (
	PrefixState         Prefix = "state"
	PrefixMeta          Prefix = "meta"
	PrefixTeam          Prefix = "team"
	PrefixRun           Prefix = "run"
	PrefixConfig        Prefix = "config"
	PrefixInitialParams Prefix = "initial_params"
	PrefixFlags         Prefix = "flags"
	PrefixPrincipal     Prefix = "principal"
	PrefixPartner       Prefix = "partner"
)

var knownPrefixes = map[string]Prefix{
	"state":          PrefixState,
	"meta":           PrefixMeta,
	"team":           PrefixTeam,
	"run":            PrefixRun,
	"config":         PrefixConfig,
	"initial_params": PrefixInitialParams,
	"flags":          PrefixFlags,
	"principal":      PrefixPrincipal,
	"partner":        PrefixPartner,
}

// Scope supplies the root object for each V-Model prefix. Implementations
// typically wrap a *model.SubContext; callers in internal/orchestration
// construct one via NewSubContextScope (see scope.go).
type Scope interface {
	Root(prefix Prefix) (any, bool)
}

// segment is one parsed step of a path: either a map/field key, or a list
// index (possibly negative).
type segment struct {
	key      string
	index    int
	isIndex  bool
}

// splitPath tokenizes a dotted path with optional [n] index suffixes,
// supporting greedy matching where a key itself contains literal dots (the
// parser does not know this ahead of time, so walk falls back to greedily
// rejoining key segments when a plain lookup fails).
func splitPath(path string) []segment {
	var segs []segment
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, segment{key: cur.String()})
			cur.Reset()
		}
	}
	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			flush()
			i++
		case '[':
			flush()
			j := strings.IndexByte(path[i:], ']')
			if j < 0 {
				cur.WriteByte(c)
				i++
				continue
			}
			numStr := path[i+1 : i+j]
			n, err := strconv.Atoi(strings.TrimSpace(numStr))
			if err == nil {
				segs = append(segs, segment{index: n, isIndex: true})
			}
			i += j + 1
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return segs
}

// Get resolves a full path ("state.messages[-1].content" etc.) against
// scope. The first segment, if it names a known prefix, selects the root;
// otherwise the whole path is resolved against "state" (spec §4.10: state
// is "the default if no prefix").
func Get(scope Scope, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}

	prefix := PrefixState
	rest := segs
	if !segs[0].isIndex {
		if p, ok := knownPrefixes[segs[0].key]; ok {
			prefix = p
			rest = segs[1:]
		}
	}

	root, ok := scope.Root(prefix)
	if !ok {
		return nil, false
	}
	return walk(root, rest)
}

// walk descends seg-by-seg into v, supporting maps, slices/arrays, structs
// (by exported field name, case-insensitive) and pointers. When a plain
// key lookup fails partway, it retries by greedily rejoining the remaining
// key segments with '.' (spec §4.10: "greedy matching where a key itself
// contains dots"), one fewer segment at a time.
func walk(v any, segs []segment) (any, bool) {
	cur := v
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		next, ok := step(cur, seg)
		if ok {
			cur = next
			continue
		}
		if seg.isIndex {
			return nil, false
		}
		// Greedy-dotted-key fallback: try joining this and subsequent
		// plain-key segments into one literal key, shrinking the window
		// until something resolves or we give up.
		for end := len(segs); end > i+1; end-- {
			joined := joinKeys(segs[i:end])
			if next, ok := step(cur, segment{key: joined}); ok {
				rem, ok := walk(next, segs[end:])
				if ok {
					return rem, true
				}
			}
		}
		return nil, false
	}
	return cur, true
}

func joinKeys(segs []segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.isIndex {
			return "" // can't join an index into a literal key
		}
		parts = append(parts, s.key)
	}
	return strings.Join(parts, ".")
}

// FieldAccessor lets a type with unexported internals (e.g. TeamState,
// guarded by its own mutex) expose a controlled set of named fields to the
// V-Model accessor without reflection reaching into private state.
type FieldAccessor interface {
	VModelField(name string) (any, bool)
}

func step(v any, seg segment) (any, bool) {
	if !seg.isIndex {
		if fa, ok := v.(FieldAccessor); ok {
			return fa.VModelField(seg.key)
		}
	}
	v = deref(v)
	if v == nil {
		return nil, false
	}
	if seg.isIndex {
		return indexInto(v, seg.index)
	}
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[seg.key]
		return val, ok
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			if fmt.Sprint(k.Interface()) == seg.key {
				return rv.MapIndex(k).Interface(), true
			}
		}
		return nil, false
	case reflect.Struct:
		return structField(rv, seg.key)
	}
	return nil, false
}

func structField(rv reflect.Value, key string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, key) || strings.EqualFold(toSnake(f.Name), key) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func indexInto(v any, idx int) (any, bool) {
	v = deref(v)
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	n := rv.Len()
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return nil, false
	}
	return rv.Index(idx).Interface(), true
}

func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}
