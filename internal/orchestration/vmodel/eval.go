package vmodel

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Eval parses and evaluates a condition expression against scope, returning
// its truthiness (spec §4.10's sandbox: accessor + any/all/len/str/int).
// An empty expression is treated as always-true, matching "Conditions
// whose... is empty" callers (e.g. PromptSegment.Condition left unset).
func Eval(scope Scope, expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	node, err := Parse(expr)
	if err != nil {
		return false, err
	}
	val, err := evalNode(scope, node)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

func evalNode(scope Scope, n Node) (any, error) {
	switch v := n.(type) {
	case literalNode:
		return v.value, nil
	case pathNode:
		val, _ := Get(scope, v.path)
		return val, nil
	case notNode:
		inner, err := evalNode(scope, v.x)
		if err != nil {
			return nil, err
		}
		return !truthy(inner), nil
	case andNode:
		left, err := evalNode(scope, v.left)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := evalNode(scope, v.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case orNode:
		left, err := evalNode(scope, v.left)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := evalNode(scope, v.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case compareNode:
		left, err := evalNode(scope, v.left)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(scope, v.right)
		if err != nil {
			return nil, err
		}
		return compare(v.op, left, right)
	case callNode:
		return evalCall(scope, v)
	}
	return nil, fmt.Errorf("vmodel: unknown node type %T", n)
}

func evalCall(scope Scope, c callNode) (any, error) {
	args := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := evalNode(scope, a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch c.name {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("vmodel: len() takes exactly one argument")
		}
		return float64(length(args[0])), nil
	case "str":
		if len(args) != 1 {
			return nil, fmt.Errorf("vmodel: str() takes exactly one argument")
		}
		return toStr(args[0]), nil
	case "int":
		if len(args) != 1 {
			return nil, fmt.Errorf("vmodel: int() takes exactly one argument")
		}
		return toInt(args[0]), nil
	case "any":
		for _, a := range args {
			if truthy(a) {
				return true, nil
			}
		}
		if len(args) == 1 {
			return anyOf(args[0]), nil
		}
		return false, nil
	case "all":
		if len(args) == 1 {
			return allOf(args[0]), nil
		}
		for _, a := range args {
			if !truthy(a) {
				return false, nil
			}
		}
		return true, nil
	}
	return nil, fmt.Errorf("vmodel: unknown function %q", c.name)
}

func anyOf(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return truthy(v)
	}
	for i := 0; i < rv.Len(); i++ {
		if truthy(rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func allOf(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return truthy(v)
	}
	for i := 0; i < rv.Len(); i++ {
		if !truthy(rv.Index(i).Interface()) {
			return false
		}
	}
	return true
}

func length(v any) int {
	if v == nil {
		return 0
	}
	if s, ok := v.(string); ok {
		return len(s)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len()
	}
	return 0
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case int:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// truthy mirrors the source's Python-style falsy set: nil, false, zero
// numbers, empty strings, and empty collections are false; everything else
// is true.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func compare(op string, left, right any) (bool, error) {
	if lf, rf, ok := asNumbers(left, right); ok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, rs := toStr(left), toStr(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("vmodel: unknown comparison operator %q", op)
}

func asNumbers(left, right any) (float64, float64, bool) {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	return lf, rf, lok && rok
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
