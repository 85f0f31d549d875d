package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Filter restricts which events a subscription receives. Keys are dotted
// paths into the event data. A value is either the exact value the field must
// equal, or an object of operators:
//
//	{"status": "done"}
//	{"job.priority": {"in": [1, 2]}, "job.owner": {"not": "system"}}
//
// Operators are is, not, like (regular expression), in and nin. An event whose
// data lacks a filtered field does not match.
type Filter map[string]json.RawMessage

// ParseFilter decodes a filter from a subscribe payload. Empty input yields
// a nil filter, which matches everything.
func ParseFilter(raw json.RawMessage) (Filter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid event filter: %w", err)
	}
	for field, rule := range f {
		ops, ok := operators(rule)
		if !ok {
			continue
		}
		if pattern, ok := ops["like"]; ok {
			if _, err := regexp.Compile(asString(pattern)); err != nil {
				return nil, fmt.Errorf("invalid like pattern for %s: %w", field, err)
			}
		}
	}
	return f, nil
}

// Match reports whether data passes every rule of the filter.
func (f Filter) Match(data json.RawMessage) bool {
	if len(f) == 0 {
		return true
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for field, rule := range f {
		value, ok := lookup(doc, strings.Split(field, "."))
		if !ok {
			return false
		}
		ops, isOps := operators(rule)
		if !isOps {
			var want any
			if json.Unmarshal(rule, &want) != nil || !looseEqual(value, want) {
				return false
			}
			continue
		}
		for op, operand := range ops {
			if !apply(op, value, operand) {
				return false
			}
		}
	}
	return true
}

var knownOps = map[string]bool{"is": true, "not": true, "like": true, "in": true, "nin": true}

// operators returns the operator object of a rule, if the rule is one.
func operators(rule json.RawMessage) (map[string]any, bool) {
	var ops map[string]any
	if json.Unmarshal(rule, &ops) != nil || len(ops) == 0 {
		return nil, false
	}
	for op := range ops {
		if !knownOps[op] {
			return nil, false
		}
	}
	return ops, true
}

func apply(op string, value, operand any) bool {
	switch op {
	case "is":
		return looseEqual(value, operand)
	case "not":
		return !reflect.DeepEqual(value, operand)
	case "like":
		re, err := regexp.Compile(asString(operand))
		return err == nil && re.MatchString(asString(value))
	case "in":
		return contains(operand, value)
	case "nin":
		return !contains(operand, value)
	}
	return false
}

func lookup(doc any, path []string) (any, bool) {
	for _, part := range path {
		m, ok := doc.(map[string]any)
		if !ok {
			return nil, false
		}
		if doc, ok = m[part]; !ok {
			return nil, false
		}
	}
	return doc, true
}

func contains(list, value any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, value) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars by their string form so 1 matches "1".
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if isScalar(a) && isScalar(b) {
		return asString(a) == asString(b)
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
