package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard matches every key of a mapping.
const Wildcard = "*"

// fieldPath is a parsed dot-separated field selector. Sequences are
// traversed element-wise without an explicit segment.
type fieldPath []string

func parsePath(s string) (fieldPath, error) {
	if s == "" {
		return nil, fmt.Errorf("empty field path")
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("field path %q has an empty segment", s)
		}
	}
	return fieldPath(segs), nil
}

func (p fieldPath) String() string {
	return strings.Join(p, ".")
}

// visit calls fn for every (mapping, key) pair addressed by p in v, in
// canonical key order.
func visit(v any, p fieldPath, fn func(parent map[string]any, key string)) {
	if len(p) == 0 {
		return
	}
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			visit(e, p, fn)
		}
	case map[string]any:
		seg := p[0]
		var keys []string
		if seg == Wildcard {
			keys = sortedKeys(x)
		} else if _, ok := x[seg]; ok {
			keys = []string{seg}
		}
		for _, k := range keys {
			if len(p) == 1 {
				fn(x, k)
				continue
			}
			visit(x[k], p[1:], fn)
		}
	}
}

// exists reports whether p addresses at least one value in v.
func exists(v any, p fieldPath) bool {
	found := false
	visit(v, p, func(map[string]any, string) { found = true })
	return found
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = clone(e)
		}
		return out
	}
	return v
}
