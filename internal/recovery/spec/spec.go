// Package spec holds the job specification primitive shared by the recovery
// task packages: nested-path access, recursive merge with exclusion rules,
// DictMod-style mutation operators, and the literal-or-lookup parameter
// resolver.
package spec

import (
	"errors"
	"fmt"
	"strings"
)

// Spec is a job specification: a JSON/YAML-like mapping owned by exactly one
// workflow node. Reserved engine keys start with an underscore (_files_out,
// _files_prev, _fizzled_parents, _job_info, _tasks).
type Spec map[string]any

// ErrMissingKey reports a nested-path lookup that ran off the spec.
var ErrMissingKey = errors.New("missing spec key")

// SplitPath splits a nested spec path. The arrow form ("a->b->c") takes
// precedence; otherwise dots separate segments.
func SplitPath(path string) []string {
	if strings.Contains(path, "->") {
		return strings.Split(path, "->")
	}
	return strings.Split(path, ".")
}

// GetNested returns the value at a nested path, or ErrMissingKey.
func GetNested(s Spec, path string) (any, error) {
	parts := SplitPath(path)
	var cur any = map[string]any(s)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %q (segment %q is not a mapping)", ErrMissingKey, path, p)
		}
		v, ok := m[p]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingKey, path)
		}
		cur = v
	}
	return cur, nil
}

// SetNested sets the value at a nested path, creating intermediate mappings
// as needed. A non-mapping intermediate value blocks the path.
func SetNested(s Spec, path string, value any) error {
	parts := SplitPath(path)
	cur := map[string]any(s)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			nm := map[string]any{}
			cur[p] = nm
			cur = nm
			continue
		}
		nm, ok := asMap(next)
		if !ok {
			return fmt.Errorf("set %q: segment %q is not a mapping", path, p)
		}
		cur = nm
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// UnsetNested removes the value at a nested path. Missing paths are a no-op.
func UnsetNested(s Spec, path string) {
	parts := SplitPath(path)
	cur := map[string]any(s)
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Resolve expands a parameter that may be an indirection into the running
// spec. A mapping carrying a "key" field is looked up at that nested path;
// anything else is returned unchanged.
func Resolve(param any, s Spec) (any, error) {
	m, ok := asMap(param)
	if !ok {
		return param, nil
	}
	raw, ok := m["key"]
	if !ok {
		return param, nil
	}
	path, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("spec lookup: key must be a string, got %T", raw)
	}
	return GetNested(s, path)
}

// Copy returns a deep copy of the spec. Slices and nested mappings are
// duplicated; scalar values are shared.
func (s Spec) Copy() Spec {
	if s == nil {
		return nil
	}
	return Spec(deepCopyMap(s))
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
	case Spec:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Spec:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
