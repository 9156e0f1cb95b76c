package spec

import (
	"fmt"
)

// Mod is a DictMod-style operation document: operator keys (_set, _unset,
// _push, _push_all, _inc, _pop) mapping nested spec paths to operands, e.g.
// {"_set": {"run->step": 3}}.
type Mod map[string]any

// ApplyMod applies every operator in mod to s, mutating it in place.
func ApplyMod(mod Mod, s Spec) error {
	for op, rawBody := range mod {
		body, ok := asMap(rawBody)
		if !ok {
			return fmt.Errorf("mod %s: operand must be a mapping, got %T", op, rawBody)
		}
		for path, operand := range body {
			if err := applyModOp(op, path, operand, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyModOp(op, path string, operand any, s Spec) error {
	switch op {
	case "_set":
		return SetNested(s, path, operand)
	case "_unset":
		UnsetNested(s, path)
		return nil
	case "_push":
		cur := listAt(s, path)
		return SetNested(s, path, append(cur, operand))
	case "_push_all":
		items, ok := operand.([]any)
		if !ok {
			return fmt.Errorf("mod _push_all %q: operand must be a list, got %T", path, operand)
		}
		cur := listAt(s, path)
		return SetNested(s, path, append(cur, items...))
	case "_inc":
		delta, ok := asInt(operand)
		if !ok {
			return fmt.Errorf("mod _inc %q: operand must be an integer, got %T", path, operand)
		}
		cur := 0
		if v, err := GetNested(s, path); err == nil {
			n, ok := asInt(v)
			if !ok {
				return fmt.Errorf("mod _inc %q: existing value is not an integer: %T", path, v)
			}
			cur = n
		}
		return SetNested(s, path, cur+delta)
	case "_pop":
		dir, ok := asInt(operand)
		if !ok {
			return fmt.Errorf("mod _pop %q: operand must be 1 or -1, got %T", path, operand)
		}
		cur := listAt(s, path)
		if len(cur) == 0 {
			return nil
		}
		if dir >= 0 {
			return SetNested(s, path, cur[:len(cur)-1])
		}
		return SetNested(s, path, cur[1:])
	default:
		return fmt.Errorf("unknown mod operator %q", op)
	}
}

func listAt(s Spec, path string) []any {
	v, err := GetNested(s, path)
	if err != nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
		return 0, false
	default:
		return 0, false
	}
}
