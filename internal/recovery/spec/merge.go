package spec

// MergeOptions controls Merge. Both exclusion trees map keys either to the
// literal boolean true (exclude the whole key) or to a nested exclusion tree
// scoping the rule to deeper levels.
type MergeOptions struct {
	// AddNewKeys admits overlay keys absent from base. When false such keys
	// are dropped.
	AddNewKeys bool

	// ExcludeFromBase removes marked keys from base before merging. The
	// removal is reversible only if the overlay supplies the key again and
	// AddNewKeys is set.
	ExcludeFromBase map[string]any

	// ExcludeFromOverlay skips marked overlay keys entirely, preserving
	// whatever base already holds for them.
	ExcludeFromOverlay map[string]any
}

// Merge recursively merges overlay into base and returns the result as a new
// mapping; neither input is mutated. Keys nested as mappings on both sides
// are merged level by level, any other type pairing takes the overlay value
// wholesale.
func Merge(base, overlay Spec, opts MergeOptions) Spec {
	return Spec(mergeMaps(base, overlay, opts))
}

func mergeMaps(base, overlay map[string]any, opts MergeOptions) map[string]any {
	dst := make(map[string]any, len(base))
	for k, v := range base {
		dst[k] = v
	}

	for k, rule := range opts.ExcludeFromBase {
		if excluded, ok := rule.(bool); ok && excluded {
			delete(dst, k)
		}
	}

	src := make(map[string]any, len(overlay))
	if opts.AddNewKeys {
		for k, v := range overlay {
			src[k] = v
		}
	} else {
		for k, v := range overlay {
			if _, ok := dst[k]; ok {
				src[k] = v
			}
		}
	}

	// Recurse into base-only subtrees too, so nested base exclusions apply
	// even when the overlay has nothing to say about that branch.
	for k, v := range dst {
		if _, isMap := asMap(v); isMap {
			if _, ok := src[k]; !ok {
				src[k] = map[string]any{}
			}
		}
	}

	for k, v := range src {
		var nestedBaseExcl map[string]any
		if sub, ok := asMap(opts.ExcludeFromBase[k]); ok {
			nestedBaseExcl = sub
		}

		bv, inBase := dst[k]
		bvMap, baseIsMap := asMap(bv)
		vMap, overlayIsMap := asMap(v)

		if inBase && baseIsMap && overlayIsMap {
			rule, restricted := opts.ExcludeFromOverlay[k]
			switch {
			case !restricted:
				dst[k] = mergeMaps(bvMap, vMap, MergeOptions{
					AddNewKeys:      opts.AddNewKeys,
					ExcludeFromBase: nestedBaseExcl,
				})
			default:
				if sub, ok := asMap(rule); ok {
					dst[k] = mergeMaps(bvMap, vMap, MergeOptions{
						AddNewKeys:         opts.AddNewKeys,
						ExcludeFromBase:    nestedBaseExcl,
						ExcludeFromOverlay: sub,
					})
				}
				// rule == true: key excluded from merge, base value stands.
			}
			continue
		}

		if _, restricted := opts.ExcludeFromOverlay[k]; !restricted {
			dst[k] = deepCopyValue(v)
		}
	}

	return dst
}
