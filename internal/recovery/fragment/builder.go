// Package fragment materializes serialized workflow descriptions into graph
// fragments with freshly allocated, collision-free node IDs.
package fragment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/wfgraph"
)

// ErrInvalidFragment reports a fragment description that is not a mapping or
// does not match the fragment schema.
var ErrInvalidFragment = errors.New("invalid fragment description")

// A fragment is either a single node (has "spec") or a workflow ("fws" +
// optional "links"). Kept permissive on node spec contents; shape only.
const fragmentSchemaJSON = `{
  "type": "object",
  "oneOf": [
    {
      "required": ["spec"],
      "properties": {
        "spec": {"type": "object"},
        "fw_id": {"type": "integer"},
        "name": {"type": "string"}
      }
    },
    {
      "required": ["fws"],
      "properties": {
        "fws": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "object", "required": ["spec"]}
        },
        "links": {"type": "object"},
        "name": {"type": "string"},
        "metadata": {"type": "object"}
      }
    }
  ]
}`

var fragmentSchema = mustCompileSchema(fragmentSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("fragment.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("fragment.json")
}

// Builder allocates node IDs for every fragment built during one recovery
// task invocation. IDs are negative and strictly decreasing so they can never
// collide with engine-assigned positive IDs or with each other.
type Builder struct {
	next int
}

func NewBuilder() *Builder {
	return &Builder{next: -1}
}

// NextID returns the next free negative node ID and advances the allocator.
func (b *Builder) NextID() int {
	id := b.next
	b.next--
	return id
}

// Build materializes a fragment description. When baseSpec is given it is
// merged under every node's own spec (the node's spec wins), with exclusions
// applied to the base per spec.Merge. All node IDs in the result are freshly
// allocated from the builder.
func (b *Builder) Build(description any, baseSpec spec.Spec, exclusions map[string]any) (*wfgraph.Graph, error) {
	payload, ok := toMap(description)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want mapping", ErrInvalidFragment, description)
	}
	if err := fragmentSchema.Validate(map[string]any(payload)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFragment, err)
	}

	if baseSpec != nil {
		payload = superposeBaseSpec(payload, baseSpec, exclusions)
	}

	g, err := wfgraph.FromPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFragment, err)
	}

	mapping := map[int]int{}
	for _, id := range g.NodeIDs() {
		mapping[id] = b.NextID()
	}
	if err := g.ReassignIDs(mapping); err != nil {
		return nil, err
	}
	return g, nil
}

// superposeBaseSpec rewrites the payload so every node spec becomes
// merge(baseSpec, nodeSpec). Works on a shallow rewrite; node specs are
// replaced, not mutated.
func superposeBaseSpec(payload map[string]any, baseSpec spec.Spec, exclusions map[string]any) map[string]any {
	opts := spec.MergeOptions{AddNewKeys: true, ExcludeFromBase: exclusions}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	if rawSpec, ok := toMap(out["spec"]); ok {
		out["spec"] = map[string]any(spec.Merge(baseSpec, spec.Spec(rawSpec), opts))
		return out
	}

	rawFws, ok := out["fws"].([]any)
	if !ok {
		return out
	}
	fws := make([]any, 0, len(rawFws))
	for _, rawFw := range rawFws {
		fw, ok := toMap(rawFw)
		if !ok {
			fws = append(fws, rawFw)
			continue
		}
		nfw := make(map[string]any, len(fw))
		for k, v := range fw {
			nfw[k] = v
		}
		if nodeSpec, ok := toMap(nfw["spec"]); ok {
			nfw["spec"] = map[string]any(spec.Merge(baseSpec, spec.Spec(nodeSpec), opts))
		}
		fws = append(fws, nfw)
	}
	out["fws"] = fws
	return out
}

func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case spec.Spec:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
