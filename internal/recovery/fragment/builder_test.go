package fragment

import (
	"errors"
	"testing"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

func singleNodePayload(params map[string]any) map[string]any {
	sp := map[string]any{}
	for k, v := range params {
		sp[k] = v
	}
	return map[string]any{"name": "restart", "spec": sp}
}

func TestBuild_SingleNodeGetsNegativeID(t *testing.T) {
	b := NewBuilder()
	g, err := b.Build(singleNodePayload(map[string]any{"x": 1}), nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d, want 1", g.Len())
	}
	id := g.NodeIDs()[0]
	if id != -1 {
		t.Fatalf("id = %d, want -1", id)
	}
	if g.Node(id).Name != "restart" {
		t.Fatalf("name = %q", g.Node(id).Name)
	}
}

func TestBuild_IDsUniqueAcrossFragments(t *testing.T) {
	b := NewBuilder()
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		g, err := b.Build(map[string]any{
			"fws": []any{
				map[string]any{"fw_id": 1, "spec": map[string]any{}},
				map[string]any{"fw_id": 2, "spec": map[string]any{}},
			},
			"links": map[string]any{"1": []any{2}},
		}, nil, nil)
		if err != nil {
			t.Fatalf("Build #%d: %v", i, err)
		}
		for _, id := range g.NodeIDs() {
			if id >= 0 {
				t.Fatalf("fragment #%d: non-negative id %d", i, id)
			}
			if seen[id] {
				t.Fatalf("fragment #%d: id %d reused across fragments", i, id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 6 {
		t.Fatalf("allocated %d ids, want 6", len(seen))
	}
}

func TestBuild_WorkflowEdgesRemappedConsistently(t *testing.T) {
	b := NewBuilder()
	g, err := b.Build(map[string]any{
		"fws": []any{
			map[string]any{"fw_id": 10, "spec": map[string]any{}},
			map[string]any{"fw_id": 20, "spec": map[string]any{}},
			map[string]any{"fw_id": 30, "spec": map[string]any{}},
		},
		"links": map[string]any{"10": []any{20, 30}, "20": []any{30}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	roots := g.RootIDs()
	leaves := g.LeafIDs()
	if len(roots) != 1 || len(leaves) != 1 {
		t.Fatalf("roots %v leaves %v, want one each", roots, leaves)
	}
	if len(g.Children(roots[0])) != 2 {
		t.Fatalf("root children = %v, want 2", g.Children(roots[0]))
	}
	if g.Node(10) != nil || g.Node(20) != nil || g.Node(30) != nil {
		t.Fatal("original ids must not survive remapping")
	}
}

func TestBuild_BaseSpecSuperposition(t *testing.T) {
	b := NewBuilder()
	base := spec.Spec{
		"inherited":        "from parent",
		"shared":           "parent wins?",
		"_fizzled_parents": []any{"noise"},
	}
	g, err := b.Build(singleNodePayload(map[string]any{"shared": "node wins"}), base,
		map[string]any{"_fizzled_parents": true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n := g.Node(g.NodeIDs()[0])
	if n.Spec["inherited"] != "from parent" {
		t.Fatalf("inherited = %v", n.Spec["inherited"])
	}
	if n.Spec["shared"] != "node wins" {
		t.Fatalf("shared = %v, want node spec precedence", n.Spec["shared"])
	}
	if _, ok := n.Spec["_fizzled_parents"]; ok {
		t.Fatal("excluded base key leaked into node spec")
	}
}

func TestBuild_InvalidDescriptions(t *testing.T) {
	b := NewBuilder()
	if _, err := b.Build("not a mapping", nil, nil); !errors.Is(err, ErrInvalidFragment) {
		t.Fatalf("err = %v, want ErrInvalidFragment", err)
	}
	if _, err := b.Build(map[string]any{"neither": true}, nil, nil); !errors.Is(err, ErrInvalidFragment) {
		t.Fatalf("shape err = %v, want ErrInvalidFragment", err)
	}
	if _, err := b.Build(map[string]any{"fws": []any{}}, nil, nil); !errors.Is(err, ErrInvalidFragment) {
		t.Fatalf("empty fws err = %v, want ErrInvalidFragment", err)
	}
}
