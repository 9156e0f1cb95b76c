package wfgraph

import (
	"reflect"
	"testing"
)

func TestFromPayload_SingleNode(t *testing.T) {
	g, err := FromPayload(map[string]any{
		"fw_id": 7,
		"name":  "relax",
		"spec": map[string]any{
			"param":  1,
			"_tasks": []any{map[string]any{"_fw_name": "ScriptTask"}},
		},
	})
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d, want 1", g.Len())
	}
	n := g.Node(7)
	if n == nil || n.Name != "relax" {
		t.Fatalf("node = %+v, want id 7 name relax", n)
	}
	if len(n.Tasks) != 1 || n.Tasks[0]["_fw_name"] != "ScriptTask" {
		t.Fatalf("tasks = %v, want extracted ScriptTask", n.Tasks)
	}
	if _, ok := n.Spec["_tasks"]; ok {
		t.Fatal("_tasks should be lifted out of the node spec")
	}
}

func TestFromPayload_WorkflowWithStringLinkKeys(t *testing.T) {
	g, err := FromPayload(map[string]any{
		"fws": []any{
			map[string]any{"fw_id": -1, "spec": map[string]any{}},
			map[string]any{"fw_id": -2, "spec": map[string]any{}},
			map[string]any{"fw_id": -3, "spec": map[string]any{}},
		},
		"links": map[string]any{
			"-1": []any{-2, -3},
			"-2": []any{},
		},
	})
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	if got := g.RootIDs(); !reflect.DeepEqual(got, []int{-1}) {
		t.Fatalf("roots = %v, want [-1]", got)
	}
	if got := g.Children(-1); !reflect.DeepEqual(got, []int{-2, -3}) {
		t.Fatalf("children(-1) = %v, want [-2 -3]", got)
	}
}

func TestFromPayload_Errors(t *testing.T) {
	if _, err := FromPayload(map[string]any{"fws": "not a list"}); err == nil {
		t.Fatal("expected error for non-list fws")
	}
	if _, err := FromPayload(map[string]any{
		"fws":   []any{map[string]any{"fw_id": 1, "spec": map[string]any{}}},
		"links": map[string]any{"x": []any{1}},
	}); err == nil {
		t.Fatal("expected error for non-integer link key")
	}
	if _, err := FromPayload(map[string]any{
		"fws":   []any{map[string]any{"fw_id": 1, "spec": map[string]any{}}},
		"links": map[string]any{"1": []any{2}},
	}); err == nil {
		t.Fatal("expected error for edge to unknown node")
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	g, err := FromPayload(map[string]any{
		"fws": []any{
			map[string]any{"fw_id": -1, "name": "a", "spec": map[string]any{"x": 1}},
			map[string]any{"fw_id": -2, "name": "b", "spec": map[string]any{
				"_tasks": []any{map[string]any{"_fw_name": "ScriptTask"}},
			}},
		},
		"links": map[string]any{"-1": []any{-2}},
	})
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}

	g2, err := FromPayload(g.Payload())
	if err != nil {
		t.Fatalf("FromPayload(Payload()): %v", err)
	}
	if g2.Len() != 2 {
		t.Fatalf("len = %d, want 2", g2.Len())
	}
	if got := g2.Children(-1); !reflect.DeepEqual(got, []int{-2}) {
		t.Fatalf("children(-1) = %v, want [-2]", got)
	}
	if len(g2.Node(-2).Tasks) != 1 {
		t.Fatalf("tasks not preserved: %v", g2.Node(-2).Tasks)
	}
	if g2.Node(-1).Spec["x"] != 1 {
		t.Fatalf("spec not preserved: %v", g2.Node(-1).Spec)
	}
}
