package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/wfgraph"
)

func newTask(t *testing.T, params map[string]any) *Task {
	t.Helper()
	tk, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tk.Workdir = t.TempDir()
	return tk
}

// launchDirWithRestart creates a previous launch directory holding one
// restart file matching the default glob pattern.
func launchDirWithRestart(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "job.restart1"), []byte("checkpoint"), 0o644); err != nil {
		t.Fatalf("write restart file: %v", err)
	}
	return dir
}

func fizzledSpec(launchDir string, parentSpec map[string]any) spec.Spec {
	return spec.Spec{
		"_fizzled_parents": []any{
			map[string]any{
				"name":  "production run",
				"fw_id": 101,
				"spec":  parentSpec,
				"launches": []any{
					map[string]any{"launch_dir": launchDir},
				},
			},
		},
	}
}

func singleFragment(name string) map[string]any {
	return map[string]any{"name": name, "spec": map[string]any{"origin": name}}
}

func findNodeByName(g *wfgraph.Graph, name string) *wfgraph.Node {
	for _, n := range g.Nodes() {
		if n.Name == name {
			return n
		}
	}
	return nil
}

func TestRun_NoPreviousJobInfo_NoRestart(t *testing.T) {
	tk := newTask(t, map[string]any{
		"restart_wf":  singleFragment("restart"),
		"detour_wf":   singleFragment("detour"),
		"addition_wf": singleFragment("addition"),
	})

	action, err := tk.Run(context.Background(), spec.Spec{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(action.Additions) != 1 {
		t.Fatalf("additions = %d, want 1", len(action.Additions))
	}
	if len(action.Detours) != 1 {
		t.Fatalf("detours = %d, want 1", len(action.Detours))
	}
	detour := action.Detours[0]
	if detour.Len() != 1 {
		t.Fatalf("detour nodes = %d, want detour fragment only", detour.Len())
	}
	if findNodeByName(detour, "restart") != nil {
		t.Fatal("restart fragment must not be built without a previous failure")
	}
	if findNodeByName(detour, "Repeated recovery") != nil {
		t.Fatal("no repeated recovery node without a restart")
	}
}

func TestRun_FizzledParent_BuildsRestartWithIncrementedCounter(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":   singleFragment("restart"),
		"max_restarts": 5,
	})

	fwSpec := fizzledSpec(launch, map[string]any{"restart_count": 2})
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(action.Detours) != 1 {
		t.Fatalf("detours = %d, want 1", len(action.Detours))
	}
	g := action.Detours[0]
	if g.Len() != 2 {
		t.Fatalf("combined nodes = %d, want restart + recovery", g.Len())
	}

	restart := findNodeByName(g, "restart")
	if restart == nil {
		t.Fatal("restart node missing")
	}
	count, err := spec.GetNested(restart.Spec, "restart_count")
	if err != nil || count != 3 {
		t.Fatalf("restart_count = %v (%v), want 3", count, err)
	}

	recNode := findNodeByName(g, "Repeated recovery")
	if recNode == nil {
		t.Fatal("repeated recovery node missing")
	}
	if len(recNode.Tasks) != 1 || recNode.Tasks[0]["_fw_name"] != TaskName {
		t.Fatalf("recovery tasks = %v, want serialized %s", recNode.Tasks, TaskName)
	}
	if _, ok := recNode.Spec["_fizzled_parents"]; ok {
		t.Fatal("recovery node inherited an excluded spec key")
	}

	// The recovery node depends on the restart leaf.
	if got := g.Children(restart.ID); len(got) != 1 || got[0] != recNode.ID {
		t.Fatalf("children(restart) = %v, want [recovery]", got)
	}

	// The restart file was staged into the working directory.
	if _, err := os.Stat(filepath.Join(tk.Workdir, "job.restart1")); err != nil {
		t.Fatalf("restart file not staged: %v", err)
	}
}

func TestRun_MaxRestartsReached_NoRestartFragment(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":   singleFragment("restart"),
		"addition_wf":  singleFragment("addition"),
		"max_restarts": 5,
	})

	fwSpec := fizzledSpec(launch, map[string]any{"restart_count": 5})
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(action.Detours) != 0 {
		t.Fatalf("detours = %d, want none when max restarts reached", len(action.Detours))
	}
	if len(action.Additions) != 1 {
		t.Fatalf("additions = %d, want addition regardless of retry budget", len(action.Additions))
	}
}

func TestRun_CounterFallsBackToOwnSpec(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":   singleFragment("restart"),
		"max_restarts": 5,
	})

	fwSpec := fizzledSpec(launch, map[string]any{})
	fwSpec["restart_count"] = 4
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	restart := findNodeByName(action.Detours[0], "restart")
	if restart == nil {
		t.Fatal("restart node missing")
	}
	count, err := spec.GetNested(restart.Spec, "restart_count")
	if err != nil || count != 5 {
		t.Fatalf("restart_count = %v (%v), want own-spec fallback 5", count, err)
	}
}

func TestRun_DetourAndRestartChained(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf": singleFragment("restart"),
		"detour_wf":  singleFragment("detour"),
	})

	action, err := tk.Run(context.Background(), fizzledSpec(launch, map[string]any{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	g := action.Detours[0]
	if g.Len() != 3 {
		t.Fatalf("combined nodes = %d, want detour + restart + recovery", g.Len())
	}
	detour := findNodeByName(g, "detour")
	restart := findNodeByName(g, "restart")
	recNode := findNodeByName(g, "Repeated recovery")
	if detour == nil || restart == nil || recNode == nil {
		t.Fatal("combined fragment incomplete")
	}
	if got := g.Children(detour.ID); len(got) != 1 || got[0] != restart.ID {
		t.Fatalf("children(detour) = %v, want [restart]", got)
	}
	if got := g.Children(restart.ID); len(got) != 1 || got[0] != recNode.ID {
		t.Fatalf("children(restart) = %v, want [recovery]", got)
	}
	if roots := g.RootIDs(); len(roots) != 1 || roots[0] != detour.ID {
		t.Fatalf("roots = %v, want [detour]", roots)
	}
}

func TestRun_RestartCountIndirection(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":   singleFragment("restart"),
		"max_restarts": map[string]any{"key": "policy->max_restarts"},
	})

	fwSpec := fizzledSpec(launch, map[string]any{})
	fwSpec["policy"] = map[string]any{"max_restarts": 0}
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// next count 1 >= max_restarts+1 == 1: retry budget already spent.
	if len(action.Detours) != 0 {
		t.Fatalf("detours = %d, want none with max_restarts=0", len(action.Detours))
	}
}

func TestRun_WritesFilesPrevOnInsertedRoots(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":  singleFragment("restart"),
		"addition_wf": singleFragment("addition"),
	})
	for _, name := range []string{"out1.dat", "out2.dat"} {
		if err := os.WriteFile(filepath.Join(tk.Workdir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
	}

	fwSpec := fizzledSpec(launch, map[string]any{})
	fwSpec["_files_out"] = map[string]any{"data": "out*.dat"}
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, g := range [][]*wfgraph.Graph{action.Detours, action.Additions} {
		root := g[0].Node(g[0].RootIDs()[0])
		prev, ok := toStringMap(root.Spec["_files_prev"])
		if !ok {
			t.Fatalf("root %q missing _files_prev", root.Name)
		}
		path, _ := prev["data"].(string)
		if filepath.Base(path) != "out2.dat" {
			t.Fatalf("_files_prev data = %q, want lexicographically last out2.dat", path)
		}
	}
}

func TestRun_OutputContractAppliedToFragmentLeaves(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf":   singleFragment("restart"),
		"output":       "recover_out",
		"stored_data":  true,
		"store_stdlog": true,
	})

	action, err := tk.Run(context.Background(), fizzledSpec(launch, map[string]any{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	stdlog, _ := action.StoredData["stdlog"].(string)
	if !strings.Contains(stdlog, "restart file staged") {
		t.Fatalf("stored stdlog missing staging record: %q", stdlog)
	}
	if len(action.ModSpec) != 1 {
		t.Fatalf("mod_spec = %v, want one _set", action.ModSpec)
	}

	g := action.Detours[0]
	leaf := g.Node(g.LeafIDs()[0])
	if leaf.Name != "Repeated recovery" {
		t.Fatalf("leaf = %q, want recovery node", leaf.Name)
	}
	if _, err := spec.GetNested(leaf.Spec, "recover_out"); err != nil {
		t.Fatalf("output not applied to fragment leaf: %v", err)
	}
}

func TestRun_MissingRestartFileFatalByDefault(t *testing.T) {
	launch := t.TempDir() // no restart file
	tk := newTask(t, map[string]any{
		"restart_wf": singleFragment("restart"),
	})

	_, err := tk.Run(context.Background(), fizzledSpec(launch, map[string]any{}))
	if !IsMissingRestartFile(err) {
		t.Fatalf("err = %v, want missing restart file", err)
	}

	tk = newTask(t, map[string]any{
		"restart_wf":                singleFragment("restart"),
		"fizzle_on_no_restart_file": false,
	})
	action, err := tk.Run(context.Background(), fizzledSpec(launch, map[string]any{}))
	if err != nil {
		t.Fatalf("tolerated Run: %v", err)
	}
	if len(action.Detours) != 1 {
		t.Fatal("restart fragment should still be spliced when tolerated")
	}
}

func TestRun_JobInfoRecordMarksContinuation(t *testing.T) {
	launch := launchDirWithRestart(t)
	tk := newTask(t, map[string]any{
		"restart_wf": singleFragment("restart"),
	})

	fwSpec := spec.Spec{
		"_job_info": []any{
			map[string]any{"name": "prior step", "fw_id": 7, "launch_dir": launch},
		},
	}
	action, err := tk.Run(context.Background(), fwSpec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(action.Detours) != 1 {
		t.Fatal("continuation should build a restart fragment")
	}
	restart := findNodeByName(action.Detours[0], "restart")
	count, err := spec.GetNested(restart.Spec, "restart_count")
	if err != nil || count != 1 {
		t.Fatalf("restart_count = %v (%v), want first attempt 1", count, err)
	}
}

func TestPropagateAction_DiamondDeduplication(t *testing.T) {
	g := wfgraph.New()
	for _, id := range []int{-1, -2, -3, -4} {
		if err := g.AddNode(&wfgraph.Node{ID: id, Spec: spec.Spec{}}); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	for _, e := range [][2]int{{-1, -2}, {-1, -3}, {-2, -4}, {-3, -4}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}

	mods := []spec.Mod{{"_inc": map[string]any{"visits": 1}}}
	updated, err := propagateAction(g, []int{-1}, spec.Spec{"seen": true}, mods, true)
	if err != nil {
		t.Fatalf("propagateAction: %v", err)
	}
	if len(updated) != 4 {
		t.Fatalf("updated = %v, want all four nodes once", updated)
	}
	if v := g.Node(-4).Spec["visits"]; v != 1 {
		t.Fatalf("diamond leaf visits = %v, want exactly 1", v)
	}
	if g.Node(-4).Spec["seen"] != true {
		t.Fatal("update_spec not applied to leaf")
	}
}

func TestPropagateAction_DirectChildrenOnly(t *testing.T) {
	g := wfgraph.New()
	for _, id := range []int{-1, -2} {
		if err := g.AddNode(&wfgraph.Node{ID: id, Spec: spec.Spec{}}); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	if err := g.AddEdge(-1, -2); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	updated, err := propagateAction(g, []int{-1}, spec.Spec{"seen": true}, nil, false)
	if err != nil {
		t.Fatalf("propagateAction: %v", err)
	}
	if len(updated) != 1 || updated[0] != -1 {
		t.Fatalf("updated = %v, want only the start node", updated)
	}
	if _, ok := g.Node(-2).Spec["seen"]; ok {
		t.Fatal("descendant updated without propagate flag")
	}
}
