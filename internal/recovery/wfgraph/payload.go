package wfgraph

import (
	"fmt"
	"strconv"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

// FromPayload builds a graph from a serialized description. A payload with a
// top-level "spec" field is a single node; otherwise it must carry a node
// list ("fws") and an adjacency mapping ("links"). Link keys arrive as
// strings from JSON and as ints from programmatic payloads; both work.
func FromPayload(payload map[string]any) (*Graph, error) {
	if _, single := payload["spec"]; single {
		n, err := nodeFromPayload(payload)
		if err != nil {
			return nil, err
		}
		g := New()
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		return g, nil
	}

	rawFws, ok := payload["fws"].([]any)
	if !ok {
		return nil, fmt.Errorf("workflow payload: missing node list (\"fws\")")
	}
	g := New()
	for i, rawFw := range rawFws {
		fw, ok := toMap(rawFw)
		if !ok {
			return nil, fmt.Errorf("workflow payload: node %d is not a mapping", i)
		}
		n, err := nodeFromPayload(fw)
		if err != nil {
			return nil, fmt.Errorf("workflow payload: node %d: %w", i, err)
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}

	links, err := linksFromPayload(payload["links"])
	if err != nil {
		return nil, err
	}
	for from, children := range links {
		for _, to := range children {
			if err := g.AddEdge(from, to); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Payload serializes the graph back into the workflow description form.
func (g *Graph) Payload() map[string]any {
	fws := make([]any, 0, g.Len())
	for _, n := range g.Nodes() {
		fws = append(fws, nodePayload(n))
	}
	links := map[string]any{}
	for _, id := range g.order {
		children := make([]any, 0, len(g.links[id]))
		for _, c := range g.links[id] {
			children = append(children, c)
		}
		links[strconv.Itoa(id)] = children
	}
	return map[string]any{
		"fws":   fws,
		"links": links,
	}
}

func nodeFromPayload(payload map[string]any) (*Node, error) {
	rawSpec, ok := toMap(payload["spec"])
	if !ok {
		return nil, fmt.Errorf("node payload: missing spec mapping")
	}
	n := &Node{Spec: spec.Spec(rawSpec).Copy()}

	if raw, ok := payload["fw_id"]; ok {
		id, ok := toInt(raw)
		if !ok {
			return nil, fmt.Errorf("node payload: fw_id %v is not an integer", raw)
		}
		n.ID = id
	}
	if name, ok := payload["name"].(string); ok {
		n.Name = name
	}

	// Task descriptors ride inside the spec on the wire.
	if rawTasks, ok := n.Spec["_tasks"].([]any); ok {
		for i, rawTask := range rawTasks {
			task, ok := toMap(rawTask)
			if !ok {
				return nil, fmt.Errorf("node payload: task %d is not a mapping", i)
			}
			n.Tasks = append(n.Tasks, task)
		}
		delete(n.Spec, "_tasks")
	}
	return n, nil
}

func nodePayload(n *Node) map[string]any {
	sp := n.Spec.Copy()
	if sp == nil {
		sp = spec.Spec{}
	}
	if len(n.Tasks) > 0 {
		tasks := make([]any, 0, len(n.Tasks))
		for _, t := range n.Tasks {
			tasks = append(tasks, t)
		}
		sp["_tasks"] = tasks
	}
	out := map[string]any{
		"fw_id": n.ID,
		"spec":  map[string]any(sp),
	}
	if n.Name != "" {
		out["name"] = n.Name
	}
	return out
}

func linksFromPayload(raw any) (map[int][]int, error) {
	if raw == nil {
		return nil, nil
	}
	out := map[int][]int{}
	switch t := raw.(type) {
	case map[string]any:
		for k, v := range t {
			from, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("workflow payload: link key %q is not an integer", k)
			}
			children, err := intList(v)
			if err != nil {
				return nil, fmt.Errorf("workflow payload: links[%s]: %w", k, err)
			}
			out[from] = children
		}
	case map[int][]int:
		for k, v := range t {
			out[k] = append([]int{}, v...)
		}
	default:
		return nil, fmt.Errorf("workflow payload: links must be a mapping, got %T", raw)
	}
	return out, nil
}

func intList(raw any) ([]int, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", raw)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		id, ok := toInt(item)
		if !ok {
			return nil, fmt.Errorf("element %v is not an integer", item)
		}
		out = append(out, id)
	}
	return out, nil
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

func toInt(v any) (int, bool) {
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
