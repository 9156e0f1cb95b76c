// Package wfgraph models workflow fragments as an arena of nodes keyed by
// integer ID plus an explicit adjacency mapping. Composition helpers return
// errors instead of silently aliasing shared structure, so fragments can be
// stitched together without back-reference bookkeeping.
package wfgraph

import (
	"fmt"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

// Node is a single workflow job: unique integer ID (engine-assigned IDs are
// positive, in-core allocations negative), its spec, a display name, and the
// serialized task descriptors to execute.
type Node struct {
	ID    int
	Name  string
	Spec  spec.Spec
	Tasks []map[string]any
}

// Graph is a set of nodes plus parent-to-children adjacency. Node insertion
// order is retained so iteration and payload encoding stay deterministic.
type Graph struct {
	nodes map[int]*Node
	links map[int][]int
	order []int
}

func New() *Graph {
	return &Graph{
		nodes: map[int]*Node{},
		links: map[int][]int{},
	}
}

func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) Node(id int) *Node { return g.nodes[id] }

// NodeIDs returns all node IDs in insertion order.
func (g *Graph) NodeIDs() []int {
	return append([]int{}, g.order...)
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Children(id int) []int {
	return append([]int{}, g.links[id]...)
}

func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("add node: nil node")
	}
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("add node: duplicate id %d", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	if _, ok := g.links[n.ID]; !ok {
		g.links[n.ID] = nil
	}
	return nil
}

func (g *Graph) AddEdge(from, to int) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("add edge: unknown source node %d", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("add edge: unknown target node %d", to)
	}
	for _, c := range g.links[from] {
		if c == to {
			return nil
		}
	}
	g.links[from] = append(g.links[from], to)
	return nil
}

// RootIDs returns nodes without incoming edges, in insertion order.
func (g *Graph) RootIDs() []int {
	hasParent := map[int]bool{}
	for _, children := range g.links {
		for _, c := range children {
			hasParent[c] = true
		}
	}
	var roots []int
	for _, id := range g.order {
		if !hasParent[id] {
			roots = append(roots, id)
		}
	}
	return roots
}

// LeafIDs returns nodes without outgoing edges, in insertion order.
func (g *Graph) LeafIDs() []int {
	var leaves []int
	for _, id := range g.order {
		if len(g.links[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Append merges other into g as a node-disjoint union and wires an edge from
// every listed parent to every root of other. An empty parent list performs
// the plain union. Other's roots are computed before the union so existing
// edges in g cannot shadow them.
func (g *Graph) Append(other *Graph, parentIDs []int) error {
	if other == nil || other.Len() == 0 {
		return nil
	}
	for _, p := range parentIDs {
		if _, ok := g.nodes[p]; !ok {
			return fmt.Errorf("append: unknown parent node %d", p)
		}
	}
	for _, id := range other.order {
		if _, ok := g.nodes[id]; ok {
			return fmt.Errorf("append: node id collision on %d", id)
		}
	}

	roots := other.RootIDs()
	for _, n := range other.Nodes() {
		if err := g.AddNode(n); err != nil {
			return err
		}
	}
	for _, id := range other.order {
		for _, c := range other.links[id] {
			if err := g.AddEdge(id, c); err != nil {
				return err
			}
		}
	}
	for _, p := range parentIDs {
		for _, r := range roots {
			if err := g.AddEdge(p, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReassignIDs rewrites node IDs according to mapping, updating nodes,
// adjacency, and insertion order consistently. IDs absent from the mapping
// are kept. The resulting ID set must remain collision-free.
func (g *Graph) ReassignIDs(mapping map[int]int) error {
	remap := func(id int) int {
		if nid, ok := mapping[id]; ok {
			return nid
		}
		return id
	}

	seen := map[int]bool{}
	for _, id := range g.order {
		nid := remap(id)
		if seen[nid] {
			return fmt.Errorf("reassign ids: collision on %d", nid)
		}
		seen[nid] = true
	}

	nodes := make(map[int]*Node, len(g.nodes))
	links := make(map[int][]int, len(g.links))
	order := make([]int, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		n.ID = remap(id)
		nodes[n.ID] = n
		order = append(order, n.ID)
		children := g.links[id]
		mapped := make([]int, 0, len(children))
		for _, c := range children {
			mapped = append(mapped, remap(c))
		}
		links[n.ID] = mapped
	}
	g.nodes = nodes
	g.links = links
	g.order = order
	return nil
}
