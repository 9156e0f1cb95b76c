package task

import (
	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/wfgraph"
)

// Action is the graph-mutation delta handed back to the hosting engine:
// sibling sub-graphs to attach ("additions"), an interposed sub-graph
// ("detours"), optional stored output, and spec update/mod instructions with
// a propagation scope flag.
type Action struct {
	StoredData map[string]any
	UpdateSpec spec.Spec
	ModSpec    []spec.Mod
	Additions  []*wfgraph.Graph
	Detours    []*wfgraph.Graph
	Propagate  bool
}

// Payload serializes the action for transport to the engine (and for the
// CLI's JSON output).
func (a *Action) Payload() map[string]any {
	out := map[string]any{}
	if len(a.StoredData) > 0 {
		out["stored_data"] = a.StoredData
	}
	if len(a.UpdateSpec) > 0 {
		out["update_spec"] = map[string]any(a.UpdateSpec)
	}
	if len(a.ModSpec) > 0 {
		mods := make([]any, 0, len(a.ModSpec))
		for _, m := range a.ModSpec {
			mods = append(mods, map[string]any(m))
		}
		out["mod_spec"] = mods
	}
	if len(a.Additions) > 0 {
		additions := make([]any, 0, len(a.Additions))
		for _, g := range a.Additions {
			additions = append(additions, g.Payload())
		}
		out["additions"] = additions
	}
	if len(a.Detours) > 0 {
		detours := make([]any, 0, len(a.Detours))
		for _, g := range a.Detours {
			detours = append(detours, g.Payload())
		}
		out["detours"] = detours
	}
	if a.Propagate {
		out["propagate"] = true
	}
	return out
}
