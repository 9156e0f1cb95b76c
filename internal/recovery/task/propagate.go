package task

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jotelha/jlhfw/internal/ctxlog"
	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/wfgraph"
)

// propagateAction applies update (shallow spec overlay) and mods to the start
// nodes; with toAllDescendants it walks depth-first from the start nodes down
// to the graph's terminal leaves, visiting every node ID at most once so
// diamond-shaped dependencies are not updated twice. Returns the updated IDs
// in application order.
func propagateAction(g *wfgraph.Graph, start []int, update spec.Spec, mods []spec.Mod, toAllDescendants bool) ([]int, error) {
	if g == nil || (len(update) == 0 && len(mods) == 0) {
		return nil, nil
	}

	apply := func(id int) error {
		n := g.Node(id)
		if n == nil {
			return nil
		}
		if n.Spec == nil {
			n.Spec = spec.Spec{}
		}
		for k, v := range update {
			n.Spec[k] = v
		}
		for _, m := range mods {
			if err := spec.ApplyMod(m, n.Spec); err != nil {
				return err
			}
		}
		return nil
	}

	var updated []int
	if !toAllDescendants {
		for _, id := range start {
			if err := apply(id); err != nil {
				return updated, err
			}
			updated = append(updated, id)
		}
		return updated, nil
	}

	visited := map[int]bool{}
	var walk func(ids []int) error
	walk = func(ids []int) error {
		for _, id := range ids {
			if visited[id] {
				continue
			}
			visited[id] = true
			if err := apply(id); err != nil {
				return err
			}
			updated = append(updated, id)
			if err := walk(g.Children(id)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start); err != nil {
		return updated, err
	}
	return updated, nil
}

// writeFilesPrev resolves the current job's declared _files_out globs in the
// working directory and sets the resulting _files_prev record on every root
// node of g, so a freshly spliced fragment transparently receives the files
// the recovering job itself produced.
func writeFilesPrev(ctx context.Context, g *wfgraph.Graph, fwSpec spec.Spec, workdir string) {
	if g == nil || g.Len() == 0 {
		return
	}
	filesOut, ok := toStringMap(fwSpec["_files_out"])
	if !ok || len(filesOut) == 0 {
		return
	}
	log := ctxlog.FromContext(ctx)

	filesPrev := map[string]any{}
	for key, rawPattern := range filesOut {
		pattern, ok := rawPattern.(string)
		if !ok {
			continue
		}
		matches, err := doublestar.FilepathGlob(filepath.Join(workdir, pattern))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		path := matches[len(matches)-1]
		log.Info("output file forwarded to inserted fragment", "key", key, "path", path)
		filesPrev[key] = path
	}

	for _, id := range g.RootIDs() {
		n := g.Node(id)
		if n.Spec == nil {
			n.Spec = spec.Spec{}
		}
		n.Spec["_files_prev"] = spec.Spec(filesPrev).Copy()
	}
}
