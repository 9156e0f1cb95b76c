package task

import (
	"context"

	"github.com/jotelha/jlhfw/internal/ctxlog"
	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

// previousJob is the classified outcome of the node preceding this task.
type previousJob struct {
	// Recover is false when no job-info or fizzled-parent record exists, in
	// which case the prior run is assumed successful and no restart is
	// performed.
	Recover bool

	// LaunchDir is the previous job's working directory, the source for
	// restart and auxiliary files.
	LaunchDir string

	Name string
	ID   int

	// Spec is the previous job's specification when the record carries one
	// (fizzled parents do, plain job-info records may not).
	Spec spec.Spec
}

// classifyPrevious inspects the running spec's engine records. A _job_info
// entry marks a chained continuation, a _fizzled_parents entry marks failure
// recovery; the most recent record wins in both cases.
func classifyPrevious(ctx context.Context, fwSpec spec.Spec) previousJob {
	log := ctxlog.FromContext(ctx)

	if records, ok := fwSpec["_job_info"].([]any); ok && len(records) > 0 {
		rec, ok := toStringMap(records[len(records)-1])
		if ok {
			prev := previousJob{Recover: true}
			fillJobRecord(&prev, rec)
			if dir, ok := rec["launch_dir"].(string); ok {
				prev.LaunchDir = dir
			}
			log.Info("previous job handed down job info",
				"name", prev.Name, "id", prev.ID, "launch_dir", prev.LaunchDir)
			return prev
		}
	}

	if records, ok := fwSpec["_fizzled_parents"].([]any); ok && len(records) > 0 {
		rec, ok := toStringMap(records[len(records)-1])
		if ok {
			prev := previousJob{Recover: true}
			fillJobRecord(&prev, rec)
			// Most recent launch of the most recent fizzled parent.
			if launches, ok := rec["launches"].([]any); ok && len(launches) > 0 {
				if launch, ok := toStringMap(launches[len(launches)-1]); ok {
					if dir, ok := launch["launch_dir"].(string); ok {
						prev.LaunchDir = dir
					}
				}
			}
			log.Info("recovering from fizzled parent",
				"name", prev.Name, "id", prev.ID, "launch_dir", prev.LaunchDir)
			return prev
		}
	}

	log.Info("no information about previous jobs, assuming prior success")
	return previousJob{}
}

func fillJobRecord(prev *previousJob, rec map[string]any) {
	if name, ok := rec["name"].(string); ok {
		prev.Name = name
	}
	if id, ok := toInt(rec["fw_id"]); ok {
		prev.ID = id
	}
	if sp, ok := toStringMap(rec["spec"]); ok {
		prev.Spec = spec.Spec(sp)
	}
}

func toStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case spec.Spec:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
