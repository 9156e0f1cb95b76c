// Package task implements the recovery task: it classifies the previous
// job's outcome, stages restart artifacts from its launch directory, and
// splices restart/detour/addition fragments into the running workflow graph,
// re-appending itself until the restart succeeds or the retry budget is
// spent.
package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/jotelha/jlhfw/internal/ctxlog"
	"github.com/jotelha/jlhfw/internal/recovery/fragment"
	"github.com/jotelha/jlhfw/internal/recovery/spec"
	"github.com/jotelha/jlhfw/internal/recovery/staging"
	"github.com/jotelha/jlhfw/internal/recovery/wfgraph"
)

// Run executes one recovery attempt against the running job's spec and
// returns the graph-mutation action for the hosting engine. Fatal conditions
// surface as errors with no partial action.
func (t *Task) Run(ctx context.Context, fwSpec spec.Spec) (*Action, error) {
	attemptID := ulid.Make().String()

	logger, logBuf, closeLog, err := t.newLogger(attemptID)
	if err != nil {
		return nil, err
	}
	defer closeLog()
	ctx = ctxlog.WithLogger(ctx, logger)

	p, err := t.resolveParams(fwSpec)
	if err != nil {
		return nil, err
	}

	workdir := t.Workdir
	if workdir == "" {
		if workdir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	prev := classifyPrevious(ctx, fwSpec)

	if prev.Recover {
		collector := staging.NewCollector(staging.Options{
			RestartPatterns:    p.restartGlobPatterns,
			RestartDests:       p.restartFileDests,
			OtherPatterns:      p.otherGlobPatterns,
			RequireRestartFile: p.fizzleOnNoRestartFile,
			IgnoreCopyErrors:   p.ignoreCopyErrors,
		})
		report, err := collector.Collect(ctx, prev.LaunchDir, workdir)
		if err != nil {
			return nil, err
		}
		report.AttemptID = attemptID
		manifestPath := filepath.Join(workdir, staging.ManifestName)
		if err := staging.WriteManifest(manifestPath, report); err != nil {
			logger.Warn("staging manifest not written", "path", manifestPath, "error", err)
		}
	}

	builder := fragment.NewBuilder()

	// The detour fragment is built regardless of the previous outcome; the
	// restart fragment (plus the repeated recovery node) is grafted into it
	// below when recovering.
	var detour *wfgraph.Graph
	if t.cfg.DetourGraph != nil {
		base := t.superpositionBase(ctx, prev, p.superposeDetour, "detour_wf")
		if detour, err = builder.Build(t.cfg.DetourGraph, base, p.specExclusions); err != nil {
			return nil, err
		}
	}

	if prev.Recover {
		next := nextRestartCount(ctx, prev, fwSpec, p.restartCounter)
		if next < p.maxRestarts+1 {
			logger.Info("restarting", "attempt", next, "max_restarts", p.maxRestarts)
			if t.cfg.RestartGraph == nil {
				logger.Warn("recovery indicated but no restart_wf configured")
			} else {
				base := t.superpositionBase(ctx, prev, p.superposeRestart, "restart_wf")
				restart, err := builder.Build(t.cfg.RestartGraph, base, p.specExclusions)
				if err != nil {
					return nil, err
				}
				for _, n := range restart.Nodes() {
					if n.Spec == nil {
						n.Spec = spec.Spec{}
					}
					if err := spec.SetNested(n.Spec, p.restartCounter, next); err != nil {
						return nil, err
					}
				}

				if detour != nil {
					// Restart roots become children of the detour leaves,
					// forming one combined fragment.
					if err := detour.Append(restart, detour.LeafIDs()); err != nil {
						return nil, err
					}
				} else {
					detour = restart
				}

				// The repeated recovery node carries this task's serialized
				// config and the current spec minus excluded keys, and
				// depends on every leaf of the combined fragment.
				recoverNode := &wfgraph.Node{
					ID:    builder.NextID(),
					Name:  p.repeatedRecoverName,
					Spec:  spec.Merge(fwSpec, spec.Spec{}, spec.MergeOptions{AddNewKeys: true, ExcludeFromBase: p.specExclusions}),
					Tasks: []map[string]any{t.taskPayload()},
				}
				logger.Info("appending repeated recovery node",
					"name", recoverNode.Name, "id", recoverNode.ID)

				recoverWf := wfgraph.New()
				if err := recoverWf.AddNode(recoverNode); err != nil {
					return nil, err
				}
				if err := detour.Append(recoverWf, detour.LeafIDs()); err != nil {
					return nil, err
				}
			}
		} else {
			logger.Warn("maximum number of restarts reached, no further restart",
				"max_restarts", p.maxRestarts)
		}
		writeFilesPrev(ctx, detour, fwSpec, workdir)
	} else {
		logger.Info("no restart fragment appended")
	}

	var addition *wfgraph.Graph
	if t.cfg.AdditionGraph != nil {
		base := t.superpositionBase(ctx, prev, p.superposeAddition, "addition_wf")
		if addition, err = builder.Build(t.cfg.AdditionGraph, base, p.specExclusions); err != nil {
			return nil, err
		}
		writeFilesPrev(ctx, addition, fwSpec, workdir)
	}

	closeLog()

	output := map[string]any{}
	if t.cfg.StoreLog && logBuf != nil {
		output["stdlog"] = logBuf.String()
	}

	action := &Action{Propagate: t.cfg.Propagate}
	if t.cfg.StoredData {
		action.StoredData = output
	}
	if t.cfg.Output != "" {
		action.ModSpec = []spec.Mod{{t.cfg.DictMod: map[string]any{t.cfg.Output: output}}}
	}

	if addition != nil && p.applyModSpecToAddition {
		if _, err := propagateAction(addition, addition.LeafIDs(), action.UpdateSpec, action.ModSpec, action.Propagate); err != nil {
			return nil, err
		}
	}
	if detour != nil && p.applyModSpecToDetour {
		if _, err := propagateAction(detour, detour.LeafIDs(), action.UpdateSpec, action.ModSpec, action.Propagate); err != nil {
			return nil, err
		}
	}

	if addition != nil {
		action.Additions = append(action.Additions, addition)
	}
	if detour != nil {
		action.Detours = append(action.Detours, detour)
	}
	return action, nil
}

// superpositionBase returns the fizzled parent's spec as a merge base when
// the corresponding superpose flag is set and the spec was recovered.
func (t *Task) superpositionBase(ctx context.Context, prev previousJob, want bool, fragmentName string) spec.Spec {
	if !want {
		return nil
	}
	if prev.Spec == nil {
		ctxlog.FromContext(ctx).Warn("superposition on parent spec desired but no parent spec recovered",
			"fragment", fragmentName)
		return nil
	}
	return prev.Spec
}

// nextRestartCount derives the counter for this attempt: the value stored in
// the fizzled parent's spec, falling back to the current job's own spec,
// defaulting to 0, plus one.
func nextRestartCount(ctx context.Context, prev previousJob, fwSpec spec.Spec, counterPath string) int {
	log := ctxlog.FromContext(ctx)

	if prev.Spec != nil {
		if v, err := spec.GetNested(prev.Spec, counterPath); err == nil {
			if n, ok := toInt(v); ok {
				return n + 1
			}
		}
		log.Warn("no restart count in fizzled parent spec", "key", counterPath)
	}
	if v, err := spec.GetNested(fwSpec, counterPath); err == nil {
		if n, ok := toInt(v); ok {
			return n + 1
		}
	}
	log.Warn("no restart count in own spec, assuming first attempt", "key", counterPath)
	return 1
}

// newLogger builds the per-run logger: appending to the configured log file,
// teeing into a buffer when store_stdlog is set, and falling back to the
// default logger when neither applies. The returned close func is idempotent.
func (t *Task) newLogger(attemptID string) (*slog.Logger, *bytes.Buffer, func(), error) {
	var writers []io.Writer
	var buf *bytes.Buffer
	var file *os.File

	if t.cfg.StoreLog {
		buf = &bytes.Buffer{}
		writers = append(writers, buf)
	}
	if t.cfg.LogFile != "" {
		path := t.cfg.LogFile
		if !filepath.IsAbs(path) && t.Workdir != "" {
			path = filepath.Join(t.Workdir, path)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	closeLog := func() {
		if file != nil {
			_ = file.Close()
			file = nil
		}
	}

	if len(writers) == 0 {
		return slog.Default().With("task", TaskName, "attempt_id", attemptID), nil, closeLog, nil
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLogLevel(t.cfg.LogLevel),
	})
	return slog.New(handler).With("task", TaskName, "attempt_id", attemptID), buf, closeLog, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsMissingRestartFile reports whether err is the missing-restart-file
// condition, for callers that want to tolerate it explicitly.
func IsMissingRestartFile(err error) bool {
	return errors.Is(err, staging.ErrNoRestartFile)
}
