// Package staging locates restart and auxiliary files in a previous job's
// launch directory and copies them into the current working directory.
package staging

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/jotelha/jlhfw/internal/ctxlog"
)

// ErrNoRestartFile reports a restart glob pattern with zero matches when the
// collector is configured to require one.
var ErrNoRestartFile = errors.New("no restart file")

// Options configures a collection pass. Pattern lists are already normalized
// to slices by the caller; destination broadcasting happens here.
type Options struct {
	// RestartPatterns are glob patterns for restart files. Per pattern, the
	// most recently modified match is selected.
	RestartPatterns []string

	// RestartDests are copy destinations zipped with RestartPatterns. Empty
	// means the working directory for every pattern; a single entry is
	// broadcast. A multi-entry length mismatch is a configuration warning
	// that falls back to the working directory for all patterns.
	RestartDests []string

	// OtherPatterns are glob patterns for auxiliary files forwarded
	// wholesale into the working directory.
	OtherPatterns []string

	// RequireRestartFile makes a pattern without matches fatal.
	RequireRestartFile bool

	// IgnoreCopyErrors tolerates (logs and skips) copy failures for
	// auxiliary files. Restart file copy failures are always fatal.
	IgnoreCopyErrors bool
}

// StagedFile records one copied file.
type StagedFile struct {
	Source  string    `msgpack:"source"`
	Dest    string    `msgpack:"dest"`
	Size    int64     `msgpack:"size"`
	ModTime time.Time `msgpack:"mod_time"`
	Digest  string    `msgpack:"digest"`
}

// Report summarizes one collection pass.
type Report struct {
	AttemptID string       `msgpack:"attempt_id"`
	SourceDir string       `msgpack:"source_dir"`
	Restart   []StagedFile `msgpack:"restart"`
	Forwarded []StagedFile `msgpack:"forwarded"`
}

type Collector struct {
	opts Options
}

func NewCollector(opts Options) *Collector {
	return &Collector{opts: opts}
}

// Collect globs under prefix and stages matches into workdir per Options.
// Restart pairs and forwarded auxiliary files are reported separately.
func (c *Collector) Collect(ctx context.Context, prefix, workdir string) (*Report, error) {
	log := ctxlog.FromContext(ctx)
	report := &Report{SourceDir: prefix}

	for _, pattern := range c.opts.OtherPatterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(prefix, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		log.Info("forwarding auxiliary files", "pattern", pattern, "matches", len(matches))
		for _, src := range matches {
			staged, err := copyInto(src, workdir)
			if err != nil {
				if c.opts.IgnoreCopyErrors {
					log.Warn("auxiliary copy failed, ignored", "source", src, "error", err)
					continue
				}
				return nil, fmt.Errorf("forward %q: %w", src, err)
			}
			report.Forwarded = append(report.Forwarded, staged)
		}
	}

	dests := c.restartDests(ctx)
	for i, pattern := range c.opts.RestartPatterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(prefix, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if c.opts.RequireRestartFile {
				return nil, fmt.Errorf("%w: pattern %q under %q", ErrNoRestartFile, pattern, prefix)
			}
			log.Warn("no restart file, skipped", "pattern", pattern, "prefix", prefix)
			continue
		}
		src := newestByModTime(matches)
		if len(matches) > 1 {
			log.Info("multiple restart files, most recent selected",
				"pattern", pattern, "matches", len(matches), "selected", src)
		}
		dest := dests[i]
		staged, err := copyRestart(src, dest, workdir)
		if err != nil {
			// An incompletely staged restart is unsafe to continue from.
			return nil, fmt.Errorf("stage restart file %q: %w", src, err)
		}
		log.Info("restart file staged", "source", src, "dest", staged.Dest)
		report.Restart = append(report.Restart, staged)
	}

	return report, nil
}

// restartDests broadcasts the configured destination list to one entry per
// restart pattern.
func (c *Collector) restartDests(ctx context.Context) []string {
	n := len(c.opts.RestartPatterns)
	dests := c.opts.RestartDests
	switch {
	case len(dests) == 0:
		dests = []string{"."}
	case len(dests) > 1 && len(dests) != n:
		ctxlog.FromContext(ctx).Warn("restart destination list length mismatch, falling back to working directory",
			"patterns", n, "dests", len(dests))
		dests = []string{"."}
	}
	if len(dests) == 1 && n > 1 {
		out := make([]string, n)
		for i := range out {
			out[i] = dests[0]
		}
		return out
	}
	return dests
}

func newestByModTime(paths []string) string {
	sorted := append([]string{}, paths...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return modTime(sorted[i]).Before(modTime(sorted[j]))
	})
	return sorted[len(sorted)-1]
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// copyRestart resolves dest relative to workdir: an existing directory keeps
// the source basename, anything else is the target file name.
func copyRestart(src, dest, workdir string) (StagedFile, error) {
	target := dest
	if !filepath.IsAbs(target) {
		target = filepath.Join(workdir, dest)
	}
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		target = filepath.Join(target, filepath.Base(src))
	}
	return copyFile(src, target)
}

func copyInto(src, dir string) (StagedFile, error) {
	return copyFile(src, filepath.Join(dir, filepath.Base(src)))
}

func copyFile(src, target string) (StagedFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return StagedFile{}, err
	}
	defer func() { _ = in.Close() }()

	fi, err := in.Stat()
	if err != nil {
		return StagedFile{}, err
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return StagedFile{}, err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return StagedFile{}, err
	}
	if n != fi.Size() {
		return StagedFile{}, fmt.Errorf("size mismatch: stat=%d copied=%d", fi.Size(), n)
	}

	return StagedFile{
		Source:  src,
		Dest:    target,
		Size:    n,
		ModTime: fi.ModTime(),
		Digest:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}
