package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

// TaskName identifies this task in serialized task descriptors.
const TaskName = "RecoverTask"

// defaultSpecExclusions strips engine bookkeeping from inherited specs.
var defaultSpecExclusions = []string{
	"_job_info",
	"_fw_env",
	"_files_prev",
	"_fizzled_parents",
}

// Config is the per-invocation parameter surface of the recovery task.
// Fields typed any accept either a literal value or a {"key": "nested->path"}
// indirection resolved against the running job spec at run start.
type Config struct {
	// RestartGraph is appended only when the previous job failed or asked
	// for continuation. Nothing is appended when unset.
	RestartGraph map[string]any `json:"restart_wf,omitempty" yaml:"restart_wf,omitempty"`

	// DetourGraph is always interposed before this job's children.
	DetourGraph map[string]any `json:"detour_wf,omitempty" yaml:"detour_wf,omitempty"`

	// AdditionGraph is always attached as a sibling sub-graph.
	AdditionGraph map[string]any `json:"addition_wf,omitempty" yaml:"addition_wf,omitempty"`

	ApplyModSpecToAddition any `json:"apply_mod_spec_to_addition_wf,omitempty" yaml:"apply_mod_spec_to_addition_wf,omitempty"`
	ApplyModSpecToDetour   any `json:"apply_mod_spec_to_detour_wf,omitempty" yaml:"apply_mod_spec_to_detour_wf,omitempty"`
	FizzleOnNoRestartFile  any `json:"fizzle_on_no_restart_file,omitempty" yaml:"fizzle_on_no_restart_file,omitempty"`
	IgnoreCopyErrors       any `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`
	MaxRestarts            any `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
	OtherGlobPatterns      any `json:"other_glob_patterns,omitempty" yaml:"other_glob_patterns,omitempty"`
	RepeatedRecoverName    any `json:"repeated_recover_fw_name,omitempty" yaml:"repeated_recover_fw_name,omitempty"`
	RestartGlobPatterns    any `json:"restart_file_glob_patterns,omitempty" yaml:"restart_file_glob_patterns,omitempty"`
	RestartFileDests       any `json:"restart_file_dests,omitempty" yaml:"restart_file_dests,omitempty"`

	SuperposeRestartOnParentSpec  any `json:"superpose_restart_on_parent_fw_spec,omitempty" yaml:"superpose_restart_on_parent_fw_spec,omitempty"`
	SuperposeAdditionOnParentSpec any `json:"superpose_addition_on_parent_fw_spec,omitempty" yaml:"superpose_addition_on_parent_fw_spec,omitempty"`
	SuperposeDetourOnParentSpec   any `json:"superpose_detour_on_parent_fw_spec,omitempty" yaml:"superpose_detour_on_parent_fw_spec,omitempty"`

	// RestartCounter is the nested spec path holding the restart count.
	RestartCounter string `json:"restart_counter,omitempty" yaml:"restart_counter,omitempty"`

	// SpecToExclude lists (or maps, with nested rules) spec keys the
	// repeated recovery node and superposed fragment specs must not inherit.
	SpecToExclude any `json:"fw_spec_to_exclude,omitempty" yaml:"fw_spec_to_exclude,omitempty"`

	// Generic task-output contract.
	StoredData bool   `json:"stored_data,omitempty" yaml:"stored_data,omitempty"`
	Output     string `json:"output,omitempty" yaml:"output,omitempty"`
	DictMod    string `json:"dict_mod,omitempty" yaml:"dict_mod,omitempty"`
	Propagate  bool   `json:"propagate,omitempty" yaml:"propagate,omitempty"`

	StoreLog bool   `json:"store_stdlog,omitempty" yaml:"store_stdlog,omitempty"`
	LogFile  string `json:"stdlog_file,omitempty" yaml:"stdlog_file,omitempty"`
	LogLevel string `json:"loglevel,omitempty" yaml:"loglevel,omitempty"`
}

// Task is one recovery task instance. Workdir defaults to the process
// working directory; the CLI and tests point it elsewhere.
type Task struct {
	cfg Config
	raw map[string]any

	Workdir string
}

// New builds a task from its serialized parameter map, keeping the raw form
// for verbatim re-embedding into the repeated recovery node's task list.
// Unknown parameters are rejected; engine-level keys (leading underscore)
// are ignored.
func New(params map[string]any) (*Task, error) {
	clean := make(map[string]any, len(params))
	for k, v := range params {
		if strings.HasPrefix(k, "_") {
			continue
		}
		clean[k] = v
	}

	b, err := yaml.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode task params: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode task params: %w", err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &Task{cfg: cfg, raw: spec.Spec(params).Copy()}, nil
}

// NewFromConfig builds a task from an in-code config, deriving the
// serialized form from it.
func NewFromConfig(cfg Config) (*Task, error) {
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("encode task config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("reencode task config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return New(raw)
}

// LoadConfigFile reads a serialized task description from a YAML or JSON
// file, selected by extension.
func LoadConfigFile(path string) (*Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &params); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return New(params)
}

// taskPayload is the serialized descriptor the repeated recovery node
// carries, so the engine can re-instantiate this task from it.
func (t *Task) taskPayload() map[string]any {
	out := spec.Spec(t.raw).Copy()
	out["_fw_name"] = TaskName
	return out
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.ApplyModSpecToAddition == nil {
		cfg.ApplyModSpecToAddition = true
	}
	if cfg.ApplyModSpecToDetour == nil {
		cfg.ApplyModSpecToDetour = true
	}
	if cfg.FizzleOnNoRestartFile == nil {
		cfg.FizzleOnNoRestartFile = true
	}
	if cfg.IgnoreCopyErrors == nil {
		cfg.IgnoreCopyErrors = true
	}
	if cfg.MaxRestarts == nil {
		cfg.MaxRestarts = 5
	}
	if cfg.RepeatedRecoverName == nil {
		cfg.RepeatedRecoverName = "Repeated recovery"
	}
	if strings.TrimSpace(cfg.RestartCounter) == "" {
		cfg.RestartCounter = "restart_count"
	}
	if cfg.RestartGlobPatterns == nil {
		cfg.RestartGlobPatterns = []any{"*.restart[0-9]"}
	}
	if cfg.SuperposeRestartOnParentSpec == nil {
		cfg.SuperposeRestartOnParentSpec = false
	}
	if cfg.SuperposeAdditionOnParentSpec == nil {
		cfg.SuperposeAdditionOnParentSpec = false
	}
	if cfg.SuperposeDetourOnParentSpec == nil {
		cfg.SuperposeDetourOnParentSpec = false
	}
	if cfg.SpecToExclude == nil {
		excl := make([]any, 0, len(defaultSpecExclusions))
		for _, k := range defaultSpecExclusions {
			excl = append(excl, k)
		}
		cfg.SpecToExclude = excl
	}
	if strings.TrimSpace(cfg.DictMod) == "" {
		cfg.DictMod = "_set"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("task config is nil")
	}
	switch cfg.DictMod {
	case "_set", "_unset", "_push", "_push_all", "_inc", "_pop":
		// ok
	default:
		return fmt.Errorf("invalid dict_mod: %q", cfg.DictMod)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid loglevel: %q (want debug|info|warn|error)", cfg.LogLevel)
	}
	if cfg.RestartGraph == nil && cfg.DetourGraph == nil && cfg.AdditionGraph == nil {
		return fmt.Errorf("at least one of restart_wf, detour_wf, addition_wf is required")
	}
	return nil
}
