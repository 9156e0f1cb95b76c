package task

import (
	"fmt"

	"github.com/jotelha/jlhfw/internal/recovery/spec"
)

// runParams is the fully resolved parameter set for one run. Indirections
// into the job spec are expanded exactly once, here.
type runParams struct {
	applyModSpecToAddition bool
	applyModSpecToDetour   bool
	fizzleOnNoRestartFile  bool
	ignoreCopyErrors       bool
	maxRestarts            int
	otherGlobPatterns      []string
	repeatedRecoverName    string
	restartCounter         string
	restartGlobPatterns    []string
	restartFileDests       []string
	superposeRestart       bool
	superposeAddition      bool
	superposeDetour        bool
	specExclusions         map[string]any
}

func (t *Task) resolveParams(fwSpec spec.Spec) (runParams, error) {
	var p runParams
	var err error

	if p.applyModSpecToAddition, err = resolveBool(t.cfg.ApplyModSpecToAddition, fwSpec, "apply_mod_spec_to_addition_wf"); err != nil {
		return p, err
	}
	if p.applyModSpecToDetour, err = resolveBool(t.cfg.ApplyModSpecToDetour, fwSpec, "apply_mod_spec_to_detour_wf"); err != nil {
		return p, err
	}
	if p.fizzleOnNoRestartFile, err = resolveBool(t.cfg.FizzleOnNoRestartFile, fwSpec, "fizzle_on_no_restart_file"); err != nil {
		return p, err
	}
	if p.ignoreCopyErrors, err = resolveBool(t.cfg.IgnoreCopyErrors, fwSpec, "ignore_errors"); err != nil {
		return p, err
	}
	if p.maxRestarts, err = resolveInt(t.cfg.MaxRestarts, fwSpec, "max_restarts"); err != nil {
		return p, err
	}
	if p.otherGlobPatterns, err = resolveStringList(t.cfg.OtherGlobPatterns, fwSpec, "other_glob_patterns"); err != nil {
		return p, err
	}
	if p.repeatedRecoverName, err = resolveString(t.cfg.RepeatedRecoverName, fwSpec, "repeated_recover_fw_name"); err != nil {
		return p, err
	}
	if p.restartGlobPatterns, err = resolveStringList(t.cfg.RestartGlobPatterns, fwSpec, "restart_file_glob_patterns"); err != nil {
		return p, err
	}
	if p.restartFileDests, err = resolveStringList(t.cfg.RestartFileDests, fwSpec, "restart_file_dests"); err != nil {
		return p, err
	}
	if p.superposeRestart, err = resolveBool(t.cfg.SuperposeRestartOnParentSpec, fwSpec, "superpose_restart_on_parent_fw_spec"); err != nil {
		return p, err
	}
	if p.superposeAddition, err = resolveBool(t.cfg.SuperposeAdditionOnParentSpec, fwSpec, "superpose_addition_on_parent_fw_spec"); err != nil {
		return p, err
	}
	if p.superposeDetour, err = resolveBool(t.cfg.SuperposeDetourOnParentSpec, fwSpec, "superpose_detour_on_parent_fw_spec"); err != nil {
		return p, err
	}

	p.restartCounter = t.cfg.RestartCounter
	p.specExclusions, err = exclusionTree(t.cfg.SpecToExclude)
	if err != nil {
		return p, err
	}
	if p.maxRestarts < 0 {
		return p, fmt.Errorf("max_restarts must be >= 0, got %d", p.maxRestarts)
	}
	return p, nil
}

// exclusionTree normalizes fw_spec_to_exclude: a list of keys becomes a flat
// {key: true} tree, a mapping is taken as a nested exclusion tree.
func exclusionTree(raw any) (map[string]any, error) {
	switch t := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	case []string:
		out := make(map[string]any, len(t))
		for _, k := range t {
			out[k] = true
		}
		return out, nil
	case []any:
		out := make(map[string]any, len(t))
		for _, e := range t {
			k, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("fw_spec_to_exclude: entry %v is not a string", e)
			}
			out[k] = true
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fw_spec_to_exclude: want list or mapping, got %T", raw)
	}
}

func resolveBool(param any, fwSpec spec.Spec, name string) (bool, error) {
	v, err := spec.Resolve(param, fwSpec)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: want bool, got %T", name, v)
	}
	return b, nil
}

func resolveInt(param any, fwSpec spec.Spec, name string) (int, error) {
	v, err := spec.Resolve(param, fwSpec)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("%s: want integer, got %T", name, v)
	}
	return n, nil
}

func resolveString(param any, fwSpec spec.Spec, name string) (string, error) {
	v, err := spec.Resolve(param, fwSpec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", name, v)
	}
	return s, nil
}

// resolveStringList accepts nil, a single string, or a list of strings.
func resolveStringList(param any, fwSpec spec.Spec, name string) ([]string, error) {
	v, err := spec.Resolve(param, fwSpec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return append([]string{}, t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s: entry %v is not a string", name, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: want string or list of strings, got %T", name, v)
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
