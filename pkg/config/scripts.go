package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/perfforge/tpcbench/pkg/workload"
	"gopkg.in/yaml.v3"
)

// ScriptSpec selects one workload script with an optional weight. In
// YAML it is either a compact string such as "accounts.sql@2.5" or
// "builtin:tpcb", or a mapping with explicit path/builtin and weight
// keys.
type ScriptSpec struct {
	Path    string  `yaml:"path,omitempty" json:"path,omitempty" mapstructure:"path"`
	Builtin string  `yaml:"builtin,omitempty" json:"builtin,omitempty" mapstructure:"builtin"`
	Weight  float64 `yaml:"weight,omitempty" json:"weight" mapstructure:"weight"`
}

// UnmarshalYAML accepts both the compact string form and the mapping
// form of a script entry.
func (s *ScriptSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}

		return s.parse(raw)
	}

	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("parsing script entry: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      s,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("building script decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("parsing script entry: %w", err)
	}

	if _, ok := raw["weight"]; !ok {
		s.Weight = 1
	}

	return nil
}

// ParseScriptSpec parses the compact "ref@weight" form used by CLI
// flags, e.g. "builtin:tpcb" or "accounts.sql@2.5".
func ParseScriptSpec(raw string) (ScriptSpec, error) {
	var s ScriptSpec
	if err := s.parse(raw); err != nil {
		return ScriptSpec{}, err
	}

	return s, nil
}

// parse splits the compact "ref@weight" form. The weight defaults to 1
// when the suffix is absent.
func (s *ScriptSpec) parse(raw string) error {
	s.Weight = 1
	ref := raw

	if at := strings.LastIndex(raw, "@"); at >= 0 {
		w, err := strconv.ParseFloat(raw[at+1:], 64)
		if err != nil {
			return fmt.Errorf("parsing script weight in %q: %w", raw, err)
		}

		s.Weight = w
		ref = raw[:at]
	}

	if name, ok := strings.CutPrefix(ref, workload.BuiltinPrefix); ok {
		s.Builtin = name
	} else {
		s.Path = ref
	}

	return nil
}

func (s *ScriptSpec) validate() error {
	switch {
	case s.Path == "" && s.Builtin == "":
		return fmt.Errorf("either path or builtin must be set")
	case s.Path != "" && s.Builtin != "":
		return fmt.Errorf("path and builtin are mutually exclusive")
	}

	if s.Weight <= 0 {
		return fmt.Errorf("weight must be positive")
	}

	return nil
}

// BuildScripts resolves every configured script spec against the table
// folder, loading script files from disk relative to baseDir when their
// path is not absolute.
func (w *WorkloadConfig) BuildScripts(baseDir string) ([]*workload.Script, error) {
	scripts := make([]*workload.Script, 0, len(w.Scripts))

	for i, spec := range w.Scripts {
		var (
			script *workload.Script
			err    error
		)

		if spec.Builtin != "" {
			script, err = workload.Builtin(spec.Builtin, spec.Weight, w.TableFolder)
		} else {
			path := spec.Path
			if baseDir != "" && !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}

			script, err = workload.LoadFile(path, spec.Weight, w.TableFolder)
		}

		if err != nil {
			return nil, fmt.Errorf("script %d: %w", i, err)
		}

		scripts = append(scripts, script)
	}

	return scripts, nil
}
