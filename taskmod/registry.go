// Package taskmod loads user-supplied task modules. A module is described by
// a registry entry naming an executable plus arguments and environment; the
// loader resolves the descriptor to a runnable module, caches resolutions,
// and routes around broken path resolution by copying the program into a
// workspace cache and retrying.
package taskmod

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/stage"
)

// Descriptor names the program implementing a task and how to invoke it.
type Descriptor struct {
	// Program is the absolute path of the task executable.
	Program string `json:"program" yaml:"program"`

	// Args are prepended before the per-stage arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env is merged over the runner's environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Stages restricts which stages the module implements. Empty means all.
	Stages []string `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// Validate checks the descriptor's structural rules.
func (d Descriptor) Validate(taskName string) error {
	if d.Program == "" {
		return fmt.Errorf("task %q: program is required", taskName)
	}
	if !filepath.IsAbs(d.Program) {
		return fmt.Errorf("task %q: program %q must be an absolute path", taskName, d.Program)
	}
	for _, st := range d.Stages {
		if !stage.Valid(st) {
			return fmt.Errorf("task %q: unknown stage %q", taskName, st)
		}
	}
	return nil
}

// Registry maps task names to descriptors.
type Registry map[string]Descriptor

// LoadRegistry reads a task registry file. YAML and JSON are both accepted,
// selected by extension.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task registry: %w", err)
	}

	var reg Registry
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, &reg)
	default:
		err = yaml.Unmarshal(data, &reg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing task registry %s: %w", path, err)
	}

	if len(reg) == 0 {
		return nil, fmt.Errorf("task registry %s declares no tasks", path)
	}

	for name, desc := range reg {
		if !paths.JobIDPattern.MatchString(name) {
			return nil, fmt.Errorf("task registry %s: invalid task name %q", path, name)
		}
		if err := desc.Validate(name); err != nil {
			return nil, fmt.Errorf("task registry %s: %w", path, err)
		}
	}

	return reg, nil
}

// Lookup returns the descriptor registered for a task.
func (r Registry) Lookup(taskName string) (Descriptor, bool) {
	d, ok := r[taskName]
	return d, ok
}

// Names returns every registered task name, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
