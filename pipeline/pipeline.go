// Package pipeline holds pipeline definitions: the ordered task list a job
// executes, per-task configuration, the registry they are looked up in, and
// the per-job JSON snapshot that freezes a definition at promotion time.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/concourse/conveyor/fsutil"
	"github.com/concourse/conveyor/paths"
)

// DefaultMaxRefinementAttempts bounds the validation → prompt-assembly
// back-edge when a task's config does not say otherwise.
const DefaultMaxRefinementAttempts = 2

// TaskConfig is the free-form per-task configuration object. A small set of
// keys is interpreted by the engine; everything else is passed to the task.
type TaskConfig map[string]any

// MaxRefinementAttempts returns the refine budget for the task.
func (c TaskConfig) MaxRefinementAttempts() int {
	if n, ok := numberValue(c["maxRefinementAttempts"]); ok && n >= 0 {
		return int(n)
	}
	return DefaultMaxRefinementAttempts
}

// StageTimeout returns the per-stage timeout, or zero when unbounded.
func (c TaskConfig) StageTimeout() time.Duration {
	if ms, ok := numberValue(c["stageTimeoutMs"]); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Definition is one pipeline: a name, an ordered non-empty task list, and
// optional per-task configuration.
type Definition struct {
	Name       string                `json:"name" yaml:"name"`
	Tasks      []string              `json:"tasks" yaml:"tasks"`
	TaskConfig map[string]TaskConfig `json:"taskConfig,omitempty" yaml:"taskConfig,omitempty"`
}

// Validate checks the definition's structural rules.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("pipeline %q has no tasks", d.Name)
	}

	seen := map[string]bool{}
	for _, task := range d.Tasks {
		if !paths.JobIDPattern.MatchString(task) {
			return fmt.Errorf("pipeline %q: invalid task name %q", d.Name, task)
		}
		if seen[task] {
			return fmt.Errorf("pipeline %q: duplicate task %q", d.Name, task)
		}
		seen[task] = true
	}

	for task := range d.TaskConfig {
		if !seen[task] {
			return fmt.Errorf("pipeline %q: taskConfig for unknown task %q", d.Name, task)
		}
	}

	return nil
}

// TaskIndex returns the position of a task in pipeline order, or -1.
func (d Definition) TaskIndex(name string) int {
	for i, task := range d.Tasks {
		if task == name {
			return i
		}
	}
	return -1
}

// ConfigFor returns the configuration for a task, never nil.
func (d Definition) ConfigFor(name string) TaskConfig {
	if cfg, ok := d.TaskConfig[name]; ok {
		return cfg
	}
	return TaskConfig{}
}

// Snapshot writes the definition as pipeline.json into a job directory so
// later registry changes cannot mutate an in-flight job.
func Snapshot(d Definition, jobDir string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing pipeline snapshot: %w", err)
	}
	return fsutil.AtomicWrite(paths.PipelinePathIn(jobDir), data)
}

// LoadSnapshot reads and validates a job's frozen pipeline definition.
func LoadSnapshot(path string) (Definition, error) {
	var d Definition

	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("reading pipeline snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parsing pipeline snapshot: %w", err)
	}

	if err := d.Validate(); err != nil {
		return d, err
	}

	return d, nil
}
