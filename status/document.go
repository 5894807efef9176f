// Package status owns the per-job status document (tasks-status.json): its
// schema, normalization rules, and the serialized writer that commits every
// mutation. The document is deliberately handled as a free-form JSON tree so
// that fields the engine does not know about survive every round-trip; only
// a closed set of root and per-task fields is ever coerced.
package status

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// JobState is the aggregate state of a job, derived from its tasks.
type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
)

// TaskState is the state of one task within a job.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

var validTaskStates = map[string]bool{
	string(TaskPending): true,
	string(TaskRunning): true,
	string(TaskDone):    true,
	string(TaskFailed):  true,
}

var validJobStates = map[string]bool{
	string(JobPending):  true,
	string(JobRunning):  true,
	string(JobComplete): true,
	string(JobFailed):   true,
}

// FileKind is a category of tracked output files.
type FileKind string

const (
	Artifacts FileKind = "artifacts"
	Logs      FileKind = "logs"
	Tmp       FileKind = "tmp"
)

// Kinds lists every FileKind in a stable order.
var Kinds = []FileKind{Artifacts, Logs, Tmp}

// Document is one job's status tree. All access goes through accessors so
// unknown fields are passed through untouched.
type Document struct {
	root map[string]any
}

// NewDocument returns the default document shape for a job: pending, no
// tasks, empty file lists.
func NewDocument(jobID string, now time.Time) *Document {
	return &Document{root: map[string]any{
		"id":           jobID,
		"state":        string(JobPending),
		"current":      nil,
		"currentStage": nil,
		"progress":     float64(0),
		"lastUpdated":  now.UTC().Format(time.RFC3339Nano),
		"tasks":        map[string]any{},
		"files":        emptyFiles(),
	}}
}

// ParseDocument decodes a status document, preserving unknown structure.
func ParseDocument(data []byte) (*Document, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing status document: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return &Document{root: root}, nil
}

// Marshal serializes the document, indented for human diffing.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d.root, "", "  ")
}

func emptyFiles() map[string]any {
	return map[string]any{
		string(Artifacts): []any{},
		string(Logs):      []any{},
		string(Tmp):       []any{},
	}
}

// Get returns an arbitrary root field.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.root[key]
	return v, ok
}

// Set stores an arbitrary root field.
func (d *Document) Set(key string, value any) {
	d.root[key] = value
}

// ID returns the job identifier.
func (d *Document) ID() string {
	s, _ := d.root["id"].(string)
	return s
}

// SetID stores the job identifier.
func (d *Document) SetID(id string) {
	d.root["id"] = id
}

// State returns the job state.
func (d *Document) State() JobState {
	s, _ := d.root["state"].(string)
	return JobState(s)
}

// SetState stores the job state.
func (d *Document) SetState(state JobState) {
	d.root["state"] = string(state)
}

// Current returns the currently running task name, if any.
func (d *Document) Current() (string, bool) {
	s, ok := d.root["current"].(string)
	return s, ok && s != ""
}

// SetCurrent stores the currently running task name. An empty name stores
// JSON null.
func (d *Document) SetCurrent(name string) {
	if name == "" {
		d.root["current"] = nil
		return
	}
	d.root["current"] = name
}

// CurrentStage returns the stage of the currently running task, if any.
func (d *Document) CurrentStage() (string, bool) {
	s, ok := d.root["currentStage"].(string)
	return s, ok && s != ""
}

// SetCurrentStage stores the current stage. An empty stage stores JSON null.
func (d *Document) SetCurrentStage(stage string) {
	if stage == "" {
		d.root["currentStage"] = nil
		return
	}
	d.root["currentStage"] = stage
}

// Progress returns the job progress in percent.
func (d *Document) Progress() int {
	return intValue(d.root["progress"])
}

// SetLastUpdated stamps the mutation time.
func (d *Document) SetLastUpdated(t time.Time) {
	d.root["lastUpdated"] = t.UTC().Format(time.RFC3339Nano)
}

// LastUpdated returns the stored mutation timestamp verbatim.
func (d *Document) LastUpdated() string {
	s, _ := d.root["lastUpdated"].(string)
	return s
}

// SetPipelineOrder records the pipeline's task order. Resets and aggregate
// recomputation walk tasks in this order rather than relying on map
// iteration.
func (d *Document) SetPipelineOrder(order []string) {
	arr := make([]any, len(order))
	for i, name := range order {
		arr[i] = name
	}
	d.root["pipelineOrder"] = arr
}

// PipelineOrder returns the recorded task order, if present.
func (d *Document) PipelineOrder() []string {
	arr, ok := d.root["pipelineOrder"].([]any)
	if !ok {
		return nil
	}
	var order []string
	for _, v := range arr {
		if s, ok := v.(string); ok {
			order = append(order, s)
		}
	}
	return order
}

func (d *Document) taskMap() map[string]any {
	m, ok := d.root["tasks"].(map[string]any)
	if !ok {
		m = map[string]any{}
		d.root["tasks"] = m
	}
	return m
}

// TaskNames returns task names in pipeline order when the document carries
// one; tasks unknown to the pipeline order are appended sorted for
// determinism.
func (d *Document) TaskNames() []string {
	tasks := d.taskMap()

	seen := map[string]bool{}
	var names []string
	for _, name := range d.PipelineOrder() {
		if _, ok := tasks[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	var extras []string
	for name := range tasks {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(names, extras...)
}

// Task returns the named task record if it exists.
func (d *Document) Task(name string) (Task, bool) {
	raw, ok := d.taskMap()[name]
	if !ok {
		return Task{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return Task{}, false
	}
	return Task{m: m}, true
}

// EnsureTask returns the named task record, creating a pending default if it
// does not exist.
func (d *Document) EnsureTask(name string) Task {
	tasks := d.taskMap()
	if raw, ok := tasks[name].(map[string]any); ok {
		return Task{m: raw}
	}
	m := defaultTask()
	tasks[name] = m
	return Task{m: m}
}

func defaultTask() map[string]any {
	return map[string]any{
		"state":              string(TaskPending),
		"attempts":           float64(0),
		"refinementAttempts": float64(0),
		"currentStage":       nil,
		"failedStage":        nil,
		"files":              emptyFiles(),
	}
}

// Files returns the job-scoped file list for a kind.
func (d *Document) Files(kind FileKind) []string {
	return fileList(d.filesMap(), kind)
}

// AddFile appends a name to the job-scoped list for a kind, de-duplicated
// case-sensitively.
func (d *Document) AddFile(kind FileKind, name string) {
	addFile(d.filesMap(), kind, name)
}

// AddTaskFile records a file against both the task-scoped and job-scoped
// lists, keeping the containment invariant by construction.
func (d *Document) AddTaskFile(taskName string, kind FileKind, name string) {
	t := d.EnsureTask(taskName)
	addFile(t.filesMap(), kind, name)
	addFile(d.filesMap(), kind, name)
}

func (d *Document) filesMap() map[string]any {
	m, ok := d.root["files"].(map[string]any)
	if !ok {
		m = emptyFiles()
		d.root["files"] = m
	}
	return m
}

// Normalize coerces missing or invalid required fields into the canonical
// shape. It never strips unknown fields and never recomputes derived
// aggregates; see RecomputeAggregates for those.
func (d *Document) Normalize() {
	if _, ok := d.root["id"].(string); !ok {
		d.root["id"] = ""
	}
	if s, ok := d.root["state"].(string); !ok || !validJobStates[s] {
		d.root["state"] = string(JobPending)
	}
	if _, ok := d.root["progress"].(float64); !ok {
		if n, ok := d.root["progress"].(int); ok {
			d.root["progress"] = float64(n)
		} else {
			d.root["progress"] = float64(0)
		}
	}

	normalizeFiles(d.filesMap())

	tasks := d.taskMap()
	for name, raw := range tasks {
		m, ok := raw.(map[string]any)
		if !ok {
			m = defaultTask()
			tasks[name] = m
			continue
		}
		t := Task{m: m}
		if s, ok := m["state"].(string); !ok || !validTaskStates[s] {
			m["state"] = string(TaskPending)
		}
		coerceNumber(m, "attempts")
		coerceNumber(m, "refinementAttempts")
		normalizeFiles(t.filesMap())

		// Containment: every task-scoped file also appears job-scoped.
		for _, kind := range Kinds {
			for _, f := range t.Files(kind) {
				addFile(d.filesMap(), kind, f)
			}
		}
	}
}

// RecomputeAggregates derives state, progress, current, and currentStage from
// the task records. It is called by every task-mutating operation; plain
// updates that do not touch tasks leave the aggregates alone so operator
// overrides survive.
func (d *Document) RecomputeAggregates() {
	names := d.TaskNames()

	var done, failed int
	runningTask := ""
	runningStage := ""
	for _, name := range names {
		t, ok := d.Task(name)
		if !ok {
			continue
		}
		switch t.State() {
		case TaskDone:
			done++
		case TaskFailed:
			failed++
		case TaskRunning:
			if runningTask == "" {
				runningTask = name
				runningStage, _ = t.CurrentStage()
			}
		}
	}

	switch {
	case failed > 0:
		d.SetState(JobFailed)
	case runningTask != "":
		d.SetState(JobRunning)
	case len(names) > 0 && done == len(names):
		d.SetState(JobComplete)
	default:
		d.SetState(JobPending)
	}

	if len(names) == 0 {
		d.root["progress"] = float64(0)
	} else {
		d.root["progress"] = math.Round(100 * float64(done) / float64(len(names)))
	}

	d.SetCurrent(runningTask)
	if runningTask != "" && runningStage == "" {
		// A running task always exposes a stage; before the first stage
		// callback lands, report the entry stage.
		runningStage = "ingestion"
	}
	d.SetCurrentStage(runningStage)
}

func normalizeFiles(files map[string]any) {
	for _, kind := range Kinds {
		raw, ok := files[string(kind)].([]any)
		if !ok {
			files[string(kind)] = []any{}
			continue
		}
		seen := map[string]bool{}
		out := make([]any, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
		files[string(kind)] = out
	}
}

func fileList(files map[string]any, kind FileKind) []string {
	raw, _ := files[string(kind)].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func addFile(files map[string]any, kind FileKind, name string) {
	raw, _ := files[string(kind)].([]any)
	for _, v := range raw {
		if s, ok := v.(string); ok && s == name {
			return
		}
	}
	files[string(kind)] = append(raw, name)
}

func coerceNumber(m map[string]any, key string) {
	switch v := m[key].(type) {
	case float64:
	case int:
		m[key] = float64(v)
	default:
		if _, present := m[key]; present {
			m[key] = float64(0)
		}
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
