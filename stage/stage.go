// Package stage implements the fixed eight-stage state machine every task
// executes through, including the bounded refinement back-edge from
// validation to prompt-assembly.
package stage

import "context"

// Stage is one of the eight fixed sub-steps of a task.
type Stage string

const (
	Ingestion      Stage = "ingestion"
	PreProcessing  Stage = "pre-processing"
	PromptAssembly Stage = "prompt-assembly"
	Invocation     Stage = "invocation"
	Parsing        Stage = "parsing"
	Validation     Stage = "validation"
	Refinement     Stage = "refinement"
	Finalization   Stage = "finalization"
)

// Sequence is the full stage order. Refinement is only ever entered through
// the back-edge out of validation, never in forward flow.
var Sequence = []Stage{
	Ingestion,
	PreProcessing,
	PromptAssembly,
	Invocation,
	Parsing,
	Validation,
	Refinement,
	Finalization,
}

// SeedOrigin is the value of previousStage before any stage has completed.
const SeedOrigin = "seed"

// successors encodes forward flow as an explicit table. Validation's
// successor is finalization; the refinement branch is taken explicitly by
// the runner when the refine flag is set and budget remains.
var successors = map[Stage]Stage{
	Ingestion:      PreProcessing,
	PreProcessing:  PromptAssembly,
	PromptAssembly: Invocation,
	Invocation:     Parsing,
	Parsing:        Validation,
	Validation:     Finalization,
	Refinement:     PromptAssembly,
}

// Valid reports whether s is one of the eight stage names.
func Valid(s string) bool {
	for _, st := range Sequence {
		if string(st) == s {
			return true
		}
	}
	return false
}

// WriteMode selects between atomic replacement and line append.
type WriteMode string

const (
	Replace WriteMode = "replace"
	Append  WriteMode = "append"
)

// FileIO is the scoped artifact/log/tmp writer handed to every stage
// function. Writes are mirrored into the job's status document by the
// implementation; reads are plain.
type FileIO interface {
	WriteArtifact(name string, content []byte, mode WriteMode) error
	WriteLog(name string, content []byte, mode WriteMode) error
	WriteTmp(name string, content []byte, mode WriteMode) error
	ReadArtifact(name string) ([]byte, error)
	ReadLog(name string) ([]byte, error)
	ReadTmp(name string) ([]byte, error)
}

// TaskInfo identifies the task a context belongs to and where its files live.
type TaskInfo struct {
	JobID         string         `json:"jobId"`
	TaskName      string         `json:"taskName"`
	WorkDir       string         `json:"workDir"`
	TaskDir       string         `json:"taskDir"`
	StatusPath    string         `json:"statusPath"`
	Config        map[string]any `json:"taskConfig,omitempty"`
	PipelineTasks []string       `json:"pipelineTasks,omitempty"`
}

// Flags is the free-form flag bag stages communicate through.
type Flags map[string]any

// NeedsRefinement reports whether validation demanded a refine cycle.
func (f Flags) NeedsRefinement() bool {
	v, _ := f["needsRefinement"].(bool)
	return v
}

// SetNeedsRefinement records or clears the refine demand.
func (f Flags) SetNeedsRefinement(v bool) {
	f["needsRefinement"] = v
}

// LogRecord is one stage entry/exit record collected into Context.Logs.
type LogRecord struct {
	Stage   Stage  `json:"stage"`
	Event   string `json:"event"`
	Ms      int64  `json:"ms"`
	Payload any    `json:"payload,omitempty"`
}

// Context is the mutable working state threaded through a task's stages.
type Context struct {
	Task          TaskInfo       `json:"task"`
	Data          map[string]any `json:"data"`
	Flags         Flags          `json:"flags"`
	Logs          []LogRecord    `json:"logs"`
	PreviousStage string         `json:"previousStage"`
	CurrentStage  string         `json:"currentStage"`
	Output        any            `json:"output,omitempty"`
}

// NewContext returns a context seeded with data, ready for ingestion.
func NewContext(info TaskInfo, data map[string]any) *Context {
	if data == nil {
		data = map[string]any{}
	}
	return &Context{
		Task:          info,
		Data:          data,
		Flags:         Flags{},
		PreviousStage: SeedOrigin,
	}
}

// Func is one stage implementation. It may mutate the stage context in place
// and use files for any output it produces.
type Func func(ctx context.Context, sc *Context, files FileIO) error

// Module is a task implementation: a named collection of stage functions.
// Stages without a function are skipped.
type Module interface {
	Name() string
	Stage(Stage) (Func, bool)
}

// FuncModule is the trivial in-process Module used by built-in tasks and
// tests.
type FuncModule struct {
	ModuleName string
	Stages     map[Stage]Func
}

func (m FuncModule) Name() string { return m.ModuleName }

func (m FuncModule) Stage(s Stage) (Func, bool) {
	fn, ok := m.Stages[s]
	return fn, ok
}
