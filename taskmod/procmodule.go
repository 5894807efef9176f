package taskmod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/concourse/conveyor/stage"
)

// StageRequest is the JSON document a task program receives on stdin for
// each stage invocation.
type StageRequest struct {
	Stage   stage.Stage    `json:"stage"`
	Context *stage.Context `json:"context"`
}

// StageResponse is the JSON document a task program writes to stdout. The
// replacement context is optional; when absent the input context is kept.
// Files listed in the response are written through the task's file facade so
// the status document mirrors them.
type StageResponse struct {
	Context *stage.Context `json:"context,omitempty"`
	Files   []StageFile    `json:"files,omitempty"`
}

// StageFile is one file a stage asked the engine to write on its behalf.
type StageFile struct {
	Kind    string `json:"kind"` // artifact | log | tmp
	Name    string `json:"name"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // replace (default) | append
}

// ProcModule is a stage.Module backed by a task executable. Every stage call
// spawns the program with the stage name as an argument, feeds the stage
// context as JSON on stdin, and applies the JSON response.
type ProcModule struct {
	TaskName string
	Program  string
	Args     []string
	Env      map[string]string

	stages map[stage.Stage]bool
}

func newProcModule(taskName string, program string, desc Descriptor) *ProcModule {
	var stages map[stage.Stage]bool
	if len(desc.Stages) > 0 {
		stages = make(map[stage.Stage]bool, len(desc.Stages))
		for _, st := range desc.Stages {
			stages[stage.Stage(st)] = true
		}
	}
	return &ProcModule{
		TaskName: taskName,
		Program:  program,
		Args:     desc.Args,
		Env:      desc.Env,
		stages:   stages,
	}
}

// Name implements stage.Module.
func (m *ProcModule) Name() string { return m.TaskName }

// Stage implements stage.Module. A nil stages set means the program serves
// every stage.
func (m *ProcModule) Stage(st stage.Stage) (stage.Func, bool) {
	if m.stages != nil && !m.stages[st] {
		return nil, false
	}

	fn := func(ctx context.Context, sc *stage.Context, files stage.FileIO) error {
		return m.runStage(ctx, st, sc, files)
	}
	return fn, true
}

func (m *ProcModule) runStage(ctx context.Context, st stage.Stage, sc *stage.Context, files stage.FileIO) error {
	req, err := json.Marshal(StageRequest{Stage: st, Context: sc})
	if err != nil {
		return fmt.Errorf("encoding stage request: %w", err)
	}

	args := append(append([]string{}, m.Args...), "--stage", string(st))

	cmd := exec.CommandContext(ctx, m.Program, args...)
	cmd.Stdin = bytes.NewReader(req)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CONVEYOR_TASK=%s", m.TaskName),
		fmt.Sprintf("CONVEYOR_STAGE=%s", st),
	)
	for k, v := range m.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", m.Program, err, firstLine(stderr.Bytes()))
	}

	var resp StageResponse
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil {
			return fmt.Errorf("decoding stage response: %w", err)
		}
	}

	if resp.Context != nil {
		*sc = *resp.Context
	}

	for _, f := range resp.Files {
		mode := stage.WriteMode(f.Mode)
		if mode == "" {
			mode = stage.Replace
		}
		var werr error
		switch f.Kind {
		case "artifact":
			werr = files.WriteArtifact(f.Name, []byte(f.Content), mode)
		case "log":
			werr = files.WriteLog(f.Name, []byte(f.Content), mode)
		case "tmp":
			werr = files.WriteTmp(f.Name, []byte(f.Content), mode)
		default:
			werr = fmt.Errorf("unknown file kind %q", f.Kind)
		}
		if werr != nil {
			return fmt.Errorf("writing stage file %s: %w", f.Name, werr)
		}
	}

	return nil
}

func firstLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
