// Package taskio is the scoped file facade handed to a task's stages. Every
// artifact, log, and tmp write lands under the job's files/ tree and is
// mirrored into both the job-scoped and task-scoped lists of the status
// document. Log names are validated against the closed grammar so observers
// can parse metadata from names alone.
package taskio

import (
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"

	"github.com/concourse/conveyor/fsutil"
	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/stage"
	"github.com/concourse/conveyor/status"
)

// Files is the per-task file facade. getStage names the stage a write is
// attributed to when callers format log names.
type Files struct {
	logger   lager.Logger
	writer   *status.Writer
	jobDir   string
	taskName string
	getStage func() string
}

// NewFiles creates a facade scoped to one task of one job.
func NewFiles(logger lager.Logger, writer *status.Writer, jobDir string, taskName string, getStage func() string) *Files {
	return &Files{
		logger:   logger.Session("task-io", lager.Data{"task": taskName}),
		writer:   writer,
		jobDir:   jobDir,
		taskName: taskName,
		getStage: getStage,
	}
}

// Stage reports the stage the facade currently attributes writes to.
func (f *Files) Stage() string {
	if f.getStage == nil {
		return ""
	}
	return f.getStage()
}

// WriteArtifact writes into files/artifacts/ and records the name in the
// status document. Artifact names must not be log-shaped.
func (f *Files) WriteArtifact(name string, content []byte, mode stage.WriteMode) error {
	if _, ok := ParseLogName(name); ok {
		return fmt.Errorf("artifact name %q matches the log name grammar", name)
	}
	return f.write(paths.Artifacts, status.Artifacts, name, content, mode)
}

// WriteLog writes into files/logs/ and records the name in the status
// document. The name must parse under the log grammar and belong to this
// facade's task.
func (f *Files) WriteLog(name string, content []byte, mode stage.WriteMode) error {
	parsed, ok := ParseLogName(name)
	if !ok {
		return fmt.Errorf("log name %q does not match {task}-{stage}-{event}.{ext}", name)
	}
	if parsed.Task != f.taskName {
		return fmt.Errorf("log name %q does not belong to task %q", name, f.taskName)
	}
	return f.write(paths.Logs, status.Logs, name, content, mode)
}

// WriteTmp writes into files/tmp/ and records the name in the status
// document. Log-shaped names are rejected to prevent confusion with real
// logs.
func (f *Files) WriteTmp(name string, content []byte, mode stage.WriteMode) error {
	if _, ok := ParseLogName(name); ok {
		return fmt.Errorf("tmp name %q matches the log name grammar", name)
	}
	return f.write(paths.Tmp, status.Tmp, name, content, mode)
}

// ReadArtifact reads a file from files/artifacts/ without touching the
// status document.
func (f *Files) ReadArtifact(name string) ([]byte, error) {
	return f.read(paths.Artifacts, name)
}

// ReadLog reads a file from files/logs/.
func (f *Files) ReadLog(name string) ([]byte, error) {
	return f.read(paths.Logs, name)
}

// ReadTmp reads a file from files/tmp/.
func (f *Files) ReadTmp(name string) ([]byte, error) {
	return f.read(paths.Tmp, name)
}

func (f *Files) write(kind paths.FileKind, statusKind status.FileKind, name string, content []byte, mode stage.WriteMode) error {
	if err := validateFileName(name); err != nil {
		return err
	}

	path := filepath.Join(paths.FilesDirIn(f.jobDir, kind), name)

	switch mode {
	case stage.Append:
		if err := fsutil.AppendLine(path, content); err != nil {
			return err
		}
	case stage.Replace, "":
		if err := fsutil.AtomicWrite(path, content); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}

	err := f.writer.Update(f.jobDir, func(doc *status.Document) error {
		doc.AddTaskFile(f.taskName, statusKind, name)
		return nil
	})
	if err != nil {
		f.logger.Error("failed-to-record-file", err, lager.Data{"name": name})
		return err
	}

	return nil
}

func (f *Files) read(kind paths.FileKind, name string) ([]byte, error) {
	if err := validateFileName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(paths.FilesDirIn(f.jobDir, kind), name))
}

// validateFileName rejects names that would escape the files directory.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name is empty")
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("file name %q must not contain path separators", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
