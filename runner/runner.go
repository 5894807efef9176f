// Package runner drives all tasks of one job. It runs as a subprocess of the
// lifecycle manager, owns the job directory while the job is in the current
// bucket, and moves the directory to the complete bucket when every task is
// done.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/fsutil"
	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/pipeline"
	"github.com/concourse/conveyor/policy"
	"github.com/concourse/conveyor/runlog"
	"github.com/concourse/conveyor/seed"
	"github.com/concourse/conveyor/stage"
	"github.com/concourse/conveyor/status"
	"github.com/concourse/conveyor/taskio"
	"github.com/concourse/conveyor/taskmod"
)

// ModuleResolver resolves a task name to its runnable module. The production
// resolver is backed by the task registry and the module loader; tests
// inject in-process modules.
type ModuleResolver interface {
	Resolve(taskName string) (stage.Module, error)
}

// RegistryResolver resolves modules through a task registry and loader.
type RegistryResolver struct {
	Registry taskmod.Registry
	Loader   *taskmod.Loader
}

// Resolve implements ModuleResolver.
func (r *RegistryResolver) Resolve(taskName string) (stage.Module, error) {
	desc, ok := r.Registry.Lookup(taskName)
	if !ok {
		return nil, fmt.Errorf("task %q is not in the task registry", taskName)
	}
	return r.Loader.Load(taskName, desc)
}

// Runner executes one job's pipeline.
type Runner struct {
	logger   lager.Logger
	clock    clock.Clock
	writer   *status.Writer
	bus      *event.Bus
	stages   *stage.Runner
	resolver ModuleResolver
	cfg      Config
}

// New creates a Runner.
func New(
	logger lager.Logger,
	clk clock.Clock,
	writer *status.Writer,
	bus *event.Bus,
	resolver ModuleResolver,
	cfg Config,
) *Runner {
	return &Runner{
		logger:   logger.Session("runner"),
		clock:    clk,
		writer:   writer,
		bus:      bus,
		stages:   stage.NewRunner(logger, clk),
		resolver: resolver,
		cfg:      cfg,
	}
}

// JobDir returns the job's directory in the current bucket.
func (r *Runner) JobDir(jobID string) string {
	return filepath.Join(r.cfg.CurrentDir, jobID)
}

// WritePIDFile records this process as the job's attached runner.
func (r *Runner) WritePIDFile(jobID string) error {
	return fsutil.AtomicWrite(paths.PIDPath(r.JobDir(jobID)), []byte(strconv.Itoa(os.Getpid())))
}

// RemovePIDFile detaches this process from the job. It is safe to call on
// every termination path, including from signal handlers.
func (r *Runner) RemovePIDFile(jobID string) {
	os.Remove(paths.PIDPath(r.JobDir(jobID)))
	// The directory may already have been renamed into the complete bucket.
	os.Remove(paths.PIDPath(filepath.Join(r.cfg.CompleteDir, jobID)))
}

// Run walks the job's pipeline tasks in order. It returns nil on success,
// a *TaskFailedError when a task failed, or a *LifecycleError when the
// policy blocked a transition.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	logger := r.logger.Session("run", lager.Data{"job": jobID})

	jobDir := r.JobDir(jobID)
	if _, err := os.Stat(jobDir); err != nil {
		return fmt.Errorf("job directory: %w", err)
	}

	if err := r.WritePIDFile(jobID); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer r.RemovePIDFile(jobID)

	jobSeed, err := r.loadSeed(jobDir)
	if err != nil {
		return err
	}

	def, err := r.loadPipeline(jobDir, jobSeed)
	if err != nil {
		logger.Error("invalid-pipeline", err)
		return fmt.Errorf("pipeline for job %s is not runnable: %w", jobID, err)
	}

	startIdx := 0
	if r.cfg.StartFromTask != "" {
		startIdx = def.TaskIndex(r.cfg.StartFromTask)
		if startIdx == -1 {
			return fmt.Errorf("start-from task %q is not in pipeline %q", r.cfg.StartFromTask, def.Name)
		}
		if err := r.prepareRestart(logger, jobDir, jobID, def); err != nil {
			return err
		}
	}

	runStart := r.clock.Now()
	totalRefinements := 0
	outputs := map[string]any{}

	for i, taskName := range def.Tasks {
		taskLogger := logger.Session("task", lager.Data{"task": taskName})

		doc, err := r.readStatus(jobDir, jobID)
		if err != nil {
			return err
		}

		taskState := string(status.TaskPending)
		if t, ok := doc.Task(taskName); ok {
			taskState = string(t.State())
		}

		if i < startIdx || taskState == string(status.TaskDone) {
			r.rehydrate(taskLogger, jobDir, taskName, outputs)
			continue
		}

		depsReady := true
		for _, upstream := range def.Tasks[:i] {
			t, ok := doc.Task(upstream)
			if !ok || t.State() != status.TaskDone {
				depsReady = false
				break
			}
		}

		decision := policy.Decide(policy.Request{
			Op:                policy.OpStart,
			TaskState:         taskState,
			DependenciesReady: depsReady,
		})
		if !decision.OK {
			lifecycleErr := newLifecycleError(jobID, taskName, policy.OpStart, decision.Reason)
			r.bus.Publish(event.TopicLifecycleBlock, event.LifecycleBlock{
				JobID:  jobID,
				TaskID: taskName,
				Op:     string(policy.OpStart),
				Reason: decision.Reason,
			})
			taskLogger.Error("lifecycle-blocked", lifecycleErr)
			return lifecycleErr
		}

		refinements, err := r.runTask(ctx, taskLogger, jobDir, jobID, def, taskName, jobSeed, outputs)
		totalRefinements += refinements
		if err != nil {
			return err
		}

		if r.cfg.RunSingleTask && taskName == r.cfg.StartFromTask {
			logger.Info("single-task-complete", lager.Data{"task": taskName})
			return nil
		}
	}

	if r.cfg.RunSingleTask {
		return nil
	}

	return r.finalize(logger, jobDir, jobID, def, runStart, totalRefinements)
}

func (r *Runner) runTask(
	ctx context.Context,
	logger lager.Logger,
	jobDir string,
	jobID string,
	def pipeline.Definition,
	taskName string,
	jobSeed *seed.Seed,
	outputs map[string]any,
) (int, error) {
	started := r.clock.Now()

	err := r.writer.UpdateTask(jobDir, taskName, func(t status.Task) error {
		t.SetState(status.TaskRunning)
		t.AddAttempt()
		t.SetStartedAt(started)
		t.SetCurrentStage(string(stage.Ingestion))
		return nil
	})
	if err != nil {
		return 0, err
	}

	taskDir := paths.TaskDirIn(jobDir, taskName)
	if err := EnsureBridge(taskDir, jobDir); err != nil {
		logger.Error("bridge-unrecoverable", err)
		return 0, r.failTask(jobDir, jobID, taskName, err)
	}

	mod, err := r.resolver.Resolve(taskName)
	if err != nil {
		logger.Error("failed-to-load-module", err)
		return 0, r.failTask(jobDir, jobID, taskName, err)
	}

	var currentStage atomic.Value
	currentStage.Store(string(stage.Ingestion))
	getStage := func() string {
		return currentStage.Load().(string)
	}
	onStage := func(st stage.Stage) {
		currentStage.Store(string(st))
		err := r.writer.UpdateTask(jobDir, taskName, func(t status.Task) error {
			t.SetCurrentStage(string(st))
			return nil
		})
		if err != nil {
			logger.Error("failed-to-record-stage", err, lager.Data{"stage": st})
		}
	}

	files := taskio.NewFiles(logger, r.writer, jobDir, taskName, getStage)

	taskCfg := def.ConfigFor(taskName)
	sc := stage.NewContext(stage.TaskInfo{
		JobID:         jobID,
		TaskName:      taskName,
		WorkDir:       jobDir,
		TaskDir:       taskDir,
		StatusPath:    paths.StatusPathIn(jobDir),
		Config:        taskCfg,
		PipelineTasks: def.Tasks,
	}, map[string]any{
		"seed":     jobSeed.Data,
		"context":  jobSeed.Context,
		"upstream": outputs,
	})

	result := r.stages.Run(ctx, mod, sc, files, stage.Config{
		MaxRefinementAttempts: taskCfg.MaxRefinementAttempts(),
		StageTimeout:          taskCfg.StageTimeout(),
	}, onStage)

	elapsed := r.clock.Since(started).Milliseconds()

	if !result.OK {
		r.writeFailureLogs(logger, files, taskName, result)
		return result.RefinementAttempts, r.failTaskResult(jobDir, jobID, taskName, elapsed, result)
	}

	if logData, err := json.Marshal(result.Logs); err == nil {
		name := taskio.FormatLogName(taskName, stage.Finalization, "execution-logs", "json")
		if werr := files.WriteLog(name, logData, stage.Replace); werr != nil {
			logger.Error("failed-to-write-execution-logs", werr)
		}
	}

	if result.Context.Output != nil {
		outputs[taskName] = result.Context.Output
		if data, err := json.MarshalIndent(result.Context.Output, "", "  "); err == nil {
			if werr := fsutil.AtomicWrite(paths.TaskOutputPath(jobDir, taskName), data); werr != nil {
				logger.Error("failed-to-write-task-output", werr)
			}
		}
	}

	err = r.writer.UpdateTask(jobDir, taskName, func(t status.Task) error {
		t.SetState(status.TaskDone)
		t.SetEndedAt(r.clock.Now())
		t.SetExecutionTimeMs(elapsed)
		t.SetRefinementAttempts(result.RefinementAttempts)
		t.SetCurrentStage("")
		return nil
	})
	if err != nil {
		return result.RefinementAttempts, err
	}

	logger.Info("task-done", lager.Data{"ms": elapsed, "refinements": result.RefinementAttempts})
	return result.RefinementAttempts, nil
}

// prepareRestart applies restart semantics to the start-from task: a done or
// failed target passes the restart policy and resets itself plus everything
// after it; a pending target needs no reset; anything else is blocked.
func (r *Runner) prepareRestart(logger lager.Logger, jobDir string, jobID string, def pipeline.Definition) error {
	doc, err := r.readStatus(jobDir, jobID)
	if err != nil {
		return err
	}

	target := r.cfg.StartFromTask
	taskState := string(status.TaskPending)
	if t, ok := doc.Task(target); ok {
		taskState = string(t.State())
	}

	if taskState == string(status.TaskPending) {
		return nil
	}

	decision := policy.Decide(policy.Request{Op: policy.OpRestart, TaskState: taskState})
	if !decision.OK {
		lifecycleErr := newLifecycleError(jobID, target, policy.OpRestart, decision.Reason)
		r.bus.Publish(event.TopicLifecycleBlock, event.LifecycleBlock{
			JobID:  jobID,
			TaskID: target,
			Op:     string(policy.OpRestart),
			Reason: decision.Reason,
		})
		return lifecycleErr
	}

	logger.Info("resetting-from-task", lager.Data{"task": target})
	return r.writer.ResetJobFromTask(jobDir, target, status.ResetOptions{})
}

func (r *Runner) writeFailureLogs(logger lager.Logger, files *taskio.Files, taskName string, result stage.Result) {
	if logData, err := json.Marshal(result.Logs); err == nil {
		name := taskio.FormatLogName(taskName, result.FailedStage, "execution-logs", "json")
		if werr := files.WriteLog(name, logData, stage.Replace); werr != nil {
			logger.Error("failed-to-write-execution-logs", werr)
		}
	}

	details := map[string]any{
		"error":              result.Err.Error(),
		"failedStage":        result.FailedStage,
		"previousStage":      result.Context.PreviousStage,
		"refinementAttempts": result.RefinementAttempts,
		"data":               result.Context.Data,
		"flags":              result.Context.Flags,
	}
	if data, err := json.MarshalIndent(details, "", "  "); err == nil {
		name := taskio.FormatLogName(taskName, result.FailedStage, "failure-details", "json")
		if werr := files.WriteLog(name, data, stage.Replace); werr != nil {
			logger.Error("failed-to-write-failure-details", werr)
		}
	}
}

func (r *Runner) failTaskResult(jobDir string, jobID string, taskName string, elapsed int64, result stage.Result) error {
	err := r.writer.UpdateTask(jobDir, taskName, func(t status.Task) error {
		t.SetState(status.TaskFailed)
		t.SetEndedAt(r.clock.Now())
		t.SetExecutionTimeMs(elapsed)
		t.SetFailedStage(string(result.FailedStage))
		t.SetRefinementAttempts(result.RefinementAttempts)
		t.SetCurrentStage("")
		t.SetError(map[string]any{
			"message":       result.Err.Error(),
			"failedStage":   string(result.FailedStage),
			"previousStage": result.Context.PreviousStage,
		})
		return nil
	})
	if err != nil {
		return err
	}

	return &TaskFailedError{JobID: jobID, Task: taskName, FailedStage: result.FailedStage, Err: result.Err}
}

func (r *Runner) failTask(jobDir string, jobID string, taskName string, cause error) error {
	err := r.writer.UpdateTask(jobDir, taskName, func(t status.Task) error {
		t.SetState(status.TaskFailed)
		t.SetEndedAt(r.clock.Now())
		t.SetCurrentStage("")
		t.SetError(map[string]any{"message": cause.Error()})
		return nil
	})
	if err != nil {
		return err
	}
	return &TaskFailedError{JobID: jobID, Task: taskName, Err: cause}
}

func (r *Runner) finalize(
	logger lager.Logger,
	jobDir string,
	jobID string,
	def pipeline.Definition,
	runStart time.Time,
	totalRefinements int,
) error {
	if err := os.MkdirAll(r.cfg.CompleteDir, 0755); err != nil {
		return fmt.Errorf("creating complete bucket: %w", err)
	}

	dest := filepath.Join(r.cfg.CompleteDir, jobID)
	if err := os.Rename(jobDir, dest); err != nil {
		return fmt.Errorf("archiving job %s: %w", jobID, err)
	}

	doc, err := r.readStatus(dest, jobID)
	if err != nil {
		return err
	}

	summary := runlog.Summary{
		ID:                 jobID,
		FinishedAt:         r.clock.Now().UTC().Format(time.RFC3339),
		Tasks:              len(def.Tasks),
		TotalTimeMs:        r.clock.Since(runStart).Milliseconds(),
		RefinementAttempts: totalRefinements,
		FinalArtifacts:     doc.Files(status.Artifacts),
	}
	if err := runlog.Append(r.cfg.RunsLogPath(), summary); err != nil {
		logger.Error("failed-to-append-run-summary", err)
		return err
	}

	if err := SweepBridges(dest, def.Tasks); err != nil {
		logger.Error("failed-to-sweep-bridges", err)
	}

	logger.Info("job-complete", lager.Data{"dest": dest})
	return nil
}

func (r *Runner) rehydrate(logger lager.Logger, jobDir string, taskName string, outputs map[string]any) {
	data, err := os.ReadFile(paths.TaskOutputPath(jobDir, taskName))
	if err != nil {
		return
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		logger.Error("corrupt-task-output", err)
		return
	}
	outputs[taskName] = out
	logger.Debug("rehydrated-output")
}

func (r *Runner) readStatus(jobDir string, jobID string) (*status.Document, error) {
	data, err := os.ReadFile(paths.StatusPathIn(jobDir))
	if os.IsNotExist(err) {
		return status.NewDocument(jobID, r.clock.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status document: %w", err)
	}
	doc, err := status.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("status document for %s: %w", jobID, err)
	}
	doc.Normalize()
	return doc, nil
}

func (r *Runner) loadSeed(jobDir string) (*seed.Seed, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, "seed.json"))
	if err != nil {
		return nil, fmt.Errorf("reading seed: %w", err)
	}
	// The seed was validated at promotion; registry membership is not
	// re-checked here because the pipeline is already snapshotted.
	return seed.Validate(data, nil)
}

func (r *Runner) loadPipeline(jobDir string, jobSeed *seed.Seed) (pipeline.Definition, error) {
	path := r.cfg.PipelinePath
	if path == "" {
		path = paths.PipelinePathIn(jobDir)
	}

	def, err := pipeline.LoadSnapshot(path)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return def, err
	}

	// No snapshot: resolve the slug against the registry and freeze it now.
	slug := r.cfg.PipelineSlug
	if slug == "" {
		slug = jobSeed.Pipeline
	}

	registryPath := filepath.Join(r.cfg.ConfigDir, "pipelines.yml")
	registry, regErr := pipeline.LoadRegistry(registryPath)
	if regErr != nil {
		return def, fmt.Errorf("no pipeline snapshot and registry unavailable: %w", regErr)
	}

	def, ok := registry.Lookup(slug)
	if !ok {
		return def, fmt.Errorf("pipeline %q is not in the registry", slug)
	}

	if err := pipeline.Snapshot(def, jobDir); err != nil {
		return def, err
	}

	return def, nil
}
