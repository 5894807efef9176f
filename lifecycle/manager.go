// Package lifecycle implements the daemon side of the orchestrator: watching
// the pending bucket, validating and promoting seeds into jobs, spawning one
// runner process per job under a concurrency cap, and supervising runner
// exits. Exactly one manager may own a data root at a time.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/tedsuo/ifrit"
	"golang.org/x/sync/semaphore"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/fsutil"
	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/pipeline"
	"github.com/concourse/conveyor/seed"
	"github.com/concourse/conveyor/status"
)

// Config holds the manager's operational settings.
type Config struct {
	DataRoot             string
	PipelineRegistryPath string
	TaskRegistryPath     string
	MaxConcurrentRunners int64
	RescanInterval       time.Duration
	RunnerBin            string
	RunnerLogLevel       string
}

func (c *Config) applyDefaults() error {
	if c.MaxConcurrentRunners <= 0 {
		c.MaxConcurrentRunners = 2
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = 10 * time.Second
	}
	if c.RunnerBin == "" {
		bin, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving runner binary: %w", err)
		}
		c.RunnerBin = bin
	}
	return nil
}

// Manager owns a data root: it promotes seeds, spawns runners, and supervises
// their exits.
type Manager struct {
	logger   lager.Logger
	clock    clock.Clock
	writer   *status.Writer
	bus      *event.Bus
	registry *pipeline.Registry
	cfg      Config

	sem *semaphore.Weighted

	mu        sync.Mutex
	running   map[string]*exec.Cmd
	promoting map[string]bool
}

// NewManager loads the pipeline registry and constructs a Manager.
func NewManager(
	logger lager.Logger,
	clk clock.Clock,
	writer *status.Writer,
	bus *event.Bus,
	cfg Config,
) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	registry, err := pipeline.LoadRegistry(cfg.PipelineRegistryPath)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:    logger.Session("lifecycle"),
		clock:     clk,
		writer:    writer,
		bus:       bus,
		registry:  registry,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentRunners),
		running:   map[string]*exec.Cmd{},
		promoting: map[string]bool{},
	}, nil
}

// Run implements ifrit.Runner. It acquires the root lock, starts the pending
// watcher, and promotes seeds until signalled.
func (m *Manager) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	lock, err := AcquireLock(m.logger, paths.LockfilePath(m.cfg.DataRoot))
	if err != nil {
		return err
	}
	defer lock.Release()

	buckets := paths.Resolve(m.cfg.DataRoot)
	for _, dir := range []string{buckets.Pending, buckets.Rejected, buckets.Current, buckets.Complete} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating bucket %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeds := make(chan string, 16)
	watcher := ifrit.Background(NewWatcher(m.logger, m.clock, buckets.Pending, m.cfg.RescanInterval, seeds))

	select {
	case <-watcher.Ready():
	case err := <-watcher.Wait():
		return fmt.Errorf("seed watcher failed to start: %w", err)
	}

	close(ready)
	m.logger.Info("started", lager.Data{
		"data-root":   m.cfg.DataRoot,
		"max-runners": m.cfg.MaxConcurrentRunners,
	})

	for {
		select {
		case path := <-seeds:
			m.handleSeed(ctx, path)

		case err := <-watcher.Wait():
			if err != nil {
				return fmt.Errorf("seed watcher exited: %w", err)
			}
			return nil

		case sig := <-signals:
			m.logger.Info("shutting-down", lager.Data{"signal": sig.String()})
			cancel()
			watcher.Signal(sig)
			m.signalRunners(sig)
			<-watcher.Wait()
			return nil
		}
	}
}

// handleSeed validates a pending seed and either promotes it into the current
// bucket or rejects it with a reason file.
func (m *Manager) handleSeed(ctx context.Context, seedPath string) {
	base := filepath.Base(seedPath)
	jobID := strings.TrimSuffix(base, seedSuffix)
	logger := m.logger.Session("promote", lager.Data{"job": jobID})

	m.mu.Lock()
	if m.promoting[jobID] {
		m.mu.Unlock()
		return
	}
	m.promoting[jobID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.promoting, jobID)
		m.mu.Unlock()
	}()

	info, err := os.Stat(seedPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logger.Error("failed-to-stat-seed", err)
		return
	}
	if info.Size() == 0 {
		// Likely still being written; the rescan will come back to it.
		return
	}

	m.bus.Publish(event.TopicSeedUploaded, event.SeedUploaded{Name: base})

	if !paths.JobIDPattern.MatchString(jobID) {
		m.reject(logger, seedPath, jobID, fmt.Errorf("invalid job id %q", jobID))
		return
	}

	jobDir := paths.JobDir(m.cfg.DataRoot, paths.Current, jobID)
	if _, err := os.Stat(jobDir); err == nil {
		logger.Info("already-promoted")
		os.Remove(seedPath)
		return
	}
	if _, err := os.Stat(paths.JobDir(m.cfg.DataRoot, paths.Complete, jobID)); err == nil {
		m.reject(logger, seedPath, jobID, fmt.Errorf("job %q already completed", jobID))
		return
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		logger.Error("failed-to-read-seed", err)
		return
	}

	s, err := seed.Validate(data, m.registry.Has)
	if err != nil {
		m.reject(logger, seedPath, jobID, err)
		return
	}

	def, ok := m.registry.Lookup(s.Pipeline)
	if !ok {
		m.reject(logger, seedPath, jobID, fmt.Errorf("unknown pipeline %q", s.Pipeline))
		return
	}

	if err := m.promote(logger, jobID, jobDir, data, s, def); err != nil {
		logger.Error("failed-to-promote", err)
		os.RemoveAll(jobDir)
		return
	}

	os.Remove(seedPath)
	os.RemoveAll(paths.UploadsDir(m.cfg.DataRoot, jobID))

	logger.Info("promoted", lager.Data{"pipeline": s.Pipeline, "tasks": len(def.Tasks)})

	m.spawnRunner(ctx, jobID)
}

func (m *Manager) promote(
	logger lager.Logger,
	jobID string,
	jobDir string,
	rawSeed []byte,
	s *seed.Seed,
	def pipeline.Definition,
) error {
	for _, kind := range paths.Kinds {
		if err := os.MkdirAll(paths.FilesDirIn(jobDir, kind), 0755); err != nil {
			return fmt.Errorf("creating files tree: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(jobDir, "tasks"), 0755); err != nil {
		return fmt.Errorf("creating tasks directory: %w", err)
	}

	if err := fsutil.AtomicWrite(paths.SeedPath(m.cfg.DataRoot, paths.Current, jobID), rawSeed); err != nil {
		return fmt.Errorf("writing seed: %w", err)
	}

	if err := pipeline.Snapshot(def, jobDir); err != nil {
		return err
	}

	meta := map[string]any{
		"id":        jobID,
		"name":      s.Name,
		"pipeline":  s.Pipeline,
		"createdAt": m.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(s.Metadata) > 0 {
		meta["metadata"] = s.Metadata
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing job metadata: %w", err)
	}
	if err := fsutil.AtomicWrite(paths.JobMetaPath(m.cfg.DataRoot, paths.Current, jobID), metaData); err != nil {
		return fmt.Errorf("writing job metadata: %w", err)
	}

	uploads, err := m.copyUploads(logger, jobID, jobDir)
	if err != nil {
		return err
	}

	return m.writer.Update(jobDir, func(doc *status.Document) error {
		doc.SetID(jobID)
		doc.SetPipelineOrder(def.Tasks)
		for _, task := range def.Tasks {
			doc.EnsureTask(task)
		}
		for _, name := range uploads {
			doc.AddFile(status.Artifacts, name)
		}
		doc.RecomputeAggregates()
		return nil
	})
}

// copyUploads copies artifacts staged next to the pending seed into the job's
// artifacts directory, returning the copied names.
func (m *Manager) copyUploads(logger lager.Logger, jobID string, jobDir string) ([]string, error) {
	srcDir := paths.UploadsDir(m.cfg.DataRoot, jobID)
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading uploads: %w", err)
	}

	dstDir := paths.FilesDirIn(jobDir, paths.Artifacts)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, entry.Name()), filepath.Join(dstDir, entry.Name())); err != nil {
			return nil, fmt.Errorf("copying upload %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}

	if len(names) > 0 {
		logger.Info("copied-uploads", lager.Data{"count": len(names)})
	}
	return names, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// reject moves a seed into the rejected bucket and writes its reason file.
func (m *Manager) reject(logger lager.Logger, seedPath string, jobID string, cause error) {
	logger.Info("rejecting-seed", lager.Data{"reason": cause.Error()})

	dst := paths.SeedPath(m.cfg.DataRoot, paths.Rejected, jobID)
	if err := os.Rename(seedPath, dst); err != nil {
		logger.Error("failed-to-move-rejected-seed", err)
		return
	}

	reason := seed.RejectReason{
		JobID:     jobID,
		Reason:    cause.Error(),
		Timestamp: m.clock.Now().UTC(),
	}
	data, err := json.MarshalIndent(reason, "", "  ")
	if err != nil {
		logger.Error("failed-to-serialize-reject-reason", err)
		return
	}
	if err := fsutil.AtomicWrite(paths.SeedReasonPath(m.cfg.DataRoot, jobID), data); err != nil {
		logger.Error("failed-to-write-reject-reason", err)
	}
}

// spawnRunner starts one runner process for a job, gated by the concurrency
// semaphore, and supervises its exit.
func (m *Manager) spawnRunner(ctx context.Context, jobID string) {
	go func() {
		logger := m.logger.Session("runner", lager.Data{"job": jobID})

		if err := m.sem.Acquire(ctx, 1); err != nil {
			logger.Info("not-spawning", lager.Data{"reason": err.Error()})
			return
		}
		defer m.sem.Release(1)

		cmd := exec.Command(m.cfg.RunnerBin, "runner", jobID)
		cmd.Env = append(os.Environ(),
			"CONVEYOR_DATA_ROOT="+m.cfg.DataRoot,
			"CONVEYOR_TASK_REGISTRY="+m.cfg.TaskRegistryPath,
			"CONVEYOR_LOG_LEVEL="+m.cfg.RunnerLogLevel,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			logger.Error("failed-to-start-runner", err)
			return
		}

		m.mu.Lock()
		m.running[jobID] = cmd
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.running, jobID)
			m.mu.Unlock()
		}()

		logger.Info("spawned", lager.Data{"pid": cmd.Process.Pid})

		err := cmd.Wait()
		code := exitCode(err)
		switch code {
		case 0:
			logger.Info("finished")
		case 1:
			logger.Info("finished-with-task-failure")
		case 130, 143:
			logger.Info("interrupted", lager.Data{"exit-code": code})
		default:
			logger.Error("runner-exited", fmt.Errorf("exit code %d", code))
		}
	}()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// signalRunners forwards a shutdown signal to every live runner process.
func (m *Manager) signalRunners(sig os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for jobID, cmd := range m.running {
		if cmd.Process == nil {
			continue
		}
		m.logger.Info("signalling-runner", lager.Data{"job": jobID})
		cmd.Process.Signal(sig)
	}
}

// StopJob sends SIGTERM to the runner recorded in a current job's PID file.
func (m *Manager) StopJob(jobID string) error {
	if !paths.JobIDPattern.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}

	jobDir := paths.JobDir(m.cfg.DataRoot, paths.Current, jobID)
	data, err := os.ReadFile(paths.PIDPath(jobDir))
	if os.IsNotExist(err) {
		return fmt.Errorf("job %q has no running runner", jobID)
	}
	if err != nil {
		return fmt.Errorf("reading runner pid: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("corrupt runner pid file for job %q", jobID)
	}

	m.logger.Info("stopping-job", lager.Data{"job": jobID, "pid": pid})
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling runner pid %d: %w", pid, err)
	}
	return nil
}

// PruneJob removes a finished job's footprint: its directory in complete, a
// failed directory in current, and any rejected seed plus reason file. A job
// that is still running cannot be pruned.
func (m *Manager) PruneJob(jobID string) error {
	if !paths.JobIDPattern.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}

	m.mu.Lock()
	_, live := m.running[jobID]
	m.mu.Unlock()
	if live {
		return fmt.Errorf("job %q is still running", jobID)
	}

	removed := false

	completeDir := paths.JobDir(m.cfg.DataRoot, paths.Complete, jobID)
	if _, err := os.Stat(completeDir); err == nil {
		if err := os.RemoveAll(completeDir); err != nil {
			return fmt.Errorf("pruning complete job: %w", err)
		}
		removed = true
	}

	currentDir := paths.JobDir(m.cfg.DataRoot, paths.Current, jobID)
	if data, err := os.ReadFile(paths.StatusPathIn(currentDir)); err == nil {
		if doc, err := status.ParseDocument(data); err == nil && doc.State() == status.JobFailed {
			if err := os.RemoveAll(currentDir); err != nil {
				return fmt.Errorf("pruning failed job: %w", err)
			}
			removed = true
		}
	}

	rejectedSeed := paths.SeedPath(m.cfg.DataRoot, paths.Rejected, jobID)
	if _, err := os.Stat(rejectedSeed); err == nil {
		os.Remove(rejectedSeed)
		os.Remove(paths.SeedReasonPath(m.cfg.DataRoot, jobID))
		removed = true
	}

	if !removed {
		return fmt.Errorf("job %q has nothing to prune", jobID)
	}

	m.logger.Info("pruned", lager.Data{"job": jobID})
	return nil
}
