package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/fsutil"
	"github.com/concourse/conveyor/paths"
)

// queueBuffer bounds how many updates may be enqueued per job before callers
// block waiting for the worker to drain.
const queueBuffer = 64

// UpdateFunc mutates a loaded, normalized document in place. Returning an
// error rejects the caller's update without affecting later queued updates.
type UpdateFunc func(*Document) error

// ResetOptions controls what a reset clears beyond the standard fields.
type ResetOptions struct {
	ClearTokenUsage bool
}

// Writer serializes all mutations of a job's status document. Updates for
// the same job directory are applied strictly in arrival order by a single
// worker goroutine per job; the worker is spawned lazily and torn down when
// its queue drains. No OS file locks are involved: serialization in-process
// plus rename-atomic writes on disk are sufficient on a single host.
type Writer struct {
	logger lager.Logger
	clock  clock.Clock
	bus    *event.Bus

	mu     sync.Mutex
	queues map[string]*jobQueue
	warned map[string]bool
}

type jobQueue struct {
	ch      chan queuedUpdate
	pending int
}

type queuedUpdate struct {
	fn   UpdateFunc
	done chan error
}

// NewWriter creates a Writer that stamps lastUpdated from clk and publishes
// change events on bus after every committed write.
func NewWriter(logger lager.Logger, clk clock.Clock, bus *event.Bus) *Writer {
	return &Writer{
		logger: logger.Session("status-writer"),
		clock:  clk,
		bus:    bus,
		queues: map[string]*jobQueue{},
		warned: map[string]bool{},
	}
}

// Update queues a read-modify-write of the job's status document and waits
// for it to commit. The document is loaded (or defaulted if missing or
// corrupt), normalized, passed to fn, re-normalized, stamped, and written
// atomically. After a successful commit a state:change event is published.
func (w *Writer) Update(jobDir string, fn UpdateFunc) error {
	u := queuedUpdate{fn: fn, done: make(chan error, 1)}

	w.mu.Lock()
	q, ok := w.queues[jobDir]
	if !ok {
		q = &jobQueue{ch: make(chan queuedUpdate, queueBuffer)}
		w.queues[jobDir] = q
		go w.work(jobDir, q)
	}
	q.pending++
	w.mu.Unlock()

	q.ch <- u
	return <-u.done
}

func (w *Writer) work(jobDir string, q *jobQueue) {
	for u := range q.ch {
		u.done <- w.apply(jobDir, u.fn)

		w.mu.Lock()
		q.pending--
		if q.pending == 0 {
			delete(w.queues, jobDir)
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func (w *Writer) apply(jobDir string, fn UpdateFunc) error {
	logger := w.logger.Session("apply", lager.Data{"job-dir": jobDir})

	path := paths.StatusPathIn(jobDir)
	now := w.clock.Now().UTC()

	doc, err := w.load(logger, jobDir, path)
	if err != nil {
		return err
	}

	doc.Normalize()

	if err := fn(doc); err != nil {
		return fmt.Errorf("status update for %s: %w", jobDir, err)
	}

	doc.Normalize()
	doc.SetLastUpdated(now)

	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("serializing status document: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		logger.Error("failed-to-write-status", err)
		return err
	}

	// Emission is fire-and-forget; the bus never throws back into a commit.
	w.bus.Publish(event.TopicStateChange, event.StateChange{
		JobID:     doc.ID(),
		Path:      path,
		Timestamp: now,
	})

	return nil
}

func (w *Writer) load(logger lager.Logger, jobDir, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w.defaultDocument(jobDir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status document: %w", err)
	}

	doc, parseErr := ParseDocument(data)
	if parseErr != nil {
		w.mu.Lock()
		already := w.warned[jobDir]
		w.warned[jobDir] = true
		w.mu.Unlock()
		if !already {
			logger.Error("corrupt-status-document", parseErr)
		}
		return w.defaultDocument(jobDir), nil
	}

	return doc, nil
}

func (w *Writer) defaultDocument(jobDir string) *Document {
	return NewDocument(filepath.Base(jobDir), w.clock.Now().UTC())
}

// UpdateTask creates or updates one task record and recomputes the derived
// aggregates. After the commit a task:updated event is published carrying a
// snapshot of the record.
func (w *Writer) UpdateTask(jobDir string, taskName string, fn func(Task) error) error {
	var jobID string
	var snapshot map[string]any

	err := w.Update(jobDir, func(doc *Document) error {
		task := doc.EnsureTask(taskName)
		if err := fn(task); err != nil {
			return err
		}
		doc.RecomputeAggregates()
		jobID = doc.ID()
		snapshot = task.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	w.bus.Publish(event.TopicTaskUpdated, event.TaskUpdated{
		JobID:  jobID,
		TaskID: taskName,
		Task:   snapshot,
	})

	return nil
}

// ResetJobFromTask resets every task at or after fromTask in pipeline order
// back to pending. Earlier tasks and all file lists are untouched; progress
// is recomputed from the tasks that remain done.
func (w *Writer) ResetJobFromTask(jobDir string, fromTask string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *Document) error {
		names := doc.TaskNames()
		from := -1
		for i, name := range names {
			if name == fromTask {
				from = i
				break
			}
		}
		if from == -1 {
			return fmt.Errorf("unknown task %q", fromTask)
		}

		for _, name := range names[from:] {
			if task, ok := doc.Task(name); ok {
				task.Reset(opts.ClearTokenUsage)
			}
		}

		doc.RecomputeAggregates()
		return nil
	})
}

// ResetJobToCleanSlate resets every task back to pending. File lists are
// untouched.
func (w *Writer) ResetJobToCleanSlate(jobDir string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *Document) error {
		for _, name := range doc.TaskNames() {
			if task, ok := doc.Task(name); ok {
				task.Reset(opts.ClearTokenUsage)
			}
		}
		doc.RecomputeAggregates()
		return nil
	})
}

// ResetSingleTask resets one task back to pending, leaving every other task
// and all file lists untouched.
func (w *Writer) ResetSingleTask(jobDir string, taskName string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *Document) error {
		task, ok := doc.Task(taskName)
		if !ok {
			return fmt.Errorf("unknown task %q", taskName)
		}
		task.Reset(opts.ClearTokenUsage)
		doc.RecomputeAggregates()
		return nil
	})
}
