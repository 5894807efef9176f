// Package reader serves external queries over job state. Reads never mutate
// the filesystem and never take the per-job write queue: they see whatever
// the last committed write left on disk, which rename-atomicity guarantees
// is always a whole document.
package reader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/concourse/conveyor/paths"
	"github.com/concourse/conveyor/runlog"
	"github.com/concourse/conveyor/status"
)

// Job is one job's externally visible state.
type Job struct {
	ID        string         `json:"id"`
	Bucket    paths.Bucket   `json:"bucket"`
	State     status.JobState `json:"state"`
	Progress  int            `json:"progress"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    map[string]any `json:"status"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Reader reads job state for external queriers.
type Reader struct {
	logger lager.Logger
	base   string
}

// New creates a Reader over a data root.
func New(logger lager.Logger, base string) *Reader {
	return &Reader{logger: logger.Session("reader"), base: base}
}

// ListJobs lists the valid job directories in a bucket: names matching the
// job ID pattern, not hidden. Permission errors on individual entries are
// tolerated.
func (r *Reader) ListJobs(bucket paths.Bucket) ([]string, error) {
	dir := paths.BucketDir(r.base, bucket)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s bucket: %w", bucket, err)
	}

	var jobs []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name[0] == '.' || !paths.JobIDPattern.MatchString(name) {
			continue
		}
		if _, err := entry.Info(); err != nil {
			r.logger.Debug("skipping-unreadable-entry", lager.Data{"name": name})
			continue
		}
		jobs = append(jobs, name)
	}
	return jobs, nil
}

// ReadJob reads one job's status document and metadata. When bucket is
// empty, current is searched first, then complete.
func (r *Reader) ReadJob(jobID string, bucket paths.Bucket) (*Job, error) {
	if !paths.JobIDPattern.MatchString(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	buckets := []paths.Bucket{bucket}
	if bucket == "" {
		buckets = []paths.Bucket{paths.Current, paths.Complete}
	}

	for _, b := range buckets {
		job, err := r.readJobFrom(jobID, b)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}

	return nil, fmt.Errorf("job %q not found", jobID)
}

func (r *Reader) readJobFrom(jobID string, bucket paths.Bucket) (*Job, error) {
	jobDir := paths.JobDir(r.base, bucket, jobID)
	info, err := os.Stat(jobDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}

	job := &Job{ID: jobID, Bucket: bucket, CreatedAt: info.ModTime().UTC()}

	if data, err := os.ReadFile(paths.StatusPath(r.base, bucket, jobID)); err == nil {
		if doc, err := status.ParseDocument(data); err == nil {
			doc.Normalize()
			job.State = doc.State()
			job.Progress = doc.Progress()
			var tree map[string]any
			if json.Unmarshal(data, &tree) == nil {
				job.Status = tree
			}
		} else {
			r.logger.Error("corrupt-status-document", err, lager.Data{"job": jobID})
		}
	}

	if data, err := os.ReadFile(paths.JobMetaPath(r.base, bucket, jobID)); err == nil {
		var meta map[string]any
		if json.Unmarshal(data, &meta) == nil {
			job.Meta = meta
			if created, ok := meta["createdAt"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
					job.CreatedAt = t
				}
			}
		}
	}

	return job, nil
}

// statusPriority orders jobs for aggregation: running first, then failed,
// then pending, then complete.
func statusPriority(state status.JobState) int {
	switch state {
	case status.JobRunning:
		return 0
	case status.JobFailed:
		return 1
	case status.JobPending:
		return 2
	case status.JobComplete:
		return 3
	default:
		return 4
	}
}

// AggregateJobs merges job lists from the current and complete buckets.
// On duplicate IDs current wins; the result is sorted by status priority,
// then createdAt ascending, then ID.
func AggregateJobs(current []*Job, complete []*Job) []*Job {
	seen := map[string]bool{}
	merged := make([]*Job, 0, len(current)+len(complete))

	for _, job := range current {
		if !seen[job.ID] {
			seen[job.ID] = true
			merged = append(merged, job)
		}
	}
	for _, job := range complete {
		if !seen[job.ID] {
			seen[job.ID] = true
			merged = append(merged, job)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		pi, pj := statusPriority(merged[i].State), statusPriority(merged[j].State)
		if pi != pj {
			return pi < pj
		}
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})

	return merged
}

// ReadRuns returns up to limit run summaries from runs.jsonl, newest last.
// A non-positive limit returns everything.
func (r *Reader) ReadRuns(limit int) ([]runlog.Summary, error) {
	f, err := os.Open(paths.RunsLogPath(r.base))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening runs log: %w", err)
	}
	defer f.Close()

	var runs []runlog.Summary
	rr := runlog.NewReader(f)
	for {
		s, err := rr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("runs log: %w", err)
		}
		runs = append(runs, *s)
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}
