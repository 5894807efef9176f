// Package paths deterministically maps a data root, bucket, and job ID to
// on-disk locations. It performs no I/O; every function is a pure string
// computation over filepath.Join.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Bucket is one of the filesystem lifecycle directories a job can live in.
type Bucket string

const (
	Pending  Bucket = "pending"
	Current  Bucket = "current"
	Complete Bucket = "complete"
	Rejected Bucket = "rejected"
)

// FileKind is one of the three per-task output file categories.
type FileKind string

const (
	Artifacts FileKind = "artifacts"
	Logs      FileKind = "logs"
	Tmp       FileKind = "tmp"
)

// Kinds lists every FileKind in a stable order.
var Kinds = []FileKind{Artifacts, Logs, Tmp}

// JobIDPattern is the only accepted shape for a job identifier.
var JobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// pipelineDataDir is the subdirectory of the data root that holds all buckets.
const pipelineDataDir = "pipeline-data"

const (
	statusFile   = "tasks-status.json"
	seedFile     = "seed.json"
	pipelineFile = "pipeline.json"
	jobMetaFile  = "job.json"
	pidFile      = "runner.pid"
	runsLogFile  = "runs.jsonl"
	lockFile     = "conveyor.lock"
)

// Buckets holds the resolved directory for each bucket under a data root.
type Buckets struct {
	Pending  string
	Current  string
	Complete string
	Rejected string
}

// Resolve returns the bucket directories for a data root.
func Resolve(base string) Buckets {
	return Buckets{
		Pending:  BucketDir(base, Pending),
		Current:  BucketDir(base, Current),
		Complete: BucketDir(base, Complete),
		Rejected: BucketDir(base, Rejected),
	}
}

// BucketDir returns the directory of one bucket.
func BucketDir(base string, bucket Bucket) string {
	return filepath.Join(base, pipelineDataDir, string(bucket))
}

// SeedPath returns the location of a job's seed in the given bucket. Pending
// and rejected seeds are flat files named {jobID}-seed.json; current and
// complete store the seed inside the job directory as seed.json.
func SeedPath(base string, bucket Bucket, jobID string) string {
	switch bucket {
	case Pending, Rejected:
		return filepath.Join(BucketDir(base, bucket), fmt.Sprintf("%s-seed.json", jobID))
	default:
		return filepath.Join(JobDir(base, bucket, jobID), seedFile)
	}
}

// SeedReasonPath returns the sibling reason file written next to a rejected seed.
func SeedReasonPath(base string, jobID string) string {
	return filepath.Join(BucketDir(base, Rejected), fmt.Sprintf("%s-seed.reason", jobID))
}

// UploadsDir returns the directory holding upload artifacts staged alongside a
// pending seed.
func UploadsDir(base string, jobID string) string {
	return filepath.Join(BucketDir(base, Pending), fmt.Sprintf("%s-uploads", jobID))
}

// JobDir returns the per-job directory in a bucket.
func JobDir(base string, bucket Bucket, jobID string) string {
	return filepath.Join(BucketDir(base, bucket), jobID)
}

// StatusPath returns the job's status document location.
func StatusPath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), statusFile)
}

// StatusPathIn returns the status document location inside an already resolved
// job directory.
func StatusPathIn(jobDir string) string {
	return filepath.Join(jobDir, statusFile)
}

// PipelinePath returns the job's snapshotted pipeline definition.
func PipelinePath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), pipelineFile)
}

// PipelinePathIn returns the pipeline snapshot inside a job directory.
func PipelinePathIn(jobDir string) string {
	return filepath.Join(jobDir, pipelineFile)
}

// JobMetaPath returns the job's metadata document.
func JobMetaPath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), jobMetaFile)
}

// PIDPath returns the runner PID file inside a job directory.
func PIDPath(jobDir string) string {
	return filepath.Join(jobDir, pidFile)
}

// TaskDir returns the private directory of one task under a job.
func TaskDir(base string, bucket Bucket, jobID string, taskName string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "tasks", taskName)
}

// TaskDirIn returns a task directory inside an already resolved job directory.
func TaskDirIn(jobDir string, taskName string) string {
	return filepath.Join(jobDir, "tasks", taskName)
}

// TaskOutputPath returns the rehydratable output document of one task.
func TaskOutputPath(jobDir string, taskName string) string {
	return filepath.Join(TaskDirIn(jobDir, taskName), "output.json")
}

// FilesDir returns the directory for one kind of task output file.
func FilesDir(base string, bucket Bucket, jobID string, kind FileKind) string {
	return filepath.Join(JobDir(base, bucket, jobID), "files", string(kind))
}

// FilesDirIn returns the files directory for a kind inside a job directory.
func FilesDirIn(jobDir string, kind FileKind) string {
	return filepath.Join(jobDir, "files", string(kind))
}

// RunsLogPath returns the append-only run summary log in the complete bucket.
func RunsLogPath(base string) string {
	return filepath.Join(BucketDir(base, Complete), runsLogFile)
}

// LockfilePath returns the root-level lockfile guarding a data root against a
// second lifecycle manager.
func LockfilePath(base string) string {
	return filepath.Join(base, pipelineDataDir, lockFile)
}
