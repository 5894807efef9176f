package runner

import (
	"fmt"

	"github.com/concourse/conveyor/policy"
	"github.com/concourse/conveyor/stage"
)

// LifecycleError reports a transition the lifecycle policy rejected. It
// serializes into the structured shape API callers expect.
type LifecycleError struct {
	HTTPStatus int       `json:"httpStatus"`
	Code       string    `json:"error"`
	Reason     string    `json:"reason"`
	JobID      string    `json:"jobId"`
	Task       string    `json:"taskId"`
	Op         policy.Op `json:"op"`
}

func newLifecycleError(jobID, task string, op policy.Op, reason string) *LifecycleError {
	return &LifecycleError{
		HTTPStatus: 409,
		Code:       "unsupported_lifecycle",
		Reason:     reason,
		JobID:      jobID,
		Task:       task,
		Op:         op,
	}
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("unsupported_lifecycle: %s %s/%s: %s", e.Op, e.JobID, e.Task, e.Reason)
}

// TaskFailedError reports that a task's stage run failed. The job stays in
// current with state failed; the process exits non-zero.
type TaskFailedError struct {
	JobID       string
	Task        string
	FailedStage stage.Stage
	Err         error
}

func (e *TaskFailedError) Error() string {
	if e.FailedStage != "" {
		return fmt.Sprintf("task %s/%s failed at %s: %v", e.JobID, e.Task, e.FailedStage, e.Err)
	}
	return fmt.Sprintf("task %s/%s failed: %v", e.JobID, e.Task, e.Err)
}

func (e *TaskFailedError) Unwrap() error { return e.Err }
