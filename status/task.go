package status

import "time"

// Task is a view over one task record inside a Document. Mutations write
// straight into the document tree; unknown per-task fields are untouched.
type Task struct {
	m map[string]any
}

// Get returns an arbitrary task field.
func (t Task) Get(key string) (any, bool) {
	v, ok := t.m[key]
	return v, ok
}

// Set stores an arbitrary task field.
func (t Task) Set(key string, value any) {
	t.m[key] = value
}

// State returns the task state.
func (t Task) State() TaskState {
	s, _ := t.m["state"].(string)
	return TaskState(s)
}

// SetState stores the task state.
func (t Task) SetState(state TaskState) {
	t.m["state"] = string(state)
}

// Attempts returns how many times the task has been started.
func (t Task) Attempts() int {
	return intValue(t.m["attempts"])
}

// AddAttempt increments the start counter and returns the new value.
func (t Task) AddAttempt() int {
	n := t.Attempts() + 1
	t.m["attempts"] = float64(n)
	return n
}

// RefinementAttempts returns how many refine cycles the task has consumed.
func (t Task) RefinementAttempts() int {
	return intValue(t.m["refinementAttempts"])
}

// SetRefinementAttempts stores the refine cycle count.
func (t Task) SetRefinementAttempts(n int) {
	t.m["refinementAttempts"] = float64(n)
}

// CurrentStage returns the stage the task is currently executing, if any.
func (t Task) CurrentStage() (string, bool) {
	s, ok := t.m["currentStage"].(string)
	return s, ok && s != ""
}

// SetCurrentStage stores the executing stage. Empty stores JSON null.
func (t Task) SetCurrentStage(stage string) {
	if stage == "" {
		t.m["currentStage"] = nil
		return
	}
	t.m["currentStage"] = stage
}

// FailedStage returns the stage the task failed in, if any.
func (t Task) FailedStage() (string, bool) {
	s, ok := t.m["failedStage"].(string)
	return s, ok && s != ""
}

// SetFailedStage stores the failing stage. Empty stores JSON null.
func (t Task) SetFailedStage(stage string) {
	if stage == "" {
		t.m["failedStage"] = nil
		return
	}
	t.m["failedStage"] = stage
}

// SetError stores the structured task error.
func (t Task) SetError(err any) {
	t.m["error"] = err
}

// Error returns the structured task error, if any.
func (t Task) Error() (any, bool) {
	v, ok := t.m["error"]
	return v, ok && v != nil
}

// SetStartedAt stamps the task start time.
func (t Task) SetStartedAt(at time.Time) {
	t.m["startedAt"] = at.UTC().Format(time.RFC3339Nano)
}

// SetEndedAt stamps the task end time.
func (t Task) SetEndedAt(at time.Time) {
	t.m["endedAt"] = at.UTC().Format(time.RFC3339Nano)
}

// SetExecutionTimeMs stores the wall-clock execution time.
func (t Task) SetExecutionTimeMs(ms int64) {
	t.m["executionTimeMs"] = float64(ms)
}

// ExecutionTimeMs returns the stored wall-clock execution time.
func (t Task) ExecutionTimeMs() int64 {
	return int64(intValue(t.m["executionTimeMs"]))
}

// Files returns the task-scoped file list for a kind.
func (t Task) Files(kind FileKind) []string {
	return fileList(t.filesMap(), kind)
}

func (t Task) filesMap() map[string]any {
	m, ok := t.m["files"].(map[string]any)
	if !ok {
		m = emptyFiles()
		t.m["files"] = m
	}
	return m
}

// Reset returns the task to the pending state: error, failedStage, and
// timing fields are cleared and both counters are zeroed. The task-scoped
// file lists are deliberately left alone.
func (t Task) Reset(clearTokenUsage bool) {
	t.SetState(TaskPending)
	t.m["attempts"] = float64(0)
	t.m["refinementAttempts"] = float64(0)
	t.m["currentStage"] = nil
	t.m["failedStage"] = nil
	delete(t.m, "error")
	delete(t.m, "startedAt")
	delete(t.m, "endedAt")
	delete(t.m, "executionTimeMs")
	if clearTokenUsage {
		delete(t.m, "tokenUsage")
	}
}

// Clone returns a deep copy of the task record, safe to hand to subscribers.
func (t Task) Clone() map[string]any {
	return cloneMap(t.m)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
