// Package policy is the pure decision table gating task lifecycle
// transitions. Decisions have no side effects; callers translate rejections
// into structured errors or 4xx responses.
package policy

// Op is a lifecycle operation an operator or runner may attempt on a task.
type Op string

const (
	OpStart   Op = "start"
	OpRestart Op = "restart"
	OpReset   Op = "reset"
	OpPause   Op = "pause"
	OpResume  Op = "resume"
)

// Rejection reasons. These are part of the external surface: runners embed
// them in structured lifecycle errors and the bus carries them in
// lifecycle_block events.
const (
	ReasonAlreadyRunning       = "already_running"
	ReasonAlreadyDone          = "already_done"
	ReasonAlreadyFailed        = "already_failed"
	ReasonDependenciesNotReady = "dependencies_not_ready"
	ReasonNeverStarted         = "never_started"
	ReasonNotRunning           = "not_running"
	ReasonNotPaused            = "not_paused"
	ReasonUnknownOp            = "unknown_op"
)

// Request describes the transition being attempted.
type Request struct {
	Op                Op
	TaskState         string
	DependenciesReady bool
}

// Decision is the outcome of a policy check. Reason is empty when OK.
type Decision struct {
	OK     bool
	Reason string
}

// Decide applies the closed transition table:
//
//	start:   pending + dependencies ready
//	restart: done or failed
//	reset:   always (explicit operator action)
//	pause:   running
//	resume:  pending (after a prior pause)
func Decide(req Request) Decision {
	switch req.Op {
	case OpStart:
		switch req.TaskState {
		case "running":
			return Decision{Reason: ReasonAlreadyRunning}
		case "done":
			return Decision{Reason: ReasonAlreadyDone}
		case "failed":
			return Decision{Reason: ReasonAlreadyFailed}
		}
		if !req.DependenciesReady {
			return Decision{Reason: ReasonDependenciesNotReady}
		}
		return Decision{OK: true}

	case OpRestart:
		if req.TaskState == "done" || req.TaskState == "failed" {
			return Decision{OK: true}
		}
		return Decision{Reason: ReasonNeverStarted}

	case OpReset:
		return Decision{OK: true}

	case OpPause:
		if req.TaskState == "running" {
			return Decision{OK: true}
		}
		return Decision{Reason: ReasonNotRunning}

	case OpResume:
		if req.TaskState == "pending" {
			return Decision{OK: true}
		}
		return Decision{Reason: ReasonNotPaused}

	default:
		return Decision{Reason: ReasonUnknownOp}
	}
}
