package stage

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
)

// Config bounds one task execution.
type Config struct {
	// MaxRefinementAttempts is the refine budget. Zero means validation
	// gets no second chance.
	MaxRefinementAttempts int

	// StageTimeout bounds each individual stage. Zero means unbounded.
	StageTimeout time.Duration
}

// Result is the outcome of running a task's stage sequence.
type Result struct {
	OK                 bool
	Context            *Context
	Logs               []LogRecord
	RefinementAttempts int

	// FailedStage and Err are set only when OK is false.
	FailedStage Stage
	Err         error
}

// Runner drives one task through the stage sequence.
type Runner struct {
	logger lager.Logger
	clock  clock.Clock
}

// NewRunner creates a stage runner.
func NewRunner(logger lager.Logger, clk clock.Clock) *Runner {
	return &Runner{logger: logger.Session("stage-runner"), clock: clk}
}

// Run executes mod's stages in order against sc. After validation, if the
// module set the refine flag and budget remains, control jumps to refinement
// and back to prompt-assembly; on budget exhaustion the run fails at
// validation. onStage, when non-nil, is invoked on every stage entry so the
// caller can expose incremental progress.
func (r *Runner) Run(ctx context.Context, mod Module, sc *Context, files FileIO, cfg Config, onStage func(Stage)) Result {
	logger := r.logger.Session("run", lager.Data{"task": mod.Name()})

	if sc.Flags == nil {
		sc.Flags = Flags{}
	}
	if sc.PreviousStage == "" {
		sc.PreviousStage = SeedOrigin
	}

	refinements := 0
	st := Ingestion

	for {
		if onStage != nil {
			onStage(st)
		}
		sc.CurrentStage = string(st)

		started := r.clock.Now()
		sc.Logs = append(sc.Logs, LogRecord{Stage: st, Event: "start"})

		err := r.invoke(ctx, mod, st, sc, files, cfg.StageTimeout)
		ms := r.clock.Since(started).Milliseconds()

		if err != nil {
			logger.Error("stage-failed", err, lager.Data{"stage": st})
			sc.Logs = append(sc.Logs, LogRecord{Stage: st, Event: "error", Ms: ms, Payload: err.Error()})
			return Result{
				Context:            sc,
				Logs:               sc.Logs,
				RefinementAttempts: refinements,
				FailedStage:        st,
				Err:                err,
			}
		}

		sc.Logs = append(sc.Logs, LogRecord{Stage: st, Event: "complete", Ms: ms})
		sc.PreviousStage = string(st)

		if st == Validation && sc.Flags.NeedsRefinement() {
			if refinements >= cfg.MaxRefinementAttempts {
				err := fmt.Errorf("validation failed after %d refinement attempts", refinements)
				logger.Error("refinement-exhausted", err)
				sc.Logs = append(sc.Logs, LogRecord{Stage: Validation, Event: "error", Ms: 0, Payload: err.Error()})
				return Result{
					Context:            sc,
					Logs:               sc.Logs,
					RefinementAttempts: refinements,
					FailedStage:        Validation,
					Err:                err,
				}
			}

			refinements++
			sc.Flags.SetNeedsRefinement(false)
			st = Refinement
			continue
		}

		next, ok := successors[st]
		if !ok {
			break
		}
		st = next
	}

	return Result{
		OK:                 true,
		Context:            sc,
		Logs:               sc.Logs,
		RefinementAttempts: refinements,
	}
}

func (r *Runner) invoke(ctx context.Context, mod Module, st Stage, sc *Context, files FileIO, timeout time.Duration) (err error) {
	fn, ok := mod.Stage(st)
	if !ok {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", st, p)
		}
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("stage %s panicked: %v", st, p)
			}
		}()
		done <- fn(ctx, sc, files)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stage %s: %w", st, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stage %s timed out: %w", st, ctx.Err())
	}
}
