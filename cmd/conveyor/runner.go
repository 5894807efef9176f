package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/runner"
	"github.com/concourse/conveyor/status"
	"github.com/concourse/conveyor/taskmod"
)

type RunnerCommand struct {
	Args struct {
		JobID string `positional-arg-name:"job-id" description:"ID of the job to run."`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *RunnerCommand) Execute(args []string) error {
	jobID := cmd.Args.JobID

	cfg, err := runner.LoadConfig()
	if err != nil {
		return err
	}

	logger := newLogger("conveyor-runner", cfg.LogLevel)
	clk := clock.NewClock()

	bus := event.NewBus(logger)
	defer bus.Close()

	writer := status.NewWriter(logger, clk, bus)

	if cfg.TaskRegistry == "" {
		return fmt.Errorf("task registry is required (set CONVEYOR_TASK_REGISTRY)")
	}
	registry, err := taskmod.LoadRegistry(cfg.TaskRegistry)
	if err != nil {
		return err
	}
	loader := taskmod.NewLoader(logger, filepath.Join(cfg.ConfigDir, "module-cache"))

	r := runner.New(logger, clk, writer, bus, &runner.RegistryResolver{
		Registry: registry,
		Loader:   loader,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received atomic.Value
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		received.Store(sig)
		logger.Info("interrupted", lager.Data{"signal": sig.String()})
		cancel()

		// Second signal: stop waiting for a graceful unwind.
		<-sigs
		r.RemovePIDFile(jobID)
		os.Exit(signalExitCode(sig))
	}()

	err = r.Run(ctx, jobID)

	if sig, ok := received.Load().(os.Signal); ok {
		r.RemovePIDFile(jobID)
		os.Exit(signalExitCode(sig))
	}

	if err == nil {
		return nil
	}

	var failed *runner.TaskFailedError
	if errors.As(err, &failed) {
		logger.Error("task-failed", failed)
		os.Exit(1)
	}

	var blocked *runner.LifecycleError
	if errors.As(err, &blocked) {
		if data, jsonErr := json.Marshal(blocked); jsonErr == nil {
			fmt.Fprintln(os.Stderr, string(data))
		}
		os.Exit(1)
	}

	return err
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return 143
	}
	return 130
}
