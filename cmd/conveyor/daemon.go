package main

import (
	"os"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	flags "github.com/jessevdk/go-flags"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/concourse/conveyor/event"
	"github.com/concourse/conveyor/lifecycle"
	"github.com/concourse/conveyor/status"
)

type DaemonCommand struct {
	DataRoot         flags.Filename `long:"data-root"         env:"CONVEYOR_DATA_ROOT"         default:"."  description:"Directory holding pipeline-data and all job buckets."`
	PipelineRegistry flags.Filename `long:"pipeline-registry" env:"CONVEYOR_PIPELINE_REGISTRY" required:"true" description:"YAML file declaring the known pipelines."`
	TaskRegistry     flags.Filename `long:"task-registry"     env:"CONVEYOR_TASK_REGISTRY"     required:"true" description:"File declaring the runnable task modules."`

	MaxRunners     int64         `long:"max-runners"     env:"CONVEYOR_MAX_RUNNERS"     default:"2"   description:"Maximum number of concurrently running jobs."`
	RescanInterval time.Duration `long:"rescan-interval" env:"CONVEYOR_RESCAN_INTERVAL" default:"10s" description:"How often to rescan the pending bucket for missed seeds."`

	LogLevel string `long:"log-level" env:"CONVEYOR_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"error" description:"Minimum level of logs to emit."`
}

func (cmd *DaemonCommand) Execute(args []string) error {
	logger := newLogger("conveyor", cmd.LogLevel)
	clk := clock.NewClock()

	bus := event.NewBus(logger)
	defer bus.Close()

	writer := status.NewWriter(logger, clk, bus)

	manager, err := lifecycle.NewManager(logger, clk, writer, bus, lifecycle.Config{
		DataRoot:             string(cmd.DataRoot),
		PipelineRegistryPath: string(cmd.PipelineRegistry),
		TaskRegistryPath:     string(cmd.TaskRegistry),
		MaxConcurrentRunners: cmd.MaxRunners,
		RescanInterval:       cmd.RescanInterval,
		RunnerLogLevel:       cmd.LogLevel,
	})
	if err != nil {
		return err
	}

	process := ifrit.Invoke(sigmon.New(manager, syscall.SIGINT, syscall.SIGTERM))
	return <-process.Wait()
}

func newLogger(component string, level string) lager.Logger {
	logger := lager.NewLogger(component)
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, logLevel(level)))
	return logger
}

func logLevel(level string) lager.LogLevel {
	switch level {
	case "debug":
		return lager.DEBUG
	case "error":
		return lager.ERROR
	default:
		return lager.INFO
	}
}
