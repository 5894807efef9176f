package main

type ConveyorCommand struct {
	Version func() `short:"v" long:"version" description:"Print the version of Conveyor and exit"`

	Daemon DaemonCommand `command:"daemon" description:"Run the lifecycle manager: watch for seeds, promote jobs, spawn runners."`
	Runner RunnerCommand `command:"runner" description:"Run one job's pipeline to completion and exit."`
}
