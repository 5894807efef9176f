package conveyor

// Version is the version of Conveyor. This variable is overridden at build
// time in the pipeline using ldflags.
var Version = "0.0.0-dev"

// ConveyorVersion is the release version of the orchestrator engine.
var ConveyorVersion = "0.1.0"

func init() { Version = ConveyorVersion }
