package runner

import (
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/concourse/conveyor/paths"
)

// Config is the runner's environment-driven configuration. The lifecycle
// manager sets these when spawning a runner; operators can override them
// when invoking a runner by hand.
type Config struct {
	DataRoot      string `env:"CONVEYOR_DATA_ROOT"`
	DataDir       string `env:"CONVEYOR_DATA_DIR"`
	CurrentDir    string `env:"CONVEYOR_CURRENT_DIR"`
	CompleteDir   string `env:"CONVEYOR_COMPLETE_DIR"`
	ConfigDir     string `env:"CONVEYOR_CONFIG_DIR"`
	TaskRegistry  string `env:"CONVEYOR_TASK_REGISTRY"`
	PipelinePath  string `env:"CONVEYOR_PIPELINE_PATH"`
	PipelineSlug  string `env:"CONVEYOR_PIPELINE"`
	StartFromTask string `env:"CONVEYOR_START_FROM_TASK"`
	RunSingleTask bool   `env:"CONVEYOR_RUN_SINGLE_TASK"`
	LogLevel      string `env:"CONVEYOR_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig reads the runner configuration from the environment and fills
// derived defaults from the data root.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing runner environment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.DataRoot == "" {
		return
	}
	if c.CurrentDir == "" {
		c.CurrentDir = paths.BucketDir(c.DataRoot, paths.Current)
	}
	if c.CompleteDir == "" {
		c.CompleteDir = paths.BucketDir(c.DataRoot, paths.Complete)
	}
	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(c.DataRoot, "config")
	}
}

// Validate checks that the directories a runner cannot function without are
// present.
func (c Config) Validate() error {
	if c.CurrentDir == "" {
		return fmt.Errorf("runner config: current directory is required (set CONVEYOR_DATA_ROOT or CONVEYOR_CURRENT_DIR)")
	}
	if c.CompleteDir == "" {
		return fmt.Errorf("runner config: complete directory is required (set CONVEYOR_DATA_ROOT or CONVEYOR_COMPLETE_DIR)")
	}
	return nil
}

// RunsLogPath returns where finished runs are summarized.
func (c Config) RunsLogPath() string {
	if c.DataRoot != "" {
		return paths.RunsLogPath(c.DataRoot)
	}
	return filepath.Join(c.CompleteDir, "runs.jsonl")
}
