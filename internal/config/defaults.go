package config

import (
	"errors"

	"github.com/spf13/viper"
)

const DefaultEvermindHome = "~/.evermind"

var (
	DefaultProgressTopic  = "evermind/training/progress"
	DefaultProgressPrefix = DefaultProgressTopic + ":"

	DefaultStreamsTopic = "evermind/streams"
)

var (
	ErrEvermindHomeNotSet       = errors.New("evermind home directory is not set")
	ErrEvermindHomeExpandFailed = errors.New("failed to expand evermind home directory")
)

func setDefaults() {
	viper.SetDefault("host", "localhost")
	viper.SetDefault("port", 8881)
	viper.SetDefault("environment", "development")
	viper.SetDefault("filesystem_type", FilesystemLocal)

	viper.SetDefault("capacity.total_gb", 64.0)
	viper.SetDefault("capacity.max_ready_deployments", 3)
	viper.SetDefault("capacity.optimize_utilization", 0.90)
	viper.SetDefault("capacity.optimize_fragmentation", 0.5)

	viper.SetDefault("worker.command", "python3")
	viper.SetDefault("worker.args", []string{"-u", "-m", "persona_runtime"})
	viper.SetDefault("worker.load_timeout_secs", 300)
	viper.SetDefault("worker.stop_timeout_secs", 10)

	viper.SetDefault("scheduler.tick_ms", 2000)
	viper.SetDefault("scheduler.max_retries", 3)
	viper.SetDefault("scheduler.run_timeout_floor_min", 10)
	viper.SetDefault("scheduler.run_timeout_ceil_min", 240)

	viper.SetDefault("inference.max_retries", 2)
	viper.SetDefault("inference.attempt_timeout_secs", 30)
	viper.SetDefault("inference.attempt_timeout_step_secs", 10)
	viper.SetDefault("inference.context_limit", 10)

	viper.SetDefault("health.interval_secs", 30)
	viper.SetDefault("health.error_threshold", 5)
	viper.SetDefault("health.error_window_secs", 300)
}
