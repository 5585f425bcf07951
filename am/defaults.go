package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are given as strings so the same values serialize cleanly
// into a generated config file.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "sluice.db")

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	// Coordinator defaults
	v.SetDefault("coordinator.workers.seed", 2)
	v.SetDefault("coordinator.workers.fetch", 8)
	v.SetDefault("coordinator.workers.delete", 2)
	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.backoff_base", "1s")
	v.SetDefault("coordinator.backoff_max", "1m")
	v.SetDefault("coordinator.task_timeout", "30s")
	v.SetDefault("coordinator.commit_retry_interval", "500ms")
	v.SetDefault("coordinator.stop_timeout", "30s")
	v.SetDefault("coordinator.memory_high_water_percent", 90.0)
	v.SetDefault("coordinator.memory_sample_interval", "1s")

	// Scheduler defaults
	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("scheduler.refill_batch", 256)
	v.SetDefault("scheduler.seed_batch", 128)
	v.SetDefault("scheduler.deleted_retention", "168h") // one week
	v.SetDefault("scheduler.cleanup_interval", "1h")
	v.SetDefault("scheduler.status_interval", "1m")

	// Connection limit defaults
	v.SetDefault("connections.default_max_concurrency", 4)
	v.SetDefault("connections.default_rate_capacity", 0)
	v.SetDefault("connections.default_rate_tick", "1s")

	// Output defaults
	v.SetDefault("output.sink", SinkLog)
	v.SetDefault("output.dir", "")

	// S3 defaults
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")

	// S3 credentials never come from a file
	v.BindEnv("s3.access_key", EnvPrefix+"_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	v.BindEnv("s3.secret_key", EnvPrefix+"_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "sluice.db" // Fallback default
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Workers: {Seed: %d, Fetch: %d, Delete: %d}, Sink: %s}",
		c.Database.Path, c.Coordinator.Workers.Seed, c.Coordinator.Workers.Fetch, c.Coordinator.Workers.Delete, c.Output.Sink)
}
