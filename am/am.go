// Package am ("I am") is the daemon's core configuration: where the
// database lives, how many workers each task kind gets, how the scheduler
// paces itself and the defaults applied to connections that set no limits
// of their own.
//
// Configuration is read with viper from TOML files and SLUICE_* environment
// variables. See Load for the precedence order.
package am

import "time"

// Config represents the sluice daemon configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database"`
	Log         LogConfig         `mapstructure:"log" toml:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" toml:"coordinator"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" toml:"scheduler"`
	Connections ConnectionsConfig `mapstructure:"connections" toml:"connections"`
	Output      OutputConfig      `mapstructure:"output" toml:"output"`
	S3          S3Config          `mapstructure:"s3" toml:"s3"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`   // production JSON encoder instead of the console one
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error; -v flags override
}

// CoordinatorConfig configures the worker pools and the retry policy
type CoordinatorConfig struct {
	Workers             WorkersConfig `mapstructure:"workers" toml:"workers"`
	MaxRetries          int           `mapstructure:"max_retries" toml:"max_retries"`
	BackoffBase         time.Duration `mapstructure:"backoff_base" toml:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max" toml:"backoff_max"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout" toml:"task_timeout"`
	CommitRetryInterval time.Duration `mapstructure:"commit_retry_interval" toml:"commit_retry_interval"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout" toml:"stop_timeout"`
	MemoryHighWater     float64       `mapstructure:"memory_high_water_percent" toml:"memory_high_water_percent"` // 0 disables the check
	MemorySample        time.Duration `mapstructure:"memory_sample_interval" toml:"memory_sample_interval"`
}

// WorkersConfig sets the worker count per task kind
type WorkersConfig struct {
	Seed   int `mapstructure:"seed" toml:"seed"`
	Fetch  int `mapstructure:"fetch" toml:"fetch"`
	Delete int `mapstructure:"delete" toml:"delete"`
}

// SchedulerConfig configures the scheduling loop
type SchedulerConfig struct {
	Tick             time.Duration `mapstructure:"tick" toml:"tick"`
	RefillBatch      int           `mapstructure:"refill_batch" toml:"refill_batch"`
	SeedBatch        int           `mapstructure:"seed_batch" toml:"seed_batch"`
	DeletedRetention time.Duration `mapstructure:"deleted_retention" toml:"deleted_retention"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" toml:"cleanup_interval"` // 0 disables purging
	StatusInterval   time.Duration `mapstructure:"status_interval" toml:"status_interval"`   // 0 disables the status line
}

// ConnectionsConfig holds limits for connections that leave theirs at zero.
// These are hot-reloaded by the daemon.
type ConnectionsConfig struct {
	DefaultMaxConcurrency int           `mapstructure:"default_max_concurrency" toml:"default_max_concurrency"` // 0 = unlimited
	DefaultRateCapacity   int           `mapstructure:"default_rate_capacity" toml:"default_rate_capacity"`     // 0 = no rate limit
	DefaultRateTick       time.Duration `mapstructure:"default_rate_tick" toml:"default_rate_tick"`
}

// OutputConfig selects where fetched documents go
type OutputConfig struct {
	Sink string `mapstructure:"sink" toml:"sink"` // "log" or "dir"
	Dir  string `mapstructure:"dir" toml:"dir"`   // root for the dir sink
}

// S3Config holds client settings shared by every s3 connection. Secrets
// are read from the environment only.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint" toml:"endpoint"`
	Region       string `mapstructure:"region" toml:"region"`
	AccessKey    string `mapstructure:"access_key" toml:"-"`
	SecretKey    string `mapstructure:"secret_key" toml:"-"`
	UsePathStyle bool   `mapstructure:"use_path_style" toml:"use_path_style"`
}

// Sink names
const (
	SinkLog = "log"
	SinkDir = "dir"
)

// File names and locations
const (
	ConfigFileName = "sluice.toml"
	EnvPrefix      = "SLUICE"
	UserConfigDir  = ".sluice"
	SystemConfig   = "/etc/sluice/sluice.toml"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
