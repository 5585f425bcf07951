package am

import (
	"github.com/teranos/sluice/errors"
)

// Validate checks that the configuration is usable. Zero means "disabled"
// or "use the default" wherever the field docs say so; negatives are
// always invalid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.NewConfigurationError("log.level", "unknown level %q (debug, info, warn, error)", c.Log.Level)
	}

	w := c.Coordinator.Workers
	if w.Seed < 1 || w.Fetch < 1 || w.Delete < 1 {
		return errors.NewConfigurationError("coordinator.workers", "every task kind needs at least one worker, got seed=%d fetch=%d delete=%d", w.Seed, w.Fetch, w.Delete)
	}
	if c.Coordinator.MaxRetries < 0 {
		return errors.NewConfigurationError("coordinator.max_retries", "must be >= 0, got %d", c.Coordinator.MaxRetries)
	}
	if c.Coordinator.BackoffBase < 0 || c.Coordinator.BackoffMax < 0 {
		return errors.NewConfigurationError("coordinator.backoff_base", "backoff durations must be >= 0")
	}
	if c.Coordinator.BackoffMax > 0 && c.Coordinator.BackoffMax < c.Coordinator.BackoffBase {
		return errors.NewConfigurationError("coordinator.backoff_max", "must be >= backoff_base (%s), got %s", c.Coordinator.BackoffBase, c.Coordinator.BackoffMax)
	}
	if c.Coordinator.TaskTimeout < 0 {
		return errors.NewConfigurationError("coordinator.task_timeout", "must be >= 0, got %s", c.Coordinator.TaskTimeout)
	}
	if c.Coordinator.MemoryHighWater < 0 || c.Coordinator.MemoryHighWater > 100 {
		return errors.NewConfigurationError("coordinator.memory_high_water_percent", "must be between 0 and 100, got %.1f", c.Coordinator.MemoryHighWater)
	}
	if c.Coordinator.MemorySample < 0 {
		return errors.NewConfigurationError("coordinator.memory_sample_interval", "must be >= 0, got %s", c.Coordinator.MemorySample)
	}

	if c.Scheduler.Tick <= 0 {
		return errors.NewConfigurationError("scheduler.tick", "must be > 0, got %s", c.Scheduler.Tick)
	}
	if c.Scheduler.RefillBatch < 1 || c.Scheduler.SeedBatch < 1 {
		return errors.NewConfigurationError("scheduler.refill_batch", "batch sizes must be >= 1")
	}
	if c.Scheduler.DeletedRetention < 0 || c.Scheduler.CleanupInterval < 0 {
		return errors.NewConfigurationError("scheduler.deleted_retention", "retention and cleanup interval must be >= 0")
	}
	if c.Scheduler.StatusInterval < 0 {
		return errors.NewConfigurationError("scheduler.status_interval", "must be >= 0, got %s", c.Scheduler.StatusInterval)
	}

	if c.Connections.DefaultMaxConcurrency < 0 {
		return errors.NewConfigurationError("connections.default_max_concurrency", "must be >= 0, got %d", c.Connections.DefaultMaxConcurrency)
	}
	if c.Connections.DefaultRateCapacity < 0 {
		return errors.NewConfigurationError("connections.default_rate_capacity", "must be >= 0, got %d", c.Connections.DefaultRateCapacity)
	}
	if c.Connections.DefaultRateCapacity > 0 && c.Connections.DefaultRateTick <= 0 {
		return errors.NewConfigurationError("connections.default_rate_tick", "must be > 0 when a rate capacity is set")
	}

	switch c.Output.Sink {
	case SinkLog:
	case SinkDir:
		if c.Output.Dir == "" {
			return errors.NewConfigurationError("output.dir", "required for the dir sink")
		}
	default:
		return errors.NewConfigurationError("output.sink", "unknown sink %q (log, dir)", c.Output.Sink)
	}

	return nil
}
