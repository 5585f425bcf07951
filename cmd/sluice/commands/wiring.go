package commands

import (
	"go.uber.org/zap"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/schedule"
)

// coordinatorConfig maps the [coordinator] section onto the worker pools.
// fetchOverride replaces the fetch worker count when positive.
func coordinatorConfig(cfg *am.Config, fetchOverride int) coordinator.Config {
	c := cfg.Coordinator
	fetch := c.Workers.Fetch
	if fetchOverride > 0 {
		fetch = fetchOverride
	}
	return coordinator.Config{
		Workers: map[coordinator.Kind]int{
			coordinator.KindSeed:        c.Workers.Seed,
			coordinator.KindFetch:       fetch,
			coordinator.KindDeleteCheck: c.Workers.Delete,
		},
		Retry: coordinator.RetryPolicy{
			MaxRetries: c.MaxRetries,
			BaseDelay:  c.BackoffBase,
			MaxDelay:   c.BackoffMax,
		},
		TaskTimeout:            c.TaskTimeout,
		CommitRetryInterval:    c.CommitRetryInterval,
		StopTimeout:            c.StopTimeout,
		MemoryHighWaterPercent: c.MemoryHighWater,
		MemorySampleInterval:   c.MemorySample,
	}
}

func schedulerConfig(cfg *am.Config) schedule.Config {
	s := cfg.Scheduler
	return schedule.Config{
		Tick:             s.Tick,
		RefillBatch:      s.RefillBatch,
		SeedBatch:        s.SeedBatch,
		DeletedRetention: s.DeletedRetention,
		CleanupInterval:  s.CleanupInterval,
		StatusInterval:   s.StatusInterval,
		Connections:      connectionDefaults(cfg),
	}
}

func connectionDefaults(cfg *am.Config) schedule.ConnectionDefaults {
	c := cfg.Connections
	return schedule.ConnectionDefaults{
		MaxConcurrency: c.DefaultMaxConcurrency,
		RateCapacity:   c.DefaultRateCapacity,
		RateTick:       c.DefaultRateTick,
	}
}

// newSink builds the output sink named by [output].
func newSink(cfg *am.Config, log *zap.SugaredLogger) (coordinator.Sink, error) {
	switch cfg.Output.Sink {
	case "", am.SinkLog:
		return coordinator.LogSink{Logger: log.Named("sink")}, nil
	case am.SinkDir:
		if cfg.Output.Dir == "" {
			return nil, errors.NewConfigurationError("output.dir", "required for the dir sink")
		}
		return coordinator.DirSink{Root: cfg.Output.Dir}, nil
	}
	return nil, errors.NewConfigurationError("output.sink", "unknown sink %q", cfg.Output.Sink)
}
