// Package jobs holds crawl job and connection definitions: their types,
// validation, the SQL store behind them and the YAML definitions loader
// used by `sluice apply`.
//
// Definition fields are written by operators. Status fields (state, pass,
// run timestamps, error counts, pause reason) are owned by the scheduler;
// operators influence them only by setting a Request.
package jobs

import (
	"maps"
	"path"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// ScheduleMode is how a job repeats.
type ScheduleMode string

const (
	ScheduleOnce       ScheduleMode = "once"       // one pass, then Done
	ScheduleContinuous ScheduleMode = "continuous" // re-seed Interval after each pass ends
	SchedulePeriodic   ScheduleMode = "periodic"   // re-seed every Interval measured from pass start
)

// Valid reports whether m is a known mode.
func (m ScheduleMode) Valid() bool {
	switch m {
	case ScheduleOnce, ScheduleContinuous, SchedulePeriodic:
		return true
	}
	return false
}

// Schedule says when a job runs again.
type Schedule struct {
	Mode     ScheduleMode
	Interval time.Duration
}

// State is the job's position in its crawl state machine.
type State string

const (
	StateIdle     State = "idle"
	StateSeeding  State = "seeding"
	StateCrawling State = "crawling"
	StateDone     State = "done"
)

// Running reports whether the job is in a pass.
func (s State) Running() bool {
	return s == StateSeeding || s == StateCrawling
}

// Request is an operator command waiting for the scheduler.
type Request string

const (
	RequestNone   Request = ""
	RequestStart  Request = "start"
	RequestPause  Request = "pause"
	RequestResume Request = "resume"
	RequestAbort  Request = "abort"
)

// Valid reports whether r is a command the scheduler understands.
func (r Request) Valid() bool {
	switch r {
	case RequestStart, RequestPause, RequestResume, RequestAbort:
		return true
	}
	return false
}

// Connection is named, reusable connector settings. Many jobs may share one.
type Connection struct {
	Name             string
	ConnectorType    string
	ConnectorVersion string // semver constraint, empty for newest
	Description      string
	Config           connector.Config

	// Zero values fall back to the daemon's connection defaults.
	MaxConcurrency int
	RateCapacity   int
	RateTick       time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields the core relies on. Connector-specific keys
// in Config are validated by the connector factory at job start.
func (c *Connection) Validate() error {
	if c.Name == "" {
		return errors.NewConfigurationError("name", "connection name is required")
	}
	if c.ConnectorType == "" {
		return errors.NewConfigurationError("connector_type", "connection %q has no connector type", c.Name)
	}
	if c.ConnectorVersion != "" {
		if _, err := semver.NewConstraint(c.ConnectorVersion); err != nil {
			return errors.NewConfigurationError("connector_version", "invalid constraint %q: %v", c.ConnectorVersion, err)
		}
	}
	if c.MaxConcurrency < 0 {
		return errors.NewConfigurationError("max_concurrency", "must not be negative")
	}
	if c.RateCapacity < 0 {
		return errors.NewConfigurationError("rate_capacity", "must not be negative")
	}
	if c.RateTick < 0 {
		return errors.NewConfigurationError("rate_tick", "must not be negative")
	}
	return nil
}

// Status is the part of a job the scheduler owns.
type Status struct {
	State       State
	Request     Request
	Pass        int64
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	ErrorCount  int
	LastError   string
	PauseReason string // non-empty while the job is paused
}

// Paused reports whether dispatch is frozen for the job.
func (s Status) Paused() bool {
	return s.PauseReason != ""
}

// Job is a crawl definition bound to a connection, plus its status.
type Job struct {
	ID         string
	Name       string
	Connection string
	Seeds      connector.SeedSpec
	Config     connector.Config // overrides merged over the connection's config
	Schedule   Schedule
	Priority   int // higher is dispatched first when jobs compete for workers

	// MaxConcurrency caps this job's in-flight fetches. Zero means only the
	// connection ceiling applies.
	MaxConcurrency int

	Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the definition. A job that fails validation is rejected
// at start and never leaves Idle.
func (j *Job) Validate() error {
	if j.Connection == "" {
		return errors.NewConfigurationError("connection", "job %q has no connection", j.label())
	}
	if !j.Schedule.Mode.Valid() {
		return errors.NewConfigurationError("schedule", "unknown schedule mode %q", j.Schedule.Mode)
	}
	if j.Schedule.Mode != ScheduleOnce && j.Schedule.Interval <= 0 {
		return errors.NewConfigurationError("schedule_interval", "%s jobs need a positive interval", j.Schedule.Mode)
	}
	if j.MaxConcurrency < 0 {
		return errors.NewConfigurationError("max_concurrency", "must not be negative")
	}
	if j.Seeds.MaxHops < 0 {
		return errors.NewConfigurationError("max_hops", "must not be negative")
	}
	for _, pattern := range append(append([]string{}, j.Seeds.Include...), j.Seeds.Exclude...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return errors.NewConfigurationError("seeds", "bad pattern %q", pattern)
		}
	}
	return nil
}

func (j *Job) label() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// ConnectorConfig returns the connection's config with the job's overrides
// applied. Neither input is modified.
func ConnectorConfig(conn *Connection, job *Job) connector.Config {
	out := make(connector.Config, len(conn.Config)+len(job.Config))
	maps.Copy(out, conn.Config)
	maps.Copy(out, job.Config)
	return out
}
