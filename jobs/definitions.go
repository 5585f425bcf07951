package jobs

import (
	"context"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Definitions is a file of connections and jobs as written for
// `sluice apply -f`.
type Definitions struct {
	Connections []ConnectionDef `yaml:"connections"`
	Jobs        []JobDef        `yaml:"jobs"`
}

// RateDef is a token bucket: Capacity tokens refilled every Tick.
type RateDef struct {
	Capacity int    `yaml:"capacity"`
	Tick     string `yaml:"tick"`
}

// ConnectionDef is the YAML form of a Connection.
type ConnectionDef struct {
	Name           string           `yaml:"name"`
	Type           string           `yaml:"type"`
	Version        string           `yaml:"version,omitempty"`
	Description    string           `yaml:"description,omitempty"`
	Config         connector.Config `yaml:"config,omitempty"`
	MaxConcurrency int              `yaml:"max_concurrency,omitempty"`
	Rate           *RateDef         `yaml:"rate,omitempty"`
}

// ScheduleDef is the YAML form of a Schedule.
type ScheduleDef struct {
	Mode     string `yaml:"mode"`
	Interval string `yaml:"interval,omitempty"`
}

// JobDef is the YAML form of a Job definition.
type JobDef struct {
	ID             string             `yaml:"id,omitempty"`
	Name           string             `yaml:"name,omitempty"`
	Connection     string             `yaml:"connection"`
	Seeds          connector.SeedSpec `yaml:"seeds"`
	Config         connector.Config   `yaml:"config,omitempty"`
	Schedule       ScheduleDef        `yaml:"schedule,omitempty"`
	Priority       int                `yaml:"priority,omitempty"`
	MaxConcurrency int                `yaml:"max_concurrency,omitempty"`
}

// LoadDefinitionsFile reads definitions from a YAML file.
func LoadDefinitionsFile(path string) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	defs, err := LoadDefinitions(f)
	if err != nil {
		return nil, errors.WithDetail(err, "File: "+path)
	}
	return defs, nil
}

// LoadDefinitions decodes YAML definitions. Unknown keys are rejected so
// typos surface instead of silently falling back to defaults.
func LoadDefinitions(r io.Reader) (*Definitions, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs Definitions
	if err := dec.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return &defs, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "invalid definitions"), errors.ErrConfiguration)
	}
	return &defs, nil
}

// Connection converts the definition, parsing durations.
func (d ConnectionDef) Connection() (*Connection, error) {
	c := &Connection{
		Name:             d.Name,
		ConnectorType:    d.Type,
		ConnectorVersion: d.Version,
		Description:      d.Description,
		Config:           d.Config,
		MaxConcurrency:   d.MaxConcurrency,
	}
	if d.Rate != nil {
		c.RateCapacity = d.Rate.Capacity
		tick, err := parseDuration("rate.tick", d.Rate.Tick)
		if err != nil {
			return nil, err
		}
		c.RateTick = tick
	}
	return c, c.Validate()
}

// Job converts the definition, parsing durations.
func (d JobDef) Job() (*Job, error) {
	j := &Job{
		ID:             d.ID,
		Name:           d.Name,
		Connection:     d.Connection,
		Seeds:          d.Seeds,
		Config:         d.Config,
		Schedule:       Schedule{Mode: ScheduleMode(d.Schedule.Mode)},
		Priority:       d.Priority,
		MaxConcurrency: d.MaxConcurrency,
	}
	if j.Schedule.Mode == "" {
		j.Schedule.Mode = ScheduleOnce
	}
	interval, err := parseDuration("schedule.interval", d.Schedule.Interval)
	if err != nil {
		return nil, err
	}
	j.Schedule.Interval = interval
	return j, j.Validate()
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.NewConfigurationError(field, "invalid duration %q", s)
	}
	return d, nil
}

// ApplyResult lists what Apply wrote.
type ApplyResult struct {
	Connections []string
	Jobs        []string
}

// Apply validates every definition first and only then writes them, so a
// file with one bad entry changes nothing.
func (s *Store) Apply(ctx context.Context, defs *Definitions) (*ApplyResult, error) {
	conns := make([]*Connection, 0, len(defs.Connections))
	for i, d := range defs.Connections {
		c, err := d.Connection()
		if err != nil {
			return nil, errors.Wrapf(err, "connections[%d]", i)
		}
		conns = append(conns, c)
	}
	jobs := make([]*Job, 0, len(defs.Jobs))
	for i, d := range defs.Jobs {
		j, err := d.Job()
		if err != nil {
			return nil, errors.Wrapf(err, "jobs[%d]", i)
		}
		jobs = append(jobs, j)
	}

	res := &ApplyResult{}
	for _, c := range conns {
		if err := s.PutConnection(ctx, c); err != nil {
			return res, err
		}
		res.Connections = append(res.Connections, c.Name)
	}
	for _, j := range jobs {
		if err := s.PutJob(ctx, j); err != nil {
			return res, err
		}
		res.Jobs = append(res.Jobs, j.ID)
	}
	s.logger.Infow("Definitions applied", "connections", len(res.Connections), "jobs", len(res.Jobs))
	return res, nil
}
