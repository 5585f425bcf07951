package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name  string
		job   Job
		field string
	}{
		{"missing connection", Job{Schedule: Schedule{Mode: ScheduleOnce}}, "connection"},
		{"unknown mode", Job{Connection: "c", Schedule: Schedule{Mode: "hourly"}}, "schedule"},
		{"continuous without interval", Job{Connection: "c", Schedule: Schedule{Mode: ScheduleContinuous}}, "schedule_interval"},
		{"negative concurrency", Job{Connection: "c", Schedule: Schedule{Mode: ScheduleOnce}, MaxConcurrency: -1}, "max_concurrency"},
		{"negative hops", Job{Connection: "c", Schedule: Schedule{Mode: ScheduleOnce}, Seeds: connector.SeedSpec{MaxHops: -1}}, "max_hops"},
		{"bad glob", Job{Connection: "c", Schedule: Schedule{Mode: ScheduleOnce}, Seeds: connector.SeedSpec{Include: []string{"[a-"}}}, "seeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))
			var cfgErr *errors.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	ok := Job{Connection: "c", Schedule: Schedule{Mode: SchedulePeriodic, Interval: time.Hour}}
	assert.NoError(t, ok.Validate())
}

func TestConnectionValidate(t *testing.T) {
	assert.Error(t, (&Connection{ConnectorType: "web"}).Validate())
	assert.Error(t, (&Connection{Name: "c"}).Validate())
	assert.Error(t, (&Connection{Name: "c", ConnectorType: "web", ConnectorVersion: "not a constraint"}).Validate())
	assert.Error(t, (&Connection{Name: "c", ConnectorType: "web", RateCapacity: -1}).Validate())
	assert.NoError(t, (&Connection{Name: "c", ConnectorType: "web", ConnectorVersion: ">= 1.2, < 2"}).Validate())
}

func TestConnectorConfigMergesJobOverrides(t *testing.T) {
	conn := &Connection{Config: connector.Config{"bucket": "a", "prefix": "x/"}}
	job := &Job{Config: connector.Config{"prefix": "y/"}}

	merged := ConnectorConfig(conn, job)
	assert.Equal(t, "a", merged.String("bucket"))
	assert.Equal(t, "y/", merged.String("prefix"))
	assert.Equal(t, "x/", conn.Config.String("prefix"))
}

const sampleDefinitions = `
connections:
  - name: wiki
    type: web
    version: "^1"
    config:
      base_url: https://wiki.example
    max_concurrency: 2
    rate:
      capacity: 5
      tick: 1s
jobs:
  - id: wiki-crawl
    connection: wiki
    seeds:
      roots: ["https://wiki.example/"]
      exclude: ["*/login*"]
      max_hops: 3
    schedule:
      mode: continuous
      interval: 15m
    priority: 2
`

func TestLoadAndApplyDefinitions(t *testing.T) {
	defs, err := LoadDefinitions(strings.NewReader(sampleDefinitions))
	require.NoError(t, err)
	require.Len(t, defs.Connections, 1)
	require.Len(t, defs.Jobs, 1)

	s := newTestStore(t)
	ctx := context.Background()
	res, err := s.Apply(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"wiki"}, res.Connections)
	assert.Equal(t, []string{"wiki-crawl"}, res.Jobs)

	conn, err := s.GetConnection(ctx, "wiki")
	require.NoError(t, err)
	assert.Equal(t, time.Second, conn.RateTick)
	assert.Equal(t, 5, conn.RateCapacity)

	job, err := s.GetJob(ctx, "wiki-crawl")
	require.NoError(t, err)
	assert.Equal(t, ScheduleContinuous, job.Schedule.Mode)
	assert.Equal(t, 15*time.Minute, job.Schedule.Interval)
	assert.Equal(t, 3, job.Seeds.MaxHops)
	assert.Equal(t, StateIdle, job.State)
}

func TestLoadDefinitionsRejectsUnknownKeys(t *testing.T) {
	_, err := LoadDefinitions(strings.NewReader("jobs:\n  - connection: c\n    shedule: {}\n"))
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestApplyIsAllOrNothing(t *testing.T) {
	defs := &Definitions{
		Connections: []ConnectionDef{{Name: "ok", Type: "web"}},
		Jobs:        []JobDef{{ID: "bad", Connection: "ok", Schedule: ScheduleDef{Mode: "periodic", Interval: "soon"}}},
	}
	s := newTestStore(t)
	_, err := s.Apply(context.Background(), defs)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	list, err := s.ListConnections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
