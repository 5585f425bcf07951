package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/connector/connectortest"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
	sluicetest "github.com/teranos/sluice/internal/testing"
	"github.com/teranos/sluice/jobs"
)

const waitTimeout = 5 * time.Second

type fixture struct {
	jobs   *jobs.Store
	docs   *docstate.Store
	fake   *connectortest.Fake
	sched  *Scheduler
	events <-chan Event
	ctx    context.Context
}

type fixtureOptions struct {
	model connector.Model
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	db := sluicetest.CreateTestDB(t)
	jobStore := jobs.NewStore(db, nil)
	docs := docstate.NewStore(db, nil)

	fake := connectortest.New()
	registry := connector.NewRegistry()
	registry.Register(fake.Descriptor(opts.model))

	ccfg := coordinator.DefaultConfig()
	ccfg.Retry = coordinator.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	ccfg.TaskTimeout = 2 * time.Second
	ccfg.CommitRetryInterval = 5 * time.Millisecond
	ccfg.StopTimeout = time.Second
	ccfg.MemoryHighWaterPercent = 0
	coord := coordinator.New(docs, nil, ccfg, nil)
	coord.Start(t.Context())
	t.Cleanup(coord.Stop)

	sched := New(Config{Tick: 20 * time.Millisecond, RefillBatch: 16, SeedBatch: 4}, jobStore, docs, registry, coord, nil)
	events, unsubscribe := sched.Subscribe(4096)
	t.Cleanup(unsubscribe)

	return &fixture{jobs: jobStore, docs: docs, fake: fake, sched: sched, events: events, ctx: context.Background()}
}

// start runs the scheduler loop until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func (f *fixture) connection(t *testing.T, c jobs.Connection) {
	t.Helper()
	if c.Name == "" {
		c.Name = "conn"
	}
	c.ConnectorType = connectortest.Type
	require.NoError(t, f.jobs.PutConnection(f.ctx, &c))
}

func (f *fixture) job(t *testing.T, j jobs.Job) {
	t.Helper()
	if j.ID == "" {
		j.ID = "j1"
	}
	if j.Connection == "" {
		j.Connection = "conn"
	}
	require.NoError(t, f.jobs.PutJob(f.ctx, &j))
}

func (f *fixture) request(t *testing.T, jobID string, r jobs.Request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(t, f.sched.Request(ctx, jobID, r))
}

func (f *fixture) getJob(t *testing.T, id string) *jobs.Job {
	t.Helper()
	j, err := f.jobs.GetJob(f.ctx, id)
	require.NoError(t, err)
	return j
}

func (f *fixture) counts(t *testing.T, jobID string) map[docstate.Status]int {
	t.Helper()
	c, err := f.docs.Counts(f.ctx, jobID)
	require.NoError(t, err)
	return c
}

func (f *fixture) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-f.events:
			if match(e) {
				return e
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for scheduler event")
			return Event{}
		}
	}
}

func kind(k EventKind) func(Event) bool {
	return func(e Event) bool { return e.Kind == k }
}

func (f *fixture) putDocs(n int) {
	for i := range n {
		f.fake.Put(fmt.Sprintf("doc-%02d", i), "body")
	}
}

func TestOnceJobCrawlsEverythingAndFinishes(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha", "linked")
	f.fake.Put("b", "beta")
	f.fake.Put("linked", "found by link")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Seeds: connector.SeedSpec{Roots: []string{"a", "b"}, MaxHops: 1}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	job := f.getJob(t, "j1")
	assert.Equal(t, jobs.StateDone, job.State)
	assert.Equal(t, int64(1), job.Pass)
	assert.Nil(t, job.NextRunAt)
	assert.NotNil(t, job.LastRunAt)
	assert.Equal(t, 3, f.counts(t, "j1")[docstate.StatusCompleted])
	assert.Equal(t, 1, f.fake.Calls("a"))
	assert.Equal(t, 1, f.fake.Calls("linked"))
	assert.Eventually(t, f.fake.Closed, waitTimeout, 10*time.Millisecond)
}

func TestStartWithoutHopsIgnoresLinks(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha", "elsewhere")
	f.fake.Put("elsewhere", "not a seed")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Seeds: connector.SeedSpec{Roots: []string{"a"}}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	assert.Equal(t, 0, f.fake.Calls("elsewhere"))
	_, err := f.docs.GetRecord(f.ctx, "j1", "elsewhere")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestConnectionConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.FetchHook = func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
		time.Sleep(20 * time.Millisecond)
		return connector.ContentResult(&connector.Content{Fingerprint: "fp-" + req.Ref.ID}), nil
	}
	f.putDocs(6)
	f.connection(t, jobs.Connection{MaxConcurrency: 2})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	assert.Equal(t, 6, f.fake.TotalCalls())
	assert.LessOrEqual(t, f.fake.MaxInFlight(), 2)
	assert.Equal(t, 6, f.counts(t, "j1")[docstate.StatusCompleted])
}

func TestJobConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.FetchHook = func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
		time.Sleep(20 * time.Millisecond)
		return connector.ContentResult(&connector.Content{Fingerprint: "fp-" + req.Ref.ID}), nil
	}
	f.putDocs(5)
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{MaxConcurrency: 1})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	assert.Equal(t, 1, f.fake.MaxInFlight())
}

func TestRateLimitSpacesDispatches(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.putDocs(4)
	f.connection(t, jobs.Connection{RateCapacity: 1, RateTick: 100 * time.Millisecond})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)

	var dispatched []time.Time
	f.waitFor(t, func(e Event) bool {
		if e.Kind == EventDispatched && e.TaskKind == coordinator.KindFetch {
			dispatched = append(dispatched, e.At)
		}
		return e.Kind == EventDone
	})

	require.Len(t, dispatched, 4)
	for i := 1; i < len(dispatched); i++ {
		gap := dispatched[i].Sub(dispatched[i-1])
		assert.GreaterOrEqual(t, gap, 95*time.Millisecond, "dispatch %d came %s after the previous one", i, gap)
	}
}

func TestAbortDrainsInFlightAndKeepsTheRestPending(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	started := f.fake.Hold()
	f.putDocs(13)
	f.connection(t, jobs.Connection{MaxConcurrency: 3})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventCrawling))
	for range 3 {
		select {
		case <-started:
		case <-time.After(waitTimeout):
			require.FailNow(t, "fetches did not start")
		}
	}

	f.request(t, "j1", jobs.RequestAbort)
	f.fake.Release()
	f.waitFor(t, kind(EventAborted))

	assert.Equal(t, 3, f.fake.TotalCalls())
	counts := f.counts(t, "j1")
	assert.Equal(t, 3, counts[docstate.StatusCompleted])
	assert.Equal(t, 10, counts[docstate.StatusPending])

	job := f.getJob(t, "j1")
	assert.Equal(t, jobs.StateIdle, job.State)
	assert.Nil(t, job.NextRunAt)
}

func TestPauseFreezesDispatchUntilResume(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	started := f.fake.Hold()
	f.putDocs(4)
	f.connection(t, jobs.Connection{MaxConcurrency: 1})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	select {
	case <-started:
	case <-time.After(waitTimeout):
		require.FailNow(t, "fetch did not start")
	}

	f.request(t, "j1", jobs.RequestPause)
	f.fake.Release()
	f.waitFor(t, func(e Event) bool { return e.Kind == EventRetired && e.TaskKind == coordinator.KindFetch })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.fake.TotalCalls())
	assert.Equal(t, PausedByOperator, f.getJob(t, "j1").PauseReason)

	f.request(t, "j1", jobs.RequestResume)
	f.waitFor(t, kind(EventDone))
	assert.Equal(t, 4, f.fake.TotalCalls())
	assert.Empty(t, f.getJob(t, "j1").PauseReason)
}

func TestPauseInactiveJobIsPersisted(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestPause)
	assert.True(t, f.getJob(t, "j1").Paused())

	f.request(t, "j1", jobs.RequestResume)
	assert.False(t, f.getJob(t, "j1").Paused())
}

func TestAuthFailurePausesJob(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.FetchHook = func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
		if req.Ref.ID == "b" {
			return connector.FetchResult{}, connector.Auth(errors.New("token expired"))
		}
		return connector.ContentResult(&connector.Content{Fingerprint: "fp-" + req.Ref.ID}), nil
	}
	f.fake.Put("a", "alpha")
	f.fake.Put("b", "beta")
	f.connection(t, jobs.Connection{MaxConcurrency: 1})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	e := f.waitFor(t, kind(EventPaused))
	assert.Contains(t, e.Reason, "authentication failed")

	job := f.getJob(t, "j1")
	assert.Contains(t, job.PauseReason, "token expired")
	assert.True(t, job.State.Running())

	rec, err := f.docs.GetRecord(f.ctx, "j1", "b")
	require.NoError(t, err)
	assert.Equal(t, docstate.StatusPending, rec.Status)
}

func TestTransientFailuresAreRetriedThenRecorded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.FetchHook = func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
		return connector.FetchResult{}, connector.Transient(errors.New("connection reset"))
	}
	f.fake.Put("a", "alpha")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	assert.Equal(t, 3, f.fake.Calls("a"))
	rec, err := f.docs.GetRecord(f.ctx, "j1", "a")
	require.NoError(t, err)
	assert.Equal(t, docstate.StatusError, rec.Status)

	job := f.getJob(t, "j1")
	assert.Equal(t, 1, job.ErrorCount)
	assert.Contains(t, job.LastError, "connection reset")
}

func TestContinuousJobReseeds(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Schedule: jobs.Schedule{Mode: jobs.ScheduleContinuous, Interval: 50 * time.Millisecond}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventPassComplete))
	f.waitFor(t, kind(EventPassComplete))

	job := f.getJob(t, "j1")
	assert.GreaterOrEqual(t, job.Pass, int64(2))
	assert.GreaterOrEqual(t, f.fake.Calls("a"), 2)

	// later passes see NotModified and keep the first fingerprint
	rec, err := f.docs.GetRecord(f.ctx, "j1", "a")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", rec.Fingerprint)
}

func TestMissingDocumentsAreMarkedDeleted(t *testing.T) {
	for _, tt := range []struct {
		model connector.Model
		kind  coordinator.Kind
	}{
		{connector.ModelAll, coordinator.KindDeleteCheck},
		{connector.ModelAddChangeDelete, coordinator.KindFetch},
	} {
		t.Run(tt.model.String(), func(t *testing.T) {
			f := newFixture(t, fixtureOptions{model: tt.model})
			f.fake.Put("a", "alpha")
			f.fake.Put("b", "beta")
			f.connection(t, jobs.Connection{})
			f.job(t, jobs.Job{})
			f.start(t)

			f.request(t, "j1", jobs.RequestStart)
			f.waitFor(t, kind(EventDone))

			f.fake.Remove("b")
			var kinds []coordinator.Kind
			f.request(t, "j1", jobs.RequestStart)
			f.waitFor(t, func(e Event) bool {
				if e.Kind == EventDispatched && e.DocID == "b" {
					kinds = append(kinds, e.TaskKind)
				}
				return e.Kind == EventDone
			})

			assert.Equal(t, int64(2), f.getJob(t, "j1").Pass)
			assert.Equal(t, []coordinator.Kind{tt.kind}, kinds)
			rec, err := f.docs.GetRecord(f.ctx, "j1", "b")
			require.NoError(t, err)
			assert.Equal(t, docstate.StatusDeleted, rec.Status)

			rec, err = f.docs.GetRecord(f.ctx, "j1", "a")
			require.NoError(t, err)
			assert.Equal(t, docstate.StatusCompleted, rec.Status)
		})
	}
}

func TestLinkedDocumentsAreRecheckedEachPass(t *testing.T) {
	f := newFixture(t, fixtureOptions{model: connector.ModelAddChangeDelete})
	f.fake.Put("a", "alpha", "linked")
	f.fake.Put("linked", "v1")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Seeds: connector.SeedSpec{Roots: []string{"a"}, MaxHops: 1}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))
	before, err := f.docs.GetRecord(f.ctx, "j1", "linked")
	require.NoError(t, err)

	// "a" is unchanged, so its links are not rediscovered this time
	f.fake.Put("linked", "v2")
	var kinds []coordinator.Kind
	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, func(e Event) bool {
		if e.Kind == EventDispatched && e.DocID == "linked" {
			kinds = append(kinds, e.TaskKind)
		}
		return e.Kind == EventDone
	})

	assert.Equal(t, 2, f.fake.Calls("a"))
	assert.Equal(t, 2, f.fake.Calls("linked"))
	assert.Equal(t, []coordinator.Kind{coordinator.KindFetch}, kinds)

	after, err := f.docs.GetRecord(f.ctx, "j1", "linked")
	require.NoError(t, err)
	assert.Equal(t, docstate.StatusCompleted, after.Status)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
}

func TestErroredLinkedDocumentIsRetriedNextPass(t *testing.T) {
	f := newFixture(t, fixtureOptions{model: connector.ModelAddChangeDelete})
	var failed atomic.Bool
	f.fake.FetchHook = func(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
		if req.Ref.ID == "linked" && failed.CompareAndSwap(false, true) {
			return connector.FetchResult{}, connector.Permanent(errors.New("malformed page"))
		}
		fp := "fp-" + req.Ref.ID
		if req.PriorFingerprint == fp {
			return connector.NotModified(), nil
		}
		content := &connector.Content{Fingerprint: fp}
		if req.Ref.ID == "a" {
			content.Discovered = []connector.DocumentRef{{ID: "linked", Hops: 1}}
		}
		return connector.ContentResult(content), nil
	}
	f.fake.Put("a", "alpha")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Seeds: connector.SeedSpec{Roots: []string{"a"}, MaxHops: 1}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))
	rec, err := f.docs.GetRecord(f.ctx, "j1", "linked")
	require.NoError(t, err)
	require.Equal(t, docstate.StatusError, rec.Status)
	assert.Equal(t, 1, f.getJob(t, "j1").ErrorCount)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventDone))

	rec, err = f.docs.GetRecord(f.ctx, "j1", "linked")
	require.NoError(t, err)
	assert.Equal(t, docstate.StatusCompleted, rec.Status)
	assert.Equal(t, "fp-linked", rec.Fingerprint)
	assert.Equal(t, 2, f.fake.Calls("linked"))
	assert.Equal(t, 0, f.getJob(t, "j1").ErrorCount)
}

func TestRecoveryRestartsInterruptedJob(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha")
	f.fake.Put("b", "beta")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{})

	// state left behind by a process that died mid-crawl
	_, err := f.docs.SeedRecord(f.ctx, "j1", "a", 1, 0)
	require.NoError(t, err)
	_, err = f.docs.SeedRecord(f.ctx, "j1", "b", 1, 0)
	require.NoError(t, err)
	_, err = f.docs.ClaimForProcessing(f.ctx, "j1", "a")
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateStatus(f.ctx, "j1", jobs.Status{State: jobs.StateCrawling, Pass: 1}))

	f.start(t)
	f.waitFor(t, kind(EventDone))

	job := f.getJob(t, "j1")
	assert.Equal(t, int64(2), job.Pass)
	assert.Equal(t, 2, f.counts(t, "j1")[docstate.StatusCompleted])
	assert.Equal(t, 1, f.fake.Calls("a"))
}

func TestRequestColumnIsConsumed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{})
	f.start(t)

	require.NoError(t, f.jobs.SetRequest(f.ctx, "j1", jobs.RequestStart))
	f.waitFor(t, kind(EventDone))

	job := f.getJob(t, "j1")
	assert.Equal(t, jobs.RequestNone, job.Request)
	assert.Equal(t, jobs.StateDone, job.State)
}

func TestChangeNotificationStartsIncrementalCrawl(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fake.Put("a", "alpha")
	f.fake.Put("b", "beta")
	f.connection(t, jobs.Connection{})
	f.job(t, jobs.Job{Schedule: jobs.Schedule{Mode: jobs.ScheduleContinuous, Interval: time.Hour}})
	f.start(t)

	f.request(t, "j1", jobs.RequestStart)
	f.waitFor(t, kind(EventPassComplete))
	next := f.getJob(t, "j1").NextRunAt
	require.NotNil(t, next)

	f.fake.Put("a", "alpha v2")
	f.fake.Notify("a")
	f.waitFor(t, kind(EventIncremental))
	f.waitFor(t, kind(EventPassComplete))

	assert.Equal(t, 2, f.fake.Calls("a"))
	assert.Equal(t, 1, f.fake.Calls("b"))

	job := f.getJob(t, "j1")
	assert.Equal(t, jobs.StateIdle, job.State)
	assert.Equal(t, int64(1), job.Pass)
	require.NotNil(t, job.NextRunAt)
	assert.WithinDuration(t, *next, *job.NextRunAt, time.Millisecond)
}

func TestStartRejectsUnknownConnectorType(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	require.NoError(t, f.jobs.PutConnection(f.ctx, &jobs.Connection{Name: "conn", ConnectorType: "nosuch"}))
	f.job(t, jobs.Job{})
	f.start(t)

	ctx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	err := f.sched.Request(ctx, "j1", jobs.RequestStart)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	e := f.waitFor(t, kind(EventRejected))
	assert.Equal(t, "j1", e.JobID)

	job := f.getJob(t, "j1")
	assert.Equal(t, jobs.StateIdle, job.State)
	assert.Equal(t, 1, job.ErrorCount)
	assert.Contains(t, job.LastError, "nosuch")
}

func TestStartUnknownJob(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.start(t)

	ctx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	err := f.sched.Request(ctx, "missing", jobs.RequestStart)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestOrderedByPriorityThenID(t *testing.T) {
	s := &Scheduler{runs: map[string]*jobRun{
		"b":      {job: &jobs.Job{ID: "b"}},
		"a":      {job: &jobs.Job{ID: "a"}},
		"urgent": {job: &jobs.Job{ID: "urgent", Priority: 9}},
		"mid":    {job: &jobs.Job{ID: "mid", Priority: 3}},
	}}

	var ids []string
	for _, run := range s.ordered() {
		ids = append(ids, run.job.ID)
	}
	assert.Equal(t, []string{"urgent", "mid", "a", "b"}, ids)
}
