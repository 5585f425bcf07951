// Package schedule turns job definitions into a prioritized, rate-limited
// stream of crawl tasks.
//
// All scheduling state (task queues, sequence numbers, per-connection
// concurrency counters and token buckets, job state machines) is owned by
// one goroutine, the loop started by Run. Everything else talks to it
// through messages: operator requests, seed batches from enumeration
// goroutines, change notifications and retired task results from the
// coordinator. The loop never calls a connector itself.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/jobs"
	"github.com/teranos/sluice/logger"
)

// PausedByOperator is the pause reason recorded for a pause request.
const PausedByOperator = "paused by operator"

// Config tunes the scheduler loop.
type Config struct {
	Tick             time.Duration // how often operator requests and housekeeping are checked
	RefillBatch      int           // pending records loaded per store scan
	SeedBatch        int           // references per enumeration batch
	DeletedRetention time.Duration // how long deleted records are kept
	CleanupInterval  time.Duration // how often deleted records are purged; 0 disables
	StatusInterval   time.Duration // how often a status line is logged; 0 disables
	Connections      ConnectionDefaults
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Tick:             time.Second,
		RefillBatch:      256,
		SeedBatch:        128,
		DeletedRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
		StatusInterval:   time.Minute,
		Connections: ConnectionDefaults{
			MaxConcurrency: 4,
		},
	}
}

type message interface{}

type requestMsg struct {
	jobID string
	req   jobs.Request
	reply chan error
}

type seedBatchMsg struct {
	jobID string
	pass  int64
	refs  []connector.DocumentRef
	err   error
	done  bool
}

type changeMsg struct {
	jobID string
	ref   connector.DocumentRef
}

type defaultsMsg struct {
	defaults ConnectionDefaults
}

// Scheduler drives every active job through Idle, Seeding, Crawling and
// back, dispatching tasks to the coordinator.
type Scheduler struct {
	cfg      Config
	jobs     *jobs.Store
	docs     *docstate.Store
	registry *connector.Registry
	coord    *coordinator.Coordinator
	logger   *zap.SugaredLogger

	inbox   chan message
	results chan coordinator.Result
	done    chan struct{}
	events  hub

	// owned by the loop
	runCtx      context.Context
	runs        map[string]*jobRun
	conns       map[string]*connLimits
	lastCleanup time.Time
	lastStatus  time.Time
	wakeAt      time.Time
	pressured   bool
}

// New creates a scheduler and registers it as the coordinator's retire
// hook. Call Run to start it.
func New(cfg Config, jobStore *jobs.Store, docs *docstate.Store, registry *connector.Registry, coord *coordinator.Coordinator, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.RefillBatch <= 0 {
		cfg.RefillBatch = def.RefillBatch
	}
	if cfg.SeedBatch <= 0 {
		cfg.SeedBatch = def.SeedBatch
	}

	workers := 0
	for _, kind := range coordinator.Kinds {
		workers += coord.Workers(kind)
	}

	s := &Scheduler{
		cfg:      cfg,
		jobs:     jobStore,
		docs:     docs,
		registry: registry,
		coord:    coord,
		logger:   logger.AddSluiceSymbol(log.Named("scheduler")),
		inbox:    make(chan message, 64),
		results:  make(chan coordinator.Result, workers),
		done:     make(chan struct{}),
		events:   hub{subs: make(map[chan Event]struct{})},
		runs:     make(map[string]*jobRun),
		conns:    make(map[string]*connLimits),
	}
	coord.SetRetireHook(func(r coordinator.Result) {
		select {
		case s.results <- r:
		case <-s.done:
		}
	})
	return s
}

// Run recovers state left by a previous process and then runs the loop
// until ctx ends. Active jobs keep their persisted state so the next Run
// resumes them.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	s.runCtx = ctx

	if err := s.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	s.onTick(ctx, time.Now())
	for {
		s.step(ctx, time.Now())
		resetTimer(wake, s.wakeAt)

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case r := <-s.results:
			s.onResult(ctx, r)
		case m := <-s.inbox:
			s.handle(ctx, m)
		case now := <-ticker.C:
			s.onTick(ctx, now)
		case <-wake.C:
		}
	}
}

func resetTimer(t *time.Timer, at time.Time) {
	if at.IsZero() {
		t.Stop()
		return
	}
	t.Reset(max(time.Until(at), 0))
}

// Request delivers an operator command to the loop and waits for it to be
// applied. Starting a job with an invalid definition returns the
// ConfigurationError and leaves the job Idle.
func (s *Scheduler) Request(ctx context.Context, jobID string, req jobs.Request) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- requestMsg{jobID: jobID, req: req, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.Wrap(errors.ErrUnavailable, "scheduler stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.Wrap(errors.ErrUnavailable, "scheduler stopped")
	}
}

// SetConnectionDefaults replaces the limits applied to connections that do
// not set their own. Safe to call from any goroutine.
func (s *Scheduler) SetConnectionDefaults(d ConnectionDefaults) {
	select {
	case s.inbox <- defaultsMsg{defaults: d}:
	case <-s.done:
	}
}

func (s *Scheduler) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case requestMsg:
		err := s.handleRequest(ctx, m.jobID, m.req)
		if m.reply != nil {
			m.reply <- err
		}
	case seedBatchMsg:
		s.onSeedBatch(ctx, m)
	case changeMsg:
		s.onChange(ctx, m)
	case defaultsMsg:
		s.cfg.Connections = m.defaults
		for _, l := range s.conns {
			l.configure(l.def, m.defaults)
		}
		s.logger.Infow("Connection defaults updated",
			"max_concurrency", m.defaults.MaxConcurrency,
			"rate_capacity", m.defaults.RateCapacity,
			"rate_tick", m.defaults.RateTick)
	}
}

// recover returns records orphaned by a crash to pending and restarts
// jobs that were mid-pass.
func (s *Scheduler) recover(ctx context.Context) error {
	if _, err := s.docs.ResetOrphaned(ctx); err != nil {
		return errors.Wrap(err, "failed to reset orphaned documents")
	}

	list, err := s.jobs.ListJobs(ctx, "")
	if err != nil {
		return errors.Wrap(err, "failed to load jobs")
	}

	now := time.Now()
	for _, j := range list {
		switch {
		case j.State.Running():
			run, err := s.activate(ctx, j.ID)
			if err != nil {
				s.reject(ctx, j.ID, err)
				continue
			}
			logger.OpenInfow(s.logger, "Restarting interrupted job", "job_id", j.ID, "state", j.State, "pass", j.Pass)
			s.startPass(ctx, run, now)
		case j.State == jobs.StateIdle && j.NextRunAt != nil && j.Schedule.Mode != jobs.ScheduleOnce:
			if _, err := s.activate(ctx, j.ID); err != nil {
				s.reject(ctx, j.ID, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) onTick(ctx context.Context, now time.Time) {
	reqs, err := s.jobs.TakeRequests(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warnw("Failed to read job requests", "error", err)
	}
	for _, r := range reqs {
		if err := s.handleRequest(ctx, r.JobID, r.Request); err != nil {
			s.logger.Warnw("Job request failed", "job_id", r.JobID, "request", r.Request, "error", err)
		}
	}

	if s.cfg.CleanupInterval > 0 && now.Sub(s.lastCleanup) >= s.cfg.CleanupInterval {
		s.lastCleanup = now
		n, err := s.docs.PurgeDeleted(ctx, now.Add(-s.cfg.DeletedRetention))
		if err != nil {
			s.logger.Warnw("Failed to purge deleted documents", "error", err)
		} else if n > 0 {
			s.logger.Infow("Purged deleted documents", "count", n, "retention", s.cfg.DeletedRetention)
		}
	}

	if s.cfg.StatusInterval > 0 && now.Sub(s.lastStatus) >= s.cfg.StatusInterval {
		s.lastStatus = now
		s.logStatus()
	}
}

// logStatus logs active jobs, tasks in flight, worker usage and host memory.
func (s *Scheduler) logStatus() {
	inFlight, paused := 0, 0
	for _, run := range s.runs {
		inFlight += run.fetching + run.seeding
		if run.job.Paused() {
			paused++
		}
	}
	m := s.coord.GetSystemMetrics()
	active, total := 0, 0
	for _, kind := range coordinator.Kinds {
		active += m.WorkersActive[kind]
		total += m.WorkersTotal[kind]
	}
	s.logger.Infow(fmt.Sprintf("Status - %d jobs active, %d tasks in flight │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
		len(s.runs), inFlight, active, total, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent),
		"active_jobs", len(s.runs),
		"paused_jobs", paused,
		"in_flight", inFlight,
		"workers_active", active,
		"workers_total", total,
		"memory_percent", m.MemoryPercent)
}

func (s *Scheduler) handleRequest(ctx context.Context, jobID string, req jobs.Request) error {
	run := s.runs[jobID]
	now := time.Now()

	switch req {
	case jobs.RequestStart:
		if run != nil {
			if run.job.State == jobs.StateIdle && !run.aborting {
				s.startPass(ctx, run, now)
			} else {
				s.logger.Debugw("Start ignored, job already running", "job_id", jobID, "state", run.job.State)
			}
			return nil
		}
		run, err := s.activate(ctx, jobID)
		if err != nil {
			if !errors.IsNotFoundError(err) {
				s.reject(ctx, jobID, err)
			}
			return err
		}
		s.startPass(ctx, run, now)
		return nil

	case jobs.RequestPause:
		if run == nil {
			return s.updateInactive(ctx, jobID, func(st *jobs.Status) { st.PauseReason = PausedByOperator })
		}
		s.pause(run, PausedByOperator)
		s.persist(ctx, run)
		return nil

	case jobs.RequestResume:
		if run == nil {
			return s.updateInactive(ctx, jobID, func(st *jobs.Status) { st.PauseReason = "" })
		}
		if run.job.Paused() {
			run.job.PauseReason = ""
			s.persist(ctx, run)
			s.publish(Event{Kind: EventResumed, JobID: jobID})
		}
		return nil

	case jobs.RequestAbort:
		if run != nil {
			s.abort(ctx, run)
		}
		return nil
	}
	return errors.Wrapf(errors.ErrInvalidRequest, "unknown request %q", req)
}

func (s *Scheduler) updateInactive(ctx context.Context, jobID string, mutate func(*jobs.Status)) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	mutate(&job.Status)
	return s.jobs.UpdateStatus(ctx, jobID, job.Status)
}

// activate loads a job and its connection, opens the connector and makes
// the job known to the loop in whatever state it was persisted.
func (s *Scheduler) activate(ctx context.Context, jobID string) (*jobRun, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	conn, err := s.jobs.GetConnection(ctx, job.Connection)
	if errors.IsNotFoundError(err) {
		return nil, errors.NewConfigurationError("connection", "job %s references unknown connection %q", jobID, job.Connection)
	}
	if err != nil {
		return nil, err
	}

	c, desc, err := s.registry.Open(conn.ConnectorType, conn.ConnectorVersion, jobs.ConnectorConfig(conn, job), s.logger)
	if err != nil {
		if !errors.IsConfigurationError(err) {
			err = errors.Mark(err, errors.ErrConfiguration)
		}
		return nil, err
	}

	limits, ok := s.conns[conn.Name]
	if !ok {
		limits = newConnLimits(*conn, s.cfg.Connections)
		s.conns[conn.Name] = limits
	} else {
		limits.configure(*conn, s.cfg.Connections)
	}

	run := newJobRun(job, c, desc.Model, limits)
	if notifier, ok := c.(connector.ChangeNotifier); ok {
		watchCtx, cancel := context.WithCancel(s.runCtx)
		run.watchCancel = cancel
		go s.watchChanges(watchCtx, jobID, notifier)
	}
	s.runs[jobID] = run

	s.logger.Infow("Job activated",
		"job_id", jobID,
		"connection", conn.Name,
		"connector", desc.Type,
		"connector_version", desc.Version.String(),
		"model", desc.Model.String())
	return run, nil
}

// reject records a failed start. The job stays Idle.
func (s *Scheduler) reject(ctx context.Context, jobID string, cause error) {
	s.logger.Warnw("Job rejected", "job_id", jobID, "error", cause)
	err := s.updateInactive(ctx, jobID, func(st *jobs.Status) {
		st.State = jobs.StateIdle
		st.NextRunAt = nil
		st.ErrorCount++
		st.LastError = cause.Error()
	})
	if err != nil {
		s.logger.Warnw("Failed to record job rejection", "job_id", jobID, "error", err)
	}
	s.publish(Event{Kind: EventRejected, JobID: jobID, Reason: cause.Error()})
}

func (s *Scheduler) deactivate(run *jobRun) {
	if s.runs[run.job.ID] != run {
		return
	}
	run.stop()
	if err := run.conn.Close(); err != nil {
		s.logger.Warnw("Failed to close connector", "job_id", run.job.ID, "error", err)
	}
	delete(s.runs, run.job.ID)
}

// persist writes the job's scheduler-owned fields. A job deleted while
// active is dropped from the loop.
func (s *Scheduler) persist(ctx context.Context, run *jobRun) {
	if run.deleted {
		return
	}
	err := s.jobs.UpdateStatus(context.WithoutCancel(ctx), run.job.ID, run.job.Status)
	if errors.IsNotFoundError(err) {
		s.logger.Infow("Job deleted while active, dropping it", "job_id", run.job.ID)
		run.deleted = true
		run.aborting = true
		run.stopSeeding()
		s.discard(run)
		if run.idle() {
			s.deactivate(run)
		}
		return
	}
	if err != nil {
		s.logger.Warnw("Failed to persist job status", "job_id", run.job.ID, "error", err)
	}
}

func (s *Scheduler) shutdown() {
	for _, run := range s.runs {
		run.stop()
		if err := run.conn.Close(); err != nil {
			s.logger.Warnw("Failed to close connector", "job_id", run.job.ID, "error", err)
		}
	}
	logger.CloseInfow(s.logger, "Scheduler stopped", "active_jobs", len(s.runs))
}

// ordered returns active jobs by priority, highest first, then id.
func (s *Scheduler) ordered() []*jobRun {
	out := make([]*jobRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].job.Priority != out[j].job.Priority {
			return out[i].job.Priority > out[j].job.Priority
		}
		return out[i].job.ID < out[j].job.ID
	})
	return out
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
