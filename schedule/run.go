package schedule

import (
	"context"
	"time"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/jobs"
)

// jobRun is the loop's in-memory state for one active job.
type jobRun struct {
	job    *jobs.Job
	conn   connector.Connector
	model  connector.Model
	limits *connLimits

	seq      uint64
	seeds    readyQueue // seed merges, dispatched ahead of connector tasks
	ready    readyQueue // fetches and delete checks
	delayed  delayQueue
	queued   map[string]struct{}         // connector tasks waiting in ready or delayed
	inFlight map[string]coordinator.Kind // connector tasks handed to a worker
	fetching int
	seeding  int

	aborting    bool
	deleted     bool
	incremental bool
	passStart   time.Time

	// seed enumeration
	seedCancel        context.CancelFunc
	seedCredit        chan struct{}
	seedDone          bool
	listingIncomplete bool

	// pending scan
	cursor        docstate.Cursor
	scanExhausted bool
	dirty         bool

	unseenCursor string
	unseenDone   bool

	rateWake    time.Time
	watchCancel context.CancelFunc
}

func newJobRun(job *jobs.Job, c connector.Connector, model connector.Model, limits *connLimits) *jobRun {
	return &jobRun{
		job:      job,
		conn:     c,
		model:    model,
		limits:   limits,
		queued:   make(map[string]struct{}),
		inFlight: make(map[string]coordinator.Kind),
	}
}

// idle reports whether no task of this job is with a worker.
func (r *jobRun) idle() bool {
	return r.fetching == 0 && r.seeding == 0
}

// drained reports whether nothing is queued, delayed or in flight.
func (r *jobRun) drained() bool {
	return r.idle() && len(r.seeds) == 0 && len(r.ready) == 0 && len(r.delayed) == 0
}

func (r *jobRun) queueFor(kind coordinator.Kind) *readyQueue {
	if kind.UsesConnector() {
		return &r.ready
	}
	return &r.seeds
}

func (r *jobRun) stopSeeding() {
	if r.seedCancel != nil {
		r.seedCancel()
		r.seedCancel = nil
	}
	r.seedCredit = nil
}

func (r *jobRun) stop() {
	r.stopSeeding()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
}

func (r *jobRun) resetScan() {
	r.cursor = docstate.Cursor{}
	r.scanExhausted = false
	r.dirty = false
}

// startPass begins a full seeding pass.
func (s *Scheduler) startPass(ctx context.Context, run *jobRun, now time.Time) {
	run.stopSeeding()

	j := run.job
	j.Pass++
	j.State = jobs.StateSeeding
	j.LastRunAt = &now
	j.NextRunAt = nil
	j.ErrorCount = 0
	j.LastError = ""

	run.passStart = now
	run.incremental = false
	run.seedDone = false
	run.listingIncomplete = false
	run.resetScan()
	run.unseenCursor = ""
	run.unseenDone = false

	seedCtx, cancel := context.WithCancel(s.runCtx)
	run.seedCancel = cancel
	run.seedCredit = make(chan struct{}, 1)
	go s.enumerate(seedCtx, j.ID, j.Pass, run.conn, j.Seeds, run.seedCredit)

	s.logger.Infow("Pass started", "job_id", j.ID, "pass", j.Pass, "schedule", j.Schedule.String())
	s.persist(ctx, run)
	s.publish(Event{Kind: EventSeeding, JobID: j.ID, At: now})
}

// startIncremental crawls records marked pending by change notifications
// while the job is between passes. No seeding, no delete checks.
func (s *Scheduler) startIncremental(ctx context.Context, run *jobRun) {
	run.job.State = jobs.StateCrawling
	run.incremental = true
	run.resetScan()
	run.unseenDone = true

	s.logger.Debugw("Incremental crawl started", "job_id", run.job.ID, "pass", run.job.Pass)
	s.persist(ctx, run)
	s.publish(Event{Kind: EventIncremental, JobID: run.job.ID})
}

// advance moves a job along its state machine once its queues allow it.
func (s *Scheduler) advance(ctx context.Context, run *jobRun, now time.Time) {
	switch run.job.State {
	case jobs.StateSeeding:
		if !run.seedDone || len(run.seeds) > 0 || run.seeding > 0 {
			return
		}
		run.stopSeeding()
		run.job.State = jobs.StateCrawling
		run.resetScan()
		s.persist(ctx, run)
		s.publish(Event{Kind: EventCrawling, JobID: run.job.ID, At: now})

	case jobs.StateCrawling:
		if !run.drained() {
			return
		}
		// results may have put records back to pending behind the cursor,
		// so one clean rescan must come up empty before the pass can end
		if !run.scanExhausted || run.dirty {
			if run.scanExhausted {
				run.resetScan()
			}
			n, ok := s.refill(ctx, run)
			if !ok || n > 0 || !run.scanExhausted {
				return
			}
		}
		if !run.unseenDone {
			if s.queueUnseen(ctx, run) > 0 || !run.unseenDone {
				return
			}
		}
		s.finishPass(ctx, run, now)
	}
}

func (s *Scheduler) finishPass(ctx context.Context, run *jobRun, now time.Time) {
	j := run.job
	log := s.logger.With("job_id", j.ID, "pass", j.Pass)

	if run.incremental {
		run.incremental = false
		j.State = jobs.StateIdle
		s.persist(ctx, run)
		log.Debugw("Incremental crawl finished")
		s.publish(Event{Kind: EventPassComplete, JobID: j.ID, At: now})
		return
	}

	switch j.Schedule.Mode {
	case jobs.ScheduleContinuous:
		next := now.Add(j.Schedule.Interval)
		j.NextRunAt = &next
	case jobs.SchedulePeriodic:
		next := run.passStart.Add(j.Schedule.Interval)
		if next.Before(now) {
			next = now
		}
		j.NextRunAt = &next
	default:
		j.State = jobs.StateDone
		j.NextRunAt = nil
		s.persist(ctx, run)
		log.Infow("Job finished", "duration", now.Sub(run.passStart), "errors", j.ErrorCount)
		s.publish(Event{Kind: EventDone, JobID: j.ID, At: now})
		s.deactivate(run)
		return
	}

	j.State = jobs.StateIdle
	s.persist(ctx, run)
	log.Infow("Pass complete", "duration", now.Sub(run.passStart), "errors", j.ErrorCount, "next_run_at", *j.NextRunAt)
	s.publish(Event{Kind: EventPassComplete, JobID: j.ID, At: now})
}

func (s *Scheduler) pause(run *jobRun, reason string) {
	if run.job.PauseReason == reason {
		return
	}
	run.job.PauseReason = reason
	s.logger.Infow("Job paused", "job_id", run.job.ID, "reason", reason)
	s.publish(Event{Kind: EventPaused, JobID: run.job.ID, Reason: reason})
}

// discard drops every queued task. In-flight tasks are left to retire.
func (s *Scheduler) discard(run *jobRun) {
	run.seeds = nil
	run.ready = nil
	run.delayed = nil
	clear(run.queued)
}

// abort stops enumeration, drops the queues and lets in-flight tasks
// drain. The job returns to Idle once they have.
func (s *Scheduler) abort(ctx context.Context, run *jobRun) {
	if run.aborting {
		return
	}
	run.aborting = true
	run.stopSeeding()
	s.discard(run)
	s.logger.Infow("Aborting job", "job_id", run.job.ID, "in_flight", run.fetching+run.seeding)
	if run.idle() {
		s.finishAbort(ctx, run)
	}
}

func (s *Scheduler) finishAbort(ctx context.Context, run *jobRun) {
	run.aborting = false
	run.incremental = false
	run.job.State = jobs.StateIdle
	run.job.NextRunAt = nil
	s.persist(ctx, run)
	s.publish(Event{Kind: EventAborted, JobID: run.job.ID})
	s.deactivate(run)
}
