package schedule

import (
	"context"
	"time"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/jobs"
)

// step runs one scheduling round: timers, state transitions, queue
// refills and dispatch. It records the earliest time it needs to run
// again in s.wakeAt.
func (s *Scheduler) step(ctx context.Context, now time.Time) {
	s.wakeAt = time.Time{}

	for _, run := range s.ordered() {
		for len(run.delayed) > 0 && !run.delayed.peek().readyAt.After(now) {
			t := run.delayed.pop()
			run.queueFor(t.Kind).push(t)
		}

		if run.job.State == jobs.StateIdle && run.job.NextRunAt != nil && !run.aborting && !run.job.Paused() {
			if run.job.NextRunAt.After(now) {
				s.wakeAt = earliest(s.wakeAt, *run.job.NextRunAt)
			} else {
				s.startPass(ctx, run, now)
			}
		}

		if !run.job.Paused() && !run.aborting && s.runs[run.job.ID] == run {
			s.refill(ctx, run)
			s.advance(ctx, run, now)
		}
		if s.runs[run.job.ID] != run {
			continue
		}

		if run.seedCredit != nil && len(run.seeds) < s.cfg.SeedBatch {
			select {
			case run.seedCredit <- struct{}{}:
			default:
			}
		}
		if len(run.delayed) > 0 {
			s.wakeAt = earliest(s.wakeAt, run.delayed.peek().readyAt)
		}
	}

	for _, run := range s.ordered() {
		s.dispatch(now, run)
		s.wakeAt = earliest(s.wakeAt, run.rateWake)
	}
}

// dispatch hands queued tasks to idle workers in sequence order. Seed
// merges go first; connector tasks stay within the job's and the
// connection's concurrency ceilings and the connection's token bucket.
func (s *Scheduler) dispatch(now time.Time, run *jobRun) {
	run.rateWake = time.Time{}
	if run.job.Paused() || run.aborting {
		return
	}

	for len(run.seeds) > 0 && s.coord.Idle(coordinator.KindSeed) > 0 {
		if !s.submit(now, run, &run.seeds) {
			break
		}
	}

	for len(run.ready) > 0 {
		if s.coord.Idle(run.ready.peek().Kind) == 0 {
			return
		}
		if run.job.MaxConcurrency > 0 && run.fetching >= run.job.MaxConcurrency {
			return
		}
		if run.limits.saturated() {
			return
		}
		if ok, at := run.limits.take(now); !ok {
			run.rateWake = at
			return
		}
		if !s.submit(now, run, &run.ready) {
			return
		}
	}
}

func (s *Scheduler) submit(now time.Time, run *jobRun, q *readyQueue) bool {
	t := q.pop()
	if _, ok := s.coord.TrySubmit(t); !ok {
		q.push(t)
		return false
	}

	if t.Kind.UsesConnector() {
		delete(run.queued, t.DocID)
		run.inFlight[t.DocID] = t.Kind
		run.fetching++
		run.limits.inFlight++
	} else {
		run.seeding++
	}
	s.publish(Event{Kind: EventDispatched, JobID: t.JobID, DocID: t.DocID, TaskKind: t.Kind, Seq: t.Seq, At: now})
	return true
}

// refill loads pending records into the ready queue when it runs low.
// It returns how many tasks were queued, and false when the scan could
// not run (memory pressure or a store error).
func (s *Scheduler) refill(ctx context.Context, run *jobRun) (int, bool) {
	if run.job.State != jobs.StateSeeding && run.job.State != jobs.StateCrawling {
		return 0, true
	}
	if run.scanExhausted || len(run.ready) >= s.cfg.RefillBatch/2 {
		return 0, true
	}

	if s.coord.UnderMemoryPressure() {
		if !s.pressured {
			s.pressured = true
			s.logger.Warnw("Memory pressure, pausing queue refills")
		}
		return 0, false
	}
	if s.pressured {
		s.pressured = false
		s.logger.Infow("Memory pressure cleared, resuming queue refills")
	}

	records, next, err := s.docs.ScanPending(ctx, run.job.ID, run.cursor, s.cfg.RefillBatch)
	if err != nil {
		s.logger.Warnw("Failed to scan pending documents", "job_id", run.job.ID, "error", err)
		return 0, false
	}
	run.cursor = next
	if len(records) < s.cfg.RefillBatch {
		run.scanExhausted = true
	}

	n := 0
	for _, rec := range records {
		if run.busy(rec.DocID) {
			continue
		}
		s.enqueue(run, s.newTask(run, coordinator.KindFetch, rec.DocID, rec.Priority))
		n++
	}
	return n, true
}

// queueUnseen queues a page of settled records the finished listing did
// not reach. After a complete listing from a connector that lists
// everything they get a delete check. Otherwise they are refetched against
// their stored fingerprint, which is how documents known only through
// links (or an errored one) are rechecked on every pass.
func (s *Scheduler) queueUnseen(ctx context.Context, run *jobRun) int {
	if run.incremental {
		run.unseenDone = true
		return 0
	}
	kind := coordinator.KindFetch
	if run.model == connector.ModelAll && !run.listingIncomplete {
		kind = coordinator.KindDeleteCheck
	}

	records, err := s.docs.UnseenSince(ctx, run.job.ID, run.job.Pass, run.unseenCursor, s.cfg.RefillBatch)
	if err != nil {
		s.logger.Warnw("Failed to scan for unseen documents", "job_id", run.job.ID, "error", err)
		return 0
	}
	if len(records) < s.cfg.RefillBatch {
		run.unseenDone = true
	}

	n := 0
	for _, rec := range records {
		run.unseenCursor = rec.DocID
		if run.busy(rec.DocID) {
			continue
		}
		s.enqueue(run, s.newTask(run, kind, rec.DocID, rec.Priority))
		n++
	}
	if n > 0 {
		s.logger.Debugw("Queued unseen documents", "job_id", run.job.ID, "task_kind", string(kind), "count", n)
	}
	return n
}

func (r *jobRun) busy(docID string) bool {
	if _, ok := r.queued[docID]; ok {
		return true
	}
	_, ok := r.inFlight[docID]
	return ok
}

func (s *Scheduler) newTask(run *jobRun, kind coordinator.Kind, docID string, hops int) coordinator.Task {
	run.seq++
	return coordinator.Task{
		JobID:      run.job.ID,
		DocID:      docID,
		Kind:       kind,
		Seq:        run.seq,
		Attempt:    1,
		Hops:       hops,
		Pass:       run.job.Pass,
		Connection: run.limits.name,
		Conn:       run.conn,
		Spec:       run.job.Seeds,
	}
}

func (s *Scheduler) enqueue(run *jobRun, t coordinator.Task) {
	run.queueFor(t.Kind).push(t)
	if t.Kind.UsesConnector() {
		run.queued[t.DocID] = struct{}{}
	}
}
