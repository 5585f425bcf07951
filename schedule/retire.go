package schedule

import (
	"context"
	"time"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/jobs"
)

// onResult accounts for a retired task: it frees the concurrency slots,
// defers retries and folds failures into the job's status.
func (s *Scheduler) onResult(ctx context.Context, r coordinator.Result) {
	t, o := r.Task, r.Outcome

	if t.Kind.UsesConnector() {
		if l := s.conns[t.Connection]; l != nil && l.inFlight > 0 {
			l.inFlight--
		}
	}
	s.publish(Event{
		Kind:     EventRetired,
		JobID:    t.JobID,
		DocID:    t.DocID,
		TaskKind: t.Kind,
		Seq:      t.Seq,
		Outcome:  o.Kind,
		Reason:   o.Reason,
	})

	run := s.runs[t.JobID]
	if run == nil {
		return
	}
	if t.Kind.UsesConnector() {
		delete(run.inFlight, t.DocID)
		run.fetching--
	} else {
		run.seeding--
	}
	if run.job.State == jobs.StateCrawling {
		run.dirty = true
	}

	switch o.Kind {
	case coordinator.TransientFailure:
		if o.Retry != nil && !run.aborting && !run.deleted {
			at := time.Now().Add(o.RetryAfter)
			run.delayed.push(*o.Retry, at)
			if t.Kind.UsesConnector() {
				run.queued[t.DocID] = struct{}{}
			}
			s.publish(Event{Kind: EventRetryDeferred, JobID: t.JobID, DocID: t.DocID, TaskKind: t.Kind, Seq: t.Seq, Reason: o.Reason, At: at})
		}
	case coordinator.PermanentFailure:
		if o.Class == connector.ClassAuth {
			s.pause(run, "authentication failed: "+o.Reason)
		} else {
			run.job.ErrorCount++
			run.job.LastError = o.Reason
		}
		s.persist(ctx, run)
	}

	if run.aborting && run.idle() && s.runs[t.JobID] == run {
		if run.deleted {
			s.deactivate(run)
		} else {
			s.finishAbort(ctx, run)
		}
	}
}
