package schedule

import (
	"context"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/jobs"
)

// enumerate walks the connector's seed listing and sends it to the loop in
// batches. After each batch it waits for credit, which the loop grants
// only while its seed queue is short, so a huge listing never piles up in
// memory.
func (s *Scheduler) enumerate(ctx context.Context, jobID string, pass int64, c connector.Connector, spec connector.SeedSpec, credit <-chan struct{}) {
	send := func(m seedBatchMsg) bool {
		m.jobID, m.pass = jobID, pass
		select {
		case s.inbox <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	batch := make([]connector.DocumentRef, 0, s.cfg.SeedBatch)
	for ref, err := range c.ListSeeds(ctx, spec) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(seedBatchMsg{refs: batch, err: err, done: true})
			return
		}
		batch = append(batch, ref)
		if len(batch) < s.cfg.SeedBatch {
			continue
		}
		if !send(seedBatchMsg{refs: batch}) {
			return
		}
		batch = make([]connector.DocumentRef, 0, s.cfg.SeedBatch)
		select {
		case <-credit:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	send(seedBatchMsg{refs: batch, done: true})
}

func (s *Scheduler) onSeedBatch(ctx context.Context, m seedBatchMsg) {
	run := s.runs[m.jobID]
	if run == nil || run.job.Pass != m.pass || run.job.State != jobs.StateSeeding || run.aborting {
		return
	}

	for _, ref := range m.refs {
		if ref.ID == "" || !run.job.Seeds.Allows(ref.ID) {
			continue
		}
		s.enqueue(run, s.newTask(run, coordinator.KindSeed, ref.ID, ref.Hops))
	}

	if m.err != nil {
		// records the listing never reached must not look deleted
		run.listingIncomplete = true
		run.job.ErrorCount++
		run.job.LastError = "seed listing failed: " + m.err.Error()
		s.logger.Warnw("Seed listing failed", "job_id", m.jobID, "pass", m.pass, "class", connector.Classify(m.err).String(), "error", m.err)
		if connector.Classify(m.err) == connector.ClassAuth {
			s.pause(run, "authentication failed: "+m.err.Error())
		}
		s.persist(ctx, run)
	}
	if m.done {
		run.seedDone = true
	}
}

// watchChanges forwards a connector's change notifications to the loop
// until ctx ends or the connector closes its channel.
func (s *Scheduler) watchChanges(ctx context.Context, jobID string, n connector.ChangeNotifier) {
	changes, err := n.Changes(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warnw("Change notifications unavailable", "job_id", jobID, "error", err)
		}
		return
	}
	if changes == nil {
		return
	}
	for {
		select {
		case ref, ok := <-changes:
			if !ok {
				return
			}
			select {
			case s.inbox <- changeMsg{jobID: jobID, ref: ref}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) onChange(ctx context.Context, m changeMsg) {
	run := s.runs[m.jobID]
	if run == nil || run.deleted || m.ref.ID == "" || !run.job.Seeds.Allows(m.ref.ID) {
		return
	}
	written, err := s.docs.MarkChanged(ctx, m.jobID, m.ref.ID, run.job.Pass)
	if err != nil {
		s.logger.Warnw("Failed to record change notification", "job_id", m.jobID, "doc_id", m.ref.ID, "error", err)
		return
	}
	if !written {
		return
	}

	switch run.job.State {
	case jobs.StateSeeding, jobs.StateCrawling:
		run.dirty = true
	case jobs.StateIdle:
		if !run.aborting && !run.job.Paused() {
			s.startIncremental(ctx, run)
		}
	}
}
