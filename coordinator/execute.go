package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
)

func (c *Coordinator) execute(ctx context.Context, t Task) Outcome {
	switch t.Kind {
	case KindSeed:
		return c.executeSeed(ctx, t)
	case KindFetch, KindDeleteCheck:
		return c.executeFetch(ctx, t)
	}
	return Outcome{Kind: PermanentFailure, Class: connector.ClassPermanent, Reason: "unknown task kind " + string(t.Kind)}
}

// executeSeed merges one enumerated reference into the store. The merge is
// keyed by (job, doc) so duplicate enumeration never duplicates a record.
func (c *Coordinator) executeSeed(ctx context.Context, t Task) Outcome {
	var inserted bool
	err := c.retryCommit(ctx, t, func(ctx context.Context) error {
		var err error
		inserted, err = c.store.SeedRecord(ctx, t.JobID, t.DocID, t.Pass, t.Hops)
		return err
	})
	if err != nil {
		return Outcome{Kind: Discarded, Reason: err.Error()}
	}
	o := Outcome{Kind: Success}
	if inserted {
		o.Discovered = 1
	}
	return o
}

type fetched struct {
	result connector.FetchResult
	acl    connector.AclSnapshot
}

// executeFetch claims the record, calls the connector and commits what it
// reported. Fetch and delete-check share this path: a delete-check is a
// fetch whose interesting answer is Gone.
func (c *Coordinator) executeFetch(ctx context.Context, t Task) Outcome {
	log := c.logger.With("job_id", t.JobID, "doc_id", t.DocID, "task_seq", t.Seq, "attempt", t.Attempt)

	rec, err := c.store.ClaimForProcessing(ctx, t.JobID, t.DocID)
	if err != nil {
		// already held, gone with its job, or the store is unreachable; the
		// record is untouched and a later scan picks it up
		log.Debugw("Claim failed, discarding task", "error", err)
		return Outcome{Kind: Discarded, Reason: err.Error()}
	}

	ref := connector.DocumentRef{ID: t.DocID, Hops: t.Hops}
	got, err := callWithTimeout(ctx, c.cfg.TaskTimeout, func(ctx context.Context) (fetched, error) {
		res, err := t.Conn.Fetch(ctx, connector.FetchRequest{Ref: ref, PriorFingerprint: rec.Fingerprint})
		if err != nil {
			return fetched{}, err
		}
		if res.Kind == connector.ResultGone {
			return fetched{result: res}, nil
		}
		acl, err := t.Conn.CheckAccess(ctx, ref)
		if err != nil {
			return fetched{}, errors.Wrap(err, "access check failed")
		}
		return fetched{result: res, acl: acl}, nil
	})
	if err != nil {
		return c.fail(ctx, t, rec, err)
	}

	now := time.Now().UTC()
	switch got.result.Kind {
	case connector.ResultGone:
		committed, err := c.commit(ctx, t, rec.Version, docstate.Fields{
			Status:    docstate.Ptr(docstate.StatusDeleted),
			LastFetch: &now,
			FailCount: docstate.Ptr(0),
			LastError: docstate.Ptr(""),
		})
		if err != nil {
			return c.discard(ctx, t, err)
		}
		if err := c.sink.Remove(ctx, t.JobID, t.DocID); err != nil {
			log.Warnw("Sink failed to remove document", "error", err)
		}
		return Outcome{Kind: Success, Result: connector.ResultGone, Record: committed}

	case connector.ResultNotModified, connector.ResultContent:
		fingerprint := rec.Fingerprint
		if got.result.Content != nil {
			fingerprint = got.result.Content.Fingerprint
		}
		acl, err := json.Marshal(got.acl)
		if err != nil {
			return c.fail(ctx, t, rec, connector.Permanent(errors.Wrap(err, "failed to encode access snapshot")))
		}
		committed, err := c.commit(ctx, t, rec.Version, docstate.Fields{
			Status:      docstate.Ptr(docstate.StatusCompleted),
			Fingerprint: &fingerprint,
			LastFetch:   &now,
			ACL:         docstate.Ptr(string(acl)),
			FailCount:   docstate.Ptr(0),
			LastError:   docstate.Ptr(""),
		})
		if err != nil {
			return c.discard(ctx, t, err)
		}

		o := Outcome{Kind: Success, Result: got.result.Kind, Record: committed}
		if content := got.result.Content; content != nil {
			o.Discovered = c.mergeDiscovered(ctx, t, content.Discovered)
			doc := Document{
				JobID:       t.JobID,
				DocID:       t.DocID,
				Fingerprint: fingerprint,
				ContentType: content.ContentType,
				Metadata:    content.Metadata,
				ACL:         got.acl,
				FetchedAt:   now,
				Body:        content.Body,
			}
			if err := c.sink.Deliver(ctx, doc); err != nil {
				log.Warnw("Sink failed to deliver document", "error", err)
			}
		}
		return o
	}

	return c.fail(ctx, t, rec, connector.Permanent(errors.Newf("connector returned unknown result kind %d", got.result.Kind)))
}

// fail applies the retry policy to a failed connector call.
func (c *Coordinator) fail(ctx context.Context, t Task, rec *docstate.Record, cause error) Outcome {
	class := connector.Classify(cause)
	reason := cause.Error()
	decision := c.cfg.Retry.Decide(t.Attempt, class)
	log := c.logger.With("job_id", t.JobID, "doc_id", t.DocID, "attempt", t.Attempt, "error_class", class.String())

	if class == connector.ClassAuth {
		// the job pauses; the record waits as pending for the operator
		c.release(ctx, t, rec.FailCount, reason)
		log.Warnw("Connector rejected credentials", "error", cause)
		return Outcome{Kind: PermanentFailure, Class: class, Reason: reason}
	}

	if decision.Retry {
		c.release(ctx, t, rec.FailCount+1, reason)
		next := t
		next.Attempt++
		log.Debugw("Transient failure, retrying", "delay", decision.Delay, "error", cause)
		return Outcome{Kind: TransientFailure, Class: class, Reason: reason, Retry: &next, RetryAfter: decision.Delay}
	}

	committed, err := c.commit(ctx, t, rec.Version, docstate.Fields{
		Status:    docstate.Ptr(docstate.StatusError),
		FailCount: docstate.Ptr(rec.FailCount + 1),
		LastError: &reason,
	})
	if err != nil {
		return c.discard(ctx, t, err)
	}
	log.Infow("Document failed permanently", "error", cause)
	return Outcome{Kind: PermanentFailure, Class: class, Reason: reason, Record: committed}
}

// discard handles a commit that could not apply. On a version conflict the
// claim goes back so the newer state is re-scanned.
func (c *Coordinator) discard(ctx context.Context, t Task, err error) Outcome {
	if errors.IsConflictError(err) {
		c.release(ctx, t, 0, "")
	}
	c.logger.Debugw("Outcome discarded", "job_id", t.JobID, "doc_id", t.DocID, "error", err)
	return Outcome{Kind: Discarded, Reason: err.Error()}
}

func (c *Coordinator) release(ctx context.Context, t Task, failCount int, lastError string) {
	err := c.store.ReleaseClaim(context.WithoutCancel(ctx), t.JobID, t.DocID, failCount, lastError)
	if err != nil {
		c.logger.Warnw("Failed to release document", "job_id", t.JobID, "doc_id", t.DocID, "error", err)
	}
}

// commit writes fields at the version the claim returned, retrying store
// failures until the write lands or the coordinator stops. Conflicts and
// missing records are returned at once since retrying cannot fix them.
func (c *Coordinator) commit(ctx context.Context, t Task, version int64, f docstate.Fields) (*docstate.Record, error) {
	var rec *docstate.Record
	err := c.retryCommit(ctx, t, func(ctx context.Context) error {
		var err error
		rec, err = c.store.UpsertRecord(ctx, t.JobID, t.DocID, f, version)
		return err
	})
	return rec, err
}

func (c *Coordinator) retryCommit(ctx context.Context, t Task, write func(context.Context) error) error {
	writeCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err := write(writeCtx)
		if err == nil {
			return nil
		}
		if errors.IsConflictError(err) || errors.IsNotFoundError(err) || errors.Is(err, errors.ErrInvalidRequest) {
			return err
		}
		c.logger.Warnw("Commit failed, retrying",
			"job_id", t.JobID,
			"doc_id", t.DocID,
			"commit_attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return errors.Wrap(err, "commit abandoned at shutdown")
		case <-time.After(c.cfg.CommitRetryInterval):
		}
	}
}

// mergeDiscovered seeds references found in fetched content within the
// job's hop limit and filters. Returns how many were new.
func (c *Coordinator) mergeDiscovered(ctx context.Context, t Task, refs []connector.DocumentRef) int {
	if t.Spec.MaxHops <= 0 {
		return 0
	}
	added := 0
	for _, ref := range refs {
		if ref.ID == "" || ref.Hops > t.Spec.MaxHops || !t.Spec.Allows(ref.ID) {
			continue
		}
		inserted, err := c.store.SeedRecord(context.WithoutCancel(ctx), t.JobID, ref.ID, t.Pass, ref.Hops)
		if err != nil {
			c.logger.Warnw("Failed to record discovered document", "job_id", t.JobID, "doc_id", ref.ID, "error", err)
			continue
		}
		if inserted {
			added++
		}
	}
	return added
}

// callWithTimeout runs fn in its own goroutine and gives up when ctx ends or
// timeout passes, reporting a transient failure. fn keeps running until it
// observes its context; its late result is dropped.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		err := errors.Mark(errors.Wrapf(callCtx.Err(), "connector call did not return within %s", timeout), errors.ErrTimeout)
		return zero, connector.Transient(err)
	}
}
