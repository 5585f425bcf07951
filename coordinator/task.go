// Package coordinator runs crawl tasks on bounded worker pools, applies the
// retry policy to failures and commits every outcome to the document store
// before reporting the task retired.
package coordinator

import (
	"context"
	"time"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/docstate"
)

// Kind is the operation a task performs. Each kind runs on its own worker
// class so a flood of seed merges cannot starve fetches.
type Kind string

const (
	KindSeed        Kind = "seed"
	KindFetch       Kind = "fetch"
	KindDeleteCheck Kind = "delete_check"
)

// Kinds lists every task kind.
var Kinds = []Kind{KindSeed, KindFetch, KindDeleteCheck}

// UsesConnector reports whether tasks of this kind call the connector and
// therefore count against connection concurrency and rate limits.
func (k Kind) UsesConnector() bool {
	return k != KindSeed
}

// Task is one scheduled unit of work. Tasks live in memory only; a crash
// loses them and the next start rebuilds the queue from the store.
type Task struct {
	JobID      string
	DocID      string
	Kind       Kind
	Seq        uint64 // per-job dispatch order
	Attempt    int    // 1 for the first try
	Hops       int
	Pass       int64
	Connection string

	Conn connector.Connector
	Spec connector.SeedSpec
}

// OutcomeKind is how an attempt ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	TransientFailure
	PermanentFailure
	// Discarded means the record changed underneath the task (version
	// conflict, already claimed, or deleted with its job). Nothing was
	// committed; the record will be picked up by a later scan.
	Discarded
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Outcome is the retired result of one attempt.
type Outcome struct {
	Kind   OutcomeKind
	Class  connector.Class // set for failures
	Reason string

	Result     connector.ResultKind // set for successful fetches
	Record     *docstate.Record     // committed record, nil when nothing was written
	Discovered int                  // new references merged into the store

	// Retry is the next attempt when the policy allows one. The scheduler
	// owns the queue, so it re-enqueues Retry after RetryAfter.
	Retry      *Task
	RetryAfter time.Duration
}

// Result pairs a retired task with its outcome.
type Result struct {
	Task    Task
	Outcome Outcome
}

// Future resolves when the submitted task retires.
type Future struct {
	done    chan struct{}
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(o Outcome) {
	f.outcome = o
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task retires or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
