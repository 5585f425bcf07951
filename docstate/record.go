// Package docstate is the persistent record of every document a job has
// seen: its identity, last content fingerprint, crawl status and scheduling
// priority.
//
// The store is the only writer of the documents table. Every write is atomic
// per (job, document) and increments the record's version, which callers use
// for optimistic concurrency when committing task outcomes.
package docstate

import (
	"time"
)

// Status is the crawl status of one document within one job.
type Status string

const (
	StatusPending    Status = "pending"    // waiting to be fetched
	StatusProcessing Status = "processing" // claimed by exactly one worker
	StatusCompleted  Status = "completed"  // fetched and handed to the sink
	StatusError      Status = "error"      // permanently failed until the next seeding pass
	StatusDeleted    Status = "deleted"    // removed upstream, purged after retention
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError, StatusDeleted:
		return true
	}
	return false
}

// Record is the persisted crawl state of one document within one job.
type Record struct {
	JobID       string
	DocID       string
	Fingerprint string
	LastFetch   *time.Time
	Status      Status
	Version     int64
	ACL         string // JSON access-control snapshot, opaque to the store
	Priority    int    // lower is scheduled first; seeds are 0, discovered docs carry their hop count
	FailCount   int
	LastError   string
	SeenPass    int64 // last seeding pass that listed or discovered this document
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Changed is set when a change notification arrived while the record
	// was processing. The commit ending that claim leaves it pending.
	Changed bool
}

// InFlight reports whether a worker currently holds the record.
func (r *Record) InFlight() bool {
	return r.Status == StatusProcessing
}

// Fields is a partial update. Nil fields keep their stored value; on insert
// they take the column default.
type Fields struct {
	Fingerprint *string
	LastFetch   *time.Time
	Status      *Status
	ACL         *string
	Priority    *int
	FailCount   *int
	LastError   *string
	SeenPass    *int64
}

// AnyVersion disables the optimistic version check on UpsertRecord. An
// expected version of 0 means the record must not exist yet.
const AnyVersion int64 = -1

// Cursor is a keyset position in the pending scan order (priority, doc_id).
// The zero Cursor starts from the beginning.
type Cursor struct {
	Priority int
	DocID    string
}

// CursorOf returns the cursor positioned at r.
func CursorOf(r Record) Cursor {
	return Cursor{Priority: r.Priority, DocID: r.DocID}
}

// Ptr returns a pointer to v, for building Fields literals.
func Ptr[T any](v T) *T {
	return &v
}
