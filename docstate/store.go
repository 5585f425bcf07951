package docstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sluice/errors"
)

// Store persists document records in the documents table.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a document store over an already migrated database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// SetClock replaces the store's time source. Tests use it to control
// timestamps written to last_fetch_at, deleted_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func withKey(err error, jobID, docID string) error {
	return errors.WithDetail(err, fmt.Sprintf("Job ID: %s, Doc ID: %s", jobID, docID))
}

// GetRecord returns the record for (jobID, docID), or an error marked
// ErrNotFound when the document has never been seen by the job.
func (s *Store) GetRecord(ctx context.Context, jobID, docID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM documents WHERE job_id = ? AND doc_id = ?`,
		jobID, docID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withKey(errors.NewNotFoundError("document %s in job %s", docID, jobID), jobID, docID)
	}
	if err != nil {
		return nil, withKey(errors.Wrap(err, "failed to get document record"), jobID, docID)
	}
	return rec, nil
}

// UpsertRecord merges fields into the record for (jobID, docID), creating it
// if absent, and returns the committed record.
//
// The write is atomic per key and always increments the version. When
// expectedVersion is not AnyVersion the write only happens if the stored
// version still matches; otherwise the error is marked ErrConflict. An
// absent record has version 0, so expectedVersion 0 creates only.
//
// A write that moves a processing record with a pending change
// notification to any other status stores it as pending instead, so the
// change is fetched again.
func (s *Store) UpsertRecord(ctx context.Context, jobID, docID string, f Fields, expectedVersion int64) (*Record, error) {
	if jobID == "" || docID == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "job id and doc id are required")
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", *f.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, withKey(errors.Wrap(err, "failed to begin upsert"), jobID, docID)
	}
	defer tx.Rollback()

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM documents WHERE job_id = ? AND doc_id = ?`,
		jobID, docID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, withKey(errors.Wrap(err, "failed to read document record"), jobID, docID)
	}

	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if expectedVersion != AnyVersion && expectedVersion != currentVersion {
		return nil, withKey(
			errors.NewConflictError("expected version %d, found %d", expectedVersion, currentVersion),
			jobID, docID)
	}

	now := s.timestamp()
	var next Record
	if current == nil {
		next = Record{JobID: jobID, DocID: docID, Status: StatusPending, CreatedAt: now}
	} else {
		next = *current
	}
	merge(&next, f)
	if next.Status != StatusProcessing {
		if current != nil && current.Status == StatusProcessing && current.Changed {
			next.Status = StatusPending
		}
		next.Changed = false
	}
	next.Version = currentVersion + 1
	next.UpdatedAt = now
	if next.Status == StatusDeleted && next.DeletedAt == nil {
		next.DeletedAt = &now
	} else if next.Status != StatusDeleted {
		next.DeletedAt = nil
	}

	if current == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (
				job_id, doc_id, fingerprint, last_fetch_at, status, version,
				acl, priority, fail_count, last_error, seen_pass, deleted_at,
				created_at, updated_at, changed
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			next.JobID, next.DocID, next.Fingerprint, nullTime(next.LastFetch), next.Status, next.Version,
			next.ACL, next.Priority, next.FailCount, next.LastError, next.SeenPass, nullTime(next.DeletedAt),
			next.CreatedAt, next.UpdatedAt, next.Changed)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET
				fingerprint = ?, last_fetch_at = ?, status = ?, version = ?,
				acl = ?, priority = ?, fail_count = ?, last_error = ?, seen_pass = ?,
				deleted_at = ?, updated_at = ?, changed = ?
			WHERE job_id = ? AND doc_id = ? AND version = ?`,
			next.Fingerprint, nullTime(next.LastFetch), next.Status, next.Version,
			next.ACL, next.Priority, next.FailCount, next.LastError, next.SeenPass,
			nullTime(next.DeletedAt), next.UpdatedAt, next.Changed,
			jobID, docID, currentVersion)
	}
	if err != nil {
		return nil, withKey(errors.Wrap(err, "failed to write document record"), jobID, docID)
	}

	if err := tx.Commit(); err != nil {
		return nil, withKey(errors.Wrap(err, "failed to commit document record"), jobID, docID)
	}
	return &next, nil
}

func merge(r *Record, f Fields) {
	if f.Fingerprint != nil {
		r.Fingerprint = *f.Fingerprint
	}
	if f.LastFetch != nil {
		t := f.LastFetch.UTC()
		r.LastFetch = &t
	}
	if f.Status != nil {
		r.Status = *f.Status
	}
	if f.ACL != nil {
		r.ACL = *f.ACL
	}
	if f.Priority != nil {
		r.Priority = *f.Priority
	}
	if f.FailCount != nil {
		r.FailCount = *f.FailCount
	}
	if f.LastError != nil {
		r.LastError = *f.LastError
	}
	if f.SeenPass != nil {
		r.SeenPass = *f.SeenPass
	}
}

// MarkDeleted flags the record as removed upstream. The row stays until
// PurgeDeleted collects it after the retention window.
func (s *Store) MarkDeleted(ctx context.Context, jobID, docID string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, deleted_at = ?, changed = 0, version = version + 1, updated_at = ?
		WHERE job_id = ? AND doc_id = ?`,
		StatusDeleted, now, now, jobID, docID)
	if err != nil {
		return withKey(errors.Wrap(err, "failed to mark document deleted"), jobID, docID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return withKey(errors.Wrap(err, "failed to check rows affected"), jobID, docID)
	}
	if n == 0 {
		return withKey(errors.NewNotFoundError("document %s in job %s", docID, jobID), jobID, docID)
	}
	return nil
}

// SeedRecord records that a seeding pass (or link discovery within it) saw
// the document. It is a merge keyed by (jobID, docID): a new document is
// inserted as pending; a known one has its seen pass raised and its
// priority lowered to the better of the two. A completed, errored or
// deleted document seen for the first time in this pass goes back to
// pending so it is re-fetched against its stored fingerprint.
//
// A document already processing in this pass is left untouched so the
// in-flight commit does not conflict. Returns whether a row was inserted.
func (s *Store) SeedRecord(ctx context.Context, jobID, docID string, pass int64, priority int) (bool, error) {
	if jobID == "" || docID == "" {
		return false, errors.Wrap(errors.ErrInvalidRequest, "job id and doc id are required")
	}
	now := s.timestamp()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (job_id, doc_id, status, version, priority, seen_pass, created_at, updated_at)
		VALUES (?, ?, 'pending', 1, ?, ?, ?, ?)
		ON CONFLICT (job_id, doc_id) DO UPDATE SET
			status = CASE
				WHEN documents.seen_pass < excluded.seen_pass
				 AND documents.status IN ('completed', 'error', 'deleted') THEN 'pending'
				ELSE documents.status END,
			fail_count = CASE
				WHEN documents.seen_pass < excluded.seen_pass
				 AND documents.status IN ('error', 'deleted') THEN 0
				ELSE documents.fail_count END,
			deleted_at = CASE
				WHEN documents.seen_pass < excluded.seen_pass THEN NULL
				ELSE documents.deleted_at END,
			priority = MIN(documents.priority, excluded.priority),
			seen_pass = MAX(documents.seen_pass, excluded.seen_pass),
			version = documents.version + 1,
			updated_at = excluded.updated_at
		WHERE documents.status != 'processing' OR documents.seen_pass < excluded.seen_pass
		RETURNING version = 1`,
		jobID, docID, priority, pass, now, now)

	var inserted bool
	err := row.Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// processing in this pass already; nothing to merge
		return false, nil
	}
	if err != nil {
		return false, withKey(errors.Wrap(err, "failed to seed document record"), jobID, docID)
	}
	return inserted, nil
}

// MarkChanged records a change notification: the document is inserted as
// pending, or a settled record (completed, error or deleted) goes back to
// pending so the next crawl refetches it. A processing record is flagged
// instead, without a version bump so the in-flight commit still applies;
// that commit then leaves it pending. A record already pending or already
// flagged is left alone. Returns whether a row was written.
func (s *Store) MarkChanged(ctx context.Context, jobID, docID string, pass int64) (bool, error) {
	if jobID == "" || docID == "" {
		return false, errors.Wrap(errors.ErrInvalidRequest, "job id and doc id are required")
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (job_id, doc_id, status, version, seen_pass, created_at, updated_at)
		VALUES (?, ?, 'pending', 1, ?, ?, ?)
		ON CONFLICT (job_id, doc_id) DO UPDATE SET
			status = CASE WHEN documents.status = 'processing' THEN 'processing' ELSE 'pending' END,
			changed = CASE WHEN documents.status = 'processing' THEN 1 ELSE 0 END,
			deleted_at = CASE WHEN documents.status = 'processing' THEN documents.deleted_at ELSE NULL END,
			seen_pass = MAX(documents.seen_pass, excluded.seen_pass),
			version = CASE WHEN documents.status = 'processing' THEN documents.version ELSE documents.version + 1 END,
			updated_at = excluded.updated_at
		WHERE documents.status != 'pending'
		  AND NOT (documents.status = 'processing' AND documents.changed = 1)`,
		jobID, docID, pass, now, now)
	if err != nil {
		return false, withKey(errors.Wrap(err, "failed to mark document changed"), jobID, docID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, withKey(errors.Wrap(err, "failed to check rows affected"), jobID, docID)
	}
	return n > 0, nil
}

// ClaimForProcessing moves a record to processing and returns it. Only one
// caller can hold a record at a time: claiming a record that is already
// processing fails with an error marked ErrConflict.
func (s *Store) ClaimForProcessing(ctx context.Context, jobID, docID string) (*Record, error) {
	now := s.timestamp()
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET status = 'processing', changed = 0, version = version + 1, updated_at = ?
		WHERE job_id = ? AND doc_id = ? AND status != 'processing'
		RETURNING `+recordColumns,
		now, jobID, docID)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, withKey(errors.Wrap(err, "failed to claim document"), jobID, docID)
	}

	if _, getErr := s.GetRecord(ctx, jobID, docID); getErr != nil {
		return nil, getErr
	}
	return nil, withKey(errors.NewConflictError("document %s is already processing", docID), jobID, docID)
}

// ReleaseClaim returns a processing record to pending, recording the
// failure that interrupted it. failCount and lastError are stored as given.
func (s *Store) ReleaseClaim(ctx context.Context, jobID, docID string, failCount int, lastError string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'pending', fail_count = ?, last_error = ?, changed = 0, version = version + 1, updated_at = ?
		WHERE job_id = ? AND doc_id = ? AND status = 'processing'`,
		failCount, lastError, now, jobID, docID)
	if err != nil {
		return withKey(errors.Wrap(err, "failed to release document"), jobID, docID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debugw("Release skipped, document not processing", "job_id", jobID, "doc_id", docID)
	}
	return nil
}

// ScanPending returns up to limit pending records of jobID that sort after
// the cursor in (priority, doc_id) order, plus the cursor to resume from.
// A short page means the scan reached the end.
func (s *Store) ScanPending(ctx context.Context, jobID string, after Cursor, limit int) ([]Record, Cursor, error) {
	if limit <= 0 {
		return nil, after, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM documents
		WHERE job_id = ? AND status = 'pending'
		  AND (priority > ? OR (priority = ? AND doc_id > ?))
		ORDER BY priority, doc_id
		LIMIT ?`,
		jobID, after.Priority, after.Priority, after.DocID, limit)
	if err != nil {
		return nil, after, errors.WithDetail(errors.Wrap(err, "failed to scan pending documents"), "Job ID: "+jobID)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, after, errors.WithDetail(errors.Wrap(err, "failed to read pending documents"), "Job ID: "+jobID)
	}
	next := after
	if len(records) > 0 {
		next = CursorOf(records[len(records)-1])
	}
	return records, next, nil
}

// UnseenSince pages through completed or errored records of jobID that the
// given seeding pass did not list, ordered by doc_id after afterDocID.
// These are the candidates for a delete check.
func (s *Store) UnseenSince(ctx context.Context, jobID string, pass int64, afterDocID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM documents
		WHERE job_id = ? AND seen_pass < ? AND status IN ('completed', 'error') AND doc_id > ?
		ORDER BY doc_id
		LIMIT ?`,
		jobID, pass, afterDocID, limit)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to scan unseen documents"), "Job ID: "+jobID)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read unseen documents")
	}
	return records, nil
}

// ListRecords returns records of jobID ordered by doc_id, optionally
// filtered to one status. Used by the operator CLI.
func (s *Store) ListRecords(ctx context.Context, jobID string, status Status, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM documents WHERE job_id = ?`
	args := []interface{}{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY doc_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list documents")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read documents")
	}
	return records, nil
}

// Counts returns the number of records per status for jobID.
func (s *Store) Counts(ctx context.Context, jobID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count documents")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan document count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetOrphaned returns every processing record to pending. Run once at
// startup, before any worker exists, to recover claims left by a crash.
func (s *Store) ResetOrphaned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'pending', changed = 0, version = version + 1, updated_at = ?
		WHERE status = 'processing'`,
		s.timestamp())
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset orphaned documents")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	if n > 0 {
		s.logger.Infow("Reset orphaned documents", "count", n)
	}
	return n, nil
}

// PurgeDeleted removes records that have been deleted since before cutoff.
func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE status = 'deleted' AND deleted_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge deleted documents")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}
