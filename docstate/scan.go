package docstate

import (
	"database/sql"
	"time"
)

// recordColumns is the column list every record SELECT uses, in the order
// scanTargets expects.
const recordColumns = `job_id, doc_id, fingerprint, last_fetch_at, status, version,
		acl, priority, fail_count, last_error, seen_pass, deleted_at,
		created_at, updated_at, changed`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

type recordScanArgs struct {
	LastFetch sql.NullTime
	DeletedAt sql.NullTime
}

func scanTargets(r *Record, args *recordScanArgs) []interface{} {
	return []interface{}{
		&r.JobID,
		&r.DocID,
		&r.Fingerprint,
		&args.LastFetch,
		&r.Status,
		&r.Version,
		&r.ACL,
		&r.Priority,
		&r.FailCount,
		&r.LastError,
		&r.SeenPass,
		&args.DeletedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.Changed,
	}
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var args recordScanArgs
	if err := row.Scan(scanTargets(&r, &args)...); err != nil {
		return nil, err
	}
	if args.LastFetch.Valid {
		t := args.LastFetch.Time
		r.LastFetch = &t
	}
	if args.DeletedAt.Valid {
		t := args.DeletedAt.Time
		r.DeletedAt = &t
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
