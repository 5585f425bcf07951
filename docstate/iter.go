package docstate

import (
	"context"
	"iter"
)

// Pending lazily yields the pending records of jobID in scan order, fetching
// batchSize rows per query. Iteration resumes from the given cursor, so a
// consumer that stops early can restart where it left off by passing
// CursorOf(lastRecord). A query error is yielded once and ends the sequence.
//
// No result set is held open while the consumer runs.
func (s *Store) Pending(ctx context.Context, jobID string, from Cursor, batchSize int) iter.Seq2[Record, error] {
	if batchSize <= 0 {
		batchSize = 100
	}
	return func(yield func(Record, error) bool) {
		cursor := from
		for {
			page, next, err := s.ScanPending(ctx, jobID, cursor, batchSize)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < batchSize {
				return
			}
			cursor = next
		}
	}
}
