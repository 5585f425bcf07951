package docstate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sluice/errors"
	sluicetest "github.com/teranos/sluice/internal/testing"
)

func newTestStore(t *testing.T, jobIDs ...string) (*Store, *sql.DB) {
	t.Helper()
	db := sluicetest.CreateTestDB(t)

	now := time.Now().UTC()
	_, err := db.Exec(`INSERT INTO connections (name, connector_type, created_at, updated_at) VALUES ('conn', 'fake', ?, ?)`, now, now)
	require.NoError(t, err)
	for _, id := range jobIDs {
		_, err := db.Exec(`INSERT INTO jobs (id, connection_name, created_at, updated_at) VALUES (?, 'conn', ?, ?)`, id, now, now)
		require.NoError(t, err)
	}
	return NewStore(db, nil), db
}

func TestGetRecordAbsent(t *testing.T) {
	store, _ := newTestStore(t, "j1")

	_, err := store.GetRecord(context.Background(), "j1", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSeedRecordIsIdempotent(t *testing.T) {
	store, db := newTestStore(t, "j1")
	ctx := context.Background()

	inserted, err := store.SeedRecord(ctx, "j1", "a.txt", 1, 0)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate seed enumeration in the same pass merges into the same row
	inserted, err = store.SeedRecord(ctx, "j1", "a.txt", 1, 0)
	require.NoError(t, err)
	assert.False(t, inserted)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM documents WHERE job_id = 'j1' AND doc_id = 'a.txt'`).Scan(&n))
	assert.Equal(t, 1, n)

	rec, err := store.GetRecord(ctx, "j1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.SeenPass)
}

func TestSeedRecordPassSemantics(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	_, err := store.SeedRecord(ctx, "j1", "doc", 1, 2)
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "j1", "doc", Fields{Status: Ptr(StatusCompleted), Fingerprint: Ptr("v1")}, AnyVersion)
	require.NoError(t, err)

	t.Run("same pass leaves completed documents alone", func(t *testing.T) {
		_, err := store.SeedRecord(ctx, "j1", "doc", 1, 0)
		require.NoError(t, err)
		rec, err := store.GetRecord(ctx, "j1", "doc")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, 0, rec.Priority, "priority keeps the better of the two")
	})

	t.Run("next pass re-queues with the old fingerprint", func(t *testing.T) {
		_, err := store.SeedRecord(ctx, "j1", "doc", 2, 0)
		require.NoError(t, err)
		rec, err := store.GetRecord(ctx, "j1", "doc")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, "v1", rec.Fingerprint)
		assert.Equal(t, int64(2), rec.SeenPass)
	})

	t.Run("processing in the same pass is untouched", func(t *testing.T) {
		claimed, err := store.ClaimForProcessing(ctx, "j1", "doc")
		require.NoError(t, err)

		_, err = store.SeedRecord(ctx, "j1", "doc", 2, 0)
		require.NoError(t, err)

		rec, err := store.GetRecord(ctx, "j1", "doc")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, rec.Status)
		assert.Equal(t, claimed.Version, rec.Version)
	})
}

func TestUpsertRecordRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	first, err := store.UpsertRecord(ctx, "j1", "report.pdf", Fields{Fingerprint: Ptr("etag-1")}, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, StatusPending, first.Status)

	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	written, err := store.UpsertRecord(ctx, "j1", "report.pdf", Fields{
		Status:      Ptr(StatusCompleted),
		Fingerprint: Ptr("etag-2"),
		LastFetch:   &fetched,
		ACL:         Ptr(`{"allow":["eng"]}`),
	}, first.Version)
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, written.Version)

	reread, err := store.GetRecord(ctx, "j1", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, reread.Version)
	assert.Equal(t, StatusCompleted, reread.Status)
	assert.Equal(t, "etag-2", reread.Fingerprint)
	assert.Equal(t, `{"allow":["eng"]}`, reread.ACL)
	require.NotNil(t, reread.LastFetch)
	assert.True(t, fetched.Equal(*reread.LastFetch))
}

func TestUpsertRecordConflict(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	rec, err := store.UpsertRecord(ctx, "j1", "d", Fields{}, AnyVersion)
	require.NoError(t, err)

	_, err = store.UpsertRecord(ctx, "j1", "d", Fields{Fingerprint: Ptr("x")}, rec.Version)
	require.NoError(t, err)

	// A second writer still holding the old version loses
	_, err = store.UpsertRecord(ctx, "j1", "d", Fields{Fingerprint: Ptr("stale")}, rec.Version)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	current, err := store.GetRecord(ctx, "j1", "d")
	require.NoError(t, err)
	assert.Equal(t, "x", current.Fingerprint)

	t.Run("expected version on absent record", func(t *testing.T) {
		_, err := store.UpsertRecord(ctx, "j1", "never-seen", Fields{}, 3)
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("version zero creates only", func(t *testing.T) {
		created, err := store.UpsertRecord(ctx, "j1", "fresh", Fields{Fingerprint: Ptr("first")}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		_, err = store.UpsertRecord(ctx, "j1", "fresh", Fields{Fingerprint: Ptr("second")}, 0)
		assert.True(t, errors.IsConflictError(err))

		_, err = store.UpsertRecord(ctx, "j1", "d", Fields{}, 0)
		assert.True(t, errors.IsConflictError(err), "existing record")
	})
}

func TestUpsertRecordRejectsUnknownStatus(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	_, err := store.UpsertRecord(context.Background(), "j1", "d", Fields{Status: Ptr(Status("lost"))}, AnyVersion)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestConcurrentUpsertsSerialize(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpsertRecord(ctx, "j1", "shared", Fields{Fingerprint: Ptr(fmt.Sprintf("w%d", i))}, AnyVersion)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := store.GetRecord(ctx, "j1", "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), rec.Version)
}

func TestMarkDeleted(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	err := store.MarkDeleted(ctx, "j1", "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.SeedRecord(ctx, "j1", "gone.txt", 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkDeleted(ctx, "j1", "gone.txt"))

	rec, err := store.GetRecord(ctx, "j1", "gone.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, rec.Status)
	assert.NotNil(t, rec.DeletedAt)
	assert.Equal(t, int64(2), rec.Version)
}

func TestClaimAtMostOneInFlight(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	_, err := store.SeedRecord(ctx, "j1", "hot", 1, 0)
	require.NoError(t, err)

	const claimers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimForProcessing(ctx, "j1", "hot")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if errors.IsConflictError(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, claimers-1, conflicts)

	t.Run("release makes it claimable again", func(t *testing.T) {
		require.NoError(t, store.ReleaseClaim(ctx, "j1", "hot", 1, "timeout"))
		rec, err := store.ClaimForProcessing(ctx, "j1", "hot")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.FailCount)
		assert.Equal(t, "timeout", rec.LastError)
	})

	t.Run("claiming an unknown document is not found", func(t *testing.T) {
		_, err := store.ClaimForProcessing(ctx, "j1", "nope")
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestScanPendingPagesByPriority(t *testing.T) {
	store, _ := newTestStore(t, "j1", "j2")
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := store.SeedRecord(ctx, "j1", fmt.Sprintf("d%02d", i), 1, i%2)
		require.NoError(t, err)
	}
	_, err := store.SeedRecord(ctx, "j2", "other", 1, 0)
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "j1", "d00", Fields{Status: Ptr(StatusCompleted)}, AnyVersion)
	require.NoError(t, err)

	var seen []string
	cursor := Cursor{}
	for {
		page, next, err := store.ScanPending(ctx, "j1", cursor, 2)
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.DocID)
		}
		if len(page) < 2 {
			break
		}
		cursor = next
	}

	// priority 0 first (even indexes, d00 completed), then priority 1
	assert.Equal(t, []string{"d02", "d04", "d06", "d01", "d03", "d05"}, seen)
}

func TestPendingIteratorRestartsFromCursor(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.SeedRecord(ctx, "j1", id, 1, 0)
		require.NoError(t, err)
	}

	var first []Record
	for rec, err := range store.Pending(ctx, "j1", Cursor{}, 2) {
		require.NoError(t, err)
		first = append(first, rec)
		if len(first) == 3 {
			break
		}
	}
	require.Len(t, first, 3)

	var rest []string
	for rec, err := range store.Pending(ctx, "j1", CursorOf(first[2]), 2) {
		require.NoError(t, err)
		rest = append(rest, rec.DocID)
	}
	assert.Equal(t, []string{"d", "e"}, rest)
}

func TestUnseenSince(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	for _, id := range []string{"kept", "vanished", "failed"} {
		_, err := store.SeedRecord(ctx, "j1", id, 1, 0)
		require.NoError(t, err)
	}
	_, err := store.UpsertRecord(ctx, "j1", "kept", Fields{Status: Ptr(StatusCompleted)}, AnyVersion)
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "j1", "vanished", Fields{Status: Ptr(StatusCompleted)}, AnyVersion)
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "j1", "failed", Fields{Status: Ptr(StatusError)}, AnyVersion)
	require.NoError(t, err)

	// Pass 2 lists only "kept"
	_, err = store.SeedRecord(ctx, "j1", "kept", 2, 0)
	require.NoError(t, err)

	unseen, err := store.UnseenSince(ctx, "j1", 2, "", 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range unseen {
		ids = append(ids, r.DocID)
	}
	assert.Equal(t, []string{"failed", "vanished"}, ids)
}

func TestResetOrphanedAndCounts(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.SeedRecord(ctx, "j1", id, 1, 0)
		require.NoError(t, err)
	}
	_, err := store.ClaimForProcessing(ctx, "j1", "a")
	require.NoError(t, err)
	_, err = store.ClaimForProcessing(ctx, "j1", "b")
	require.NoError(t, err)

	counts, err := store.Counts(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusProcessing])
	assert.Equal(t, 1, counts[StatusPending])

	n, err := store.ResetOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err = store.Counts(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusPending])
	assert.Zero(t, counts[StatusProcessing])
}

func TestPurgeDeletedHonoursRetention(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	for _, id := range []string{"old", "recent"} {
		_, err := store.SeedRecord(ctx, "j1", id, 1, 0)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkDeleted(ctx, "j1", "old"))

	store.SetClock(func() time.Time { return base.Add(48 * time.Hour) })
	require.NoError(t, store.MarkDeleted(ctx, "j1", "recent"))

	n, err := store.PurgeDeleted(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetRecord(ctx, "j1", "old")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetRecord(ctx, "j1", "recent")
	assert.NoError(t, err)
}

func TestListRecords(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := store.SeedRecord(ctx, "j1", id, 1, 0)
		require.NoError(t, err)
	}
	_, err := store.UpsertRecord(ctx, "j1", "c", Fields{Status: Ptr(StatusError), LastError: Ptr("404")}, AnyVersion)
	require.NoError(t, err)

	all, err := store.ListRecords(ctx, "j1", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].DocID)

	errored, err := store.ListRecords(ctx, "j1", StatusError, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, "404", errored[0].LastError)
}

func TestMarkChanged(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	written, err := store.MarkChanged(ctx, "j1", "new", 1)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.MarkChanged(ctx, "j1", "new", 1)
	require.NoError(t, err)
	assert.False(t, written, "already pending")

	_, err = store.UpsertRecord(ctx, "j1", "new", Fields{Status: Ptr(StatusCompleted)}, AnyVersion)
	require.NoError(t, err)
	written, err = store.MarkChanged(ctx, "j1", "new", 1)
	require.NoError(t, err)
	assert.True(t, written)

	rec, err := store.GetRecord(ctx, "j1", "new")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	claimed, err := store.ClaimForProcessing(ctx, "j1", "new")
	require.NoError(t, err)
	written, err = store.MarkChanged(ctx, "j1", "new", 1)
	require.NoError(t, err)
	assert.True(t, written)
	written, err = store.MarkChanged(ctx, "j1", "new", 1)
	require.NoError(t, err)
	assert.False(t, written, "already flagged")

	rec, err = store.GetRecord(ctx, "j1", "new")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status, "left to its worker")
	assert.True(t, rec.Changed)
	assert.Equal(t, claimed.Version, rec.Version)
}

func TestChangeDuringProcessingRequeuesAfterCommit(t *testing.T) {
	store, _ := newTestStore(t, "j1")
	ctx := context.Background()

	_, err := store.SeedRecord(ctx, "j1", "notes.txt", 1, 0)
	require.NoError(t, err)
	claimed, err := store.ClaimForProcessing(ctx, "j1", "notes.txt")
	require.NoError(t, err)

	// the file is saved again while the worker reads it
	written, err := store.MarkChanged(ctx, "j1", "notes.txt", 1)
	require.NoError(t, err)
	assert.True(t, written)

	committed, err := store.UpsertRecord(ctx, "j1", "notes.txt", Fields{
		Status:      Ptr(StatusCompleted),
		Fingerprint: Ptr("half-written"),
	}, claimed.Version)
	require.NoError(t, err, "the flag does not break the claim's commit")
	assert.Equal(t, StatusPending, committed.Status)
	assert.False(t, committed.Changed)

	rec, err := store.GetRecord(ctx, "j1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "half-written", rec.Fingerprint)
	assert.False(t, rec.Changed)

	records, _, err := store.ScanPending(ctx, "j1", Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	t.Run("next claim and commit settle it", func(t *testing.T) {
		again, err := store.ClaimForProcessing(ctx, "j1", "notes.txt")
		require.NoError(t, err)
		done, err := store.UpsertRecord(ctx, "j1", "notes.txt", Fields{Status: Ptr(StatusCompleted)}, again.Version)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
	})

	t.Run("release clears the flag", func(t *testing.T) {
		_, err := store.ClaimForProcessing(ctx, "j1", "notes.txt")
		require.NoError(t, err)
		_, err = store.MarkChanged(ctx, "j1", "notes.txt", 1)
		require.NoError(t, err)
		require.NoError(t, store.ReleaseClaim(ctx, "j1", "notes.txt", 0, ""))

		rec, err := store.GetRecord(ctx, "j1", "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, rec.Status)
		assert.False(t, rec.Changed)
	})
}
