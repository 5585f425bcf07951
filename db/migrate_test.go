package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sluice.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "000", all[0].Version)

	applied, err := AppliedVersions(db)
	require.NoError(t, err)
	require.Len(t, applied, len(all))

	for _, table := range []string{"connections", "jobs", "documents"} {
		var n int
		require.NoError(t, db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&n))
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	t.Run("second run is a no-op", func(t *testing.T) {
		require.NoError(t, Migrate(db, nil))
		again, err := AppliedVersions(db)
		require.NoError(t, err)
		assert.Equal(t, applied, again)
	})
}

func TestSchemaConstraints(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "sluice.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := "2026-01-01 00:00:00"
	_, err = db.Exec(`INSERT INTO connections (name, connector_type, created_at, updated_at) VALUES ('docs', 'filesystem', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO jobs (id, connection_name, created_at, updated_at) VALUES ('j1', 'docs', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO documents (job_id, doc_id, created_at, updated_at) VALUES ('j1', 'a.txt', ?, ?)`, now, now)
	require.NoError(t, err)

	t.Run("connection in use cannot be deleted", func(t *testing.T) {
		_, err := db.Exec(`DELETE FROM connections WHERE name = 'docs'`)
		require.Error(t, err)
		assert.True(t, IsForeignKeyViolation(err))
	})

	t.Run("job delete cascades to documents", func(t *testing.T) {
		_, err := db.Exec(`DELETE FROM jobs WHERE id = 'j1'`)
		require.NoError(t, err)

		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM documents WHERE job_id = 'j1'`).Scan(&n))
		assert.Equal(t, 0, n)
	})
}
