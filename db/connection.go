package db

import (
	"database/sql"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/sym"
)

// BusyTimeoutMS is how long a connection waits on a locked database before
// returning SQLITE_BUSY.
const BusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path.
//
// WAL, foreign keys and the busy timeout are passed as DSN parameters so
// every pooled connection gets them, not only the first one.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sql.Open is lazy; surface permission and path problems here
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to read journal mode")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"journal_mode", journalMode,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to migrate %s", path)
	}
	return db, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", strconv.Itoa(BusyTimeoutMS))
	// BEGIN IMMEDIATE: read-then-write transactions take the write lock up front
	params.Set("_txlock", "immediate")
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		params.Set("_journal_mode", "WAL")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	prefix := ""
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		prefix = "file:"
	}
	return prefix + path + sep + params.Encode()
}
