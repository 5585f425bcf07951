package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/sluice/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database, typically while the daemon is shutting down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is
// closed. The driver returns its own error values, so this falls back to
// matching the message.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsForeignKeyViolation reports whether err is a sqlite FOREIGN KEY
// constraint failure, e.g. deleting a connection that jobs still reference.
func IsForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED. Writers retry
// on these.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
