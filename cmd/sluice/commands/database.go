package commands

import (
	"database/sql"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/db"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/jobs"
	"github.com/teranos/sluice/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config. Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// stores bundles the database with the two stores built over it.
type stores struct {
	db   *sql.DB
	jobs *jobs.Store
	docs *docstate.Store
}

func openStores() (*stores, error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}
	return &stores{
		db:   database,
		jobs: jobs.NewStore(database, logger.Logger),
		docs: docstate.NewStore(database, logger.Logger),
	}, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}
