package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/db"
	"github.com/teranos/sluice/errors"
)

// Store persists connections and jobs.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a job store over an already migrated database.
func NewStore(conn *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: conn, logger: logger, now: time.Now}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// PutConnection validates c and inserts or replaces it by name.
func (s *Store) PutConnection(ctx context.Context, c *Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cfg, err := json.Marshal(nonNilConfig(c.Config))
	if err != nil {
		return errors.Wrapf(err, "failed to encode config for connection %s", c.Name)
	}

	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			name, connector_type, connector_version, description, config,
			max_concurrency, rate_capacity, rate_tick_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			connector_type = excluded.connector_type,
			connector_version = excluded.connector_version,
			description = excluded.description,
			config = excluded.config,
			max_concurrency = excluded.max_concurrency,
			rate_capacity = excluded.rate_capacity,
			rate_tick_ms = excluded.rate_tick_ms,
			updated_at = excluded.updated_at`,
		c.Name, c.ConnectorType, c.ConnectorVersion, c.Description, string(cfg),
		c.MaxConcurrency, c.RateCapacity, c.RateTick.Milliseconds(), now, now)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to save connection"), "Connection: "+c.Name)
	}
	return nil
}

const connectionColumns = `name, connector_type, connector_version, description, config,
		max_concurrency, rate_capacity, rate_tick_ms, created_at, updated_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*Connection, error) {
	var c Connection
	var cfg string
	var tickMS int64
	err := row.Scan(&c.Name, &c.ConnectorType, &c.ConnectorVersion, &c.Description, &cfg,
		&c.MaxConcurrency, &c.RateCapacity, &tickMS, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.RateTick = time.Duration(tickMS) * time.Millisecond
	if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
		return nil, errors.Wrapf(err, "corrupt config for connection %s", c.Name)
	}
	return &c, nil
}

// GetConnection returns the named connection or an error marked ErrNotFound.
func (s *Store) GetConnection(ctx context.Context, name string) (*Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("connection %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get connection %s", name)
	}
	return c, nil
}

// ListConnections returns every connection ordered by name.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan connection")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection. A connection still referenced by a
// job is rejected with an error marked ErrConflict.
func (s *Store) DeleteConnection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE name = ?`, name)
	if db.IsForeignKeyViolation(err) {
		return errors.WithHint(
			errors.NewConflictError("connection %s is used by one or more jobs", name),
			"delete or re-point the jobs first: sluice job ls")
	}
	if err != nil {
		return errors.Wrapf(err, "failed to delete connection %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("connection %s", name)
	}
	return nil
}

// PutJob validates j and inserts it or replaces its definition. Status
// columns of an existing job are left alone. An empty ID gets a new UUID.
func (s *Store) PutJob(ctx context.Context, j *Job) error {
	if j.Schedule.Mode == "" {
		j.Schedule.Mode = ScheduleOnce
	}
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	seeds, err := json.Marshal(j.Seeds)
	if err != nil {
		return errors.Wrapf(err, "failed to encode seeds for job %s", j.ID)
	}
	cfg, err := json.Marshal(nonNilConfig(j.Config))
	if err != nil {
		return errors.Wrapf(err, "failed to encode config for job %s", j.ID)
	}

	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, name, connection_name, seeds, config, schedule_mode, schedule_interval_ms,
			priority, max_concurrency, max_hops, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			connection_name = excluded.connection_name,
			seeds = excluded.seeds,
			config = excluded.config,
			schedule_mode = excluded.schedule_mode,
			schedule_interval_ms = excluded.schedule_interval_ms,
			priority = excluded.priority,
			max_concurrency = excluded.max_concurrency,
			max_hops = excluded.max_hops,
			updated_at = excluded.updated_at`,
		j.ID, j.Name, j.Connection, string(seeds), string(cfg), j.Schedule.Mode, j.Schedule.Interval.Milliseconds(),
		j.Priority, j.MaxConcurrency, j.Seeds.MaxHops, now, now)
	if db.IsForeignKeyViolation(err) {
		return errors.NewConfigurationError("connection", "job %s references unknown connection %q", j.label(), j.Connection)
	}
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to save job"), "Job ID: "+j.ID)
	}
	return nil
}

const jobColumns = `id, name, connection_name, seeds, config, schedule_mode, schedule_interval_ms,
		priority, max_concurrency, max_hops, state, request, pass, last_run_at, next_run_at,
		error_count, last_error, pause_reason, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var seeds, cfg string
	var intervalMS int64
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.Connection, &seeds, &cfg, &j.Schedule.Mode, &intervalMS,
		&j.Priority, &j.MaxConcurrency, &j.Seeds.MaxHops, &j.State, &j.Request, &j.Pass, &lastRun, &nextRun,
		&j.ErrorCount, &j.LastError, &j.PauseReason, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	maxHops := j.Seeds.MaxHops
	if err := json.Unmarshal([]byte(seeds), &j.Seeds); err != nil {
		return nil, errors.Wrapf(err, "corrupt seeds for job %s", j.ID)
	}
	j.Seeds.MaxHops = maxHops
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, errors.Wrapf(err, "corrupt config for job %s", j.ID)
	}
	j.Schedule.Interval = time.Duration(intervalMS) * time.Millisecond
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		j.NextRunAt = &t
	}
	return &j, nil
}

// GetJob returns the job or an error marked ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return j, nil
}

// ListJobs returns jobs ordered by priority (highest first) then id. A
// non-empty state filters to that state.
func (s *Store) ListJobs(ctx context.Context, state State) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and, through the foreign key cascade, all of its
// document records. A job with a document still being processed is left in
// place and the error is marked ErrConflict.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM documents WHERE job_id = ? AND status = 'processing')`, id, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = ?)`, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "failed to look up job %s", id)
	}
	if !exists {
		return errors.NewNotFoundError("job %s", id)
	}
	return errors.WithHint(
		errors.NewConflictError("job %s has documents in flight", id),
		"abort the job and wait for in-flight tasks to finish: sluice job abort "+id)
}

// SetRequest queues an operator command for the scheduler. A later
// request replaces one not yet consumed.
func (s *Store) SetRequest(ctx context.Context, id string, r Request) error {
	if !r.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown request %q", r)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET request = ?, updated_at = ? WHERE id = ?`, r, s.timestamp(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set request on job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// PendingRequest is a consumed operator command.
type PendingRequest struct {
	JobID   string
	Request Request
}

// TakeRequests returns and clears every pending request in one transaction,
// so each command is delivered once.
func (s *Store) TakeRequests(ctx context.Context) ([]PendingRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin request scan")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, request FROM jobs WHERE request != '' ORDER BY priority DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read requests")
	}
	var out []PendingRequest
	for rows.Next() {
		var p PendingRequest
		if err := rows.Scan(&p.JobID, &p.Request); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan request")
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read requests")
	}
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET request = '' WHERE request != ''`); err != nil {
		return nil, errors.Wrap(err, "failed to clear requests")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit request scan")
	}
	return out, nil
}

// UpdateStatus writes the scheduler-owned columns of a job.
func (s *Store) UpdateStatus(ctx context.Context, id string, st Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?, pass = ?, last_run_at = ?, next_run_at = ?,
			error_count = ?, last_error = ?, pause_reason = ?, updated_at = ?
		WHERE id = ?`,
		st.State, st.Pass, nullTime(st.LastRunAt), nullTime(st.NextRunAt),
		st.ErrorCount, st.LastError, st.PauseReason, s.timestamp(), id)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job status"), "Job ID: "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// Stats summarises the tables for `sluice db stats`.
type Stats struct {
	Connections int
	Jobs        int
	JobsByState map[State]int
}

// GetStats counts connections and jobs.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{JobsByState: make(map[State]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`).Scan(&st.Connections); err != nil {
		return nil, errors.Wrap(err, "failed to count connections")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		st.JobsByState[state] = n
		st.Jobs += n
	}
	return st, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNilConfig(c connector.Config) connector.Config {
	if c == nil {
		return connector.Config{}
	}
	return c
}

// String renders a schedule for tables, e.g. "continuous/5m0s".
func (s Schedule) String() string {
	if s.Mode == ScheduleOnce || s.Interval == 0 {
		return string(s.Mode)
	}
	return fmt.Sprintf("%s/%s", s.Mode, s.Interval)
}
