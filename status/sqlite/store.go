// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements a status.Store backed by SQLite. The driver is
// pure Go, so the store works anywhere the queue does and is a good fit for
// single-host deployments that want status to survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	_ "modernc.org/sqlite"

	"github.com/olivere/jobmgt/status"
	"github.com/olivere/jobmgt/status/internal"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS jobmgt_status (
dataid text primary key,
queue text,
state text,
pid integer,
exitcode integer,
submitted integer,
updated integer);`

	sqliteIndexQueue   = `CREATE INDEX IF NOT EXISTS ix_status_queue ON jobmgt_status (queue);`
	sqliteIndexState   = `CREATE INDEX IF NOT EXISTS ix_status_state ON jobmgt_status (state);`
	sqliteIndexUpdated = `CREATE INDEX IF NOT EXISTS ix_status_updated ON jobmgt_status (updated);`

	// add errors column for failure messages
	sqliteUpdate001 = `ALTER TABLE jobmgt_status ADD COLUMN errors text;`
)

// Store represents a persistent SQLite storage implementation.
// It implements the status.Store interface.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetBusyTimeout overrides the time SQLite waits on a locked database
// before failing with a busy error. The default is 5 seconds.
func SetBusyTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// NewStore initializes a new SQLite-based storage in the database file at
// the given path, creating and migrating the schema as needed.
func NewStore(path string, options ...StoreOption) (*Store, error) {
	st := &Store{
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(st)
	}

	var err error
	st.db, err = sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver serializes access through a single connection.
	st.db.SetMaxOpenConns(1)

	if _, err := st.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d;", st.busyTimeout.Milliseconds())); err != nil {
		st.db.Close()
		return nil, err
	}

	// Create schema
	for _, stmt := range []string{sqliteSchema, sqliteIndexQueue, sqliteIndexState, sqliteIndexUpdated} {
		if _, err := st.db.Exec(stmt); err != nil {
			st.db.Close()
			return nil, err
		}
	}

	// Apply update 001
	var count int64
	err = st.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('jobmgt_status') WHERE name = 'errors'`).Scan(&count)
	if err != nil {
		st.db.Close()
		return nil, err
	}
	if count == 0 {
		// Apply migration
		if _, err := st.db.Exec(sqliteUpdate001); err != nil {
			st.db.Close()
			return nil, err
		}
	}

	return st, nil
}

// Start is called when the owning queue starts up.
func (s *Store) Start() error {
	return s.runWithRetry(func() error {
		return s.db.Ping()
	})
}

// Close the SQLite store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapError(err error) error {
	if internal.IsNotFound(err) {
		return status.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

// Set inserts or replaces the status record for a data identifier. The
// submission time of an existing record is preserved.
func (s *Store) Set(r *status.Record) error {
	rec, err := newRecord(r)
	if err != nil {
		return err
	}
	err = s.runWithRetry(func() error {
		query, args, err := sq.Insert("jobmgt_status").
			Columns("dataid", "queue", "state", "pid", "exitcode", "errors", "submitted", "updated").
			Values(rec.DataID, rec.Queue, rec.State, rec.PID, rec.ExitCode, rec.Errors, rec.Submitted, rec.Updated).
			Suffix(`ON CONFLICT (dataid) DO UPDATE SET
queue = excluded.queue,
state = excluded.state,
pid = excluded.pid,
exitcode = excluded.exitcode,
errors = excluded.errors,
updated = excluded.updated`).
			ToSql()
		if err != nil {
			return err
		}
		_, err = s.db.Exec(query, args...)
		return err
	})
	return s.wrapError(err)
}

// Delete removes the record for the data identifier.
func (s *Store) Delete(dataid string) error {
	err := s.runWithRetry(func() error {
		query, args, err := sq.Delete("jobmgt_status").Where(sq.Eq{"dataid": dataid}).ToSql()
		if err != nil {
			return err
		}
		_, err = s.db.Exec(query, args...)
		return err
	})
	return s.wrapError(err)
}

// Lookup returns the record for the data identifier (or status.ErrNotFound).
func (s *Store) Lookup(dataid string) (*status.Record, error) {
	query, args, err := sq.Select(recordColumns...).
		From("jobmgt_status").
		Where(sq.Eq{"dataid": dataid}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rec record
	if err := rec.scan(s.db.QueryRow(query, args...)); err != nil {
		return nil, s.wrapError(err)
	}
	return rec.ToRecord()
}

// List finds matching records, most recently updated first. The count and
// the page are read in one transaction so they describe the same snapshot.
func (s *Store) List(req *status.ListRequest) (*status.ListResponse, error) {
	rsp := &status.ListResponse{}
	err := internal.RunInTx(context.Background(), s.db, func(ctx context.Context, tx *sql.Tx) error {
		filter := sq.Eq{}
		if req.Queue != "" {
			filter["queue"] = req.Queue
		}
		if req.State != "" {
			filter["state"] = req.State
		}

		query, args, err := sq.Select("COUNT(*)").From("jobmgt_status").Where(filter).ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
			return err
		}

		qb := sq.Select(recordColumns...).
			From("jobmgt_status").
			Where(filter).
			OrderBy("updated DESC")
		if req.Offset > 0 {
			qb = qb.Offset(uint64(req.Offset))
		}
		if req.Limit > 0 {
			qb = qb.Limit(uint64(req.Limit))
		}
		query, args, err = qb.ToSql()
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec record
			if err := rec.scan(rows); err != nil {
				return err
			}
			r, err := rec.ToRecord()
			if err != nil {
				return err
			}
			rsp.Records = append(rsp.Records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrapError(err)
	}
	return rsp, nil
}

// Stats counts records per state.
func (s *Store) Stats(req *status.StatsRequest) (*status.Stats, error) {
	qb := sq.Select("state", "COUNT(*)").From("jobmgt_status").GroupBy("state")
	if req != nil && req.Queue != "" {
		qb = qb.Where(sq.Eq{"queue": req.Queue})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()

	stats := &status.Stats{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		switch state {
		case status.Pending:
			stats.Pending = n
		case status.Running:
			stats.Running = n
		case status.Exited:
			stats.Exited = n
		case status.Killed:
			stats.Killed = n
		default:
			return nil, fmt.Errorf("sqlite: found unknown state %q", state)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// -- SQLite-internal representation of a status record --

var recordColumns = []string{"dataid", "queue", "state", "pid", "exitcode", "errors", "submitted", "updated"}

type record struct {
	DataID    string
	Queue     sql.NullString
	State     string
	PID       sql.NullInt64
	ExitCode  sql.NullInt64
	Errors    sql.NullString
	Submitted int64
	Updated   int64
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *record) scan(row scanner) error {
	return row.Scan(&r.DataID, &r.Queue, &r.State, &r.PID, &r.ExitCode, &r.Errors, &r.Submitted, &r.Updated)
}

func newRecord(r *status.Record) (*record, error) {
	var errs string
	if len(r.Errors) > 0 {
		v, err := json.Marshal(r.Errors)
		if err != nil {
			return nil, err
		}
		errs = string(v)
	}
	rec := &record{
		DataID: r.DataID,
		Queue:  sql.NullString{String: r.Queue, Valid: r.Queue != ""},
		State:  r.State,
		PID:    sql.NullInt64{Int64: int64(r.PID), Valid: r.PID != 0},
		Errors: sql.NullString{String: errs, Valid: errs != ""},
	}
	if r.ExitCode != nil {
		rec.ExitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	if !r.Submitted.IsZero() {
		rec.Submitted = r.Submitted.UnixNano()
	}
	if !r.Updated.IsZero() {
		rec.Updated = r.Updated.UnixNano()
	}
	return rec, nil
}

func (r *record) ToRecord() (*status.Record, error) {
	rec := &status.Record{
		DataID: r.DataID,
		Queue:  r.Queue.String,
		State:  r.State,
		PID:    int(r.PID.Int64),
	}
	if r.ExitCode.Valid {
		ec := int(r.ExitCode.Int64)
		rec.ExitCode = &ec
	}
	if r.Errors.Valid && r.Errors.String != "" {
		if err := json.Unmarshal([]byte(r.Errors.String), &rec.Errors); err != nil {
			return nil, err
		}
	}
	if r.Submitted != 0 {
		rec.Submitted = time.Unix(0, r.Submitted)
	}
	if r.Updated != 0 {
		rec.Updated = time.Unix(0, r.Updated)
	}
	return rec, nil
}
