// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql implements a status.Store backed by MySQL, for hosts that
// want job status visible to other services sharing a database.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/jobmgt/status"
	"github.com/olivere/jobmgt/status/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS jobmgt_status (
dataid varchar(255) primary key,
queue varchar(255),
state varchar(30),
pid integer,
exitcode integer,
submitted bigint,
updated bigint,
index ix_status_queue (queue),
index ix_status_state (state),
index ix_status_updated (updated));`

	// add errors column for failure messages
	mysqlUpdate001 = `ALTER TABLE jobmgt_status ADD errors text;`
)

// Store represents a persistent MySQL storage implementation.
// It implements the status.Store interface.
type Store struct {
	db          *sql.DB
	maxConnLife time.Duration
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetConnMaxLifetime limits how long a pooled connection may be reused.
// The default is 3 minutes, as recommended by the driver.
func SetConnMaxLifetime(d time.Duration) StoreOption {
	return func(s *Store) {
		s.maxConnLife = d
	}
}

// NewStore initializes a new MySQL-based storage. The database named in the
// connection string is created if it does not exist, and the schema is
// created and migrated as needed.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{
		maxConnLife: 3 * time.Minute,
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()

	// Create database
	if _, err := setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname)); err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	st.db.SetConnMaxLifetime(st.maxConnLife)

	// Create schema
	if _, err := st.db.Exec(mysqlSchema); err != nil {
		st.db.Close()
		return nil, err
	}

	// Apply update 001
	var count int64
	err = st.db.QueryRow(`
	SELECT COUNT(*) AS cnt
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = 'jobmgt_status'
		AND COLUMN_NAME = 'errors'
	`, dbname).Scan(&count)
	if err != nil {
		st.db.Close()
		return nil, err
	}
	if count == 0 {
		// Apply migration
		if _, err := st.db.Exec(mysqlUpdate001); err != nil {
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

// Close the MySQL store.
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
			Suffix(`ON DUPLICATE KEY UPDATE
queue = VALUES(queue),
state = VALUES(state),
pid = VALUES(pid),
exitcode = VALUES(exitcode),
errors = VALUES(errors),
updated = VALUES(updated)`).
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
// Deadlocks are retried.
func (s *Store) List(req *status.ListRequest) (*status.ListResponse, error) {
	rsp := &status.ListResponse{}
	err := internal.RunInTxWithRetry(context.Background(), s.db, func(ctx context.Context, tx *sql.Tx) error {
		rsp.Total = 0
		rsp.Records = nil

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
	}, internal.IsDeadlock)
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
			return nil, fmt.Errorf("mysql: found unknown state %q", state)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// -- MySQL-internal representation of a status record --

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
