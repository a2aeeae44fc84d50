// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package status tracks the most recently observed state of jobs managed by
// a queue. A Store is handed to each queue at construction rather than kept
// as process-wide state, so hosts embedding several queues decide whether
// tracking is shared or separate, and whether it survives restarts.
//
// The in-memory implementation from NewMemoryStore is the default. The
// subpackages sqlite, mysql and mongodb provide persistent implementations.
package status

import (
	"errors"
	"time"
)

// States as recorded in status records. The values match the state names
// used in the job records themselves.
const (
	Pending = "PENDING"
	Running = "RUNNING"
	Exited  = "EXITED"
	Killed  = "KILLED"
)

var (
	// ErrNotFound must be returned from Store implementations when a record
	// could not be found in the specific data store.
	ErrNotFound = errors.New("status: record not found")
)

// Record describes the status of one job, keyed by its data identifier.
type Record struct {
	DataID    string    `json:"dataid"`             // data identifier of the job
	Queue     string    `json:"queue"`              // name of the owning queue
	State     string    `json:"state"`              // last observed state
	PID       int       `json:"pid,omitempty"`      // process id, once launched
	ExitCode  *int      `json:"exitcode,omitempty"` // exit status, once completed
	Errors    []string  `json:"errors,omitempty"`   // messages from a failed run
	Submitted time.Time `json:"submitted"`          // time of the first submission
	Updated   time.Time `json:"updated"`            // time of the last observation
}

// Store implements tracking of job statuses.
type Store interface {
	// Start is called when the owning queue starts up. This is a good time
	// to connect, migrate schemas, or clean up after a crash.
	Start() error

	// Set records the current status of a job, inserting a new record or
	// replacing the existing one for the same data identifier. This is
	// called frequently as jobs progress.
	Set(*Record) error

	// Lookup returns the status record for a data identifier.
	// If no record exists, ErrNotFound must be returned.
	Lookup(dataid string) (*Record, error)

	// List returns records filtered by the ListRequest, most recently
	// updated first.
	List(*ListRequest) (*ListResponse, error)

	// Delete removes the record for a data identifier. Deleting an
	// unknown identifier is not an error.
	Delete(dataid string) error

	// Stats counts records per state. This is polled by monitoring
	// front ends.
	Stats(*StatsRequest) (*Stats, error)

	// Close releases any resources held by the store.
	Close() error
}

// StatsRequest filters the records counted by Stats.
type StatsRequest struct {
	Queue string // count only records of this queue
}

// ListRequest specifies a filter for listing status records.
type ListRequest struct {
	Queue  string // filter by queue name
	State  string // filter by state
	Limit  int    // maximum number of records to return
	Offset int    // number of records to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total   int       // total number of matching records, excluding pagination
	Records []*Record // the records
}

// Stats reports the number of tracked jobs per state.
type Stats struct {
	Pending int `json:"pending"` // jobs waiting to be launched
	Running int `json:"running"` // jobs currently executing
	Exited  int `json:"exited"`  // jobs that completed, with any exit code
	Killed  int `json:"killed"`  // jobs terminated before completion
}
