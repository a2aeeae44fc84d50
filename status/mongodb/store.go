// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements a status.Store backed by MongoDB.
package mongodb

import (
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/jobmgt/status"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobmgt_status"
)

// Store represents a MongoDB-based storage backend.
// It implements the status.Store interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create collection if it does not exist
	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	err = st.coll.EnsureIndexKey("queue")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("state")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("-updated")
	if err != nil {
		return nil, err
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to status-specific "not found" error
		return status.ErrNotFound
	}
	return err
}

// Start is called when the owning queue starts up.
func (s *Store) Start() error {
	return s.session.Ping()
}

// Set inserts or replaces the status record for a data identifier. The
// submission time of an existing record is preserved.
func (s *Store) Set(r *status.Record) error {
	rec := newRecord(r)
	change := bson.M{
		"$set": bson.M{
			"queue":    rec.Queue,
			"state":    rec.State,
			"pid":      rec.PID,
			"exitcode": rec.ExitCode,
			"errors":   rec.Errors,
			"updated":  rec.Updated,
		},
		"$setOnInsert": bson.M{
			"submitted": rec.Submitted,
		},
	}
	_, err := s.coll.UpsertId(rec.DataID, change)
	return s.wrapError(err)
}

// Delete removes the record for the data identifier.
func (s *Store) Delete(dataid string) error {
	err := s.coll.RemoveId(dataid)
	if err == mgo.ErrNotFound {
		// Deleting an unknown id is not an error.
		return nil
	}
	return err
}

// Lookup returns the record for the data identifier (or status.ErrNotFound).
func (s *Store) Lookup(dataid string) (*status.Record, error) {
	var rec record
	err := s.coll.FindId(dataid).One(&rec)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return rec.ToRecord(), nil
}

// List finds matching records, most recently updated first.
func (s *Store) List(req *status.ListRequest) (*status.ListResponse, error) {
	rsp := &status.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if req.Queue != "" {
		query["queue"] = req.Queue
	}
	if req.State != "" {
		query["state"] = req.State
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*record
	err = s.coll.Find(query).Sort("-updated").Skip(req.Offset).Limit(req.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, rec := range list {
		rsp.Records = append(rsp.Records, rec.ToRecord())
	}
	return rsp, nil
}

// Stats counts records per state.
func (s *Store) Stats(req *status.StatsRequest) (*status.Stats, error) {
	query := func(state string) bson.M {
		q := bson.M{"state": state}
		if req != nil && req.Queue != "" {
			q["queue"] = req.Queue
		}
		return q
	}
	pending, err := s.coll.Find(query(status.Pending)).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	running, err := s.coll.Find(query(status.Running)).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	exited, err := s.coll.Find(query(status.Exited)).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	killed, err := s.coll.Find(query(status.Killed)).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	return &status.Stats{
		Pending: pending,
		Running: running,
		Exited:  exited,
		Killed:  killed,
	}, nil
}

// -- MongoDB-internal representation of a status record --

type record struct {
	DataID    string   `bson:"_id"`
	Queue     string   `bson:"queue,omitempty"`
	State     string   `bson:"state"`
	PID       int      `bson:"pid,omitempty"`
	ExitCode  *int     `bson:"exitcode"`
	Errors    []string `bson:"errors,omitempty"`
	Submitted int64    `bson:"submitted"`
	Updated   int64    `bson:"updated"`
}

func newRecord(r *status.Record) *record {
	rec := &record{
		DataID:   r.DataID,
		Queue:    r.Queue,
		State:    r.State,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Errors:   r.Errors,
	}
	if !r.Submitted.IsZero() {
		rec.Submitted = r.Submitted.UnixNano()
	}
	if !r.Updated.IsZero() {
		rec.Updated = r.Updated.UnixNano()
	}
	return rec
}

func (r *record) ToRecord() *status.Record {
	rec := &status.Record{
		DataID:   r.DataID,
		Queue:    r.Queue,
		State:    r.State,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Errors:   r.Errors,
	}
	if r.Submitted != 0 {
		rec.Submitted = time.Unix(0, r.Submitted)
	}
	if r.Updated != 0 {
		rec.Updated = time.Unix(0, r.Updated)
	}
	return rec
}
