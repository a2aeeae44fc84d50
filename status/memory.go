// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package status

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Its contents do not survive a restart,
// so queues using it rebuild their view from the job records on disk.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Start the store.
func (st *MemoryStore) Start() error {
	return nil
}

// Close the store.
func (st *MemoryStore) Close() error {
	return nil
}

// Set inserts or replaces the record for a data identifier. The record is
// copied, so callers may reuse it; stored records are never mutated.
func (st *MemoryStore) Set(r *Record) error {
	c := *r
	st.mu.Lock()
	defer st.mu.Unlock()
	st.records[r.DataID] = &c
	return nil
}

// Delete removes the record for the data identifier.
func (st *MemoryStore) Delete(dataid string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.records, dataid)
	return nil
}

// Lookup returns the record for the data identifier (or ErrNotFound).
func (st *MemoryStore) Lookup(dataid string) (*Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.records[dataid]
	if !found {
		return nil, ErrNotFound
	}
	return r, nil
}

// List finds matching records, most recently updated first.
func (st *MemoryStore) List(req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	var matches []*Record
	for _, r := range st.records {
		if req.Queue != "" && r.Queue != req.Queue {
			continue
		}
		if req.State != "" && r.State != req.State {
			continue
		}
		matches = append(matches, r)
	}
	st.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Updated.After(matches[j].Updated)
	})

	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return rsp, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Records = matches
	return rsp, nil
}

// Stats counts records per state.
func (st *MemoryStore) Stats(req *StatsRequest) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, r := range st.records {
		if req != nil && req.Queue != "" && r.Queue != req.Queue {
			continue
		}
		switch r.State {
		default:
			return nil, fmt.Errorf("status: found unknown state %q", r.State)
		case Pending:
			stats.Pending++
		case Running:
			stats.Running++
		case Exited:
			stats.Exited++
		case Killed:
			stats.Killed++
		}
	}
	return stats, nil
}
