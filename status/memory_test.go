// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package status

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetAndLookup(t *testing.T) {
	st := NewMemoryStore()
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	now := time.Now()
	rec := &Record{DataID: "mds2-1000", Queue: "pdr", State: Pending, Submitted: now, Updated: now}
	if err := st.Set(rec); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's record must not change the stored one.
	rec.State = Killed

	got, err := st.Lookup("mds2-1000")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.State, Pending; have != want {
		t.Fatalf("have state %q, want %q", have, want)
	}

	// Set replaces the record for the same data identifier.
	if err := st.Set(&Record{DataID: "mds2-1000", Queue: "pdr", State: Running, PID: 4242, Updated: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	got, err = st.Lookup("mds2-1000")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.State, Running; have != want {
		t.Fatalf("have state %q, want %q", have, want)
	}
	if have, want := got.PID, 4242; have != want {
		t.Fatalf("have pid %d, want %d", have, want)
	}
}

func TestMemoryStoreLookupNotFound(t *testing.T) {
	st := NewMemoryStore()
	if _, err := st.Lookup("no-such"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("have %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	st := NewMemoryStore()
	if err := st.Set(&Record{DataID: "mds2-1000", Queue: "pdr", State: Exited}); err != nil {
		t.Fatal(err)
	}
	if err := st.Delete("mds2-1000"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Lookup("mds2-1000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("have %v, want ErrNotFound", err)
	}
	// Deleting an unknown identifier is not an error.
	if err := st.Delete("mds2-1000"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	st := NewMemoryStore()
	base := time.Now()
	seed := []*Record{
		{DataID: "a", Queue: "pdr", State: Pending, Updated: base.Add(1 * time.Second)},
		{DataID: "b", Queue: "pdr", State: Running, Updated: base.Add(3 * time.Second)},
		{DataID: "c", Queue: "pdr", State: Running, Updated: base.Add(2 * time.Second)},
		{DataID: "d", Queue: "rmm", State: Running, Updated: base.Add(4 * time.Second)},
	}
	for _, r := range seed {
		if err := st.Set(r); err != nil {
			t.Fatal(err)
		}
	}

	rsp, err := st.List(&ListRequest{Queue: "pdr", State: Running})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("have total %d, want %d", have, want)
	}
	if have, want := len(rsp.Records), 2; have != want {
		t.Fatalf("have %d records, want %d", have, want)
	}
	// Most recently updated first.
	if have, want := rsp.Records[0].DataID, "b"; have != want {
		t.Fatalf("have %q first, want %q", have, want)
	}

	// Pagination applies after filtering.
	rsp, err = st.List(&ListRequest{Queue: "pdr", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 3; have != want {
		t.Fatalf("have total %d, want %d", have, want)
	}
	if have, want := len(rsp.Records), 2; have != want {
		t.Fatalf("have %d records, want %d", have, want)
	}
	if have, want := rsp.Records[0].DataID, "c"; have != want {
		t.Fatalf("have %q first, want %q", have, want)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	st := NewMemoryStore()
	seed := []*Record{
		{DataID: "a", Queue: "pdr", State: Pending},
		{DataID: "b", Queue: "pdr", State: Running},
		{DataID: "c", Queue: "pdr", State: Running},
		{DataID: "d", Queue: "pdr", State: Exited},
		{DataID: "e", Queue: "rmm", State: Killed},
	}
	for _, r := range seed {
		if err := st.Set(r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := st.Stats(&StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Pending: 1, Running: 2, Exited: 1, Killed: 1}
	if *stats != want {
		t.Fatalf("have %+v, want %+v", *stats, want)
	}

	stats, err = st.Stats(&StatsRequest{Queue: "rmm"})
	if err != nil {
		t.Fatal(err)
	}
	want = Stats{Killed: 1}
	if *stats != want {
		t.Fatalf("have %+v, want %+v", *stats, want)
	}
}
