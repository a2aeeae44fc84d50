// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package lockfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	in := doc{Name: "mds2-1000", Count: 3}
	if err := WriteJSON(path, &in); err != nil {
		t.Fatal(err)
	}
	var out doc
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestWriteJSONTruncatesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	long := doc{Name: strings.Repeat("x", 512), Count: 1}
	if err := WriteJSON(path, &long); err != nil {
		t.Fatal(err)
	}
	short := doc{Name: "short", Count: 2}
	if err := WriteJSON(path, &short); err != nil {
		t.Fatal(err)
	}
	// A leftover tail from the longer document would make this unparseable.
	var out doc
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if out != short {
		t.Fatalf("got %+v, want %+v", out, short)
	}
}

func TestWriteJSONIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	if err := WriteJSON(path, &doc{Name: "a", Count: 1}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "{\n    \"name\""; !strings.HasPrefix(string(data), want) {
		t.Fatalf("file starts with %q, want prefix %q", string(data[:min(len(data), 16)]), want)
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	err := ReadJSON(filepath.Join(t.TempDir(), "no-such.json"), &doc{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("got %v, want fs.ErrNotExist", err)
	}
}

func TestReadJSONGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	if err := os.WriteFile(path, []byte("{not json"), 0666); err != nil {
		t.Fatal(err)
	}
	var out doc
	if err := ReadJSON(path, &out); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := doc{Name: strings.Repeat("y", 64*(i+1)), Count: i}
			if err := WriteJSON(path, &d); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	// Whatever writer came last, the file must hold one intact document.
	var out doc
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Name) != 64*(out.Count+1) {
		t.Fatalf("got count %d with name length %d, want %d", out.Count, len(out.Name), 64*(out.Count+1))
	}
}

func TestUpdateJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	if err := WriteJSON(path, &doc{Name: "mds2-1000", Count: 1}); err != nil {
		t.Fatal(err)
	}
	// The updater starts from a stale copy; the count written by another
	// process must survive the rewrite.
	stale := doc{Name: "mds2-1000"}
	err := UpdateJSON(path, &stale, func(readErr error) error {
		if readErr != nil {
			return readErr
		}
		stale.Name = "mds2-2000"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	var out doc
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if want := (doc{Name: "mds2-2000", Count: 1}); out != want {
		t.Fatalf("got %+v, want %+v", out, want)
	}
}

func TestUpdateJSONVeto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	if err := WriteJSON(path, &doc{Name: "keep", Count: 7}); err != nil {
		t.Fatal(err)
	}
	veto := errors.New("not today")
	var d doc
	if err := UpdateJSON(path, &d, func(error) error { return veto }); !errors.Is(err, veto) {
		t.Fatalf("got %v, want %v", err, veto)
	}
	var out doc
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if want := (doc{Name: "keep", Count: 7}); out != want {
		t.Fatalf("got %+v, want %+v", out, want)
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("expected own pid to be alive")
	}
	if PIDAlive(0) {
		t.Fatal("expected pid 0 to be reported dead")
	}
	if PIDAlive(1 << 22) {
		t.Fatal("expected out-of-range pid to be reported dead")
	}
}
