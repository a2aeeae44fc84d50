// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package lockfile reads and writes JSON files under advisory file locks.
//
// Job records live in a directory shared by the submitting process and the
// processes executing the jobs. Every access goes through this package:
// readers take a shared flock, writers take an exclusive flock and rewrite
// the file in place. Locks are released when the file handle closes, so
// they cannot outlive a crashed process.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
)

// ReadJSON decodes the JSON document in the file at path into v while
// holding a shared lock on the file.
func ReadJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return &LockError{Path: path, Cause: err}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("lockfile: unable to parse %s: %w", path, err)
	}
	return nil
}

// WriteJSON encodes v as indented JSON into the file at path while holding
// an exclusive lock on it. The file is created if it does not exist and
// truncated in place otherwise; it is never replaced, so readers blocked on
// the lock always see the new content through their open handle.
func WriteJSON(path string, v interface{}) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return &LockError{Path: path, Cause: err}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	// Truncate only after the lock is held.
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("lockfile: unable to write %s: %w", path, err)
	}
	return f.Sync()
}

// UpdateJSON rewrites the JSON document in the file at path under a single
// exclusive lock spanning the whole read-modify-write cycle. The current
// document is decoded over v, fn is applied, and v is written back; the
// decode error, if any, is passed to fn, which may veto the write by
// returning an error. Writers going through UpdateJSON serialize instead of
// clobbering fields another process changed since their last read.
func UpdateJSON(path string, v interface{}, fn func(readErr error) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return &LockError{Path: path, Cause: err}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	readErr := json.NewDecoder(f).Decode(v)
	if err := fn(readErr); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("lockfile: unable to write %s: %w", path, err)
	}
	return f.Sync()
}

// PIDAlive reports whether a process with the given pid currently exists.
// It sends signal 0, which performs the existence check without delivering
// anything to the process.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// LockError is returned when an advisory lock cannot be acquired.
type LockError struct {
	Path  string
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lockfile: unable to lock %s: %v", e.Path, e.Cause)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
