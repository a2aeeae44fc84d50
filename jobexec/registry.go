// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package jobexec is the executable envelope for running a single queued
// job inside a fresh OS process. The parent queue launches the current
// executable with the "jobexec" subcommand; the envelope loads the job
// record, keeps its state current while the processor runs, and reports
// the outcome through its exit code.
package jobexec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ProcessFunc performs the actual work of a job. It receives the data
// identifier the job operates on, the configuration and arguments from the
// job record, and a logger wired up according to the envelope flags. The
// context is canceled when the envelope is asked to terminate; long-running
// processors should watch it.
type ProcessFunc func(ctx context.Context, dataid string, config map[string]interface{}, args []string, logger *slog.Logger) error

// Registry maps execution module names to their processors. A process
// typically registers all of its processors into DefaultRegistry during
// initialization, before the queue or the envelope runs.
type Registry struct {
	mu sync.RWMutex
	fm map[string]ProcessFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fm: make(map[string]ProcessFunc),
	}
}

// Register registers an execution module name and the associated processor.
func (r *Registry) Register(execmodule string, fn ProcessFunc) error {
	if fn == nil {
		return fmt.Errorf("jobexec: processor for %s is nil", execmodule)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.fm[execmodule]; found {
		return fmt.Errorf("jobexec: processor %s already registered", execmodule)
	}
	r.fm[execmodule] = fn
	return nil
}

// Lookup returns the processor registered under the execution module name.
func (r *Registry) Lookup(execmodule string) (ProcessFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, found := r.fm[execmodule]
	if !found {
		return nil, fmt.Errorf("jobexec: no processor registered for %s", execmodule)
	}
	return fn, nil
}

// Names returns the registered execution module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fm))
	for name := range r.fm {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the registry used by Execute when Options.Registry
// is nil.
var DefaultRegistry = NewRegistry()

// Register registers a processor in DefaultRegistry.
func Register(execmodule string, fn ProcessFunc) error {
	return DefaultRegistry.Register(execmodule, fn)
}
