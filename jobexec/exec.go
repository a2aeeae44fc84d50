// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/olivere/jobmgt"
	"github.com/olivere/jobmgt/lockfile"
)

// Exit codes reported by the envelope itself. A job process that exits with
// any other code did so while running the processor.
const (
	ExitUsage         = 13 // bad arguments, or the final status write failed
	ExitNoDataID      = 27 // no data identifier given (-I)
	ExitNoJobDir      = 26 // no job directory given (-d)
	ExitBadJobDir     = 25 // job directory does not exist
	ExitBadJobFile    = 24 // job record unreadable
	ExitNoExecModule  = 23 // job record names no execution module
	ExitUnknownModule = 22 // no processor registered under that name
	ExitProcessFailed = 11 // processor returned an error
	ExitPanic         = 30 // processor panicked
)

// FatalError reports a failure of the envelope, as opposed to a failure of
// the data being processed. Its code becomes the process exit code. A
// processor may also return a FatalError to choose the exit code itself.
type FatalError struct {
	Code int
	msg  string
}

// NewFatalError creates a FatalError with the given exit code.
func NewFatalError(code int, msg string) *FatalError {
	return &FatalError{Code: code, msg: msg}
}

func fatalf(code int, format string, args ...interface{}) *FatalError {
	return &FatalError{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Error returns the error message.
func (e *FatalError) Error() string { return e.msg }

// Options control a single envelope run.
type Options struct {
	DataID    string    // identifier of the data the job operates on (-I)
	QueueName string    // name of the launching queue (-Q); "jobexec" when blank
	Dir       string    // directory holding the job state files (-d)
	LogOut    bool      // emit log messages as JSON lines on LogWriter (-L)
	LogFile   string    // append human-readable log messages to this file (-l)
	Args      []string  // trailing command line args; kept for process listings
	Registry  *Registry // processor registry; DefaultRegistry when nil
	LogWriter io.Writer // destination for LogOut; os.Stdout when nil
}

// Execute runs one job inside the current process: it loads the job record
// for Options.DataID, marks it running, invokes the registered processor,
// and writes the final state back. SIGTERM and SIGHUP mark the job killed,
// cancel the processor's context, and turn into an exit code of 128 plus
// the signal number. Any returned error is a *FatalError.
func Execute(ctx context.Context, o *Options) error {
	qname := o.QueueName
	if qname == "" {
		qname = "jobexec"
	}
	reg := o.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	if o.DataID == "" {
		return fatalf(ExitNoDataID, "missing required data ID option (-I)")
	}
	if o.Dir == "" {
		return fatalf(ExitNoJobDir, "%s/%s: missing required job data dir (-d)", qname, o.DataID)
	}
	if fi, err := os.Stat(o.Dir); err != nil || !fi.IsDir() {
		return fatalf(ExitBadJobDir, "%s/%s: job data dir does not exist: %s", qname, o.DataID, o.Dir)
	}

	statefile := jobmgt.JobStateFile(o.Dir, o.DataID)
	job, err := jobmgt.JobFromFile(statefile)
	if err != nil {
		return fatalf(ExitBadJobFile, "failed to read job file %s: %v", statefile, err)
	}
	// The launcher may arm a relaunch on the record at any time. Every
	// rewrite re-reads the record under the exclusive lock so that such an
	// annotation survives our write.
	err = lockfile.UpdateJSON(statefile, job, func(error) error {
		job.MarkRunning(os.Getpid())
		return nil
	})
	if err != nil {
		return fatalf(ExitUsage, "failed to update job status into %s: %v", statefile, err)
	}

	// From here on the record exists and is marked running, so every
	// outcome is written back into it before returning.
	start := epochNow()
	var (
		mu     sync.Mutex // guards job, killed and errs
		killed syscall.Signal
		errs   []string
	)

	ferr := func() *FatalError {
		logfile := o.LogFile
		if logfile == "" {
			if v, ok := job.Config["logfile"].(string); ok {
				logfile = v
			}
		}
		level := parseLevel(job.Config["loglevel"])
		name := qname + "." + job.ExecModule + "." + job.DataID

		var handlers []slog.Handler
		if o.LogOut {
			w := o.LogWriter
			if w == nil {
				w = os.Stdout
			}
			handlers = append(handlers, jobmgt.NewLineHandler(w, name, level))
		}
		if logfile != "" {
			f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				mu.Lock()
				errs = append(errs, err.Error())
				mu.Unlock()
				return fatalf(ExitProcessFailed, "unable to open log file %s: %v", logfile, err)
			}
			defer f.Close()
			handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		}
		if len(handlers) == 0 {
			// Nobody asked for logs; still surface warnings on stderr.
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		}
		var h slog.Handler
		if len(handlers) == 1 {
			h = handlers[0]
		} else {
			h = newMultiHandler(handlers...)
		}
		logger := slog.New(h)

		if job.ExecModule == "" {
			msg := "execution module missing from job file"
			logger.Error(msg)
			mu.Lock()
			errs = append(errs, msg)
			mu.Unlock()
			return fatalf(ExitNoExecModule, msg)
		}
		fn, err := reg.Lookup(job.ExecModule)
		if err != nil {
			logger.Error("unable to find job processor", "error", err)
			mu.Lock()
			errs = append(errs, err.Error())
			mu.Unlock()
			return fatalf(ExitUnknownModule, "unable to find job processor: %v", err)
		}

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigc)
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case sig := <-sigc:
				end := epochNow()
				mu.Lock()
				killed, _ = sig.(syscall.Signal)
				errs = append(errs, fmt.Sprintf("caught signal=%d requesting interruption", killed))
				_ = lockfile.UpdateJSON(statefile, job, func(error) error {
					job.MarkKilled(end, end-start, errs...)
					return nil
				})
				mu.Unlock()
				cancel()
			case <-done:
			}
		}()

		if err := invoke(cctx, fn, job.DataID, job.Config, job.Args, logger); err != nil {
			mu.Lock()
			errs = append(errs, err.Error())
			mu.Unlock()
			var fe *FatalError
			if errors.As(err, &fe) {
				logger.Error("processing failed", "error", fe)
				return fe
			}
			logger.Error("processing failed", "error", err)
			return fatalf(ExitProcessFailed, "failure occurred during processing: %v", err)
		}
		return nil
	}()

	exitcode := 0
	if ferr != nil {
		exitcode = ferr.Code
	}
	ended := epochNow()
	mu.Lock()
	saveErr := lockfile.UpdateJSON(statefile, job, func(error) error {
		if killed != 0 {
			job.MarkKilled(ended, ended-start, errs...)
		} else {
			job.MarkComplete(exitcode, ended, ended-start, errs...)
		}
		return nil
	})
	sig := killed
	mu.Unlock()
	if saveErr != nil {
		return fatalf(ExitUsage, "failed to update job status into %s: %v", statefile, saveErr)
	}
	if sig != 0 {
		return fatalf(128+int(sig), "job killed by signal %d", sig)
	}
	if ferr != nil {
		return ferr
	}
	return nil
}

// invoke calls the processor, turning a panic into a FatalError so that
// the job record still gets its final state.
func invoke(ctx context.Context, fn ProcessFunc, dataid string, config map[string]interface{}, args []string, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fatalf(ExitPanic, "panic during processing: %v", r)
		}
	}()
	return fn(ctx, dataid, config, args, logger)
}

// parseLevel reads a log level from the job configuration. It accepts level
// names as well as numeric slog levels; the default is Debug so that a
// capturing parent sees everything.
func parseLevel(v interface{}) slog.Level {
	switch t := v.(type) {
	case string:
		switch strings.ToUpper(t) {
		case "DEBUG":
			return slog.LevelDebug
		case "INFO":
			return slog.LevelInfo
		case "WARN", "WARNING":
			return slog.LevelWarn
		case "ERROR", "CRITICAL":
			return slog.LevelError
		}
	case float64:
		return slog.Level(t)
	case int:
		return slog.Level(t)
	}
	return slog.LevelDebug
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// -- fan-out to multiple slog handlers --

type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	var first error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, rec.Level) {
			continue
		}
		if err := hh.Handle(ctx, rec.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		handlers[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		handlers[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
