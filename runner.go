// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunnerConfig configures how a queue's jobs are executed.
type RunnerConfig struct {
	// Exec is the executable launched for each job. It must understand the
	// jobexec command. Empty means the current executable; a relative name
	// is resolved via the PATH.
	Exec string

	// CaptureLogging pipes the job process output back into the queue's
	// logger. Without it, job output is discarded and jobs log only to
	// their own log files, if configured.
	CaptureLogging bool

	// LogDir, if set, makes every job additionally log to a file named
	// after its data identifier in this directory.
	LogDir string

	// MaxSim caps the number of jobs executing at the same time.
	// The default is 5.
	MaxSim int

	// PopTimeout is how long an idle worker waits for another job before
	// the drain winds down. The default is 250ms.
	PopTimeout time.Duration

	// Setup, if set, runs before a drain starts. An error cancels the
	// drain.
	Setup func() error

	// Cleanup, if set, runs after a drain finishes.
	Cleanup func() error
}

// Runner drains a queue by launching one OS process per job, at most
// MaxSim at a time. A drain starts on Trigger and ends once the queue
// stays empty; jobs submitted mid-drain are picked up by it.
type Runner struct {
	q   *Queue
	cfg RunnerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed atomic.Int64
}

func newRunner(q *Queue, cfg RunnerConfig) *Runner {
	if cfg.MaxSim <= 0 {
		cfg.MaxSim = 5
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 250 * time.Millisecond
	}
	return &Runner{q: q, cfg: cfg}
}

// Trigger starts a drain unless one is already running or there is
// nothing to do. It returns immediately.
func (r *Runner) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.q.pq.Len() == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.running = true
	r.cancel = cancel
	r.done = done
	go r.run(ctx, done)
}

// Stop cancels a running drain and waits for it to wind down. Processes
// already launched are asked to terminate.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether a drain is currently in progress.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Processed returns the number of jobs executed over the runner's
// lifetime.
func (r *Runner) Processed() int64 {
	return r.processed.Load()
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		if p := recover(); p != nil {
			r.q.log.Error("queue execution panicked", "panic", p)
		}
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.done = nil
		r.mu.Unlock()
		close(done)
	}()

	start := r.processed.Load()
	r.q.log.Debug("starting queue processing", "jobs", r.q.pq.Len())

	if r.cfg.Setup != nil {
		if err := r.cfg.Setup(); err != nil {
			r.q.log.Error("queue setup failed", "error", err)
			return
		}
	}
	if r.cfg.Cleanup != nil {
		defer func() {
			if err := r.cfg.Cleanup(); err != nil {
				r.q.log.Warn("queue cleanup failed", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.MaxSim; i++ {
		g.Go(func() error {
			return r.work(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.q.log.Error("failure managing queue execution", "error", err)
	}

	r.q.log.Debug("finished queue processing", "processed", r.processed.Load()-start)
}

// work takes jobs until the queue stays empty for PopTimeout or the drain
// is canceled.
func (r *Runner) work(ctx context.Context) error {
	for {
		job := r.q.pq.PopWait(ctx, r.cfg.PopTimeout)
		if job == nil {
			return ctx.Err()
		}
		if err := r.process(ctx, job); err != nil {
			return err
		}
	}
}

// process executes one job and hands any relaunch armed during the run
// back to the queue.
func (r *Runner) process(ctx context.Context, job *Job) error {
	statefile := JobStateFile(r.q.dir, job.DataID)

	// The record may have been rewritten since the job was queued; the
	// file is authoritative.
	switch cur, err := JobFromFile(statefile); {
	case err == nil:
		job = cur
	case errors.Is(err, fs.ErrNotExist):
		r.q.log.Debug("job record vanished before launch", "dataid", job.DataID)
		return nil
	default:
		r.q.log.Warn("dropping job with unreadable record", "dataid", job.DataID, "error", err)
		_ = os.Remove(statefile)
		return nil
	}

	ec, err := r.launchJob(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			r.q.log.Warn("job launch canceled", "dataid", job.DataID)
			return ctx.Err()
		}
		r.q.log.Error("failed to launch job", "dataid", job.DataID, "error", err)
		return nil
	}
	r.processed.Add(1)

	r.q.mu.Lock()
	final, ferr := JobFromFile(statefile)
	if ferr == nil {
		q := r.q
		q.setStatus(final)
		if rl := final.PopRelaunchJob(); rl != nil {
			if err := rl.SaveTo(statefile); err != nil {
				q.log.Warn("unable to requeue relaunch", "dataid", rl.DataID, "error", err)
			} else {
				q.setStatus(rl)
				q.pq.Push(rl)
				q.log.Debug("requeued relaunch", "dataid", rl.DataID)
			}
		}
	}
	r.q.mu.Unlock()

	if ec != 0 {
		r.q.log.Warn("job exited with non-zero status", "dataid", job.DataID, "exitcode", ec)
		if ferr == nil && len(final.Errors) > 0 {
			r.q.log.Warn(strings.Join(final.Errors, "\n"))
		}
	} else {
		r.q.log.Debug("job exited successfully", "dataid", job.DataID)
	}
	return nil
}

// launchJob starts the job process and waits for it to finish. It returns
// the process exit code; a non-zero code is not an error. Launch trouble
// or cancellation is.
func (r *Runner) launchJob(ctx context.Context, job *Job) (int, error) {
	// Mark the job running before the process starts, so the child's own
	// record write, which carries its pid, is always the later one.
	job.MarkRunning(0)
	statefile := JobStateFile(r.q.dir, job.DataID)
	if err := job.SaveTo(statefile); err != nil {
		return 0, fmt.Errorf("jobmgt: unable to mark job %s running: %w", job.DataID, err)
	}
	r.q.setStatus(job)

	execpath := r.cfg.Exec
	if execpath == "" {
		p, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("jobmgt: unable to determine own executable: %w", err)
		}
		execpath = p
	} else if !filepath.IsAbs(execpath) {
		if p, err := exec.LookPath(execpath); err == nil {
			execpath = p
		}
	}

	args := []string{"jobexec", "-Q", r.q.name, "-I", job.DataID, "-d", r.q.dir}
	if r.cfg.CaptureLogging {
		args = append(args, "-L")
	}
	if r.cfg.LogDir != "" {
		args = append(args, "-l", filepath.Join(r.cfg.LogDir, job.DataID+".log"))
	}
	if len(job.Args) > 0 {
		args = append(args, "--")
		args = append(args, job.Args...)
	}

	cmd := exec.CommandContext(ctx, execpath, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	r.q.log.Debug("launching job", "dataid", job.DataID, "exec", execpath)

	var waitErr error
	if r.cfg.CaptureLogging {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return 0, fmt.Errorf("jobmgt: unable to capture output of job %s: %w", job.DataID, err)
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("jobmgt: unable to start job %s: %w", job.DataID, err)
		}
		r.captureLog(ctx, job, stdout)
		waitErr = cmd.Wait()
	} else {
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("jobmgt: unable to start job %s: %w", job.DataID, err)
		}
		waitErr = cmd.Wait()
	}

	if waitErr != nil {
		// A canceled drain terminates its children; give cancellation
		// precedence over the exit status that termination produced.
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return ee.ExitCode(), nil
		}
		return 0, fmt.Errorf("jobmgt: trouble waiting for job %s: %w", job.DataID, waitErr)
	}
	return 0, nil
}

// captureLog relays the job process output. Protocol lines are re-emitted
// through the queue's handler under their original identity; anything else
// is buffered and surfaced as a single warning.
func (r *Runner) captureLog(ctx context.Context, job *Job, rd io.Reader) {
	h := r.q.log.Handler()
	var buffered []string
	flush := func() {
		if len(buffered) == 0 {
			return
		}
		r.q.log.Warn(strings.Join(buffered, "\n"))
		buffered = buffered[:0]
	}

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) > 0 && line[0] == '{' {
			if ll, err := ParseLogLine(line); err == nil {
				flush()
				rec := ll.Record()
				if h.Enabled(ctx, rec.Level) {
					_ = h.Handle(ctx, rec)
				}
				continue
			}
		}
		buffered = append(buffered, string(line))
	}
	if err := sc.Err(); err != nil {
		r.q.log.Warn("trouble capturing job output", "dataid", job.DataID, "error", err)
	}
	flush()
}
