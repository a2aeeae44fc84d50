// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/olivere/jobmgt/lockfile"
	"github.com/olivere/jobmgt/status"
)

// ErrNotFound is returned when a job could not be found.
var ErrNotFound = errors.New("jobmgt: job not found")

// restorerFile is the advisory marker a queue writes while it recovers its
// directory, so that sibling processes sharing the directory skip the pass.
const restorerFile = "_restorer.json"

type restoreMarker struct {
	PID  int      `json:"pid"`
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// Queue is an ordered view of the jobs requested for one processor. It
// persists every job as a record file in its queue directory, collapses
// repeated submissions for the same data identifier, and hands runnable
// jobs to its runner.
type Queue struct {
	name         string
	dir          string
	execmodule   string
	cfg          map[string]interface{}
	log          *slog.Logger
	st           status.Store
	relaunchable bool
	resume       bool
	runnerCfg    RunnerConfig

	mu sync.Mutex // serializes record rewrites within this process
	pq *pqueue

	runner *Runner

	cleanMu sync.Mutex
	cleaner *cron.Cron
}

// Option is an options provider for a Queue.
type Option func(*Queue)

// SetLogger specifies the logger the queue and its runner write to.
// The default logs via slog.Default, tagged with the queue name.
func SetLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.log = logger
	}
}

// SetJobConfig specifies the default configuration stored into every
// submitted job. Per-submission configuration is merged over it.
func SetJobConfig(config map[string]interface{}) Option {
	return func(q *Queue) {
		q.cfg = config
	}
}

// SetRunnerConfig configures the runner that executes the queue's jobs.
func SetRunnerConfig(config RunnerConfig) Option {
	return func(q *Queue) {
		q.runnerCfg = config
	}
}

// SetResume specifies whether the queue recovers its directory on startup,
// requeueing interrupted work. The default is true.
func SetResume(resume bool) Option {
	return func(q *Queue) {
		q.resume = resume
	}
}

// SetRelaunchable specifies whether submitting a data identifier that is
// already in flight arms a relaunch for it. The default is true; when
// disabled, such submissions are dropped.
func SetRelaunchable(relaunchable bool) Option {
	return func(q *Queue) {
		q.relaunchable = relaunchable
	}
}

// SetStatusStore specifies the store that mirrors the state of every job
// for outside observers. The default keeps the records in memory.
func SetStatusStore(st status.Store) Option {
	return func(q *Queue) {
		q.st = st
	}
}

// New creates a queue named name over the given directory. Jobs submitted
// to it run the processor registered under execmodule. The directory is
// created if it does not exist; an unusable directory is the only fatal
// startup condition besides an unreachable status store.
func New(name, dir, execmodule string, options ...Option) (*Queue, error) {
	q := &Queue{
		name:         name,
		dir:          dir,
		execmodule:   execmodule,
		relaunchable: true,
		resume:       true,
	}
	for _, opt := range options {
		opt(q)
	}
	if q.name == "" {
		return nil, errors.New("jobmgt: queue name required")
	}
	if q.dir == "" {
		return nil, errors.New("jobmgt: queue directory required")
	}
	if q.execmodule == "" {
		return nil, errors.New("jobmgt: execution module required")
	}
	if q.log == nil {
		q.log = slog.Default().With("queue", q.name)
	}
	if q.st == nil {
		q.st = status.NewMemoryStore()
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobmgt: unable to create queue directory %s: %w", q.dir, err)
	}
	if err := q.st.Start(); err != nil {
		return nil, fmt.Errorf("jobmgt: unable to start status store: %w", err)
	}

	q.pq = newPQueue()
	q.runner = newRunner(q, q.runnerCfg)

	if q.resume {
		if err := q.restoreQueue(); err != nil {
			return nil, err
		}
	}
	if q.pq.Len() > 0 {
		q.runner.Trigger()
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Runner returns the runner executing this queue's jobs.
func (q *Queue) Runner() *Runner { return q.runner }

// restoreQueue requeues interrupted work found in the queue directory.
// The recovery marker is advisory only: a sibling process that is alive and
// recovering makes this pass redundant, but a stale marker never blocks it,
// and IsRunning keeps live jobs from being requeued either way.
func (q *Queue) restoreQueue() error {
	marker := filepath.Join(q.dir, restorerFile)

	// Desynchronize siblings racing for the marker after a host restart.
	time.Sleep(time.Duration(rand.Intn(251)) * time.Millisecond)

	var m restoreMarker
	err := lockfile.ReadJSON(marker, &m)
	switch {
	case err == nil:
		if m.PID != os.Getpid() && lockfile.PIDAlive(m.PID) {
			// A sibling is recovering this directory.
			return nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		q.log.Warn("trouble reading recovery marker", "error", err)
	}
	m = restoreMarker{PID: os.Getpid(), Cmd: os.Args[0], Args: os.Args[1:]}
	if err := lockfile.WriteJSON(marker, &m); err != nil {
		return fmt.Errorf("jobmgt: unable to write recovery marker: %w", err)
	}
	q.log.Info("checking for zombie jobs")

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("jobmgt: unable to scan queue directory %s: %w", q.dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		path := filepath.Join(q.dir, name)
		job, err := JobFromFile(path)
		if err != nil {
			q.log.Warn("trouble reading job state file", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		if job.State == Exited && job.Relaunch == nil {
			_ = os.Remove(path)
			q.deleteStatus(job.DataID)
			q.log.Debug("cleaned up exited job", "dataid", job.DataID)
			continue
		}
		if q.IsRunning(job) {
			q.setStatus(job)
			continue
		}
		switch job.State {
		case Exited, Killed:
			if r := job.PopRelaunchJob(); r != nil {
				// The process finished but its relaunch never got
				// requeued; complete the hand-off now.
				job = r
			} else {
				// Killed without a relaunch: run it again.
				job.State = Pending
			}
		case Running:
			// Stale record; the process is gone.
			job.State = Pending
		}
		if err := job.SaveTo(path); err != nil {
			q.log.Warn("unable to restore job record", "dataid", job.DataID, "error", err)
			continue
		}
		q.setStatus(job)
		q.pq.Push(job)
		q.log.Info("resubmitting job", "dataid", job.DataID)
	}
	return nil
}

type submitRequest struct {
	args     []string
	config   map[string]interface{}
	priority int
	trigger  bool
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitRequest)

// WithArgs specifies the arguments passed to the job's processor.
func WithArgs(args ...string) SubmitOption {
	return func(r *submitRequest) {
		r.args = args
	}
}

// WithConfig specifies configuration merged over the queue's default job
// configuration for this submission.
func WithConfig(config map[string]interface{}) SubmitOption {
	return func(r *submitRequest) {
		r.config = config
	}
}

// WithPriority specifies the priority of the submission. 0 is normal;
// higher priorities run first.
func WithPriority(priority int) SubmitOption {
	return func(r *submitRequest) {
		r.priority = priority
	}
}

// WithoutTrigger submits without starting the runner; callers batch
// submissions this way and call RunQueued once.
func WithoutTrigger() SubmitOption {
	return func(r *submitRequest) {
		r.trigger = false
	}
}

// Submit creates and enqueues a job to process the data with the given
// identifier. If a job for that identifier is already pending or running,
// no new job is queued: when the queue allows relaunching and the requested
// arguments differ from the stored ones, the request is noted as a relaunch
// on the existing record, and in every already-in-flight case Submit
// returns (nil, nil). A given data identifier therefore never has more
// than one runnable job outstanding.
func (q *Queue) Submit(dataid string, options ...SubmitOption) (*Job, error) {
	if dataid == "" {
		return nil, errors.New("jobmgt: data identifier required")
	}
	req := &submitRequest{trigger: true}
	for _, opt := range options {
		opt(req)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	statefile := JobStateFile(q.dir, dataid)
	existing, err := JobFromFile(statefile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.log.Warn("replacing unreadable job record", "dataid", dataid, "error", err)
	}
	if err == nil {
		if existing.State == Pending || existing.State == Running {
			if q.relaunchable && !slices.Equal(existing.Args, req.args) {
				existing.MarkRelaunch(
					RelaunchArgs(req.args),
					RelaunchConfig(q.jobConfig(req.config)),
					RelaunchPriority(req.priority),
				)
				if err := existing.SaveTo(statefile); err != nil {
					return nil, fmt.Errorf("jobmgt: unable to note relaunch for %s: %w", dataid, err)
				}
				q.log.Debug("armed relaunch for job already in flight", "dataid", dataid)
			}
			return nil, nil
		}
	}

	job := NewJob(q.execmodule, dataid, q.jobConfig(req.config), req.args)
	job.Queue = q.name
	job.Priority = req.priority
	if err := job.SaveTo(statefile); err != nil {
		return nil, fmt.Errorf("jobmgt: unable to persist job for %s: %w", dataid, err)
	}
	q.setStatus(job)
	q.pq.Push(job)
	if req.trigger {
		q.runner.Trigger()
	}
	return job, nil
}

// jobConfig merges a per-submission configuration over the queue default.
func (q *Queue) jobConfig(override map[string]interface{}) map[string]interface{} {
	if len(q.cfg) == 0 && len(override) == 0 {
		return nil
	}
	merged := deepCopyMap(q.cfg)
	if merged == nil {
		merged = make(map[string]interface{}, len(override))
	}
	for k, v := range override {
		merged[k] = deepCopyValue(v)
	}
	return merged
}

// GetJob returns the job created to process the data with the given
// identifier, or ErrNotFound if there is no record of one.
func (q *Queue) GetJob(dataid string) (*Job, error) {
	job, err := JobFromFile(JobStateFile(q.dir, dataid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// RunQueued asynchronously processes all jobs currently in the queue.
func (q *Queue) RunQueued() {
	q.runner.Trigger()
}

// Pending returns the number of jobs currently queued to be run.
func (q *Queue) Pending() int {
	return q.pq.Len()
}

// Processed returns the number of jobs this queue's runner has completed
// over its lifetime.
func (q *Queue) Processed() int64 {
	return q.runner.Processed()
}

// Stats returns per-state counts for this queue from the status store.
func (q *Queue) Stats() (*status.Stats, error) {
	return q.st.Stats(&status.StatsRequest{Queue: q.name})
}

// Clean removes records of jobs that completed more than age ago and have
// no relaunch pending. An age of zero or less means 5 minutes. Clean is
// idempotent and safe to call on a timer.
func (q *Queue) Clean(age time.Duration) error {
	if age <= 0 {
		age = 5 * time.Minute
	}
	cutoff := epochTime(time.Now().Add(-age))

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("jobmgt: unable to scan queue directory %s: %w", q.dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		path := filepath.Join(q.dir, name)

		q.mu.Lock()
		job, err := JobFromFile(path)
		if err == nil && job.State == Exited && job.Relaunch == nil &&
			job.CompTime > 0 && job.CompTime < cutoff {
			if err := os.Remove(path); err != nil {
				q.log.Warn("unable to clean up job record", "file", name, "error", err)
			} else {
				q.deleteStatus(job.DataID)
				q.log.Debug("cleaned up exited job", "dataid", job.DataID)
			}
		}
		q.mu.Unlock()
	}
	return nil
}

// StartCleaner runs Clean(age) on the given cron schedule (standard
// 5-field expressions) until StopCleaner is called.
func (q *Queue) StartCleaner(cronspec string, age time.Duration) error {
	q.cleanMu.Lock()
	defer q.cleanMu.Unlock()
	if q.cleaner != nil {
		return errors.New("jobmgt: cleaner already running")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(cronspec, func() {
		if err := q.Clean(age); err != nil {
			q.log.Warn("queue cleaning failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("jobmgt: invalid cleaner schedule %q: %w", cronspec, err)
	}
	c.Start()
	q.cleaner = c
	return nil
}

// StopCleaner stops the periodic cleaning and waits for a running pass to
// finish. It is a no-op if no cleaner is running.
func (q *Queue) StopCleaner() {
	q.cleanMu.Lock()
	defer q.cleanMu.Unlock()
	if q.cleaner == nil {
		return
	}
	<-q.cleaner.Stop().Done()
	q.cleaner = nil
}

// IsRunning reports whether the given job is in a running state and a
// matching live process is found: the recorded pid must exist, its command
// line must reference the jobexec envelope, its -I value must equal the
// job's data identifier, and, if both sides name a queue, the -Q value must
// match too.
func (q *Queue) IsRunning(job *Job) bool {
	if job == nil || job.State != Running || job.PID <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(job.PID))
	if err != nil {
		return false
	}
	cl, err := proc.CmdlineSlice()
	if err != nil {
		return false
	}
	envelope := false
	for _, a := range cl {
		if strings.Contains(a, "jobexec") {
			envelope = true
			break
		}
	}
	if !envelope {
		return false
	}
	idx := slices.Index(cl, "-I")
	if idx < 0 || idx+1 >= len(cl) || cl[idx+1] != job.DataID {
		return false
	}
	if job.Queue != "" {
		if qi := slices.Index(cl, "-Q"); qi >= 0 {
			if qi+1 >= len(cl) || cl[qi+1] != job.Queue {
				return false
			}
		}
	}
	return true
}

// setStatus mirrors the job's current state into the status store. Store
// trouble is reported but never fails the queue operation that caused it.
func (q *Queue) setStatus(job *Job) {
	if err := q.st.Set(statusRecord(job)); err != nil {
		q.log.Warn("unable to update status record", "dataid", job.DataID, "error", err)
	}
}

func (q *Queue) deleteStatus(dataid string) {
	if err := q.st.Delete(dataid); err != nil {
		q.log.Warn("unable to delete status record", "dataid", dataid, "error", err)
	}
}

func statusRecord(j *Job) *status.Record {
	return &status.Record{
		DataID:    j.DataID,
		Queue:     j.Queue,
		State:     j.State.String(),
		PID:       j.PID,
		ExitCode:  j.ExitCode,
		Errors:    j.Errors,
		Submitted: timeFromEpoch(j.ReqTime),
		Updated:   time.Now(),
	}
}

// epochTime converts a time to epoch seconds, the unit job records use.
func epochTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// timeFromEpoch converts epoch seconds back to a time.
func timeFromEpoch(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second)))
}
