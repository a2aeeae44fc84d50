// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/olivere/jobmgt/lockfile"
)

// State enumerates the lifecycle of a job. The values are part of the
// persisted record format and must not be reordered.
type State int

const (
	// Pending means the job is waiting to be launched.
	Pending State = iota
	// Running means the job process has been started.
	Running
	// Exited means the job process completed, with any exit code.
	Exited
	// Killed means the job was terminated before it could complete.
	Killed
)

// String returns the name of the state as used in logs and status records.
func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Exited:
		return "EXITED"
	case Killed:
		return "KILLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when a state transition names a value
	// outside the four recognized states.
	ErrInvalidState = errors.New("jobmgt: invalid job state")
)

// Job is one unit of work tied to a unique data identifier. Its state is
// persisted as a JSON record in the queue directory and is shared, through
// that record, with the external process that executes it.
type Job struct {
	ID         string                 `json:"id,omitempty"`       // correlation identifier
	Queue      string                 `json:"queue,omitempty"`    // name of the owning queue
	ExecModule string                 `json:"execmodule"`         // name of the processor to invoke
	DataID     string                 `json:"dataid"`             // data the job operates on; unique per queue
	PID        int                    `json:"pid,omitempty"`      // OS process id, once launched
	State      State                  `json:"state"`              // current lifecycle state
	Config     map[string]interface{} `json:"config,omitempty"`   // configuration forwarded to the job process
	Args       []string               `json:"args,omitempty"`     // arguments forwarded to the job process
	ExitCode   *int                   `json:"exitcode,omitempty"` // exit status, once completed
	Relaunch   *Job                   `json:"relaunch,omitempty"` // pending request to run again after completion
	Priority   int                    `json:"priority"`           // 0 is normal; higher runs first
	ReqTime    float64                `json:"reqtime"`            // epoch seconds the job was requested
	RunTime    float64                `json:"runtime,omitempty"`  // wall-clock duration in seconds, once completed
	CompTime   float64                `json:"comptime,omitempty"` // epoch seconds of completion
	Errors     []string               `json:"errors,omitempty"`   // messages from a failed or killed run
}

// NewJob creates a job in the Pending state with normal priority and the
// current time as its request time.
func NewJob(execmodule, dataid string, config map[string]interface{}, args []string) *Job {
	return &Job{
		ID:         uuid.New().String(),
		ExecModule: execmodule,
		DataID:     dataid,
		State:      Pending,
		Config:     config,
		Args:       args,
		ReqTime:    epochNow(),
	}
}

// JobFromFile reconstitutes a job from its persisted record. The read is
// performed under a shared file lock. A record that cannot be parsed, or that
// is missing its data identifier, or that carries an unrecognized state is
// reported as an error; callers treat such records as unrecoverable. A blank
// processor name passes here so that the execution envelope can report it
// with its own exit code.
func JobFromFile(path string) (*Job, error) {
	job := new(Job)
	if err := lockfile.ReadJSON(path, job); err != nil {
		return nil, err
	}
	if job.DataID == "" {
		return nil, fmt.Errorf("jobmgt: record %s has no data identifier", path)
	}
	if job.State < Pending || job.State > Killed {
		return nil, fmt.Errorf("jobmgt: record %s: %w: %d", path, ErrInvalidState, int(job.State))
	}
	return job, nil
}

// JobStateFile returns the path of the persisted record for the given data
// identifier within a queue directory.
func JobStateFile(dir, dataid string) string {
	return filepath.Join(dir, dataid+".json")
}

// SaveTo persists the full record to the given file under an exclusive lock.
func (j *Job) SaveTo(path string) error {
	return lockfile.WriteJSON(path, j)
}

// UpdateState transitions the job to the given state. It fails with
// ErrInvalidState if s is not one of the four recognized states.
func (j *Job) UpdateState(s State) error {
	if s < Pending || s > Killed {
		return fmt.Errorf("%w: %d", ErrInvalidState, int(s))
	}
	j.State = s
	return nil
}

// MarkRunning records that the job has been launched with the given process
// id. Completion fields left over from a prior run are cleared.
func (j *Job) MarkRunning(pid int) {
	j.PID = pid
	j.State = Running
	j.RunTime = 0
	j.ExitCode = nil
	j.CompTime = 0
	j.Errors = nil
}

// MarkComplete records the completion of the job. A non-positive runtime
// clears the recorded duration. Any errors given replace the job's error
// list.
func (j *Job) MarkComplete(exitcode int, comptime, runtime float64, errs ...string) {
	j.ExitCode = &exitcode
	j.CompTime = comptime
	if runtime > 0 {
		j.RunTime = runtime
	} else {
		j.RunTime = 0
	}
	j.State = Exited
	if len(errs) > 0 {
		j.Errors = append([]string(nil), errs...)
	}
}

// MarkKilled records that the job was terminated before it could complete.
// The state is forced to Killed and the exit code to -1.
func (j *Job) MarkKilled(comptime, runtime float64, errs ...string) {
	j.MarkComplete(-1, comptime, runtime, errs...)
	j.State = Killed
}

// EnableRelaunch arms or disarms relaunch-on-completion. Arming is only
// meaningful while the job is running; it attaches a relaunch link that
// repeats the job unchanged, unless one is already attached. Disarming
// removes any pending relaunch link.
func (j *Job) EnableRelaunch(on bool) {
	if !on {
		j.Relaunch = nil
		return
	}
	if j.State != Running {
		return
	}
	if j.Relaunch == nil {
		j.MarkRelaunch()
	}
}

// RelaunchOption overrides a field of a relaunch request.
type RelaunchOption func(*Job)

// RelaunchArgs replaces the argument list of the relaunch.
func RelaunchArgs(args []string) RelaunchOption {
	return func(j *Job) {
		j.Args = append([]string(nil), args...)
	}
}

// RelaunchConfig replaces the configuration of the relaunch.
func RelaunchConfig(config map[string]interface{}) RelaunchOption {
	return func(j *Job) {
		j.Config = deepCopyMap(config)
	}
}

// RelaunchPriority replaces the priority of the relaunch.
func RelaunchPriority(priority int) RelaunchOption {
	return func(j *Job) {
		j.Priority = priority
	}
}

// MarkRelaunch attaches a request to run this job again after the current
// run completes. The request is a deep copy of the terminal link of the
// relaunch chain (the job itself if no chain exists), reset to Pending with
// a fresh request time and identifier, with the given overrides applied.
// Calling MarkRelaunch again before the relaunch runs replaces the pending
// link rather than chaining a second one, so repeated requests for the same
// data identifier collapse into one.
func (j *Job) MarkRelaunch(opts ...RelaunchOption) {
	// Walk to the last link; its parent receives the replacement.
	parent := j
	for parent.Relaunch != nil && parent.Relaunch.Relaunch != nil {
		parent = parent.Relaunch
	}
	tail := parent
	if parent.Relaunch != nil {
		tail = parent.Relaunch
	}

	r := tail.clone()
	r.ID = uuid.New().String()
	r.State = Pending
	r.PID = 0
	r.ExitCode = nil
	r.RunTime = 0
	r.CompTime = 0
	r.Errors = nil
	r.Relaunch = nil
	r.ReqTime = epochNow()
	r.Queue = j.Queue
	for _, opt := range opts {
		opt(r)
	}
	parent.Relaunch = r
}

// PopRelaunchJob detaches the pending relaunch link and returns it as a new
// job ready to be queued, or nil if no relaunch is armed. This is the single
// hand-off point that guarantees no two jobs for the same data identifier
// are ever independently queued.
func (j *Job) PopRelaunchJob() *Job {
	r := j.Relaunch
	if r == nil {
		return nil
	}
	j.Relaunch = nil
	r.State = Pending
	return r
}

// Compare orders jobs for execution: it returns a negative number if j runs
// before other, a positive number if it runs after, and 0 if the two are
// tied. Higher priorities run first; for equal priorities, the earlier
// request time runs first.
func (j *Job) Compare(other *Job) int {
	switch {
	case j.Priority > other.Priority:
		return -1
	case j.Priority < other.Priority:
		return 1
	case j.ReqTime < other.ReqTime:
		return -1
	case j.ReqTime > other.ReqTime:
		return 1
	default:
		return 0
	}
}

// clone returns a deep copy of the job, including its relaunch chain.
func (j *Job) clone() *Job {
	c := *j
	c.Config = deepCopyMap(j.Config)
	if j.Args != nil {
		c.Args = append([]string(nil), j.Args...)
	}
	if j.ExitCode != nil {
		ec := *j.ExitCode
		c.ExitCode = &ec
	}
	if j.Errors != nil {
		c.Errors = append([]string(nil), j.Errors...)
	}
	if j.Relaunch != nil {
		c.Relaunch = j.Relaunch.clone()
	}
	return &c
}

// deepCopyMap copies a JSON-style map, descending into nested maps and
// slices. Scalar values are copied as-is.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// epochNow returns the current time as epoch seconds, the unit used
// throughout the persisted record format.
func epochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
