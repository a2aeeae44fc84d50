// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeScript persists a launcher stand-in. Launchers receive the argument
// list "jobexec -Q <queue> -I <dataid> -d <dir> ...", so $5 is the data
// identifier and $7 the queue directory.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "launcher.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// exitingScript returns a launcher that records its final state like a real
// job process would and appends its data identifier to runlog.
func exitingScript(t *testing.T, runlog string) string {
	t.Helper()
	return writeScript(t, fmt.Sprintf(`#!/bin/sh
dataid="$5"
dir="$7"
cat > "$dir/$dataid.json" <<EOF
{"execmodule": "goob", "dataid": "$dataid", "queue": "pdr", "state": 2, "exitcode": 0, "reqtime": 1, "comptime": 2}
EOF
echo "$dataid" >> %q
`, runlog))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitIdle blocks until the queue is drained and its runner wound down.
func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if q.Pending() == 0 && !q.Runner().IsRunning() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue did not drain in time")
}

func readRunLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestRunnerDefaults(t *testing.T) {
	q := newTestQueue(t)
	r := newRunner(q, RunnerConfig{})
	if have, want := r.cfg.MaxSim, 5; have != want {
		t.Fatalf("have maxsim %d, want %d", have, want)
	}
	if have, want := r.cfg.PopTimeout, 250*time.Millisecond; have != want {
		t.Fatalf("have pop timeout %v, want %v", have, want)
	}
}

func TestRunnerIdle(t *testing.T) {
	q := newTestQueue(t)
	q.RunQueued() // nothing queued, nothing starts
	if q.Runner().IsRunning() {
		t.Fatal("expected runner to stay idle on an empty queue")
	}
	q.Runner().Stop() // idle stop is a no-op
	if have, want := q.Processed(), int64(0); have != want {
		t.Fatalf("have %d processed, want %d", have, want)
	}
}

func TestRunnerDrainsByPriority(t *testing.T) {
	runlog := filepath.Join(t.TempDir(), "runs.log")
	q := newTestQueue(t,
		SetLogger(discardLogger()),
		SetRunnerConfig(RunnerConfig{
			Exec:       exitingScript(t, runlog),
			MaxSim:     1,
			PopTimeout: 100 * time.Millisecond,
		}))

	for _, sub := range []struct {
		dataid   string
		priority int
	}{
		{"mds2-low", 0},
		{"mds2-high", 5},
		{"mds2-late", 0},
	} {
		if _, err := q.Submit(sub.dataid, WithPriority(sub.priority), WithoutTrigger()); err != nil {
			t.Fatal(err)
		}
	}
	q.RunQueued()
	waitIdle(t, q)

	want := []string{"mds2-high", "mds2-low", "mds2-late"}
	if have := readRunLog(t, runlog); !reflect.DeepEqual(have, want) {
		t.Fatalf("have run order %v, want %v", have, want)
	}
	if have, want := q.Processed(), int64(3); have != want {
		t.Fatalf("have %d processed, want %d", have, want)
	}
	for _, dataid := range want {
		job, err := q.GetJob(dataid)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := job.State, Exited; have != want {
			t.Fatalf("%s: have state %v, want %v", dataid, have, want)
		}
	}
}

func TestRunnerSetupCleanup(t *testing.T) {
	runlog := filepath.Join(t.TempDir(), "runs.log")
	var mu sync.Mutex
	var calls []string
	q := newTestQueue(t,
		SetLogger(discardLogger()),
		SetRunnerConfig(RunnerConfig{
			Exec:       exitingScript(t, runlog),
			PopTimeout: 100 * time.Millisecond,
			Setup: func() error {
				mu.Lock()
				calls = append(calls, "setup")
				mu.Unlock()
				return nil
			},
			Cleanup: func() error {
				mu.Lock()
				calls = append(calls, "cleanup")
				mu.Unlock()
				return nil
			},
		}))
	if _, err := q.Submit("mds2-1000"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"setup", "cleanup"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("have calls %v, want %v", calls, want)
	}
}

func TestRunnerSetupFailureAbortsDrain(t *testing.T) {
	runlog := filepath.Join(t.TempDir(), "runs.log")
	q := newTestQueue(t,
		SetLogger(discardLogger()),
		SetRunnerConfig(RunnerConfig{
			Exec:       exitingScript(t, runlog),
			PopTimeout: 100 * time.Millisecond,
			Setup:      func() error { return errors.New("no scratch space") },
		}))
	if _, err := q.Submit("mds2-1000"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.Runner().IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if q.Runner().IsRunning() {
		t.Fatal("runner did not wind down")
	}
	if have := readRunLog(t, runlog); have != nil {
		t.Fatalf("have runs %v, want none", have)
	}
	// The job stays queued for the next trigger.
	if have, want := q.Pending(), 1; have != want {
		t.Fatalf("have %d pending, want %d", have, want)
	}
}

func TestRunnerSkipsVanishedRecord(t *testing.T) {
	runlog := filepath.Join(t.TempDir(), "runs.log")
	q := newTestQueue(t,
		SetLogger(discardLogger()),
		SetRunnerConfig(RunnerConfig{
			Exec:       exitingScript(t, runlog),
			PopTimeout: 100 * time.Millisecond,
		}))
	if _, err := q.Submit("mds2-1000", WithoutTrigger()); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(JobStateFile(q.Dir(), "mds2-1000")); err != nil {
		t.Fatal(err)
	}
	q.RunQueued()
	waitIdle(t, q)

	if have := readRunLog(t, runlog); have != nil {
		t.Fatalf("have runs %v, want none", have)
	}
	if have, want := q.Processed(), int64(0); have != want {
		t.Fatalf("have %d processed, want %d", have, want)
	}
}

func TestRunnerCapturesOutput(t *testing.T) {
	var buf syncBuffer
	script := writeScript(t, `#!/bin/sh
dataid="$5"
dir="$7"
echo '{"name": "pdr.goob.mds2-1000", "created": 1700000000.25, "level": -4, "msg": "stage one done", "lineno": 42, "pathname": "goob/proc.go"}'
echo 'spurious chatter'
cat > "$dir/$dataid.json" <<EOF
{"execmodule": "goob", "dataid": "$dataid", "queue": "pdr", "state": 2, "exitcode": 0, "reqtime": 1, "comptime": 2}
EOF
`)
	q := newTestQueue(t,
		SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		SetRunnerConfig(RunnerConfig{
			Exec:           script,
			CaptureLogging: true,
			PopTimeout:     100 * time.Millisecond,
		}))
	if _, err := q.Submit("mds2-1000"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, q)

	out := buf.String()
	if want := `msg="stage one done"`; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
	if want := "logger=pdr.goob.mds2-1000"; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
	if want := "pathname=goob/proc.go"; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
	if want := `msg="spurious chatter"`; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
}

func TestRunnerWarnsOnNonZeroExit(t *testing.T) {
	var buf syncBuffer
	script := writeScript(t, `#!/bin/sh
dataid="$5"
dir="$7"
cat > "$dir/$dataid.json" <<EOF
{"execmodule": "goob", "dataid": "$dataid", "queue": "pdr", "state": 2, "exitcode": 11, "reqtime": 1, "comptime": 2, "errors": ["bad stage in $dataid"]}
EOF
exit 11
`)
	q := newTestQueue(t,
		SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		SetRunnerConfig(RunnerConfig{
			Exec:       script,
			PopTimeout: 100 * time.Millisecond,
		}))
	if _, err := q.Submit("mds2-1000"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, q)

	out := buf.String()
	if want := "job exited with non-zero status"; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
	if want := "bad stage in mds2-1000"; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
	job, err := q.GetJob("mds2-1000")
	if err != nil {
		t.Fatal(err)
	}
	if job.ExitCode == nil || *job.ExitCode != 11 {
		t.Fatalf("have exit code %v, want 11", job.ExitCode)
	}
}

func TestRunnerStopCancelsInFlight(t *testing.T) {
	var buf syncBuffer
	script := writeScript(t, `#!/bin/sh
exec sleep 30
`)
	q := newTestQueue(t,
		SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		SetRunnerConfig(RunnerConfig{
			Exec:       script,
			PopTimeout: 100 * time.Millisecond,
		}))
	if _, err := q.Submit("mds2-1000"); err != nil {
		t.Fatal(err)
	}

	// Wait until the job is marked running, then cancel the drain.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, err := q.GetJob("mds2-1000"); err == nil && job.State == Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		q.Runner().Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not return")
	}

	if q.Runner().IsRunning() {
		t.Fatal("expected runner to be stopped")
	}
	if have, want := q.Processed(), int64(0); have != want {
		t.Fatalf("have %d processed, want %d", have, want)
	}
	if out, want := buf.String(), "job launch canceled"; !strings.Contains(out, want) {
		t.Fatalf("output misses %q:\n%s", want, out)
	}
}

func TestQueueSubmitArmsRelaunchWhileRunning(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
exec sleep 30
`)
	q := newTestQueue(t,
		SetLogger(discardLogger()),
		SetRunnerConfig(RunnerConfig{
			Exec:       script,
			PopTimeout: 100 * time.Millisecond,
		}))
	if _, err := q.Submit("mds2-1000", WithArgs("-a")); err != nil {
		t.Fatal(err)
	}
	defer q.Runner().Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, err := q.GetJob("mds2-1000"); err == nil && job.State == Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, err := q.Submit("mds2-1000", WithArgs("-b"), WithPriority(2))
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no new job for a running data id, got %+v", job)
	}
	got, err := q.GetJob("mds2-1000")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.State, Running; have != want {
		t.Fatalf("have state %v, want %v", have, want)
	}
	if got.Relaunch == nil {
		t.Fatal("expected a relaunch link on the running record")
	}
	if have, want := got.Relaunch.Args, []string{"-b"}; !reflect.DeepEqual(have, want) {
		t.Fatalf("have relaunch args %v, want %v", have, want)
	}
	if have, want := got.Relaunch.Priority, 2; have != want {
		t.Fatalf("have relaunch priority %d, want %d", have, want)
	}
}
