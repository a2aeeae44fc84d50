// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPQueueOrdering(t *testing.T) {
	q := newPQueue()
	q.Push(&Job{DataID: "low", Priority: 0, ReqTime: 100})
	q.Push(&Job{DataID: "high", Priority: 5, ReqTime: 300})
	q.Push(&Job{DataID: "early", Priority: 0, ReqTime: 50})
	q.Push(&Job{DataID: "normal", Priority: 0, ReqTime: 75})

	want := []string{"high", "early", "normal", "low"}
	for i, w := range want {
		job := q.PopWait(context.Background(), 10*time.Millisecond)
		if job == nil {
			t.Fatalf("#%d: have nil, want %q", i, w)
		}
		if have := job.DataID; have != w {
			t.Fatalf("#%d: have %q, want %q", i, have, w)
		}
	}
	if have, want := q.Len(), 0; have != want {
		t.Fatalf("have %d queued, want %d", have, want)
	}
}

func TestPQueuePopWaitTimesOut(t *testing.T) {
	q := newPQueue()
	start := time.Now()
	job := q.PopWait(context.Background(), 50*time.Millisecond)
	if job != nil {
		t.Fatalf("have %+v, want nil", job)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %v, want at least 50ms", elapsed)
	}
}

func TestPQueuePopWaitWakesOnPush(t *testing.T) {
	q := newPQueue()
	got := make(chan *Job, 1)
	go func() {
		got <- q.PopWait(context.Background(), 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(&Job{DataID: "mds2-1000"})

	select {
	case job := <-got:
		if job == nil {
			t.Fatal("have nil, want the pushed job")
		}
		if have, want := job.DataID, "mds2-1000"; have != want {
			t.Fatalf("have %q, want %q", have, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestPQueuePopWaitHonorsCancellation(t *testing.T) {
	q := newPQueue()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Job, 1)
	go func() {
		got <- q.PopWait(ctx, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case job := <-got:
		if job != nil {
			t.Fatalf("have %+v, want nil after cancellation", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on cancellation")
	}

	// A canceled context wins even when jobs are available.
	q.Push(&Job{DataID: "mds2-1000"})
	if job := q.PopWait(ctx, time.Millisecond); job != nil {
		t.Fatalf("have %+v, want nil with canceled context", job)
	}
}

func TestPQueueConcurrentPops(t *testing.T) {
	q := newPQueue()
	const n = 50
	for i := 0; i < n; i++ {
		q.Push(&Job{DataID: "job", ReqTime: float64(i)})
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job := q.PopWait(context.Background(), 20*time.Millisecond)
				if job == nil {
					return
				}
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if have, want := count, n; have != want {
		t.Fatalf("have %d jobs popped, want %d", have, want)
	}
}
