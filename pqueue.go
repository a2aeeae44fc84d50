// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// jobHeap orders jobs for execution: highest priority first, then earliest
// request time.
type jobHeap []*Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].Compare(h[j]) < 0 }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// pqueue is the in-memory queue of runnable jobs shared between a queue and
// its runner. Dequeuing blocks: emptiness is only ever observed by the pop
// itself, never pre-checked, so concurrent workers cannot race a check
// against a take.
type pqueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	jobs jobHeap
}

func newPQueue() *pqueue {
	q := &pqueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a job and wakes any waiting workers.
func (q *pqueue) Push(job *Job) {
	q.mu.Lock()
	heap.Push(&q.jobs, job)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// PopWait removes and returns the next runnable job. If the queue is empty,
// it waits up to timeout for one to arrive. It returns nil when the wait
// expires with the queue still empty, or as soon as ctx is canceled;
// cancellation takes precedence over available jobs.
func (q *pqueue) PopWait(ctx context.Context, timeout time.Duration) *Job {
	deadline := time.Now().Add(timeout)
	// Wakers take the mutex before broadcasting so that a wakeup cannot
	// slip between a waiter's check and its wait.
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if len(q.jobs) > 0 {
			return heap.Pop(&q.jobs).(*Job)
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		q.cond.Wait()
	}
}

// Len returns the number of queued jobs.
func (q *pqueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
