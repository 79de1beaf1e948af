// Package queue holds the in-memory view of runnable render work. The job
// store stays the source of truth; the queue only guarantees FIFO dispatch
// and at most one active execution per task.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Ref identifies one task within one job.
type Ref struct {
	JobID  string
	TaskID string
}

// Queue is a bounded, ordered runnable set keyed by task identity.
//
// A task ref lives in exactly one of three places: the pending set (enqueued,
// waiting for a worker), the active set (claimed by a worker), or nowhere.
// Enqueue of a pending or active ref is a no-op. Forget revokes a pending
// ref; its channel entry is skipped at dequeue time, which is how cancelled
// and ghost entries are pruned without draining the channel.
type Queue struct {
	ch      chan Ref
	mu      sync.Mutex
	pending map[Ref]struct{}
	active  map[Ref]struct{}
}

func New(size int) *Queue {
	return &Queue{
		ch:      make(chan Ref, size),
		pending: make(map[Ref]struct{}),
		active:  make(map[Ref]struct{}),
	}
}

// Enqueue adds a task to the runnable set at the FIFO tail. Already-queued
// and already-running tasks are left alone (idempotent). Returns an error
// only when the queue is full.
func (q *Queue) Enqueue(ref Ref) error {
	q.mu.Lock()
	if _, ok := q.pending[ref]; ok {
		q.mu.Unlock()
		return nil
	}
	if _, ok := q.active[ref]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[ref] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- ref:
		return nil
	default:
		q.mu.Lock()
		delete(q.pending, ref)
		q.mu.Unlock()
		return fmt.Errorf("queue full: cannot enqueue task %s of job %s", ref.TaskID, ref.JobID)
	}
}

// Dequeue blocks until a runnable task is available or ctx is done. Revoked
// entries (Forget between enqueue and dequeue) are skipped. The returned ref
// is active until Release is called for it.
func (q *Queue) Dequeue(ctx context.Context) (Ref, bool) {
	for {
		select {
		case <-ctx.Done():
			return Ref{}, false
		case ref := <-q.ch:
			q.mu.Lock()
			if _, ok := q.pending[ref]; !ok {
				q.mu.Unlock()
				continue
			}
			delete(q.pending, ref)
			q.active[ref] = struct{}{}
			q.mu.Unlock()
			return ref, true
		}
	}
}

// Release marks an active task as no longer executing, allowing it to be
// enqueued again.
func (q *Queue) Release(ref Ref) {
	q.mu.Lock()
	delete(q.active, ref)
	q.mu.Unlock()
}

// Forget revokes a pending entry so it will not be dispatched. Active
// entries are untouched; an in-flight render is never preempted.
func (q *Queue) Forget(ref Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[ref]; !ok {
		return false
	}
	delete(q.pending, ref)
	return true
}

// ForgetJob revokes all pending entries belonging to the job and returns how
// many were dropped.
func (q *Queue) ForgetJob(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for ref := range q.pending {
		if ref.JobID == jobID {
			delete(q.pending, ref)
			n++
		}
	}
	return n
}

// IsActive reports whether a worker currently holds the task.
func (q *Queue) IsActive(ref Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[ref]
	return ok
}

// IsPending reports whether the task is enqueued and not yet claimed.
func (q *Queue) IsPending(ref Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[ref]
	return ok
}

// PendingRefs returns a snapshot of the pending set, for the reconciler's
// ghost sweep.
func (q *Queue) PendingRefs() []Ref {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := make([]Ref, 0, len(q.pending))
	for ref := range q.pending {
		refs = append(refs, ref)
	}
	return refs
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveCount returns the number of tasks currently held by workers.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
