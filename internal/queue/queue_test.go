package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10)
	refs := []Ref{
		{JobID: "j1", TaskID: "t1"},
		{JobID: "j1", TaskID: "t2"},
		{JobID: "j2", TaskID: "t1"},
	}
	for _, r := range refs {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx := context.Background()
	for i, want := range refs {
		got, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("Dequeue %d returned !ok", i)
		}
		if got != want {
			t.Errorf("dequeue %d = %v, want %v", i, got, want)
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q := New(10)
	ref := Ref{JobID: "j1", TaskID: "t1"}

	for range 3 {
		if err := q.Enqueue(ref); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Dequeue(ctx); !ok {
		t.Fatal("expected one entry")
	}

	// Re-enqueue of an active ref is also a no-op.
	if err := q.Enqueue(ref); err != nil {
		t.Fatalf("Enqueue while active: %v", err)
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d, active ref must not re-enter the queue", q.Depth())
	}
}

func TestEnqueueAfterRelease(t *testing.T) {
	q := New(10)
	ref := Ref{JobID: "j1", TaskID: "t1"}
	if err := q.Enqueue(ref); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Dequeue(context.Background())
	q.Release(got)

	if err := q.Enqueue(ref); err != nil {
		t.Fatalf("Enqueue after release: %v", err)
	}
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1", q.Depth())
	}
}

func TestQueueFull(t *testing.T) {
	q := New(1)
	if err := q.Enqueue(Ref{JobID: "j1", TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Ref{JobID: "j1", TaskID: "t2"}); err == nil {
		t.Fatal("expected queue full error")
	}
	// A failed enqueue must not leave the ref stuck in pending.
	if q.IsPending(Ref{JobID: "j1", TaskID: "t2"}) {
		t.Error("rejected ref still pending")
	}
}

func TestForgetRevokesPending(t *testing.T) {
	q := New(10)
	r1 := Ref{JobID: "j1", TaskID: "t1"}
	r2 := Ref{JobID: "j1", TaskID: "t2"}
	q.Enqueue(r1) //nolint:errcheck
	q.Enqueue(r2) //nolint:errcheck

	if !q.Forget(r1) {
		t.Fatal("Forget should report revocation")
	}

	// The revoked entry is skipped; r2 comes out first.
	got, ok := q.Dequeue(context.Background())
	if !ok || got != r2 {
		t.Fatalf("got %v ok=%v, want %v", got, ok, r2)
	}
}

func TestForgetJob(t *testing.T) {
	q := New(10)
	q.Enqueue(Ref{JobID: "j1", TaskID: "t1"}) //nolint:errcheck
	q.Enqueue(Ref{JobID: "j1", TaskID: "t2"}) //nolint:errcheck
	q.Enqueue(Ref{JobID: "j2", TaskID: "t1"}) //nolint:errcheck

	if n := q.ForgetJob("j1"); n != 2 {
		t.Fatalf("ForgetJob = %d, want 2", n)
	}
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1", q.Depth())
	}
}

func TestDequeueCancelled(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("Dequeue on cancelled context must return !ok")
	}
}

func TestAtMostOneActivePerTask(t *testing.T) {
	q := New(100)
	ref := Ref{JobID: "j1", TaskID: "t1"}

	// Many racing enqueues and one dequeuer: the task must be claimable once.
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(ref) //nolint:errcheck
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Dequeue(ctx); !ok {
		t.Fatal("expected first claim to succeed")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := q.Dequeue(ctx2); ok {
		t.Fatal("second claim succeeded; task was dispatched twice")
	}
	if !q.IsActive(ref) {
		t.Error("ref should be active")
	}
}
