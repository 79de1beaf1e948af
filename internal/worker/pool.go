// Package worker runs the render pipeline: a fixed pool of executors pulls
// queued tasks, drives the external renderer, and finalizes jobs once every
// task has settled.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/poverlay/poverlay/internal/config"
	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/notify"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/render"
	"github.com/poverlay/poverlay/internal/storage"
	"github.com/poverlay/poverlay/internal/workspace"
)

// errSkip aborts a claim without an error: the task was already taken,
// cancelled, or its job settled while the ref sat in the queue.
var errSkip = errors.New("task not claimable")

// Pool is the bounded set of concurrent render executors.
type Pool struct {
	cfg      *config.Config
	store    job.Store
	queue    *queue.Queue
	ws       *workspace.Manager
	renderer render.Runner
	blobs    storage.Interface // nil disables archival; outputs stay local
	notifier notify.Notifier
}

func NewPool(cfg *config.Config, store job.Store, q *queue.Queue, ws *workspace.Manager,
	renderer render.Runner, blobs storage.Interface, notifier notify.Notifier) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    store,
		queue:    q,
		ws:       ws,
		renderer: renderer,
		blobs:    blobs,
		notifier: notifier,
	}
}

// Size returns the resolved executor count; a configured 0 auto-sizes to the
// host CPU count.
func (p *Pool) Size() int {
	if p.cfg.Workers == 0 {
		return runtime.NumCPU()
	}
	return p.cfg.Workers
}

// Start launches the executors. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	n := p.Size()
	slog.Info("worker pool starting", "workers", n)
	for range n {
		go p.run(ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	for {
		ref, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.process(ctx, ref)
		p.queue.Release(ref)
	}
}
