// Package reconcile re-aligns the durable job store with the in-memory queue
// and the on-disk workspaces. It runs once at startup to recover work that
// survived a restart, then periodically to heal drift: jobs whose directories
// vanished, tasks stuck running with no executor, queue entries pointing at
// dead records, and settled jobs whose outputs were never archived.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/workspace"
)

// errUnchanged aborts a store update whose precondition raced away between
// the listing and the write.
var errUnchanged = errors.New("no state change")

// Finalizer settles a job whose tasks are all terminal. The worker pool
// implements it; the reconciler uses it to retry failed archival.
type Finalizer interface {
	Finalize(ctx context.Context, jobID string) error
}

// Summary counts what one reconciliation pass repaired.
type Summary struct {
	Requeued            int `json:"requeued"`
	FailedMissingDir    int `json:"failed_missing_dir"`
	FailedMissingInputs int `json:"failed_missing_inputs"`
	GhostsPruned        int `json:"ghosts_pruned"`
	ArchiveRetries      int `json:"archive_retries"`
}

type Reconciler struct {
	store     job.Store
	queue     *queue.Queue
	ws        *workspace.Manager
	finalizer Finalizer
}

func New(store job.Store, q *queue.Queue, ws *workspace.Manager, finalizer Finalizer) *Reconciler {
	return &Reconciler{store: store, queue: q, ws: ws, finalizer: finalizer}
}

// Run executes one full reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	live, err := r.store.ListByStatus(ctx, job.StatusQueued, job.StatusRunning)
	if err != nil {
		return sum, fmt.Errorf("list live jobs: %w", err)
	}

	for _, j := range live {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		r.reconcileJob(ctx, j, &sum)
	}

	sum.GhostsPruned = r.pruneGhosts(ctx)

	if r.finalizer != nil {
		sum.ArchiveRetries = r.retryArchival(ctx)
	}

	slog.Info("reconcile pass complete",
		"requeued", sum.Requeued,
		"failed_missing_dir", sum.FailedMissingDir,
		"failed_missing_inputs", sum.FailedMissingInputs,
		"ghosts_pruned", sum.GhostsPruned,
		"archive_retries", sum.ArchiveRetries,
	)
	return sum, nil
}

// reconcileJob heals one queued or running job. A job whose directory is gone
// cannot make progress and is failed outright. Otherwise every non-terminal
// task is driven back to a runnable state: missing inputs fail the task,
// running tasks with no executor are reset to queued, and queued tasks are
// re-enqueued (idempotent when already pending).
func (r *Reconciler) reconcileJob(ctx context.Context, j *job.Job, sum *Summary) {
	if !r.ws.Exists(j.ID) {
		r.queue.ForgetJob(j.ID)
		_, err := r.store.Update(ctx, j.ID, func(j *job.Job) error {
			for _, t := range j.Tasks {
				if !t.Status.IsTerminal() {
					t.Status = job.TaskFailed
					t.Progress = 0
					t.Error = "workspace directory missing after restart"
					t.Detail = ""
				}
			}
			j.Status = job.StatusFailed
			j.Message = "Working directory was removed"
			return nil
		})
		if err != nil && !errors.Is(err, job.ErrNotFound) {
			slog.Error("reconcile: fail job with missing dir", "job_id", j.ID, "error", err)
			return
		}
		sum.FailedMissingDir++
		slog.Warn("reconcile: job directory missing, job failed", "job_id", j.ID)
		return
	}

	for _, t := range j.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		ref := queue.Ref{JobID: j.ID, TaskID: t.ID}

		if !r.ws.InputExists(j.ID, t.InputName) {
			taskID := t.ID
			r.queue.Forget(ref)
			_, err := r.store.Update(ctx, j.ID, func(j *job.Job) error {
				t := j.Task(taskID)
				if t == nil || t.Status.IsTerminal() {
					return errUnchanged
				}
				t.Status = job.TaskFailed
				t.Progress = 0
				t.Error = "input file missing on disk"
				t.Detail = ""
				return nil
			})
			if errors.Is(err, errUnchanged) || errors.Is(err, job.ErrNotFound) {
				continue
			}
			if err != nil {
				slog.Error("reconcile: fail task with missing input", "job_id", j.ID, "task_id", taskID, "error", err)
				continue
			}
			sum.FailedMissingInputs++
			continue
		}

		if t.Status == job.TaskRunning && !r.queue.IsActive(ref) {
			taskID := t.ID
			_, err := r.store.Update(ctx, j.ID, func(j *job.Job) error {
				t := j.Task(taskID)
				if t == nil || t.Status != job.TaskRunning {
					return errUnchanged
				}
				t.Status = job.TaskQueued
				t.Progress = 0
				t.Detail = "Recovered after restart"
				return nil
			})
			if errors.Is(err, errUnchanged) || errors.Is(err, job.ErrNotFound) {
				continue
			}
			if err != nil {
				slog.Error("reconcile: reset orphaned task", "job_id", j.ID, "task_id", taskID, "error", err)
				continue
			}
			if err := r.queue.Enqueue(ref); err != nil {
				slog.Error("reconcile: requeue task", "job_id", j.ID, "task_id", taskID, "error", err)
				continue
			}
			sum.Requeued++
			continue
		}

		if t.Status == job.TaskQueued && !r.queue.IsPending(ref) && !r.queue.IsActive(ref) {
			if err := r.queue.Enqueue(ref); err != nil {
				slog.Error("reconcile: enqueue task", "job_id", j.ID, "task_id", t.ID, "error", err)
				continue
			}
			sum.Requeued++
		}
	}

	// Every task may have settled while no worker was around to notice.
	current, err := r.store.Get(ctx, j.ID)
	if err != nil {
		return
	}
	if current.AllTasksTerminal() && current.ExpiresAt == nil && r.finalizer != nil {
		if err := r.finalizer.Finalize(ctx, j.ID); err != nil {
			slog.Warn("reconcile: finalize settled job", "job_id", j.ID, "error", err)
		}
	}
}

// pruneGhosts revokes pending queue entries whose job record no longer
// exists or is already terminal.
func (r *Reconciler) pruneGhosts(ctx context.Context) int {
	pruned := 0
	for _, ref := range r.queue.PendingRefs() {
		j, err := r.store.Get(ctx, ref.JobID)
		switch {
		case errors.Is(err, job.ErrNotFound):
			if r.queue.Forget(ref) {
				pruned++
			}
		case err != nil:
			slog.Error("reconcile: check queue entry", "job_id", ref.JobID, "error", err)
		default:
			t := j.Task(ref.TaskID)
			if j.Status.IsTerminal() || t == nil || t.Status != job.TaskQueued {
				if r.queue.Forget(ref) {
					pruned++
				}
			}
		}
	}
	return pruned
}

// retryArchival re-finalizes terminal jobs that never got an expiry stamped,
// which means their outputs were not archived (or notification never went
// out) on the first attempt.
func (r *Reconciler) retryArchival(ctx context.Context) int {
	terminal, err := r.store.ListByStatus(ctx,
		job.StatusCompleted, job.StatusCompletedWithErrors, job.StatusFailed)
	if err != nil {
		slog.Error("reconcile: list terminal jobs", "error", err)
		return 0
	}

	retried := 0
	for _, j := range terminal {
		if j.ExpiresAt != nil {
			continue
		}
		if ctx.Err() != nil {
			return retried
		}
		if err := r.finalizer.Finalize(ctx, j.ID); err != nil {
			slog.Warn("reconcile: archive retry failed", "job_id", j.ID, "error", err)
			continue
		}
		retried++
	}
	return retried
}
