package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/poverlay/poverlay/internal/job"
)

// maybeFinalize finalizes the job if every task has settled. Losing the race
// to another worker is fine; Finalize is idempotent.
func (p *Pool) maybeFinalize(ctx context.Context, jobID string) {
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, job.ErrNotFound) {
			slog.Error("worker: load job for finalize", "job_id", jobID, "error", err)
		}
		return
	}
	if !j.AllTasksTerminal() {
		return
	}
	if err := p.Finalize(ctx, jobID); err != nil {
		slog.Error("worker: finalize job", "job_id", jobID, "error", err)
	}
}

// Finalize settles a job whose tasks have all reached a terminal state:
// archive outputs, stamp the final status and expiry, notify the owner, and
// reclaim local scratch space. ExpiresAt doubles as the finalized marker, so
// a job is stamped exactly once; failed archival leaves the job unstamped and
// the reconciler retries it later.
func (p *Pool) Finalize(ctx context.Context, jobID string) error {
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.ExpiresAt != nil {
		return nil
	}
	if !j.AllTasksTerminal() {
		return fmt.Errorf("job %s has unfinished tasks", jobID)
	}

	archived := p.blobs == nil
	if p.blobs != nil {
		if err := p.archiveOutputs(ctx, j); err != nil {
			status, _ := j.TerminalStatus()
			if _, uerr := p.store.Update(ctx, jobID, func(j *job.Job) error {
				j.Status = status
				j.Message = "Upload pending: " + truncate(err.Error(), 240)
				return nil
			}); uerr != nil && !errors.Is(uerr, job.ErrNotFound) {
				slog.Error("worker: record upload failure", "job_id", jobID, "error", uerr)
			}
			return fmt.Errorf("archive outputs for job %s: %w", jobID, err)
		}
		archived = true
	}

	now := time.Now().UTC()
	expires := now.Add(p.cfg.OutputRetention)
	updated, err := p.store.Update(ctx, jobID, func(j *job.Job) error {
		if j.ExpiresAt != nil {
			return errSkip
		}
		status, ok := j.TerminalStatus()
		if !ok {
			return fmt.Errorf("job %s has unfinished tasks", j.ID)
		}
		j.Status = status
		j.Message = finalMessage(j, status)
		j.FinishedAt = &now
		j.ExpiresAt = &expires
		j.DownloadAllURL = ""
		if j.CountTasks(job.TaskCompleted) > 0 {
			j.DownloadAllURL = p.cfg.APIBaseURL + "/api/jobs/" + j.ID + "/download-all"
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("job finalized",
		"job_id", jobID,
		"status", updated.Status,
		"completed", updated.CountTasks(job.TaskCompleted),
		"failed", updated.CountTasks(job.TaskFailed),
	)

	p.notifier.JobCompleted(context.WithoutCancel(ctx), updated)

	// Inputs of failed clips survive so an admin requeue can retry them.
	if p.cfg.DeleteInputsOnComplete && updated.Status == job.StatusCompleted {
		if err := p.ws.RemoveSubdir(jobID, "inputs"); err != nil {
			slog.Warn("worker: remove inputs", "job_id", jobID, "error", err)
		}
	}
	if p.cfg.DeleteWorkOnComplete {
		if err := p.ws.RemoveSubdir(jobID, "work"); err != nil {
			slog.Warn("worker: remove work dir", "job_id", jobID, "error", err)
		}
	}
	if archived && p.blobs != nil {
		if err := p.ws.RemoveSubdir(jobID, "outputs"); err != nil {
			slog.Warn("worker: remove outputs", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// archiveOutputs uploads every completed output that is not yet in object
// storage, verifying each upload by size before recording its key.
func (p *Pool) archiveOutputs(ctx context.Context, j *job.Job) error {
	paths := p.ws.Paths(j.ID)
	owner := j.Owner
	if owner == "" {
		owner = "anonymous"
	}

	for _, t := range j.Tasks {
		if t.Status != job.TaskCompleted || t.ObjectKey != "" {
			continue
		}
		localPath := filepath.Join(paths.Outputs, t.OutputName)
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open output %s: %w", t.OutputName, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat output %s: %w", t.OutputName, err)
		}

		key := fmt.Sprintf("renders/%s/%s/%s", owner, j.ID, t.OutputName)
		_, err = p.blobs.Put(ctx, key, f, st.Size(), "video/mp4")
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", t.OutputName, err)
		}

		obj, err := p.blobs.Stat(ctx, key)
		if err != nil {
			return fmt.Errorf("verify upload of %s: %w", t.OutputName, err)
		}
		if obj.Size != st.Size() {
			return fmt.Errorf("verify upload of %s: stored %d bytes, expected %d", t.OutputName, obj.Size, st.Size())
		}

		uploadedAt := time.Now().UTC()
		taskID := t.ID
		if _, err := p.store.Update(ctx, j.ID, func(j *job.Job) error {
			t := j.Task(taskID)
			if t == nil {
				return errSkip
			}
			t.ObjectKey = key
			t.UploadedAt = &uploadedAt
			return nil
		}); err != nil && !errors.Is(err, errSkip) {
			return fmt.Errorf("record upload of %s: %w", t.OutputName, err)
		}
	}
	return nil
}

// finalMessage builds the human-facing summary for a settled job.
func finalMessage(j *job.Job, status job.Status) string {
	switch status {
	case job.StatusCompleted:
		return "All videos rendered"
	case job.StatusCompletedWithErrors:
		return fmt.Sprintf("Rendered with %d failure(s)", j.CountTasks(job.TaskFailed))
	default:
		for _, t := range j.Tasks {
			if t.Error != "" {
				return "Rendering failed: " + truncate(t.Error, 240)
			}
		}
		return "Rendering failed"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
