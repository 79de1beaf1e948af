package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/queue"
)

// RequeueJob handles POST /api/admin/jobs/{id}/requeue. A job that is
// actively rendering is refused; anything else can be requeued, with
// reset_failed_videos limiting the re-render to failed clips. The expiry
// stamp is cleared so the job finalizes (and re-archives) again.
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResetFailedVideos bool `json:"reset_failed_videos"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
	}

	id := r.PathValue("id")
	if !h.ws.Exists(id) {
		writeError(w, http.StatusConflict, "job workspace no longer exists; inputs are gone")
		return
	}

	updated, err := h.store.Update(r.Context(), id, func(j *job.Job) error {
		if j.Status == job.StatusRunning || j.CountTasks(job.TaskRunning) > 0 {
			return job.ErrInvalidState
		}
		for _, t := range j.Tasks {
			if req.ResetFailedVideos && t.Status != job.TaskFailed {
				continue
			}
			t.Status = job.TaskQueued
			t.Progress = 0
			t.Error = ""
			t.Detail = ""
			t.OutputName = ""
			t.OutputSizeBytes = 0
			t.ObjectKey = ""
			t.UploadedAt = nil
		}
		j.Status = job.StatusQueued
		j.Message = "Requeued"
		j.FinishedAt = nil
		j.ExpiresAt = nil
		j.DownloadAllURL = ""
		return nil
	})
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, job.ErrInvalidState) {
		writeError(w, http.StatusConflict, "job is rendering; cancel it or wait for it to finish")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue job")
		return
	}

	requeued := 0
	for _, t := range updated.Tasks {
		if t.Status != job.TaskQueued {
			continue
		}
		if err := h.queue.Enqueue(queue.Ref{JobID: id, TaskID: t.ID}); err != nil {
			slog.Error("enqueue requeued task", "job_id", id, "task_id", t.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "queue is full, try again later")
			return
		}
		requeued++
	}

	slog.Info("job requeued", "job_id", id, "tasks", requeued, "failed_only", req.ResetFailedVideos)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   id,
		"status":   updated.Status,
		"requeued": requeued,
	})
}

// errAlreadySettled marks a cancel against a job that is already terminal,
// which is a no-op rather than a conflict.
var errAlreadySettled = errors.New("job already settled")

// CancelJob handles POST /api/admin/jobs/{id}/cancel. Queued clips are failed
// immediately and revoked from the queue; a clip already rendering finishes
// its run and the job settles when it does. Cancelling an already-finished
// job changes nothing and succeeds.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by administrator"
	}

	id := r.PathValue("id")
	h.queue.ForgetJob(id)

	updated, err := h.store.Update(r.Context(), id, func(j *job.Job) error {
		if j.Status.IsTerminal() {
			return errAlreadySettled
		}
		for _, t := range j.Tasks {
			if t.Status == job.TaskQueued {
				t.Status = job.TaskFailed
				t.Progress = 0
				t.Error = reason
				t.Detail = ""
			}
		}
		if j.CountTasks(job.TaskRunning) == 0 {
			j.Status = job.StatusFailed
			j.Message = "Cancelled: " + reason
		} else {
			j.Message = "Cancelling, waiting for the running clip to finish"
		}
		return nil
	})
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, errAlreadySettled) {
		j, gerr := h.store.Get(r.Context(), id)
		if gerr != nil {
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": j.Status})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	if updated.AllTasksTerminal() && updated.ExpiresAt == nil && h.finalizer != nil {
		if err := h.finalizer.Finalize(r.Context(), id); err != nil {
			slog.Warn("finalize cancelled job", "job_id", id, "error", err)
		}
	}

	slog.Info("job cancelled", "job_id", id, "reason", reason)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": updated.Status})
}

// DeleteJob handles DELETE /api/admin/jobs/{id}: removes the job record and
// its workspace. Running jobs must be cancelled first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if !j.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "cancel the job before deleting it")
		return
	}

	h.queue.ForgetJob(id)
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	if _, err := h.ws.Remove(id); err != nil {
		slog.Warn("remove workspace of deleted job", "job_id", id, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// RunReconcile handles POST /api/admin/ops/reconcile: one on-demand pass.
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconcile failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RunCleanup handles POST /api/admin/ops/cleanup: an on-demand disk sweep,
// optionally followed by a database sweep.
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IncludeDatabase bool `json:"include_database"`
		ForceDatabase   bool `json:"force_database"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
	}

	disk, err := h.cleaner.RunDisk(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "disk cleanup failed: "+err.Error())
		return
	}

	resp := map[string]any{"disk": disk}
	if req.IncludeDatabase {
		db, err := h.cleaner.RunDatabase(r.Context(), req.ForceDatabase)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database cleanup failed: "+err.Error())
			return
		}
		resp["database"] = db
	}
	writeJSON(w, http.StatusOK, resp)
}

// Overview handles GET /api/admin/ops/overview: a point-in-time snapshot of
// the store, queue, and disk.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	usage, err := h.ws.TotalUsage()
	if err != nil {
		slog.Warn("measure workspace usage", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time": time.Now().UTC(),
		"jobs": counts,
		"queue": map[string]int{
			"depth":  h.queue.Depth(),
			"active": h.queue.ActiveCount(),
		},
		"workers": h.workers,
		"disk":    usage,
		"config": map[string]any{
			"queue_size":                h.cfg.QueueSize,
			"output_retention_hours":    h.cfg.OutputRetention.Hours(),
			"cleanup_enabled":           h.cfg.CleanupEnabled,
			"db_cleanup_enabled":        h.cfg.DBCleanupEnabled,
			"delete_inputs_on_complete": h.cfg.DeleteInputsOnComplete,
			"delete_work_on_complete":   h.cfg.DeleteWorkOnComplete,
			"storage_provider":          h.cfg.StorageProvider,
		},
	})
}
