package api

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/poverlay/poverlay/internal/job"
)

const presignExpiry = 15 * time.Minute

// DownloadOutput handles GET /api/jobs/{id}/download/{filename}. Outputs
// still on local disk are served directly; archived outputs redirect to a
// short-lived object storage URL.
func (h *Handler) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	filename := sanitizeFilename(r.PathValue("filename"))
	var task *job.Task
	for _, t := range j.Tasks {
		if t.OutputName == filename {
			task = t
			break
		}
	}
	if task == nil || task.Status != job.TaskCompleted {
		writeError(w, http.StatusNotFound, "output not found")
		return
	}

	localPath := filepath.Join(h.ws.Paths(j.ID).Outputs, filename)
	if _, err := os.Stat(localPath); err == nil {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		http.ServeFile(w, r, localPath)
		return
	}

	if task.ObjectKey != "" && h.blobs != nil {
		url, err := h.blobs.PresignGet(r.Context(), task.ObjectKey, filename, presignExpiry)
		if err != nil {
			slog.Error("presign download", "job_id", j.ID, "key", task.ObjectKey, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to sign download URL")
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	writeError(w, http.StatusGone, "output is no longer available")
}

// DownloadLog handles GET /api/jobs/{id}/log/{filename}, serving the per-clip
// renderer log as plain text.
func (h *Handler) DownloadLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	filename := sanitizeFilename(r.PathValue("filename"))
	path := filepath.Join(h.ws.Paths(jobID).Logs, filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

// DownloadAll handles GET /api/jobs/{id}/download-all, streaming a zip of
// every completed output. Files are pulled from local disk when present and
// from object storage otherwise, so the endpoint works before and after the
// local outputs are reclaimed.
func (h *Handler) DownloadAll(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if !j.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still rendering")
		return
	}
	if j.CountTasks(job.TaskCompleted) == 0 {
		writeError(w, http.StatusNotFound, "no rendered outputs for this job")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "renders-"+j.ID+".zip"))

	zw := zip.NewWriter(w)
	outputsDir := h.ws.Paths(j.ID).Outputs
	for _, t := range j.Tasks {
		if t.Status != job.TaskCompleted || t.OutputName == "" {
			continue
		}
		if err := h.zipOutput(r, zw, outputsDir, t); err != nil {
			// Headers are gone; all we can do is cut the stream short.
			slog.Error("stream zip entry", "job_id", j.ID, "output", t.OutputName, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		slog.Error("close zip stream", "job_id", j.ID, "error", err)
	}
}

func (h *Handler) zipOutput(r *http.Request, zw *zip.Writer, outputsDir string, t *job.Task) error {
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     t.OutputName,
		Method:   zip.Store, // video doesn't compress; don't burn CPU trying
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	localPath := filepath.Join(outputsDir, t.OutputName)
	if f, err := os.Open(localPath); err == nil {
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	}

	if t.ObjectKey == "" || h.blobs == nil {
		return fmt.Errorf("output %s not found locally or in object storage", t.OutputName)
	}
	stream, err := h.blobs.GetStream(r.Context(), t.ObjectKey)
	if err != nil {
		return err
	}
	defer stream.Close()
	_, err = io.Copy(entry, stream)
	return err
}
