// Package api exposes the HTTP surface: the public submission and download
// endpoints plus the admin operations under /api/admin.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/poverlay/poverlay/internal/cleanup"
	"github.com/poverlay/poverlay/internal/config"
	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/reconcile"
	"github.com/poverlay/poverlay/internal/storage"
	"github.com/poverlay/poverlay/internal/workspace"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	cfg        *config.Config
	store      job.Store
	queue      *queue.Queue
	ws         *workspace.Manager
	blobs      storage.Interface // nil when archival is disabled
	reconciler *reconcile.Reconciler
	cleaner    *cleanup.Service
	finalizer  reconcile.Finalizer
	workers    int
}

func NewHandler(cfg *config.Config, store job.Store, q *queue.Queue, ws *workspace.Manager,
	blobs storage.Interface, reconciler *reconcile.Reconciler, cleaner *cleanup.Service,
	finalizer reconcile.Finalizer, workers int) *Handler {
	return &Handler{
		cfg:        cfg,
		store:      store,
		queue:      q,
		ws:         ws,
		blobs:      blobs,
		reconciler: reconciler,
		cleaner:    cleaner,
		finalizer:  finalizer,
		workers:    workers,
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/meta", h.Meta)

	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/jobs/{id}/download/{filename}", h.DownloadOutput)
	mux.HandleFunc("GET /api/jobs/{id}/log/{filename}", h.DownloadLog)
	mux.HandleFunc("GET /api/jobs/{id}/download-all", h.DownloadAll)

	mux.HandleFunc("GET /api/admin/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/admin/jobs/{id}/requeue", h.RequeueJob)
	mux.HandleFunc("POST /api/admin/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("DELETE /api/admin/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/admin/ops/reconcile", h.RunReconcile)
	mux.HandleFunc("POST /api/admin/ops/cleanup", h.RunCleanup)
	mux.HandleFunc("GET /api/admin/ops/overview", h.Overview)
}

// Health handles GET /api/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"queue":   h.queue.Depth(),
		"active":  h.queue.ActiveCount(),
		"workers": h.workers,
	})
}

// Meta handles GET /api/meta: the option catalogs the upload form renders.
func (h *Handler) Meta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"themes":           job.ThemeCatalog(),
		"layout_styles":    job.LayoutStyleCatalog(),
		"render_profiles":  job.RenderProfileCatalog(),
		"default_settings": job.DefaultSettings(),
		"max_upload_bytes": h.cfg.MaxUploadBytes,
	})
}

// GetJob handles GET /api/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /api/admin/jobs with a paginated job list.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
