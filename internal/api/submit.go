package api

import (
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/queue"
)

var allowedVideoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true,
}

// CreateJob handles POST /api/jobs: a multipart form with one "gpx" track
// file, one or more "videos" clip files, and the render settings as form
// fields. Uploads are persisted to the job workspace before the job row is
// written, so a crash between the two leaves only an orphan directory the
// cleanup sweep reclaims.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	gpxFiles := r.MultipartForm.File["gpx"]
	if len(gpxFiles) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one gpx file is required")
		return
	}
	trackName := sanitizeFilename(gpxFiles[0].Filename)
	if !strings.EqualFold(filepath.Ext(trackName), ".gpx") {
		writeError(w, http.StatusBadRequest, "track file must be a .gpx file")
		return
	}

	videoFiles := r.MultipartForm.File["videos"]
	if len(videoFiles) == 0 {
		writeError(w, http.StatusBadRequest, "at least one video file is required")
		return
	}
	for _, f := range videoFiles {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		if !allowedVideoExts[ext] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported video type %q for %s", ext, f.Filename))
			return
		}
	}

	settings, err := settingsFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.New().String()
	paths, err := h.ws.Create(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job workspace")
		return
	}

	cleanupDir := func() {
		if _, err := h.ws.Remove(jobID); err != nil {
			slog.Warn("remove workspace after failed submission", "job_id", jobID, "error", err)
		}
	}

	if err := saveUpload(gpxFiles[0], filepath.Join(paths.Inputs, trackName)); err != nil {
		cleanupDir()
		writeError(w, http.StatusInternalServerError, "failed to store track file")
		return
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:          jobID,
		Owner:       strings.TrimSpace(r.FormValue("owner")),
		NotifyEmail: strings.TrimSpace(r.FormValue("notify_email")),
		Status:      job.StatusQueued,
		Message:     "Waiting for a worker",
		TrackName:   trackName,
		Dir:         paths.Root,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	used := map[string]bool{trackName: true}
	for _, f := range videoFiles {
		name := uniqueName(sanitizeFilename(f.Filename), used)
		if err := saveUpload(f, filepath.Join(paths.Inputs, name)); err != nil {
			cleanupDir()
			writeError(w, http.StatusInternalServerError, "failed to store video file")
			return
		}
		j.Tasks = append(j.Tasks, &job.Task{
			ID:        uuid.New().String(),
			Title:     strings.TrimSuffix(name, filepath.Ext(name)),
			InputName: name,
			Status:    job.TaskQueued,
		})
	}

	if err := h.store.Create(r.Context(), j); err != nil {
		cleanupDir()
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	for _, t := range j.Tasks {
		if err := h.queue.Enqueue(queue.Ref{JobID: j.ID, TaskID: t.ID}); err != nil {
			slog.Error("enqueue task at submission", "job_id", j.ID, "task_id", t.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "queue is full, try again later")
			return
		}
	}

	slog.Info("job submitted", "job_id", j.ID, "owner", j.Owner, "videos", len(j.Tasks))
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": j.ID,
		"status": j.Status,
		"videos": len(j.Tasks),
	})
}

// settingsFromForm overlays submitted form fields onto the defaults and
// validates the result.
func settingsFromForm(r *http.Request) (job.Settings, error) {
	s := job.DefaultSettings()

	set := func(field string, dst *string) {
		if v := strings.TrimSpace(r.FormValue(field)); v != "" {
			*dst = v
		}
	}
	set("speed_units", &s.SpeedUnits)
	set("gpx_speed_unit", &s.GPXSpeedUnit)
	set("altitude_units", &s.AltitudeUnits)
	set("distance_units", &s.DistanceUnits)
	set("temperature_units", &s.TemperatureUnits)
	set("map_style", &s.MapStyle)
	set("overlay_theme", &s.OverlayTheme)
	set("layout_style", &s.LayoutStyle)
	set("fps_mode", &s.FPSMode)
	set("render_profile", &s.RenderProfile)

	if v := strings.TrimSpace(r.FormValue("gpx_offset_seconds")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("invalid gpx_offset_seconds: %q", v)
		}
		s.GPXOffsetSeconds = f
	}
	if v := strings.TrimSpace(r.FormValue("fixed_fps")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("invalid fixed_fps: %q", v)
		}
		s.FixedFPS = f
	}
	if v := strings.TrimSpace(r.FormValue("include_maps")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("invalid include_maps: %q", v)
		}
		s.IncludeMaps = b
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst) //nolint:errcheck
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// sanitizeFilename strips any path components from a client-supplied name.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "upload"
	}
	return name
}

// uniqueName deduplicates clip filenames within one job by suffixing an index.
func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
