package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/render"
)

// process drives one claimed task through probe, render (with profile
// fallback), and bookkeeping. A failed render never touches sibling tasks.
func (p *Pool) process(ctx context.Context, ref queue.Ref) {
	j, err := p.claim(ctx, ref)
	if errors.Is(err, errSkip) || errors.Is(err, job.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("worker: claim task", "job_id", ref.JobID, "task_id", ref.TaskID, "error", err)
		return
	}

	t := j.Task(ref.TaskID)
	paths := p.ws.Paths(ref.JobID)
	inputPath := filepath.Join(paths.Inputs, t.InputName)
	gpxPath := filepath.Join(paths.Inputs, j.TrackName)

	if !p.ws.InputExists(ref.JobID, j.TrackName) {
		p.failTask(ctx, ref, "track file missing on disk", nil)
		p.maybeFinalize(ctx, ref.JobID)
		return
	}
	if !p.ws.InputExists(ref.JobID, t.InputName) {
		p.failTask(ctx, ref, "input file missing on disk", nil)
		p.maybeFinalize(ctx, ref.JobID)
		return
	}

	info, err := p.renderer.Probe(ctx, inputPath)
	if err != nil {
		p.failTask(ctx, ref, fmt.Sprintf("probe failed: %v", err), nil)
		p.maybeFinalize(ctx, ref.JobID)
		return
	}

	stem := strings.TrimSuffix(t.InputName, filepath.Ext(t.InputName))
	outputName := stem + "-overlay.mp4"
	outputPath := filepath.Join(paths.Outputs, outputName)
	logName := stem + ".log"
	logPath := filepath.Join(paths.Logs, logName)

	candidates := render.ProfileCandidates(info, j.Settings.RenderProfile)
	index := taskIndex(j, ref.TaskID)
	total := len(j.Tasks)

	var (
		lastErr  error
		profile  string
		lastLine string
		elapsed  time.Duration
	)
	for i, prof := range candidates {
		w, h := render.OverlayDimensions(info, prof)
		p.updateTask(ctx, ref, func(t *job.Task) {
			t.RenderProfile = prof
			t.Detail = fmt.Sprintf("Rendering with %s (%d/%d)", prof, i+1, len(candidates))
		})

		res, renderErr := p.renderer.Render(ctx, render.Request{
			GPXPath:       gpxPath,
			VideoPath:     inputPath,
			OutputPath:    outputPath,
			WorkDir:       paths.Work,
			LogPath:       logPath,
			Profile:       prof,
			OverlayWidth:  w,
			OverlayHeight: h,
			Settings:      j.Settings,
			OnProgress: func(pct int) {
				p.reportProgress(ctx, ref, index, total, pct)
			},
		})
		elapsed += res.Elapsed
		lastLine = res.LastLine
		if renderErr == nil {
			profile = prof
			lastErr = nil
			break
		}
		lastErr = renderErr
		if ctx.Err() != nil {
			break
		}
		// No other profile can fix a track/clip time mismatch.
		if strings.Contains(strings.ToLower(lastLine), "don't overlap in time") {
			break
		}
	}

	if lastErr != nil {
		p.failTask(ctx, ref, lastErr.Error(), func(t *job.Task) {
			t.LogName = logName
			t.SourceResolution = info.Resolution()
			t.SourceFPS = info.FPSRaw
			t.SourceDurationSecs = info.Duration
			t.RenderElapsedSeconds = elapsed.Seconds()
		})
	} else {
		var size int64
		if st, err := os.Stat(outputPath); err == nil {
			size = st.Size()
		}
		p.updateTask(ctx, ref, func(t *job.Task) {
			t.Status = job.TaskCompleted
			t.Progress = 100
			t.Detail = ""
			t.Error = ""
			t.OutputName = outputName
			t.OutputSizeBytes = size
			t.LogName = logName
			t.RenderProfile = profile
			t.SourceResolution = info.Resolution()
			t.SourceFPS = info.FPSRaw
			t.SourceDurationSecs = info.Duration
			t.RenderElapsedSeconds = elapsed.Seconds()
		})
		// Failed clips keep their input so an admin requeue can retry them.
		if p.cfg.DeleteInputsOnComplete {
			os.Remove(inputPath) //nolint:errcheck
		}
	}

	p.maybeFinalize(ctx, ref.JobID)
}

// claim atomically transitions the task queued→running and the job
// queued→running. errSkip means another worker, a cancel, or a terminal
// state got there first.
func (p *Pool) claim(ctx context.Context, ref queue.Ref) (*job.Job, error) {
	return p.store.Update(ctx, ref.JobID, func(j *job.Job) error {
		t := j.Task(ref.TaskID)
		if t == nil || t.Status != job.TaskQueued || j.Status.IsTerminal() {
			return errSkip
		}
		t.Status = job.TaskRunning
		t.Detail = "Probing metadata"
		if t.Progress < 1 {
			t.Progress = 1
		}
		if j.Status == job.StatusQueued {
			j.Status = job.StatusRunning
			j.Message = "Rendering"
			if j.StartedAt == nil {
				now := time.Now().UTC()
				j.StartedAt = &now
			}
		}
		return nil
	})
}

func (p *Pool) reportProgress(ctx context.Context, ref queue.Ref, index, total, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := p.store.Update(ctx, ref.JobID, func(j *job.Job) error {
		t := j.Task(ref.TaskID)
		if t == nil || t.Status != job.TaskRunning {
			return errSkip
		}
		// Monotonic within one attempt; late lines from a previous profile
		// attempt must not rewind the bar.
		if pct > t.Progress {
			t.Progress = pct
		}
		j.Message = fmt.Sprintf("Rendering %d/%d", index+1, total)
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, job.ErrNotFound) {
		slog.Warn("worker: record progress", "job_id", ref.JobID, "task_id", ref.TaskID, "error", err)
	}
}

func (p *Pool) updateTask(ctx context.Context, ref queue.Ref, mutate func(*job.Task)) {
	_, err := p.store.Update(ctx, ref.JobID, func(j *job.Job) error {
		t := j.Task(ref.TaskID)
		if t == nil {
			return errSkip
		}
		mutate(t)
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, job.ErrNotFound) {
		slog.Error("worker: update task", "job_id", ref.JobID, "task_id", ref.TaskID, "error", err)
	}
}

func (p *Pool) failTask(ctx context.Context, ref queue.Ref, errMsg string, extra func(*job.Task)) {
	p.updateTask(ctx, ref, func(t *job.Task) {
		t.Status = job.TaskFailed
		t.Progress = 0
		t.Error = errMsg
		t.Detail = ""
		if extra != nil {
			extra(t)
		}
	})
}

func taskIndex(j *job.Job, taskID string) int {
	for i, t := range j.Tasks {
		if t.ID == taskID {
			return i
		}
	}
	return 0
}
