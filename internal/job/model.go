package job

import (
	"math"
	"time"
)

// Status is the aggregate state of a render job.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors || s == StatusFailed
}

// TaskStatus is the state of a single clip's render.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal returns true for task statuses that represent a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the render unit for a single clip within a job. Insertion order in
// Job.Tasks is submission order and is preserved for display.
type Task struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	InputName            string     `json:"input_name"`
	OutputName           string     `json:"output_name,omitempty"`
	Status               TaskStatus `json:"status"`
	Progress             int        `json:"progress"`
	Detail               string     `json:"detail,omitempty"`
	Error                string     `json:"error,omitempty"`
	RenderProfile        string     `json:"render_profile,omitempty"`
	SourceResolution     string     `json:"source_resolution,omitempty"`
	SourceFPS            string     `json:"source_fps,omitempty"`
	SourceDurationSecs   float64    `json:"source_duration_seconds,omitempty"`
	OutputSizeBytes      int64      `json:"output_size_bytes,omitempty"`
	LogName              string     `json:"log_name,omitempty"`
	ObjectKey            string     `json:"object_key,omitempty"`
	UploadedAt           *time.Time `json:"uploaded_at,omitempty"`
	RenderElapsedSeconds float64    `json:"render_elapsed_seconds,omitempty"`
}

// Job is one end-to-end render request: a single GPS track applied to one or
// more video clips.
type Job struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner,omitempty"`
	NotifyEmail    string     `json:"-"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	TrackName      string     `json:"track_name"`
	Dir            string     `json:"-"`
	Settings       Settings   `json:"settings"`
	Tasks          []*Task    `json:"tasks"`
	DownloadAllURL string     `json:"download_all_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Task returns the task with the given ID, or nil.
func (j *Job) Task(id string) *Task {
	for _, t := range j.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AllTasksTerminal reports whether every task has reached a final state.
func (j *Job) AllTasksTerminal() bool {
	for _, t := range j.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return len(j.Tasks) > 0
}

// CountTasks returns the number of tasks currently in the given status.
func (j *Job) CountTasks(status TaskStatus) int {
	n := 0
	for _, t := range j.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// TerminalStatus derives the final job status from the task set:
// completed when every task completed, failed when none did,
// completed_with_errors otherwise. ok is false while any task is still
// queued or running.
func (j *Job) TerminalStatus() (Status, bool) {
	if !j.AllTasksTerminal() {
		return "", false
	}
	completed := j.CountTasks(TaskCompleted)
	switch {
	case completed == len(j.Tasks):
		return StatusCompleted, true
	case completed == 0:
		return StatusFailed, true
	default:
		return StatusCompletedWithErrors, true
	}
}

// RecomputeProgress derives job progress as the mean of task progress,
// rounded and clamped to [0,100]. Terminal jobs are pinned to 100.
func (j *Job) RecomputeProgress() {
	if j.Status.IsTerminal() {
		j.Progress = 100
		return
	}
	if len(j.Tasks) == 0 {
		return
	}
	sum := 0.0
	for _, t := range j.Tasks {
		sum += float64(t.Progress)
	}
	p := int(math.Round(sum / float64(len(j.Tasks))))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.Progress = p
}
