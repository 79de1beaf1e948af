package job

import (
	"testing"
	"time"
)

func newTwoTaskJob() *Job {
	return &Job{
		ID:     "j1",
		Status: StatusRunning,
		Tasks: []*Task{
			{ID: "t1", InputName: "a.mp4", Status: TaskQueued},
			{ID: "t2", InputName: "b.mp4", Status: TaskQueued},
		},
	}
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []TaskStatus
		want     Status
		wantOK   bool
	}{
		{"all completed", []TaskStatus{TaskCompleted, TaskCompleted}, StatusCompleted, true},
		{"all failed", []TaskStatus{TaskFailed, TaskFailed}, StatusFailed, true},
		{"mixed", []TaskStatus{TaskCompleted, TaskFailed}, StatusCompletedWithErrors, true},
		{"one still running", []TaskStatus{TaskCompleted, TaskRunning}, "", false},
		{"one still queued", []TaskStatus{TaskFailed, TaskQueued}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTwoTaskJob()
			for i, s := range tt.statuses {
				j.Tasks[i].Status = s
			}
			got, ok := j.TerminalStatus()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTerminalStatus_NoTasks(t *testing.T) {
	j := &Job{ID: "empty", Status: StatusQueued}
	if _, ok := j.TerminalStatus(); ok {
		t.Error("job without tasks must never be terminal-by-tasks")
	}
}

func TestRecomputeProgress(t *testing.T) {
	j := newTwoTaskJob()
	j.Tasks[0].Progress = 100
	j.Tasks[1].Progress = 1
	j.RecomputeProgress()
	if j.Progress != 51 {
		t.Errorf("progress = %d, want 51 (rounded mean)", j.Progress)
	}

	j.Status = StatusFailed
	j.RecomputeProgress()
	if j.Progress != 100 {
		t.Errorf("terminal progress = %d, want 100", j.Progress)
	}
}

func TestRecomputeProgress_Clamped(t *testing.T) {
	j := newTwoTaskJob()
	j.Tasks[0].Progress = 150
	j.Tasks[1].Progress = 150
	j.RecomputeProgress()
	if j.Progress != 100 {
		t.Errorf("progress = %d, want clamped 100", j.Progress)
	}
}

func TestTask_Lookup(t *testing.T) {
	j := newTwoTaskJob()
	if got := j.Task("t2"); got == nil || got.InputName != "b.mp4" {
		t.Errorf("Task(t2) = %+v, want b.mp4", got)
	}
	if got := j.Task("nope"); got != nil {
		t.Errorf("Task(nope) = %+v, want nil", got)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompletedWithErrors, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCountTasks(t *testing.T) {
	j := newTwoTaskJob()
	j.Tasks[0].Status = TaskCompleted
	if n := j.CountTasks(TaskCompleted); n != 1 {
		t.Errorf("completed count = %d, want 1", n)
	}
	if n := j.CountTasks(TaskQueued); n != 1 {
		t.Errorf("queued count = %d, want 1", n)
	}
}

func TestJobTimestamps_Pointers(t *testing.T) {
	// ExpiresAt doubles as the finalized marker; a fresh job must not have one.
	j := newTwoTaskJob()
	j.CreatedAt = time.Now().UTC()
	if j.ExpiresAt != nil || j.FinishedAt != nil || j.StartedAt != nil {
		t.Error("new job must not carry lifecycle timestamps")
	}
}
