package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/poverlay/poverlay/internal/config"
	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/notify"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/render"
	"github.com/poverlay/poverlay/internal/storage"
	"github.com/poverlay/poverlay/internal/workspace"
)

// fakeRunner scripts probe and render results per input filename.
type fakeRunner struct {
	failInputs map[string]string // input name -> error line
	rendered   []string
}

func (f *fakeRunner) Probe(ctx context.Context, path string) (*render.MediaInfo, error) {
	return &render.MediaInfo{Width: 1920, Height: 1080, FPS: 30, FPSRaw: "30/1", Duration: 12.5, Codec: "h264"}, nil
}

func (f *fakeRunner) Render(ctx context.Context, req render.Request) (*render.Result, error) {
	name := filepath.Base(req.VideoPath)
	f.rendered = append(f.rendered, name)

	if line, ok := f.failInputs[name]; ok {
		return &render.Result{LastLine: line, Elapsed: time.Millisecond}, errors.New("renderer exited: exit status 1: " + line)
	}

	if req.OnProgress != nil {
		req.OnProgress(50)
		req.OnProgress(100)
	}
	if err := os.WriteFile(req.OutputPath, []byte("rendered-video-bytes"), 0o644); err != nil {
		return &render.Result{}, err
	}
	return &render.Result{LastLine: "[100%] done", Elapsed: time.Millisecond}, nil
}

type fixture struct {
	cfg    *config.Config
	store  job.Store
	queue  *queue.Queue
	ws     *workspace.Manager
	runner *fakeRunner
	pool   *Pool
	blobs  storage.Interface
}

func newFixture(t *testing.T, runner *fakeRunner, withBlobs bool) *fixture {
	t.Helper()

	store, err := job.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	cfg := &config.Config{
		APIBaseURL:             "http://localhost:8787",
		OutputRetention:        24 * time.Hour,
		DeleteInputsOnComplete: false,
		DeleteWorkOnComplete:   true,
		Workers:                1,
	}

	var blobs storage.Interface
	if withBlobs {
		fs, err := storage.NewFSStore(filepath.Join(dir, "archive"), "http://localhost:8787/archive")
		require.NoError(t, err)
		blobs = fs
	}

	ws := workspace.NewManager(filepath.Join(dir, "jobs"))
	q := queue.New(64)
	pool := NewPool(cfg, store, q, ws, runner, blobs, notify.Noop{})

	return &fixture{cfg: cfg, store: store, queue: q, ws: ws, runner: runner, pool: pool, blobs: blobs}
}

func (f *fixture) submitJob(t *testing.T, inputs ...string) *job.Job {
	t.Helper()

	j := &job.Job{
		ID:        uuid.New().String(),
		Owner:     "rider",
		Status:    job.StatusQueued,
		TrackName: "track.gpx",
		Settings:  job.DefaultSettings(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	paths, err := f.ws.Create(j.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(paths.Inputs, "track.gpx"), []byte("<gpx/>"), 0o644))

	for _, name := range inputs {
		require.NoError(t, os.WriteFile(filepath.Join(paths.Inputs, name), []byte("video"), 0o644))
		j.Tasks = append(j.Tasks, &job.Task{
			ID:        uuid.New().String(),
			Title:     name,
			InputName: name,
			Status:    job.TaskQueued,
		})
	}
	require.NoError(t, f.store.Create(context.Background(), j))
	return j
}

// runAll dequeues and processes every pending task synchronously.
func (f *fixture) runAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for f.queue.Depth() > 0 {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ref, ok := f.queue.Dequeue(dctx)
		cancel()
		require.True(t, ok, "queue should yield a task")
		f.pool.process(ctx, ref)
		f.queue.Release(ref)
	}
}

func enqueueAll(t *testing.T, q *queue.Queue, j *job.Job) {
	t.Helper()
	for _, task := range j.Tasks {
		require.NoError(t, q.Enqueue(queue.Ref{JobID: j.ID, TaskID: task.ID}))
	}
}

func TestProcess_AllClipsSucceed(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, true)
	j := f.submitJob(t, "a.mp4", "b.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, "All videos rendered", got.Message)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.ExpiresAt)
	require.Equal(t, "http://localhost:8787/api/jobs/"+j.ID+"/download-all", got.DownloadAllURL)

	require.Equal(t, "a.mp4", got.Tasks[0].InputName)
	for _, task := range got.Tasks {
		require.Equal(t, job.TaskCompleted, task.Status)
		require.NotEmpty(t, task.OutputName)
		require.Greater(t, task.OutputSizeBytes, int64(0))
		require.NotEmpty(t, task.ObjectKey, "output should be archived")
		require.NotNil(t, task.UploadedAt)
		require.Equal(t, "1920x1080", task.SourceResolution)
	}

	// Archived object is verifiable by size.
	obj, err := f.blobs.Stat(context.Background(), got.Tasks[0].ObjectKey)
	require.NoError(t, err)
	require.Equal(t, got.Tasks[0].OutputSizeBytes, obj.Size)

	// Work dir reclaimed, outputs shipped to the archive.
	paths := f.ws.Paths(j.ID)
	_, err = os.Stat(paths.Work)
	require.True(t, os.IsNotExist(err), "work dir should be removed")
	_, err = os.Stat(paths.Outputs)
	require.True(t, os.IsNotExist(err), "outputs should be removed after archival")
}

func TestProcess_PartialFailure(t *testing.T) {
	runner := &fakeRunner{failInputs: map[string]string{"bad.mp4": "encoder crashed"}}
	f := newFixture(t, runner, true)
	j := f.submitJob(t, "good.mp4", "bad.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompletedWithErrors, got.Status)
	require.Equal(t, "Rendered with 1 failure(s)", got.Message)

	good := got.Tasks[0]
	bad := got.Tasks[1]
	require.Equal(t, job.TaskCompleted, good.Status)
	require.NotEmpty(t, good.ObjectKey)
	require.Equal(t, job.TaskFailed, bad.Status)
	require.Contains(t, bad.Error, "encoder crashed")
	require.Empty(t, bad.ObjectKey)
}

func TestProcess_AllClipsFail(t *testing.T) {
	runner := &fakeRunner{failInputs: map[string]string{
		"a.mp4": "gpx and video don't overlap in time",
		"b.mp4": "gpx and video don't overlap in time",
	}}
	f := newFixture(t, runner, false)
	j := f.submitJob(t, "a.mp4", "b.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Contains(t, got.Message, "Rendering failed:")
	require.NotNil(t, got.ExpiresAt, "failed jobs still get an expiry for cleanup")
	require.Empty(t, got.DownloadAllURL, "no completed clip, nothing to bundle")

	// The time-overlap failure must not walk the whole fallback chain.
	require.Equal(t, []string{"a.mp4", "b.mp4"}, runner.rendered)
}

func TestProcess_ProfileFallback(t *testing.T) {
	// First attempt fails generically; the auto chain should try the next
	// profile and succeed.
	attempts := 0
	f := newFixture(t, &fakeRunner{}, false)
	f.pool.renderer = runnerFunc{
		probe: func(ctx context.Context, path string) (*render.MediaInfo, error) {
			return &render.MediaInfo{Width: 1920, Height: 1080, FPSRaw: "30/1"}, nil
		},
		render: func(ctx context.Context, req render.Request) (*render.Result, error) {
			attempts++
			if attempts == 1 {
				return &render.Result{LastLine: "codec not supported"}, errors.New("exit status 1")
			}
			require.NoError(t, os.WriteFile(req.OutputPath, []byte("ok"), 0o644))
			return &render.Result{LastLine: "[100%]"}, nil
		},
	}

	j := f.submitJob(t, "clip.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 2, attempts, "second profile in the chain should have been tried")
	require.NotEqual(t, "h264-source", got.Tasks[0].RenderProfile)
}

func TestProcess_MissingInputFailsTask(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, false)
	j := f.submitJob(t, "present.mp4")
	require.NoError(t, os.Remove(filepath.Join(f.ws.Paths(j.ID).Inputs, "present.mp4")))
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Contains(t, got.Tasks[0].Error, "missing on disk")
}

func TestClaim_SkipsSettledTask(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, false)
	j := f.submitJob(t, "a.mp4")

	_, err := f.store.Update(context.Background(), j.ID, func(j *job.Job) error {
		j.Tasks[0].Status = job.TaskCompleted
		return nil
	})
	require.NoError(t, err)

	_, err = f.pool.claim(context.Background(), queue.Ref{JobID: j.ID, TaskID: j.Tasks[0].ID})
	require.ErrorIs(t, err, errSkip)
}

func TestFinalize_Idempotent(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, false)
	j := f.submitJob(t, "a.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	first, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ExpiresAt)

	// A second finalize (e.g. from a reconciler pass) must not move the expiry.
	require.NoError(t, f.pool.Finalize(context.Background(), j.ID))
	second, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, first.ExpiresAt.Unix(), second.ExpiresAt.Unix())
}

func TestFinalize_UploadFailureLeavesJobUnstamped(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, false)
	f.pool.blobs = failingStore{}
	j := f.submitJob(t, "a.mp4")
	enqueueAll(t, f.queue, j)
	f.runAll(t)

	got, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status, "render result is kept")
	require.Nil(t, got.ExpiresAt, "unarchived job must stay unstamped for retry")
	require.Contains(t, got.Message, "Upload pending")

	// Retry with working storage succeeds and stamps the job.
	fs, err := storage.NewFSStore(filepath.Join(t.TempDir(), "archive"), "http://localhost/archive")
	require.NoError(t, err)
	f.pool.blobs = fs
	require.NoError(t, f.pool.Finalize(context.Background(), j.ID))

	got, err = f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	require.NotEmpty(t, got.Tasks[0].ObjectKey)
}

// runnerFunc adapts bare funcs to render.Runner.
type runnerFunc struct {
	probe  func(context.Context, string) (*render.MediaInfo, error)
	render func(context.Context, render.Request) (*render.Result, error)
}

func (r runnerFunc) Probe(ctx context.Context, path string) (*render.MediaInfo, error) {
	return r.probe(ctx, path)
}

func (r runnerFunc) Render(ctx context.Context, req render.Request) (*render.Result, error) {
	return r.render(ctx, req)
}

// failingStore rejects every upload.
type failingStore struct{}

func (failingStore) Put(context.Context, string, io.Reader, int64, string) (*storage.Object, error) {
	return nil, fmt.Errorf("bucket unavailable")
}

func (failingStore) Stat(context.Context, string) (*storage.Object, error) {
	return nil, fmt.Errorf("bucket unavailable")
}

func (failingStore) GetStream(context.Context, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("bucket unavailable")
}

func (failingStore) Delete(context.Context, string) error { return nil }

func (failingStore) PresignGet(context.Context, string, string, time.Duration) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}
