package job

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the referenced job no longer exists, e.g.
// because the database cleanup sweep deleted it concurrently.
var ErrNotFound = errors.New("job not found")

// ErrInvalidState is returned by operations that require the job to be in a
// particular state, such as requeueing a job that is still running.
var ErrInvalidState = errors.New("job is in an invalid state for this operation")

// Store persists and retrieves jobs. It is the single source of truth across
// process restarts; in-memory queue and worker state must always be
// reconcilable from it.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies mutate to the stored job inside a write transaction.
	// The whole read-modify-write is atomic per job: two tasks of the same
	// job finishing at once cannot lose one of the two updates. Progress and
	// updated_at are recomputed after the mutator runs. Returns ErrNotFound
	// if the job was deleted, and passes through any mutator error without
	// writing.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// ListByStatus returns all jobs whose status is in the given set, ordered
	// by created_at ASC (submission order matters for recovery requeueing).
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal jobs that finished before the
	// cutoff. Non-terminal jobs are never deleted regardless of age.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Close() error
}
