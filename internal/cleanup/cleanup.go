// Package cleanup reclaims disk space and prunes old job records. The disk
// sweep removes workspaces of terminal jobs past their expiry, plus orphan
// directories with no job record; the database sweep deletes terminal rows
// past the configured retention. Non-terminal jobs are never touched.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/workspace"
)

// DiskSummary counts what one disk sweep reclaimed.
type DiskSummary struct {
	RemovedDirs  int   `json:"removed_dirs"`
	RemovedFiles int   `json:"removed_files"`
	RemovedBytes int64 `json:"removed_bytes"`
}

// DBSummary counts what one database sweep deleted.
type DBSummary struct {
	Deleted int64 `json:"deleted"`
}

// Service runs the retention sweeps.
type Service struct {
	store           job.Store
	ws              *workspace.Manager
	outputRetention time.Duration
	dbRetention     time.Duration
}

func New(store job.Store, ws *workspace.Manager, outputRetention, dbRetention time.Duration) *Service {
	return &Service{
		store:           store,
		ws:              ws,
		outputRetention: outputRetention,
		dbRetention:     dbRetention,
	}
}

// RunDisk sweeps job workspaces. A directory is removed when its job is
// terminal and its expiry has passed, or when no job record exists for it and
// the directory has been idle longer than the retention window (uploads that
// never became jobs, records pruned by the database sweep).
func (s *Service) RunDisk(ctx context.Context) (DiskSummary, error) {
	var sum DiskSummary

	dirs, err := s.ws.List()
	if err != nil {
		return sum, fmt.Errorf("list job directories: %w", err)
	}

	now := time.Now().UTC()
	for _, d := range dirs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		j, err := s.store.Get(ctx, d.JobID)
		switch {
		case errors.Is(err, job.ErrNotFound):
			if now.Sub(d.ModTime) < s.outputRetention {
				continue
			}
			slog.Info("cleanup: removing orphan directory", "job_id", d.JobID, "mod_time", d.ModTime)
		case err != nil:
			slog.Error("cleanup: load job", "job_id", d.JobID, "error", err)
			continue
		default:
			if !j.Status.IsTerminal() {
				continue
			}
			if j.ExpiresAt == nil || now.Before(*j.ExpiresAt) {
				continue
			}
			slog.Info("cleanup: removing expired workspace", "job_id", d.JobID, "expired_at", j.ExpiresAt)
		}

		usage, err := s.ws.Remove(d.JobID)
		if err != nil {
			slog.Error("cleanup: remove directory", "job_id", d.JobID, "error", err)
			continue
		}
		sum.RemovedDirs++
		sum.RemovedFiles += usage.Files
		sum.RemovedBytes += usage.Bytes
	}

	if sum.RemovedDirs > 0 {
		slog.Info("disk cleanup complete",
			"removed_dirs", sum.RemovedDirs,
			"removed_files", sum.RemovedFiles,
			"removed_bytes", sum.RemovedBytes,
		)
	}
	return sum, nil
}

// RunDatabase deletes terminal job rows older than the retention window.
// force deletes every terminal row regardless of age.
func (s *Service) RunDatabase(ctx context.Context, force bool) (DBSummary, error) {
	cutoff := time.Now().UTC()
	if !force {
		cutoff = cutoff.Add(-s.dbRetention)
	}

	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return DBSummary{}, fmt.Errorf("prune job records: %w", err)
	}
	if deleted > 0 {
		slog.Info("database cleanup complete", "deleted", deleted, "cutoff", cutoff)
	}
	return DBSummary{Deleted: deleted}, nil
}
