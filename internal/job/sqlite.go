package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations. Write transactions take the lock up front (_txlock=immediate)
// so concurrent task updates serialize instead of failing with SQLITE_BUSY.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Every connection to a ":memory:" DSN gets its own empty database.
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			owner            TEXT NOT NULL DEFAULT '',
			notify_email     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'queued',
			progress         INTEGER NOT NULL DEFAULT 0,
			message          TEXT NOT NULL DEFAULT '',
			track_name       TEXT NOT NULL DEFAULT '',
			dir              TEXT NOT NULL DEFAULT '',
			settings         TEXT NOT NULL DEFAULT '{}',
			tasks            TEXT NOT NULL DEFAULT '[]',
			download_all_url TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			started_at       DATETIME,
			finished_at      DATETIME,
			expires_at       DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status      ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at  ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_expires_at  ON jobs(expires_at);
	`)
	return err
}

const jobColumns = `id, owner, notify_email, status, progress, message, track_name, dir,
	settings, tasks, download_all_url, created_at, updated_at, started_at, finished_at, expires_at`

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	settings, err := json.Marshal(j.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tasks, err := json.Marshal(j.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(`+jobColumns+`)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Owner, j.NotifyEmail, j.Status, j.Progress, j.Message,
		j.TrackName, j.Dir, string(settings), string(tasks), j.DownloadAllURL,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
		nullableTime(j.StartedAt), nullableTime(j.FinishedAt), nullableTime(j.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var settings, tasks string
	var startedAt, finishedAt, expiresAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Owner, &j.NotifyEmail, &j.Status, &j.Progress, &j.Message,
		&j.TrackName, &j.Dir, &settings, &tasks, &j.DownloadAllURL,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &finishedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settings), &j.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &j.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		j.ExpiresAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Update loads the job inside a write transaction, applies mutate, recomputes
// derived fields, and writes the row back. The transaction holds the write
// lock for the whole read-modify-write, which is what makes concurrent task
// updates of the same job safe.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update for job %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s for update: %w", id, err)
	}

	if err := mutate(j); err != nil {
		return nil, err
	}
	j.RecomputeProgress()
	j.UpdatedAt = time.Now().UTC()

	settings, err := json.Marshal(j.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	tasks, err := json.Marshal(j.Tasks)
	if err != nil {
		return nil, fmt.Errorf("marshal tasks: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			owner = ?, notify_email = ?, status = ?, progress = ?, message = ?,
			track_name = ?, dir = ?, settings = ?, tasks = ?, download_all_url = ?,
			updated_at = ?, started_at = ?, finished_at = ?, expires_at = ?
		WHERE id = ?
	`,
		j.Owner, j.NotifyEmail, j.Status, j.Progress, j.Message,
		j.TrackName, j.Dir, string(settings), string(tasks), j.DownloadAllURL,
		j.UpdatedAt, nullableTime(j.StartedAt), nullableTime(j.FinishedAt), nullableTime(j.ExpiresAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update for job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(statuses))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		AND finished_at IS NOT NULL
		AND finished_at < ?
	`, StatusCompleted, StatusCompletedWithErrors, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
