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

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

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
			source_file_path TEXT NOT NULL,
			display_name     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			options          TEXT NOT NULL DEFAULT '{}',
			audio_path       TEXT NOT NULL DEFAULT '',
			transcript_path  TEXT NOT NULL DEFAULT '',
			summary_path     TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0,
			error            TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`)
	return err
}

const jobColumns = `id, source_file_path, display_name, status, options, audio_path,
	transcript_path, summary_path, duration_seconds, error, created_at, updated_at,
	started_at, completed_at`

func (s *SQLiteStore) Upsert(ctx context.Context, j *Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	now := time.Now().UTC()
	created := j.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, source_file_path, display_name, status, options, error, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_file_path = excluded.source_file_path,
			display_name     = excluded.display_name,
			status           = excluded.status,
			options          = excluded.options,
			error            = '',
			updated_at       = excluded.updated_at,
			started_at       = NULL,
			completed_at     = NULL
	`,
		j.ID,
		j.SourceFilePath,
		j.DisplayName,
		StatusPending,
		string(opts),
		created.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job or nil when no job has that id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
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
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByStatus returns matching jobs oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ?
	`, status, now, now, id)
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RecordStage(ctx context.Context, id string, out StageOutput) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			audio_path       = COALESCE(NULLIF(?, ''), audio_path),
			duration_seconds = CASE WHEN ? > 0 THEN ? ELSE duration_seconds END,
			transcript_path  = COALESCE(NULLIF(?, ''), transcript_path),
			summary_path     = COALESCE(NULLIF(?, ''), summary_path),
			updated_at       = ?
		WHERE id = ?
	`,
		out.AudioPath,
		out.DurationSeconds, out.DurationSeconds,
		out.TranscriptPath,
		out.SummaryPath,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("record stage output for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, StatusFailed, errMsg)
}

func (s *SQLiteStore) finish(ctx context.Context, id string, status Status, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, status, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailInterrupted(ctx context.Context, errMsg string) ([]string, error) {
	active := []Status{StatusExtracting, StatusTranscribing, StatusSummarizing}
	jobs, err := s.ListByStatus(ctx, active...)
	if err != nil {
		return nil, fmt.Errorf("query interrupted jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if err := s.MarkFailed(ctx, j.ID, errMsg); err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var opts string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.SourceFilePath, &j.DisplayName, &j.Status, &opts, &j.AudioPath,
		&j.TranscriptPath, &j.SummaryPath, &j.DurationSeconds, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
			return nil, fmt.Errorf("decode options for job %s: %w", j.ID, err)
		}
	}
	j.Options = j.Options.WithDefaults()
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func collect(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

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
