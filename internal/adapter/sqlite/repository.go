package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/audioqueue/internal/domain"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    url             TEXT NOT NULL,
    format          TEXT NOT NULL DEFAULT 'mp3',
    priority        TEXT NOT NULL DEFAULT 'normal',
    status          TEXT NOT NULL DEFAULT 'pending',
    progress        INTEGER NOT NULL DEFAULT 0,
    current_retry   INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 3,
    error_code      TEXT,
    error_message   TEXT,
    file_path       TEXT,
    file_size       INTEGER,
    title           TEXT,
    artist          TEXT,
    duration        INTEGER,
    thumbnail       TEXT,
    idempotency_key TEXT UNIQUE,
    claimed_by      TEXT,
    heartbeat_at    TEXT,
    created_at      TEXT NOT NULL,
    started_at      TEXT,
    completed_at    TEXT,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority, created_at);
`

// addedColumns are created on databases that predate them.
var addedColumns = []struct{ name, ddl string }{
	{"claimed_by", `ALTER TABLE jobs ADD COLUMN claimed_by TEXT`},
	{"heartbeat_at", `ALTER TABLE jobs ADD COLUMN heartbeat_at TEXT`},
}

const columns = `id, url, format, priority, status, progress, current_retry, max_retries,
	COALESCE(error_code, ''), COALESCE(error_message, ''), COALESCE(file_path, ''), COALESCE(file_size, 0),
	COALESCE(title, ''), COALESCE(artist, ''), COALESCE(duration, 0), COALESCE(thumbnail, ''),
	COALESCE(idempotency_key, ''), COALESCE(claimed_by, ''), heartbeat_at,
	created_at, started_at, completed_at, updated_at`

const rankExpr = `CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END`

const dispatchOrder = ` ORDER BY ` + rankExpr + ` DESC, created_at ASC, id ASC`

// Timestamps are stored as fixed-width UTC text so that string order
// matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers so conditional updates never
	// race inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Repository{db: db}, nil
}

func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (url, format, priority, status, progress, current_retry, max_retries,
		 idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Source.URL, job.Source.Format, string(job.Priority), string(job.Status),
		job.Progress, job.CurrentRetry, job.MaxRetries,
		nullString(job.IdempotencyKey), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	created := *job
	created.ID = id
	return &created, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
}

// GetByIdempotencyKey retrieves the job holding key.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE idempotency_key = ?`, key))
}

// ReleaseIdempotencyKey detaches the key from a job so it can be reused.
func (r *Repository) ReleaseIdempotencyKey(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET idempotency_key = NULL WHERE id = ?`, id)
	return err
}

// List returns a page of jobs in dispatch order.
func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	where, args := "", []any{}
	if f.Status != "" {
		where, args = ` WHERE status = ?`, append(args, string(f.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+columns+` FROM jobs`+where+dispatchOrder+` LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// ListPending returns pending jobs in dispatch order, skipping exclude.
func (r *Repository) ListPending(ctx context.Context, limit int, exclude []int64) ([]domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE status = ?`
	args := []any{string(domain.StatusPending)}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	rows, err := r.db.QueryContext(ctx, query+dispatchOrder+` LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// CountByStatus counts jobs per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountAhead counts pending jobs dispatched before job.
func (r *Repository) CountAhead(ctx context.Context, job *domain.Job) (int, error) {
	rank := job.Priority.Rank()
	created := formatTime(job.CreatedAt)
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND id != ? AND (
		   `+rankExpr+` > ? OR (`+rankExpr+` = ? AND (created_at < ? OR (created_at = ? AND id < ?))))`,
		string(domain.StatusPending), job.ID, rank, rank, created, created, job.ID,
	).Scan(&n)
	return n, err
}

// Claim atomically moves a pending job to downloading under owner while
// the number of downloading jobs stays below maxActive.
func (r *Repository) Claim(ctx context.Context, id int64, owner string, maxActive int, now time.Time) (*domain.Job, error) {
	ts := formatTime(now)
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, progress = 0, claimed_by = ?, heartbeat_at = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		   AND (? <= 0 OR (SELECT COUNT(*) FROM jobs WHERE status = ?) < ?)
		 RETURNING `+columns,
		string(domain.StatusDownloading), owner, ts, ts, ts,
		id, string(domain.StatusPending),
		maxActive, string(domain.StatusDownloading), maxActive,
	))
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, domain.ErrClaimConflict
	}
	return job, err
}

// UpdateProgress raises the progress of a job owner is downloading and
// renews its lease.
func (r *Repository) UpdateProgress(ctx context.Context, id int64, owner string, progress int, now time.Time) error {
	ts := formatTime(now)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = MAX(progress, ?), heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		progress, ts, ts, id, string(domain.StatusDownloading), owner,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrClaimConflict
	}
	return nil
}

// Update applies fn to the stored job inside a transaction.
func (r *Repository) Update(ctx context.Context, id int64, fn func(*domain.Job) error) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	var path sql.NullString
	var size sql.NullInt64
	if job.Result != nil {
		path = nullString(job.Result.Path)
		size = sql.NullInt64{Int64: job.Result.Size, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET priority = ?, status = ?, progress = ?, current_retry = ?, max_retries = ?,
		 error_code = ?, error_message = ?, file_path = ?, file_size = ?,
		 title = ?, artist = ?, duration = ?, thumbnail = ?,
		 claimed_by = ?, heartbeat_at = ?,
		 started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Priority), string(job.Status), job.Progress, job.CurrentRetry, job.MaxRetries,
		nullString(job.ErrorCode), nullString(job.ErrorMessage), path, size,
		nullString(job.Metadata.Title), nullString(job.Metadata.Artist), job.Metadata.Duration, nullString(job.Metadata.Thumbnail),
		nullString(job.Owner), nullTime(job.HeartbeatAt),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), formatTime(job.UpdatedAt),
		id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a job if guard allows it.
func (r *Repository) Delete(ctx context.Context, id int64, guard func(*domain.Job) error) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := guard(job); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

// DeleteTerminalBefore removes completed, failed and cancelled jobs whose
// completion time is before cutoff, returning them.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const where = ` WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled),
		formatTime(cutoff),
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+columns+` FROM jobs`+where, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`+where, args...); err != nil {
		return nil, err
	}
	return jobs, tx.Commit()
}

// Heartbeat renews the lease on every job owner is downloading.
func (r *Repository) Heartbeat(ctx context.Context, owner string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE status = ? AND claimed_by = ?`,
		formatTime(now), string(domain.StatusDownloading), owner,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RecoverStale resets downloading jobs back to pending when their lease
// expired before cutoff or owner held them.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time, owner string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 0, claimed_by = NULL, heartbeat_at = NULL, updated_at = ?
		 WHERE status = ? AND (
		   ? OR heartbeat_at IS NULL OR heartbeat_at < ? OR (? != '' AND claimed_by = ?))`,
		string(domain.StatusPending), formatTime(now), string(domain.StatusDownloading),
		cutoff.IsZero(), formatTime(cutoff), owner, owner,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                    domain.Job
		priority, status, path string
		created, updated       string
		size                   int64
		started, completed     sql.NullString
		heartbeat              sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Source.URL, &job.Source.Format, &priority, &status,
		&job.Progress, &job.CurrentRetry, &job.MaxRetries,
		&job.ErrorCode, &job.ErrorMessage, &path, &size,
		&job.Metadata.Title, &job.Metadata.Artist, &job.Metadata.Duration, &job.Metadata.Thumbnail,
		&job.IdempotencyKey, &job.Owner, &heartbeat,
		&created, &started, &completed, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Priority = domain.Priority(priority)
	job.Status = domain.JobStatus(status)
	if path != "" {
		job.Result = &domain.Result{Path: path, Size: size}
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if job.HeartbeatAt, err = parseNullTime(heartbeat); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
