// Package postgres implements the job store on PostgreSQL for deployments
// that run several queue processes against one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwygoda/audioqueue/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              BIGSERIAL PRIMARY KEY,
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
    file_size       BIGINT,
    title           TEXT,
    artist          TEXT,
    duration        INTEGER,
    thumbnail       TEXT,
    idempotency_key TEXT UNIQUE,
    claimed_by      TEXT,
    heartbeat_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority, created_at);
ALTER TABLE jobs ADD COLUMN IF NOT EXISTS claimed_by TEXT;
ALTER TABLE jobs ADD COLUMN IF NOT EXISTS heartbeat_at TIMESTAMPTZ;
`

const columns = `id, url, format, priority, status, progress, current_retry, max_retries,
	COALESCE(error_code, ''), COALESCE(error_message, ''), COALESCE(file_path, ''), COALESCE(file_size, 0),
	COALESCE(title, ''), COALESCE(artist, ''), COALESCE(duration, 0), COALESCE(thumbnail, ''),
	COALESCE(idempotency_key, ''), COALESCE(claimed_by, ''), heartbeat_at,
	created_at, started_at, completed_at, updated_at`

const rankExpr = `CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END`

const dispatchOrder = ` ORDER BY ` + rankExpr + ` DESC, created_at ASC, id ASC`

// claimLock serializes claims across processes so the capacity check and
// the status change happen as one step.
const claimLock = 0x617564696f71

const uniqueViolation = "23505"

// Config holds the connection string and pool limits. Zero values keep the
// pgxpool defaults.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Repository implements domain.JobRepository using PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to PostgreSQL and initializes the schema if needed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Repository, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "audioqueue"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("connected to postgres", "max_conns", pc.MaxConns)
	return &Repository{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	created := *job
	err := r.pool.QueryRow(ctx,
		`INSERT INTO jobs (url, format, priority, status, progress, current_retry, max_retries,
		 idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		 RETURNING id`,
		job.Source.URL, job.Source.Format, string(job.Priority), string(job.Status),
		job.Progress, job.CurrentRetry, job.MaxRetries,
		job.IdempotencyKey, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	).Scan(&created.ID)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, id))
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE idempotency_key = $1`, key))
}

func (r *Repository) ReleaseIdempotencyKey(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET idempotency_key = NULL WHERE id = $1`, id)
	return err
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	// An empty status matches every row.
	const where = ` WHERE ($1 = '' OR status = $1)`
	status := string(f.Status)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+columns+` FROM jobs`+where+dispatchOrder+` LIMIT $2 OFFSET $3`,
		status, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (r *Repository) ListPending(ctx context.Context, limit int, exclude []int64) ([]domain.Job, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status = $1 AND NOT (id = ANY($2))`+dispatchOrder+` LIMIT $3`,
		string(domain.StatusPending), exclude, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r *Repository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (r *Repository) CountAhead(ctx context.Context, job *domain.Job) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = $1 AND id <> $2 AND (
		   `+rankExpr+` > $3 OR (`+rankExpr+` = $3 AND (created_at < $4 OR (created_at = $4 AND id < $2))))`,
		string(domain.StatusPending), job.ID, job.Priority.Rank(), job.CreatedAt.UTC(),
	).Scan(&n)
	return n, err
}

// Claim moves a pending job to downloading under owner. A
// transaction-scoped advisory lock keeps concurrent processes from
// exceeding maxActive.
func (r *Repository) Claim(ctx context.Context, id int64, owner string, maxActive int, now time.Time) (*domain.Job, error) {
	var job *domain.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(claimLock)); err != nil {
			return err
		}
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = $1, progress = 0, claimed_by = $6, heartbeat_at = $2,
			 started_at = $2, updated_at = $2
			 WHERE id = $3 AND status = $4
			   AND ($5 <= 0 OR (SELECT COUNT(*) FROM jobs WHERE status = $1) < $5)
			 RETURNING `+columns,
			string(domain.StatusDownloading), now.UTC(), id, string(domain.StatusPending), maxActive, owner,
		))
		return err
	})
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, domain.ErrClaimConflict
	}
	return job, err
}

func (r *Repository) UpdateProgress(ctx context.Context, id int64, owner string, progress int, now time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $1), heartbeat_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4 AND claimed_by = $5`,
		progress, now.UTC(), id, string(domain.StatusDownloading), owner,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimConflict
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, id int64, fn func(*domain.Job) error) (*domain.Job, error) {
	var job *domain.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}

		var path string
		var size int64
		if job.Result != nil {
			path, size = job.Result.Path, job.Result.Size
		}
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET priority = $1, status = $2, progress = $3, current_retry = $4, max_retries = $5,
			 error_code = NULLIF($6, ''), error_message = NULLIF($7, ''),
			 file_path = NULLIF($8, ''), file_size = $9,
			 title = NULLIF($10, ''), artist = NULLIF($11, ''), duration = $12, thumbnail = NULLIF($13, ''),
			 started_at = $14, completed_at = $15, updated_at = $16,
			 claimed_by = NULLIF($18, ''), heartbeat_at = $19
			 WHERE id = $17`,
			string(job.Priority), string(job.Status), job.Progress, job.CurrentRetry, job.MaxRetries,
			job.ErrorCode, job.ErrorMessage, path, size,
			job.Metadata.Title, job.Metadata.Artist, job.Metadata.Duration, job.Metadata.Thumbnail,
			utcPtr(job.StartedAt), utcPtr(job.CompletedAt), job.UpdatedAt.UTC(),
			id, job.Owner, utcPtr(job.HeartbeatAt),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) Delete(ctx context.Context, id int64, guard func(*domain.Job) error) (*domain.Job, error) {
	var job *domain.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := guard(job); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM jobs WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2
		 RETURNING `+columns,
		[]string{string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled)},
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r *Repository) Heartbeat(ctx context.Context, owner string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = $1 WHERE status = $2 AND claimed_by = $3`,
		now.UTC(), string(domain.StatusDownloading), owner,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecoverStale requeues downloading jobs whose lease expired before cutoff
// or that owner holds.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time, owner string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, progress = 0, claimed_by = NULL, heartbeat_at = NULL, updated_at = $2
		 WHERE status = $3 AND (
		   $4::boolean OR heartbeat_at IS NULL OR heartbeat_at < $5 OR ($6 <> '' AND claimed_by = $6))`,
		string(domain.StatusPending), now.UTC(), string(domain.StatusDownloading),
		cutoff.IsZero(), cutoff.UTC(), owner,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job              domain.Job
		priority, status string
		path             string
		size             int64
	)
	err := row.Scan(
		&job.ID, &job.Source.URL, &job.Source.Format, &priority, &status,
		&job.Progress, &job.CurrentRetry, &job.MaxRetries,
		&job.ErrorCode, &job.ErrorMessage, &path, &size,
		&job.Metadata.Title, &job.Metadata.Artist, &job.Metadata.Duration, &job.Metadata.Thumbnail,
		&job.IdempotencyKey, &job.Owner, &job.HeartbeatAt,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.CompletedAt = utcPtr(job.CompletedAt)
	job.HeartbeatAt = utcPtr(job.HeartbeatAt)
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
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

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
