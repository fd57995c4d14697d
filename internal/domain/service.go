package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries    = 3
	DefaultMaxConcurrent = 3
	DefaultListLimit     = 100
	DefaultLeaseTTL      = time.Minute
	MaxListLimit         = 500
	maxIdempotencyKeyLen = 255
)

// JobService orchestrates job operations. It is the only writer of job
// records; callers never mutate jobs directly.
type JobService struct {
	repo           JobRepository
	logger         *slog.Logger
	maxRetries     int
	maxConcurrent  int
	idempotencyTTL time.Duration
	owner          string
	leaseTTL       time.Duration
	now            func() time.Time
}

// Option configures a JobService.
type Option func(*JobService)

// WithLogger sets the logger used for job lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(s *JobService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxRetries sets the retry budget given to new jobs.
func WithMaxRetries(n int) Option {
	return func(s *JobService) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithMaxConcurrent bounds how many jobs may be downloading at once.
func WithMaxConcurrent(n int) Option {
	return func(s *JobService) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithIdempotencyTTL makes idempotency keys expire after d. Zero keeps
// them forever.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(s *JobService) {
		if d >= 0 {
			s.idempotencyTTL = d
		}
	}
}

// WithInstanceID names the process in claims it takes. Empty keeps the
// generated ID.
func WithInstanceID(id string) Option {
	return func(s *JobService) {
		if id != "" {
			s.owner = id
		}
	}
}

// WithLeaseTTL sets how long a claim survives without a heartbeat before
// other instances may requeue it.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *JobService) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *JobService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, opts ...Option) *JobService {
	s := &JobService{
		repo:          repo,
		logger:        slog.Default(),
		maxRetries:    DefaultMaxRetries,
		maxConcurrent: DefaultMaxConcurrent,
		owner:         uuid.NewString(),
		leaseTTL:      DefaultLeaseTTL,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxConcurrent returns the system-wide downloading bound.
func (s *JobService) MaxConcurrent() int {
	return s.maxConcurrent
}

// InstanceID identifies the claims taken through this service.
func (s *JobService) InstanceID() string {
	return s.owner
}

// LeaseTTL returns how long a claim lives without a heartbeat.
func (s *JobService) LeaseTTL() time.Duration {
	return s.leaseTTL
}

func (s *JobService) clock() time.Time {
	return s.now().UTC()
}

// SubmitRequest is a client submission.
type SubmitRequest struct {
	URL            string
	Format         string
	Priority       string
	IdempotencyKey string
}

func (r SubmitRequest) validate() (Source, Priority, error) {
	u, err := url.ParseRequestURI(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Source{}, "", fmt.Errorf("%w: invalid URL %q", ErrValidation, r.URL)
	}
	format, err := ParseFormat(r.Format)
	if err != nil {
		return Source{}, "", err
	}
	prio, err := ParsePriority(r.Priority)
	if err != nil {
		return Source{}, "", err
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return Source{}, "", fmt.Errorf("%w: idempotency key longer than %d bytes", ErrValidation, maxIdempotencyKeyLen)
	}
	return Source{URL: r.URL, Format: format}, prio, nil
}

// Submit creates a pending job. A request carrying an idempotency key that
// is already known returns the existing job unchanged.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	src, prio, err := req.validate()
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, key)
		switch {
		case err == nil && !s.keyExpired(existing):
			s.logger.Info("returning existing job for idempotency key", "job_id", existing.ID, "idempotency_key", key)
			return existing, nil
		case err == nil:
			if err := s.repo.ReleaseIdempotencyKey(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("release idempotency key: %w", err)
			}
			s.logger.Info("idempotency key expired", "job_id", existing.ID, "idempotency_key", key)
		case !errors.Is(err, ErrJobNotFound):
			return nil, err
		}
	}

	now := s.clock()
	job, err := s.repo.Create(ctx, &Job{
		Source:         src,
		Priority:       prio,
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if errors.Is(err, ErrDuplicateKey) {
		// A concurrent submission with the same key won the insert.
		return s.repo.GetByIdempotencyKey(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("job submitted", "job_id", job.ID, "url", src.URL, "format", src.Format, "priority", prio)
	return job, nil
}

func (s *JobService) keyExpired(job *Job) bool {
	return s.idempotencyTTL > 0 && s.clock().Sub(job.CreatedAt) > s.idempotencyTTL
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Position returns the 1-based dispatch rank of a pending job, or 0 when
// the job does not exist or is not pending.
func (s *JobService) Position(ctx context.Context, id int64) (int, error) {
	job, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return s.PositionOf(ctx, job)
}

// PositionOf is Position for an already loaded job.
func (s *JobService) PositionOf(ctx context.Context, job *Job) (int, error) {
	if job.Status != StatusPending {
		return 0, nil
	}
	ahead, err := s.repo.CountAhead(ctx, job)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ListOptions selects a page of jobs.
type ListOptions struct {
	Status JobStatus
	Limit  int
	Offset int
}

// JobList is a page of jobs plus queue-wide counts.
type JobList struct {
	Items []Job
	Total int
	Stats map[JobStatus]int
}

// List returns jobs in dispatch order. Stats cover all jobs regardless of
// the status filter.
func (s *JobService) List(ctx context.Context, opts ListOptions) (*JobList, error) {
	if opts.Status != "" {
		if _, err := ParseStatus(string(opts.Status)); err != nil {
			return nil, err
		}
	}
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	offset := max(opts.Offset, 0)

	items, total, err := s.repo.List(ctx, ListFilter{Status: opts.Status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &JobList{Items: items, Total: total, Stats: stats}, nil
}

// Stats counts jobs per status. Every status is present.
func (s *JobService) Stats(ctx context.Context) (map[JobStatus]int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int, len(Statuses))
	for _, st := range Statuses {
		stats[st] = counts[st]
	}
	return stats, nil
}

// CountDownloading returns how many jobs hold the downloading status.
func (s *JobService) CountDownloading(ctx context.Context) (int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[StatusDownloading], nil
}

// NextPending returns up to limit pending jobs in dispatch order, skipping
// the given IDs.
func (s *JobService) NextPending(ctx context.Context, limit int, exclude []int64) ([]Job, error) {
	return s.repo.ListPending(ctx, limit, exclude)
}

func (s *JobService) mutate(ctx context.Context, id int64, fn func(job *Job, now time.Time) error) (*Job, error) {
	now := s.clock()
	return s.repo.Update(ctx, id, func(job *Job) error {
		if err := fn(job, now); err != nil {
			return err
		}
		job.UpdatedAt = now
		return nil
	})
}

// UpdatePriority changes the priority of a pending job.
func (s *JobService) UpdatePriority(ctx context.Context, id int64, priority Priority) (*Job, error) {
	if priority.Rank() == 0 {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, priority)
	}
	var old Priority
	job, err := s.mutate(ctx, id, func(job *Job, _ time.Time) error {
		if job.Status != StatusPending {
			return fmt.Errorf("%w: cannot change priority of job %d with status %s", ErrInvalidOperation, job.ID, job.Status)
		}
		old = job.Priority
		job.Priority = priority
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("priority updated", "job_id", id, "from", old, "to", priority)
	return job, nil
}

// Pause parks a pending or downloading job. Pausing a downloading job stops
// its worker at the next progress report.
func (s *JobService) Pause(ctx context.Context, id int64) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		return job.moveTo(StatusPaused, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job paused", "job_id", id)
	return job, nil
}

// Resume re-queues a paused job at its original creation time.
func (s *JobService) Resume(ctx context.Context, id int64) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if job.Status != StatusPaused {
			return fmt.Errorf("%w: cannot resume job %d with status %s", ErrInvalidOperation, job.ID, job.Status)
		}
		return job.moveTo(StatusPending, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job resumed", "job_id", id)
	return job, nil
}

// Retry manually re-queues a failed job. The retry counter is kept.
func (s *JobService) Retry(ctx context.Context, id int64) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if job.Status != StatusFailed {
			return fmt.Errorf("%w: can only retry failed jobs, job %d is %s", ErrInvalidOperation, job.ID, job.Status)
		}
		if err := job.moveTo(StatusPending, now); err != nil {
			return err
		}
		job.clearError()
		job.Progress = 0
		job.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job retry requested", "job_id", id, "current_retry", job.CurrentRetry, "max_retries", job.MaxRetries)
	return job, nil
}

// Cancel soft-cancels a job that has not reached a terminal state. The
// record stays until pruned.
func (s *JobService) Cancel(ctx context.Context, id int64) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if err := job.moveTo(StatusCancelled, now); err != nil {
			return err
		}
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", "job_id", id)
	return job, nil
}

// MarkDownloading claims a pending job for a worker. Only one caller can
// win the claim; the others get ErrClaimConflict. Progress restarts at 0.
func (s *JobService) MarkDownloading(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Claim(ctx, id, s.owner, s.maxConcurrent, s.clock())
}

// UpdateProgress records download progress and renews the claim. Values
// are clamped to [0, 100] and never lower the stored progress.
func (s *JobService) UpdateProgress(ctx context.Context, id int64, progress int) error {
	return s.repo.UpdateProgress(ctx, id, s.owner, ClampProgress(progress), s.clock())
}

// Heartbeat renews the lease on every job this instance is downloading.
func (s *JobService) Heartbeat(ctx context.Context) (int64, error) {
	return s.repo.Heartbeat(ctx, s.owner, s.clock())
}

// checkClaim rejects writes to a job that is not downloading under this
// instance's claim.
func (s *JobService) checkClaim(job *Job) error {
	if job.Status != StatusDownloading {
		return fmt.Errorf("%w: job %d is %s, not downloading", ErrInvalidOperation, job.ID, job.Status)
	}
	if job.Owner != s.owner {
		return fmt.Errorf("%w: job %d is claimed by %s", ErrClaimConflict, job.ID, job.Owner)
	}
	return nil
}

// MarkCompleted stores the artifact of a downloading job.
func (s *JobService) MarkCompleted(ctx context.Context, id int64, result Result, meta Metadata) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if err := s.checkClaim(job); err != nil {
			return err
		}
		if err := job.moveTo(StatusCompleted, now); err != nil {
			return err
		}
		job.Progress = 100
		job.CompletedAt = &now
		job.Result = &result
		job.clearError()
		if !meta.IsZero() {
			job.Metadata = meta
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job completed", "job_id", id, "path", result.Path, "size", result.Size)
	return job, nil
}

// MarkFailed terminally fails a downloading job.
func (s *JobService) MarkFailed(ctx context.Context, id int64, code ErrorCategory, message string) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if err := s.checkClaim(job); err != nil {
			return err
		}
		return job.fail(code, message, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("job failed", "job_id", id, "code", code, "error", message)
	return job, nil
}

func (j *Job) fail(code ErrorCategory, message string, now time.Time) error {
	if err := j.moveTo(StatusFailed, now); err != nil {
		return err
	}
	j.ErrorCode = string(code)
	j.ErrorMessage = message
	j.CompletedAt = &now
	return nil
}

// RetryOrFail applies the retry policy to a failed attempt. Each failure
// consumes one retry; the job goes back to pending while budget is left
// and fails once current_retry reaches max_retries. In that case the failed
// job is returned together with ErrMaxRetriesReached.
func (s *JobService) RetryOrFail(ctx context.Context, id int64, code ErrorCategory, message string) (*Job, error) {
	exhausted := false
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if err := s.checkClaim(job); err != nil {
			return err
		}
		if job.CanRetry() {
			job.CurrentRetry++
		}
		if job.CanRetry() {
			if err := job.moveTo(StatusPending, now); err != nil {
				return err
			}
			job.clearError()
			job.Progress = 0
			return nil
		}
		exhausted = true
		return job.fail(code, message, now)
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		s.logger.Warn("job failed after max retries", "job_id", id, "max_retries", job.MaxRetries, "code", code, "error", message)
		return job, fmt.Errorf("job %d: %w", id, ErrMaxRetriesReached)
	}
	s.logger.Info("job scheduled for retry", "job_id", id, "retry", job.CurrentRetry, "max_retries", job.MaxRetries, "code", code)
	return job, nil
}

// Release hands a downloading job back to the queue without consuming a
// retry. Used when a worker is stopped by shutdown.
func (s *JobService) Release(ctx context.Context, id int64) (*Job, error) {
	return s.mutate(ctx, id, func(job *Job, now time.Time) error {
		if err := s.checkClaim(job); err != nil {
			return err
		}
		job.Progress = 0
		return job.moveTo(StatusPending, now)
	})
}

// Delete removes a job that is not downloading, together with its artifact.
func (s *JobService) Delete(ctx context.Context, id int64) error {
	job, err := s.repo.Delete(ctx, id, func(job *Job) error {
		if job.Status == StatusDownloading {
			return fmt.Errorf("%w: cannot delete job %d while downloading", ErrInvalidOperation, job.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.removeArtifact(job)
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// Prune deletes terminal jobs that completed more than olderThan ago.
func (s *JobService) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative retention %s", ErrValidation, olderThan)
	}
	removed, err := s.repo.DeleteTerminalBefore(ctx, s.clock().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.removeArtifact(&removed[i])
	}
	s.logger.Info("pruned old jobs", "count", len(removed), "older_than", olderThan)
	return len(removed), nil
}

// RecoverStale requeues jobs this instance left downloading in a previous
// run, and any job whose lease has expired. Live claims of other instances
// are kept.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	now := s.clock()
	return s.repo.RecoverStale(ctx, now.Add(-s.leaseTTL), s.owner, now)
}

// RecoverExpired requeues jobs whose lease has expired.
func (s *JobService) RecoverExpired(ctx context.Context) (int64, error) {
	now := s.clock()
	return s.repo.RecoverStale(ctx, now.Add(-s.leaseTTL), "", now)
}

// RecoverAll requeues every downloading job regardless of lease. Only safe
// when no instance is running.
func (s *JobService) RecoverAll(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx, time.Time{}, "", s.clock())
}

// Artifact returns a completed job whose artifact exists on disk.
func (s *JobService) Artifact(ctx context.Context, id int64) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: job %d is %s, not completed", ErrInvalidOperation, job.ID, job.Status)
	}
	if job.Result == nil || job.Result.Path == "" {
		return nil, ErrArtifactMissing
	}
	if _, err := os.Stat(job.Result.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactMissing, err)
	}
	return job, nil
}

func (s *JobService) removeArtifact(job *Job) {
	if job.Result == nil || job.Result.Path == "" {
		return
	}
	if err := os.Remove(job.Result.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete artifact", "job_id", job.ID, "path", job.Result.Path, "error", err)
	}
}
