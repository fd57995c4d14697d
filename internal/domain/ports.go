package domain

import (
	"context"
	"time"
)

// ListFilter selects a page of jobs in dispatch order.
type ListFilter struct {
	Status JobStatus // empty means all
	Limit  int
	Offset int
}

// JobRepository is the driven port for job persistence. Implementations hold
// no business rules; every method is atomic.
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	ReleaseIdempotencyKey(ctx context.Context, id int64) error

	// List returns a page ordered by (priority desc, created_at asc, id asc)
	// and the number of jobs matching the filter.
	List(ctx context.Context, filter ListFilter) ([]Job, int, error)
	ListPending(ctx context.Context, limit int, exclude []int64) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	// CountAhead counts pending jobs dispatched before job.
	CountAhead(ctx context.Context, job *Job) (int, error)

	// Claim moves a pending job to downloading under owner if fewer than
	// maxActive jobs are downloading (maxActive <= 0 disables the bound).
	// Progress is reset and the lease starts at now. It returns
	// ErrClaimConflict if the conditional update matched nothing.
	Claim(ctx context.Context, id int64, owner string, maxActive int, now time.Time) (*Job, error)
	// UpdateProgress raises progress of a job owner is downloading and
	// renews its lease. It returns ErrClaimConflict once the job is no
	// longer downloading under owner.
	UpdateProgress(ctx context.Context, id int64, owner string, progress int, now time.Time) error
	// Heartbeat renews the lease of every job owner is downloading.
	Heartbeat(ctx context.Context, owner string, now time.Time) (int64, error)
	// Update runs fn on the current record inside a transaction and persists
	// the result. An error from fn aborts without writing.
	Update(ctx context.Context, id int64, fn func(job *Job) error) (*Job, error)
	// Delete removes the record if guard returns nil.
	Delete(ctx context.Context, id int64, guard func(job *Job) error) (*Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
	// RecoverStale requeues downloading jobs whose lease is older than
	// cutoff or that owner holds. A zero cutoff matches every downloading
	// job; an empty owner matches none.
	RecoverStale(ctx context.Context, cutoff time.Time, owner string, now time.Time) (int64, error)
}

// ProgressFunc receives progress percentages in emission order.
type ProgressFunc func(percent int)

// FetchResult is what a provider hands back on success.
type FetchResult struct {
	Result   Result
	Metadata Metadata
}

// Provider is the driven port for media retrieval and conversion.
type Provider interface {
	Name() string
	Match(url string) bool
	// Fetch retrieves job.Source and converts it to job.Source.Format.
	// Failures should be *ProviderError; anything else counts as unknown.
	// Implementations must stop when ctx is cancelled.
	Fetch(ctx context.Context, job *Job, onProgress ProgressFunc) (*FetchResult, error)
}
