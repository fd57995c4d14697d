package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/audioqueue/internal/adapter/provider"
	"github.com/cwygoda/audioqueue/internal/domain"
)

// storeTimeout bounds store writes made outside a job's own context, such
// as recording the outcome of a cancelled download.
const storeTimeout = 10 * time.Second

// Options tune the scheduler loop.
type Options struct {
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	ShutdownGrace     time.Duration
	// Retention enables the prune sweeper when positive.
	Retention         time.Duration
	PruneInterval     time.Duration
	// HeartbeatInterval is how often claims are renewed and expired claims
	// of other instances are requeued. Defaults to a third of the lease.
	HeartbeatInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	if o.ShutdownGrace < 0 {
		o.ShutdownGrace = 0
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Hour
	}
}

// Worker dispatches pending jobs to providers, keeping at most
// JobService.MaxConcurrent downloads in flight.
type Worker struct {
	svc      *domain.JobService
	registry *provider.Registry
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	wake     chan struct{}
}

// New creates a new worker.
func New(svc *domain.JobService, registry *provider.Registry, logger *slog.Logger, opts Options) *Worker {
	opts.setDefaults()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = max(svc.LeaseTTL()/3, time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:      svc,
		registry: registry,
		logger:   logger,
		opts:     opts,
		inflight: make(map[int64]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Wake triggers a dispatch round without waiting for the next poll.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Active returns the IDs of jobs this worker is downloading.
func (w *Worker) Active() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int64, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Run recovers jobs this instance left downloading in a previous run and
// jobs whose lease expired, then dispatches until ctx is cancelled. Claims
// of other live instances are left alone. On cancellation it stops
// claiming, gives running downloads ShutdownGrace to finish and hands the
// rest back to the queue.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.svc.RecoverStale(ctx); err != nil {
		return err
	} else if n > 0 {
		w.logger.Info("recovered stale jobs", "count", n)
	}

	w.logger.Info("worker started",
		"instance", w.svc.InstanceID(),
		"poll_interval", w.opts.PollInterval,
		"heartbeat_interval", w.opts.HeartbeatInterval,
		"max_concurrent", w.svc.MaxConcurrent(),
	)

	heartbeat := time.NewTicker(w.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var prune <-chan time.Time
	if w.opts.Retention > 0 {
		ticker := time.NewTicker(w.opts.PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(heartbeat.C)
			return nil
		case <-heartbeat.C:
			if w.renew(ctx) {
				w.Wake()
			}
			continue
		case <-prune:
			if _, err := w.svc.Prune(ctx, w.opts.Retention); err != nil && ctx.Err() == nil {
				w.logger.Error("prune failed", "error", err)
			}
			continue
		case <-w.wake:
		case <-timer.C:
		}

		wait := w.opts.PollInterval
		if err := w.dispatch(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("dispatch failed", "error", err)
			wait = w.opts.ErrorBackoff
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// renew extends this instance's leases and requeues expired ones. It
// reports whether any job went back to pending.
func (w *Worker) renew(ctx context.Context) bool {
	if _, err := w.svc.Heartbeat(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("heartbeat failed", "error", err)
	}
	n, err := w.svc.RecoverExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("lease recovery failed", "error", err)
		}
		return false
	}
	if n > 0 {
		w.logger.Warn("requeued jobs with expired lease", "count", n)
	}
	return n > 0
}

func (w *Worker) dispatch(ctx context.Context) error {
	active, err := w.svc.CountDownloading(ctx)
	if err != nil {
		return err
	}
	exclude := w.Active()
	available := w.svc.MaxConcurrent() - max(active, len(exclude))
	if available <= 0 {
		return nil
	}

	jobs, err := w.svc.NextPending(ctx, available, exclude)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := w.svc.MarkDownloading(ctx, job.ID)
		if errors.Is(err, domain.ErrClaimConflict) {
			w.logger.Debug("job claimed elsewhere or queue full", "job_id", job.ID)
			continue
		}
		if err != nil {
			return err
		}

		prov := w.registry.Match(claimed.Source.URL)
		if prov == nil {
			w.logger.Warn("no provider for URL", "job_id", claimed.ID, "url", claimed.Source.URL)
			if _, err := w.svc.MarkFailed(ctx, claimed.ID, domain.CategoryInvalidSource, "no provider for URL"); err != nil {
				w.logger.Error("failed to mark job failed", "job_id", claimed.ID, "error", err)
			}
			continue
		}
		w.start(claimed, prov)
	}
	return nil
}

func (w *Worker) start(job *domain.Job, prov domain.Provider) {
	// Job contexts are detached from Run's context so that shutdown can
	// grant a grace period before cancelling them.
	jobCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.inflight[job.ID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.Wake()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, job.ID)
			w.mu.Unlock()
			cancel()
		}()
		w.process(jobCtx, cancel, job, prov)
	}()
}

func (w *Worker) process(ctx context.Context, cancel context.CancelFunc, job *domain.Job, prov domain.Provider) {
	logger := w.logger.With("job_id", job.ID, "provider", prov.Name())
	logger.Info("download started", "url", job.Source.URL, "format", job.Source.Format, "retry", job.CurrentRetry)

	onProgress := func(pct int) {
		// 100 is reserved for completion.
		err := w.svc.UpdateProgress(ctx, job.ID, min(pct, 99))
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, domain.ErrClaimConflict):
			logger.Info("job left downloading state, stopping download")
			cancel()
		default:
			logger.Warn("failed to record progress", "error", err)
		}
	}

	res, err := prov.Fetch(ctx, job, onProgress)
	if err == nil && res == nil {
		err = errors.New("provider returned no result")
	}

	storeCtx, storeCancel := context.WithTimeout(context.Background(), storeTimeout)
	defer storeCancel()

	if ctx.Err() != nil {
		if res != nil {
			removeArtifact(logger, res.Result.Path)
		}
		if w.stopping.Load() {
			if _, err := w.svc.Release(storeCtx, job.ID); err == nil {
				logger.Info("download interrupted by shutdown, job requeued")
			} else if !errors.Is(err, domain.ErrInvalidOperation) && !errors.Is(err, domain.ErrClaimConflict) {
				logger.Error("failed to requeue job", "error", err)
			}
			return
		}
		logger.Info("download cancelled")
		return
	}

	if err != nil {
		code, msg := domain.Classify(err)
		logger.Warn("download failed", "code", code, "error", err)
		if _, err := w.svc.RetryOrFail(storeCtx, job.ID, code, msg); err != nil &&
			!errors.Is(err, domain.ErrMaxRetriesReached) {
			logger.Warn("could not record failure", "error", err)
		}
		return
	}

	if _, err := w.svc.MarkCompleted(storeCtx, job.ID, res.Result, res.Metadata); err != nil {
		// The job was paused, cancelled or deleted while converting.
		logger.Warn("discarding artifact", "error", err)
		removeArtifact(logger, res.Result.Path)
	}
}

// shutdown waits up to ShutdownGrace for running downloads, then cancels
// the rest and waits for them to be requeued. Leases are renewed on every
// heartbeat tick while waiting.
func (w *Worker) shutdown(heartbeat <-chan time.Time) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if n := len(w.Active()); n > 0 {
		w.logger.Info("worker stopping, waiting for downloads", "active", n, "grace", w.opts.ShutdownGrace)
	}

	grace := time.NewTimer(w.opts.ShutdownGrace)
	defer grace.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-heartbeat:
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if _, err := w.svc.Heartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
			cancel()
		case <-grace.C:
			w.stopping.Store(true)
			w.mu.Lock()
			for _, cancel := range w.inflight {
				cancel()
			}
			w.mu.Unlock()
			<-done
			break wait
		}
	}
	w.logger.Info("worker stopped")
}

func removeArtifact(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to delete artifact", "path", path, "error", err)
	}
}
