package domain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

// mockRepo implements JobRepository for testing.
type mockRepo struct {
	mu        sync.Mutex
	jobs      map[int64]*Job
	nextID    int64
	createErr error
	getErr    error
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[int64]*Job), nextID: 1}
}

func (m *mockRepo) Create(ctx context.Context, job *Job) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	if job.IdempotencyKey != "" {
		for _, j := range m.jobs {
			if j.IdempotencyKey == job.IdempotencyKey {
				return nil, ErrDuplicateKey
			}
		}
	}
	stored := *job
	stored.ID = m.nextID
	m.nextID++
	m.jobs[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *mockRepo) Get(ctx context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (m *mockRepo) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.IdempotencyKey == key {
			out := *j
			return &out, nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *mockRepo) ReleaseIdempotencyKey(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.IdempotencyKey = ""
	}
	return nil
}

func dispatchLess(a, b *Job) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *mockRepo) sorted(keep func(*Job) bool) []Job {
	var out []Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b Job) int {
		switch {
		case dispatchLess(&a, &b):
			return -1
		case dispatchLess(&b, &a):
			return 1
		}
		return 0
	})
	return out
}

func (m *mockRepo) List(ctx context.Context, f ListFilter) ([]Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(j *Job) bool { return f.Status == "" || j.Status == f.Status })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *mockRepo) ListPending(ctx context.Context, limit int, exclude []int64) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(j *Job) bool {
		return j.Status == StatusPending && !slices.Contains(exclude, j.ID)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *mockRepo) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[JobStatus]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *mockRepo) CountAhead(ctx context.Context, job *Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusPending && dispatchLess(j, job) {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) Claim(ctx context.Context, id int64, owner string, maxActive int, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, j := range m.jobs {
		if j.Status == StatusDownloading {
			active++
		}
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending || (maxActive > 0 && active >= maxActive) {
		return nil, ErrClaimConflict
	}
	job.Status = StatusDownloading
	job.Progress = 0
	job.Owner = owner
	job.HeartbeatAt = &now
	job.StartedAt = &now
	job.UpdatedAt = now
	out := *job
	return &out, nil
}

func (m *mockRepo) UpdateProgress(ctx context.Context, id int64, owner string, progress int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusDownloading || job.Owner != owner {
		return ErrClaimConflict
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *mockRepo) Heartbeat(ctx context.Context, owner string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == StatusDownloading && job.Owner == owner {
			job.HeartbeatAt = &now
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) Update(ctx context.Context, id int64, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	work := *job
	if err := fn(&work); err != nil {
		return nil, err
	}
	*job = work
	out := work
	return &out, nil
}

func (m *mockRepo) Delete(ctx context.Context, id int64, guard func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := guard(job); err != nil {
		return nil, err
	}
	delete(m.jobs, id)
	return job, nil
}

func (m *mockRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, *j)
			delete(m.jobs, id)
		}
	}
	return out, nil
}

func (m *mockRepo) RecoverStale(ctx context.Context, cutoff time.Time, owner string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, job := range m.jobs {
		if job.Status != StatusDownloading {
			continue
		}
		expired := cutoff.IsZero() || job.HeartbeatAt == nil || job.HeartbeatAt.Before(cutoff)
		if expired || (owner != "" && job.Owner == owner) {
			job.Status = StatusPending
			job.Owner = ""
			job.HeartbeatAt = nil
			job.Progress = 0
			job.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(repo *mockRepo, opts ...Option) *JobService {
	return NewJobService(repo, append([]Option{WithClock(stepClock())}, opts...)...)
}

func submit(t *testing.T, svc *JobService, url string, prio Priority) *Job {
	t.Helper()
	job, err := svc.Submit(context.Background(), SubmitRequest{URL: url, Priority: string(prio)})
	if err != nil {
		t.Fatalf("Submit(%q) error = %v", url, err)
	}
	return job
}

func claim(t *testing.T, svc *JobService, id int64) {
	t.Helper()
	if _, err := svc.MarkDownloading(context.Background(), id); err != nil {
		t.Fatalf("MarkDownloading(%d) error = %v", id, err)
	}
}

func TestJobService_Submit(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{
			name: "valid URL",
			req:  SubmitRequest{URL: "https://example.com/video"},
		},
		{
			name: "valid URL with format and priority",
			req:  SubmitRequest{URL: "http://example.com/v", Format: "m4a", Priority: "high"},
		},
		{
			name:    "invalid URL",
			req:     SubmitRequest{URL: "not a url"},
			wantErr: ErrValidation,
		},
		{
			name:    "empty URL",
			req:     SubmitRequest{URL: ""},
			wantErr: ErrValidation,
		},
		{
			name:    "unsupported scheme",
			req:     SubmitRequest{URL: "ftp://example.com/a"},
			wantErr: ErrValidation,
		},
		{
			name:    "unsupported format",
			req:     SubmitRequest{URL: "https://example.com", Format: "flac"},
			wantErr: ErrValidation,
		},
		{
			name:    "invalid priority",
			req:     SubmitRequest{URL: "https://example.com", Priority: "urgent"},
			wantErr: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			svc := newTestService(repo)

			job, err := svc.Submit(context.Background(), tt.req)

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if len(repo.jobs) != 0 {
					t.Errorf("rejected submission stored %d jobs", len(repo.jobs))
				}
				return
			}
			if job.Source.URL != tt.req.URL {
				t.Errorf("Submit() job.Source.URL = %q, want %q", job.Source.URL, tt.req.URL)
			}
			if job.Status != StatusPending || job.Progress != 0 || job.CurrentRetry != 0 {
				t.Errorf("Submit() job = %+v, want fresh pending job", job)
			}
			if job.MaxRetries != DefaultMaxRetries {
				t.Errorf("MaxRetries = %d, want %d", job.MaxRetries, DefaultMaxRetries)
			}
		})
	}
}

func TestJobService_SubmitDefaults(t *testing.T) {
	svc := newTestService(newMockRepo(), WithMaxRetries(5))
	job := submit(t, svc, "https://example.com/v", "")

	if job.Source.Format != "mp3" {
		t.Errorf("Format = %q, want mp3", job.Source.Format)
	}
	if job.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want normal", job.Priority)
	}
	if job.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", job.MaxRetries)
	}
}

func TestJobService_SubmitIdempotent(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	req := SubmitRequest{URL: "https://example.com/v", IdempotencyKey: "k1"}

	first, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := svc.Submit(ctx, SubmitRequest{URL: "https://example.com/other", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("second Submit() id = %d, want %d", second.ID, first.ID)
	}
	if second.Source.URL != req.URL {
		t.Errorf("second Submit() URL = %q, want original %q", second.Source.URL, req.URL)
	}
	if len(repo.jobs) != 1 {
		t.Errorf("stored %d jobs, want 1", len(repo.jobs))
	}
}

func TestJobService_SubmitIdempotencyTTL(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewJobService(repo, WithIdempotencyTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{URL: "https://example.com/v", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	now = now.Add(30 * time.Minute)
	again, _ := svc.Submit(ctx, SubmitRequest{URL: "https://example.com/v", IdempotencyKey: "k"})
	if again.ID != first.ID {
		t.Errorf("Submit() within TTL id = %d, want %d", again.ID, first.ID)
	}

	now = now.Add(2 * time.Hour)
	fresh, err := svc.Submit(ctx, SubmitRequest{URL: "https://example.com/v", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("Submit() after TTL error = %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("Submit() after TTL returned the expired job")
	}
	old, _ := repo.Get(ctx, first.ID)
	if old.IdempotencyKey != "" {
		t.Errorf("expired job still holds key %q", old.IdempotencyKey)
	}
}

func TestJobService_Get(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created := submit(t, svc, "https://example.com", PriorityNormal)

	job, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.ID != created.ID {
		t.Errorf("Get() job.ID = %d, want %d", job.ID, created.ID)
	}

	_, err = svc.Get(ctx, 999)
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestJobService_PriorityOrdering(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	low := submit(t, svc, "https://example.com/low", PriorityLow)
	high := submit(t, svc, "https://example.com/high", PriorityHigh)
	normal := submit(t, svc, "https://example.com/normal", PriorityNormal)

	for _, tt := range []struct {
		job  *Job
		want int
	}{{high, 1}, {normal, 2}, {low, 3}} {
		got, err := svc.Position(ctx, tt.job.ID)
		if err != nil {
			t.Fatalf("Position() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Position(%s) = %d, want %d", tt.job.Priority, got, tt.want)
		}
	}

	list, err := svc.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var order []int64
	for _, j := range list.Items {
		order = append(order, j.ID)
	}
	if want := []int64{high.ID, normal.ID, low.ID}; !slices.Equal(order, want) {
		t.Errorf("List() order = %v, want %v", order, want)
	}

	next, _ := svc.NextPending(ctx, 1, nil)
	if len(next) != 1 || next[0].ID != high.ID {
		t.Errorf("NextPending() = %v, want job %d first", next, high.ID)
	}
}

func TestJobService_PositionFIFOWithinPriority(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	a := submit(t, svc, "https://example.com/a", PriorityNormal)
	b := submit(t, svc, "https://example.com/b", PriorityNormal)

	if p, _ := svc.Position(ctx, a.ID); p != 1 {
		t.Errorf("Position(a) = %d, want 1", p)
	}
	if p, _ := svc.Position(ctx, b.ID); p != 2 {
		t.Errorf("Position(b) = %d, want 2", p)
	}

	claim(t, svc, a.ID)
	if p, _ := svc.Position(ctx, a.ID); p != 0 {
		t.Errorf("Position(downloading) = %d, want 0", p)
	}
	if p, _ := svc.Position(ctx, b.ID); p != 1 {
		t.Errorf("Position(b) after claim = %d, want 1", p)
	}
	if p, _ := svc.Position(ctx, 999); p != 0 {
		t.Errorf("Position(missing) = %d, want 0", p)
	}
}

func TestJobService_List(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		submit(t, svc, "https://example.com/v", PriorityNormal)
	}
	first := submit(t, svc, "https://example.com/p", PriorityNormal)
	if _, err := svc.Pause(ctx, first.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	list, err := svc.List(ctx, ListOptions{Status: StatusPending, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(list.Items))
	}
	if list.Total != 5 {
		t.Errorf("Total = %d, want 5", list.Total)
	}
	if list.Stats[StatusPending] != 5 || list.Stats[StatusPaused] != 1 {
		t.Errorf("Stats = %v, want pending 5 paused 1", list.Stats)
	}
	for _, st := range Statuses {
		if _, ok := list.Stats[st]; !ok {
			t.Errorf("Stats missing %s", st)
		}
	}

	if _, err := svc.List(ctx, ListOptions{Status: "bogus"}); !errors.Is(err, ErrValidation) {
		t.Errorf("List(bogus) error = %v, want ErrValidation", err)
	}
}

func TestJobService_UpdatePriority(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	a := submit(t, svc, "https://example.com/a", PriorityNormal)
	b := submit(t, svc, "https://example.com/b", PriorityNormal)

	updated, err := svc.UpdatePriority(ctx, b.ID, PriorityHigh)
	if err != nil {
		t.Fatalf("UpdatePriority() error = %v", err)
	}
	if updated.Priority != PriorityHigh {
		t.Errorf("Priority = %q, want high", updated.Priority)
	}
	if p, _ := svc.Position(ctx, b.ID); p != 1 {
		t.Errorf("Position(b) = %d, want 1", p)
	}

	if _, err := svc.UpdatePriority(ctx, a.ID, "urgent"); !errors.Is(err, ErrValidation) {
		t.Errorf("UpdatePriority(urgent) error = %v, want ErrValidation", err)
	}

	claim(t, svc, a.ID)
	if _, err := svc.UpdatePriority(ctx, a.ID, PriorityLow); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("UpdatePriority(downloading) error = %v, want ErrInvalidOperation", err)
	}
	if _, err := svc.UpdatePriority(ctx, 999, PriorityLow); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("UpdatePriority(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobService_PauseResume(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)

	paused, err := svc.Pause(ctx, job.ID)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if paused.Status != StatusPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}
	if _, err := svc.Pause(ctx, job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Pause(paused) error = %v, want ErrInvalidOperation", err)
	}

	resumed, err := svc.Resume(ctx, job.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != StatusPending {
		t.Errorf("Status = %q, want pending", resumed.Status)
	}
	if !resumed.CreatedAt.Equal(job.CreatedAt) {
		t.Errorf("CreatedAt changed on resume: %v -> %v", job.CreatedAt, resumed.CreatedAt)
	}
	if _, err := svc.Resume(ctx, job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Resume(pending) error = %v, want ErrInvalidOperation", err)
	}
}

func TestJobService_ReclaimResetsProgress(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)
	if err := svc.UpdateProgress(ctx, job.ID, 60); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Pause(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resume(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	claimed, err := svc.MarkDownloading(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if claimed.Progress != 0 {
		t.Errorf("Progress after reclaim = %d, want 0", claimed.Progress)
	}
	if err := svc.UpdateProgress(ctx, job.ID, 5); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.Get(ctx, job.ID)
	if got.Progress != 5 {
		t.Errorf("Progress = %d, want 5", got.Progress)
	}
}

func TestJobService_IllegalTransitionsLeaveRecordUnchanged(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)
	if _, err := svc.MarkCompleted(ctx, job.ID, Result{Path: "/tmp/x.mp3", Size: 3}, Metadata{}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	before, _ := repo.Get(ctx, job.ID)

	ops := map[string]func() error{
		"pause":  func() error { _, err := svc.Pause(ctx, job.ID); return err },
		"resume": func() error { _, err := svc.Resume(ctx, job.ID); return err },
		"retry":  func() error { _, err := svc.Retry(ctx, job.ID); return err },
		"cancel": func() error { _, err := svc.Cancel(ctx, job.ID); return err },
		"priority": func() error {
			_, err := svc.UpdatePriority(ctx, job.ID, PriorityHigh)
			return err
		},
		"fail": func() error {
			_, err := svc.MarkFailed(ctx, job.ID, CategoryUnknown, "x")
			return err
		},
		"release": func() error { _, err := svc.Release(ctx, job.ID); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrInvalidOperation) {
			t.Errorf("%s on completed job: error = %v, want ErrInvalidOperation", name, err)
		}
	}

	after, _ := repo.Get(ctx, job.ID)
	if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) || after.Priority != before.Priority {
		t.Errorf("record changed by rejected operations: before %+v after %+v", before, after)
	}
}

func TestJobService_MarkDownloading(t *testing.T) {
	svc := newTestService(newMockRepo(), WithMaxConcurrent(1))
	ctx := context.Background()

	a := submit(t, svc, "https://example.com/a", PriorityNormal)
	b := submit(t, svc, "https://example.com/b", PriorityNormal)

	job, err := svc.MarkDownloading(ctx, a.ID)
	if err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if job.Status != StatusDownloading || job.StartedAt == nil {
		t.Errorf("job = %+v, want downloading with started_at", job)
	}

	if _, err := svc.MarkDownloading(ctx, a.ID); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("second claim error = %v, want ErrClaimConflict", err)
	}
	if _, err := svc.MarkDownloading(ctx, b.ID); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("claim over capacity error = %v, want ErrClaimConflict", err)
	}
}

func TestJobService_UpdateProgress(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	if err := svc.UpdateProgress(ctx, job.ID, 10); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("UpdateProgress(pending) error = %v, want ErrClaimConflict", err)
	}

	claim(t, svc, job.ID)
	for _, p := range []int{40, 20, 150} {
		if err := svc.UpdateProgress(ctx, job.ID, p); err != nil {
			t.Fatalf("UpdateProgress(%d) error = %v", p, err)
		}
	}
	got, _ := repo.Get(ctx, job.ID)
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}
}

func TestJobService_MarkCompleted(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)

	meta := Metadata{Title: "Song", Duration: 215}
	done, err := svc.MarkCompleted(ctx, job.ID, Result{Path: "/data/a.mp3", Size: 1024}, meta)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if done.Status != StatusCompleted || done.Progress != 100 {
		t.Errorf("job = %+v, want completed at 100", done)
	}
	if done.CompletedAt == nil || done.Result == nil || done.Result.Size != 1024 {
		t.Errorf("job missing completion fields: %+v", done)
	}
	if done.Metadata != meta {
		t.Errorf("Metadata = %+v, want %+v", done.Metadata, meta)
	}
}

func TestJobService_MarkFailed(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)

	failed, err := svc.MarkFailed(ctx, job.ID, CategoryInvalidSource, "unsupported URL")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", failed.Status)
	}
	if failed.ErrorCode != string(CategoryInvalidSource) || failed.ErrorMessage != "unsupported URL" {
		t.Errorf("error = (%q, %q)", failed.ErrorCode, failed.ErrorMessage)
	}
	if failed.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestJobService_RetryPolicy(t *testing.T) {
	svc := newTestService(newMockRepo(), WithMaxRetries(3))
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)

	for attempt := 1; attempt <= 2; attempt++ {
		claim(t, svc, job.ID)
		_ = svc.UpdateProgress(ctx, job.ID, 30)
		got, err := svc.RetryOrFail(ctx, job.ID, CategoryNetworkError, "timed out")
		if err != nil {
			t.Fatalf("attempt %d: RetryOrFail() error = %v", attempt, err)
		}
		if got.Status != StatusPending || got.CurrentRetry != attempt {
			t.Errorf("attempt %d: status %s retry %d, want pending retry %d", attempt, got.Status, got.CurrentRetry, attempt)
		}
		if got.Progress != 0 || got.ErrorCode != "" {
			t.Errorf("attempt %d: progress %d error %q, want reset", attempt, got.Progress, got.ErrorCode)
		}
	}

	claim(t, svc, job.ID)
	got, err := svc.RetryOrFail(ctx, job.ID, CategoryNetworkError, "timed out")
	if !errors.Is(err, ErrMaxRetriesReached) {
		t.Fatalf("third failure error = %v, want ErrMaxRetriesReached", err)
	}
	if got.Status != StatusFailed || got.CurrentRetry != 3 {
		t.Errorf("job = status %s retry %d, want failed retry 3", got.Status, got.CurrentRetry)
	}
	if got.ErrorCode != string(CategoryNetworkError) || got.CompletedAt == nil {
		t.Errorf("failed job missing error fields: %+v", got)
	}

	retried, err := svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Status != StatusPending || retried.CurrentRetry != 3 {
		t.Errorf("Retry() = status %s retry %d, want pending retry 3", retried.Status, retried.CurrentRetry)
	}
	if retried.ErrorCode != "" || retried.ErrorMessage != "" || retried.CompletedAt != nil {
		t.Errorf("Retry() left error fields: %+v", retried)
	}

	// Budget is exhausted, so the next failure is terminal immediately.
	claim(t, svc, job.ID)
	if _, err := svc.RetryOrFail(ctx, job.ID, CategoryUnknown, "boom"); !errors.Is(err, ErrMaxRetriesReached) {
		t.Errorf("RetryOrFail() after manual retry error = %v, want ErrMaxRetriesReached", err)
	}
}

func TestJobService_RetryRequiresFailed(t *testing.T) {
	svc := newTestService(newMockRepo())
	job := submit(t, svc, "https://example.com", PriorityNormal)

	if _, err := svc.Retry(context.Background(), job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Retry(pending) error = %v, want ErrInvalidOperation", err)
	}
}

func TestJobService_Release(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)
	_ = svc.UpdateProgress(ctx, job.ID, 50)

	released, err := svc.Release(ctx, job.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released.Status != StatusPending || released.Progress != 0 || released.CurrentRetry != 0 {
		t.Errorf("Release() = %+v, want pending with no retry consumed", released)
	}
}

func TestJobService_Cancel(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	cancelled, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CompletedAt == nil {
		t.Errorf("Cancel() = %+v, want cancelled with completed_at", cancelled)
	}
	if _, err := svc.Cancel(ctx, job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Cancel(cancelled) error = %v, want ErrInvalidOperation", err)
	}
}

func TestJobService_Delete(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	artifact := filepath.Join(t.TempDir(), "a.mp3")
	if err := os.WriteFile(artifact, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	job := submit(t, svc, "https://example.com", PriorityNormal)
	claim(t, svc, job.ID)

	if err := svc.Delete(ctx, job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Delete(downloading) error = %v, want ErrInvalidOperation", err)
	}

	if _, err := svc.MarkCompleted(ctx, job.ID, Result{Path: artifact, Size: 3}, Metadata{}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrJobNotFound", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("artifact still present after delete: %v", err)
	}
	if err := svc.Delete(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobService_Prune(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewJobService(repo, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old := submit(t, svc, "https://example.com/old", PriorityNormal)
	claim(t, svc, old.ID)
	if _, err := svc.MarkFailed(ctx, old.ID, CategoryUnknown, "x"); err != nil {
		t.Fatal(err)
	}
	pending := submit(t, svc, "https://example.com/pending", PriorityNormal)

	now = now.Add(48 * time.Hour)
	recent := submit(t, svc, "https://example.com/recent", PriorityNormal)
	if _, err := svc.Cancel(ctx, recent.ID); err != nil {
		t.Fatal(err)
	}

	n, err := svc.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := svc.Get(ctx, old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Error("old failed job survived prune")
	}
	for _, id := range []int64{pending.ID, recent.ID} {
		if _, err := svc.Get(ctx, id); err != nil {
			t.Errorf("job %d removed by prune: %v", id, err)
		}
	}

	if _, err := svc.Prune(ctx, -time.Hour); !errors.Is(err, ErrValidation) {
		t.Errorf("Prune(negative) error = %v, want ErrValidation", err)
	}
}

func TestJobService_RecoverStale(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	self := NewJobService(repo, WithClock(clock), WithInstanceID("self"), WithLeaseTTL(time.Minute))
	other := NewJobService(repo, WithClock(clock), WithInstanceID("other"), WithLeaseTTL(time.Minute))
	ctx := context.Background()

	orphan := submit(t, self, "https://example.com/orphan", PriorityNormal)
	live := submit(t, self, "https://example.com/live", PriorityNormal)
	expired := submit(t, self, "https://example.com/expired", PriorityNormal)
	claim(t, self, orphan.ID)
	claim(t, other, expired.ID)
	now = now.Add(2 * time.Minute)
	claim(t, other, live.ID)

	n, err := self.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RecoverStale() = %d, want 2", n)
	}

	tests := []struct {
		id   int64
		want JobStatus
	}{
		{orphan.ID, StatusPending},
		{expired.ID, StatusPending},
		{live.ID, StatusDownloading},
	}
	for _, tt := range tests {
		got, _ := repo.Get(ctx, tt.id)
		if got.Status != tt.want {
			t.Errorf("job %d status = %q, want %q", tt.id, got.Status, tt.want)
		}
		if tt.want == StatusPending && (got.Owner != "" || got.HeartbeatAt != nil) {
			t.Errorf("job %d kept claim %q after recovery", tt.id, got.Owner)
		}
	}

	if n, _ := self.RecoverExpired(ctx); n != 0 {
		t.Errorf("RecoverExpired() = %d, want 0 while lease is live", n)
	}
	if n, _ := self.RecoverAll(ctx); n != 1 {
		t.Errorf("RecoverAll() = %d, want 1", n)
	}
}

func TestJobService_HeartbeatKeepsLease(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	owner := NewJobService(repo, WithClock(clock), WithInstanceID("a"), WithLeaseTTL(time.Minute))
	peer := NewJobService(repo, WithClock(clock), WithInstanceID("b"), WithLeaseTTL(time.Minute))
	ctx := context.Background()

	job := submit(t, owner, "https://example.com", PriorityNormal)
	claim(t, owner, job.ID)

	for range 3 {
		now = now.Add(40 * time.Second)
		if n, err := owner.Heartbeat(ctx); err != nil || n != 1 {
			t.Fatalf("Heartbeat() = %d, %v, want 1", n, err)
		}
		if n, _ := peer.RecoverExpired(ctx); n != 0 {
			t.Fatalf("RecoverExpired() = %d with a live heartbeat", n)
		}
	}

	now = now.Add(2 * time.Minute)
	if n, _ := peer.RecoverExpired(ctx); n != 1 {
		t.Errorf("RecoverExpired() = %d after lease expiry, want 1", n)
	}
}

func TestJobService_ClaimOwnership(t *testing.T) {
	repo := newMockRepo()
	a := newTestService(repo, WithInstanceID("a"))
	b := newTestService(repo, WithInstanceID("b"))
	ctx := context.Background()

	job := submit(t, a, "https://example.com", PriorityNormal)
	claim(t, a, job.ID)

	ops := map[string]func() error{
		"progress": func() error { return b.UpdateProgress(ctx, job.ID, 50) },
		"complete": func() error {
			_, err := b.MarkCompleted(ctx, job.ID, Result{Path: "/tmp/x.mp3"}, Metadata{})
			return err
		},
		"fail":    func() error { _, err := b.MarkFailed(ctx, job.ID, CategoryUnknown, "x"); return err },
		"retry":   func() error { _, err := b.RetryOrFail(ctx, job.ID, CategoryNetworkError, "x"); return err },
		"release": func() error { _, err := b.Release(ctx, job.ID); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrClaimConflict) {
			t.Errorf("%s from another instance: error = %v, want ErrClaimConflict", name, err)
		}
	}

	got, _ := repo.Get(ctx, job.ID)
	if got.Status != StatusDownloading || got.Owner != "a" || got.Progress != 0 {
		t.Errorf("job = %+v, want downloading by a at 0%%", got)
	}
	if _, err := a.MarkCompleted(ctx, job.ID, Result{Path: "/tmp/x.mp3"}, Metadata{}); err != nil {
		t.Errorf("MarkCompleted() by owner error = %v", err)
	}
}

func TestJobService_Artifact(t *testing.T) {
	svc := newTestService(newMockRepo())
	ctx := context.Background()

	job := submit(t, svc, "https://example.com", PriorityNormal)
	if _, err := svc.Artifact(ctx, job.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Artifact(pending) error = %v, want ErrInvalidOperation", err)
	}

	claim(t, svc, job.ID)
	missing := filepath.Join(t.TempDir(), "gone.mp3")
	if _, err := svc.MarkCompleted(ctx, job.ID, Result{Path: missing}, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Artifact(ctx, job.ID); !errors.Is(err, ErrArtifactMissing) {
		t.Errorf("Artifact(no file) error = %v, want ErrArtifactMissing", err)
	}

	if err := os.WriteFile(missing, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Artifact(ctx, job.ID)
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	if got.Result.Path != missing {
		t.Errorf("Artifact() path = %q, want %q", got.Result.Path, missing)
	}
}
