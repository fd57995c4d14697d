package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusPaused      JobStatus = "paused"
	StatusCancelled   JobStatus = "cancelled"
)

// Statuses lists every status in display order.
var Statuses = []JobStatus{
	StatusPending,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusPaused,
	StatusCancelled,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (JobStatus, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
}

// Terminal reports whether the status is eligible for retention pruning.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the legal state machine. Deletion is not a transition.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:     {StatusDownloading, StatusPaused, StatusCancelled},
	StatusDownloading: {StatusCompleted, StatusPending, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:      {StatusPending, StatusCancelled},
	StatusFailed:      {StatusPending},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to JobStatus) bool {
	for _, st := range transitions[from] {
		if st == to {
			return true
		}
	}
	return false
}

// Priority orders pending jobs. Higher rank is dispatched first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every priority from highest to lowest rank.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority validates a priority string. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for _, p := range Priorities {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
}

// Rank returns 3 for high, 2 for normal, 1 for low and 0 otherwise.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// SupportedFormats are the target audio formats a job may request.
var SupportedFormats = []string{"mp3", "m4a"}

// DefaultFormat is used when a submission omits the format.
const DefaultFormat = "mp3"

// ParseFormat normalizes and validates a target format.
func ParseFormat(s string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(s))
	if f == "" {
		return DefaultFormat, nil
	}
	for _, sf := range SupportedFormats {
		if f == sf {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported format %q (want one of %s)", ErrValidation, s, strings.Join(SupportedFormats, ", "))
}

// Source is the immutable request descriptor of a job.
type Source struct {
	URL    string
	Format string
}

// Result references the artifact produced by a completed job.
type Result struct {
	Path string
	Size int64
}

// Metadata is best-effort information about the source media.
type Metadata struct {
	Title     string
	Artist    string
	Duration  int // seconds
	Thumbnail string
}

// IsZero reports whether no metadata was collected.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Job represents a queued media-conversion request.
type Job struct {
	ID             int64
	Source         Source
	Priority       Priority
	Status         JobStatus
	Progress       int
	CurrentRetry   int
	MaxRetries     int
	ErrorCode      string
	ErrorMessage   string
	Result         *Result
	Metadata       Metadata
	IdempotencyKey string
	// Owner is the instance holding the claim while downloading. The claim
	// stays valid while HeartbeatAt is within the lease.
	Owner          string
	HeartbeatAt    *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// CanRetry returns true while the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.CurrentRetry < j.MaxRetries
}

// moveTo applies a status change if the state machine allows it.
func (j *Job) moveTo(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %d cannot move from %s to %s", ErrInvalidOperation, j.ID, j.Status, to)
	}
	if j.Status == StatusDownloading {
		j.Owner = ""
		j.HeartbeatAt = nil
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

func (j *Job) clearError() {
	j.ErrorCode = ""
	j.ErrorMessage = ""
}

// ClampProgress forces a progress value into [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
