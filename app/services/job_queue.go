// Package services provides external service integrations and technical concerns: the job broker client,
// distributed locks, audience resolution and the delivery status provider
package services

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobExists is returned by Add when a job with the same id is already stored
	ErrJobExists = errors.New("job already exists")
	// ErrJobActive is returned by Remove while a worker holds the job
	ErrJobActive = errors.New("job is active")
)

// JobState is the broker-side state of a job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// IsPending reports whether a job in this state will still be (or is being) processed
func (s JobState) IsPending() bool {
	return s == JobStateWaiting || s == JobStateActive || s == JobStateDelayed
}

// BatchJobData is the payload read by the send worker
type BatchJobData struct {
	CampaignID      uint   `json:"campaignId"`
	TenantID        uint   `json:"tenantId"`
	RecipientRowIDs []uint `json:"recipientRowIds"`
	// RetryBackoffMs is the base delay of the exponential retry schedule, applied by the consumer
	RetryBackoffMs int64 `json:"retryBackoffMs,omitempty"`
}

// JobOptions controls identity, ordering and retries of a job
type JobOptions struct {
	JobID    string
	Priority int
	Attempts int
	// Backoff is the base delay of the exponential retry schedule
	Backoff time.Duration
}

// Job is a job as reported by the broker
type Job struct {
	ID           string
	Name         string
	Queue        string
	Data         BatchJobData
	Attempts     int
	AttemptsMade int
	Backoff      time.Duration
	State        JobState
	FailedReason string
	FinishedAt   *time.Time
}

// JobQueue is the producer side of the broker used by dispatch, cancellation and reconciliation.
// Consuming jobs is the send worker's concern.
type JobQueue interface {
	Add(ctx context.Context, name string, data BatchJobData, opts JobOptions) (*Job, error)
	// GetJob returns nil, nil when no queue holds the id
	GetJob(ctx context.Context, id string) (*Job, error)
	GetWaiting(ctx context.Context) ([]*Job, error)
	GetActive(ctx context.Context) ([]*Job, error)
	GetDelayed(ctx context.Context) ([]*Job, error)
	// GetCompleted lists up to limit of the most recently completed jobs, newest first
	GetCompleted(ctx context.Context, limit int) ([]*Job, error)
	// Remove deletes a job that is not active; unknown ids are not an error
	Remove(ctx context.Context, id string) error
}
