package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Jobs are routed to one asynq queue per priority tier; consumers weight the tiers with QueueWeights.
var priorityTiers = []struct {
	name   string
	weight int
	min    int
}{
	{"urgent", 20, 20},
	{"high", 10, 10},
	{"normal", 5, 5},
	{"low", 1, math.MinInt},
}

// AsynqJobQueueConfig names the queues and how long completed jobs stay visible
type AsynqJobQueueConfig struct {
	// Queue is the base name; tier queues are named <Queue>-<tier>
	Queue string
	// Retention keeps completed jobs inspectable for duplicate detection
	Retention time.Duration
	// PageSize bounds each inspector listing call
	PageSize int
}

// AsynqJobQueue implements JobQueue on an asynq client and inspector sharing one Redis connection
type AsynqJobQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       AsynqJobQueueConfig
	queues    []string
	logger    zerolog.Logger
}

// NewAsynqJobQueue creates a queue; zero config values fall back to defaults.
// The Redis connection stays owned by the caller.
func NewAsynqJobQueue(rc redis.UniversalClient, cfg AsynqJobQueueConfig, logger zerolog.Logger) *AsynqJobQueue {
	if cfg.Queue == "" {
		cfg.Queue = "campaign-send"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	queues := make([]string, len(priorityTiers))
	for i, tier := range priorityTiers {
		queues[i] = cfg.Queue + "-" + tier.name
	}
	return &AsynqJobQueue{
		client:    asynq.NewClientFromRedisClient(rc),
		inspector: asynq.NewInspectorFromRedisClient(rc),
		cfg:       cfg,
		queues:    queues,
		logger:    logger.With().Str("component", "job_queue").Str("queue", cfg.Queue).Logger(),
	}
}

// QueueFor returns the tier queue of a job priority
func (q *AsynqJobQueue) QueueFor(priority int) string {
	for i, tier := range priorityTiers {
		if priority >= tier.min {
			return q.queues[i]
		}
	}
	return q.queues[len(q.queues)-1]
}

// QueueWeights is the asynq.Config.Queues map a send worker serves these queues with
func (q *AsynqJobQueue) QueueWeights() map[string]int {
	weights := make(map[string]int, len(q.queues))
	for i, tier := range priorityTiers {
		weights[q.queues[i]] = tier.weight
	}
	return weights
}

// Add enqueues the job when its id is free in the target queue, otherwise returns ErrJobExists
func (q *AsynqJobQueue) Add(ctx context.Context, name string, data BatchJobData, opts JobOptions) (*Job, error) {
	if opts.JobID == "" {
		return nil, errors.New("job id is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff > 0 {
		data.RetryBackoffMs = opts.Backoff.Milliseconds()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(name, payload),
		asynq.TaskID(opts.JobID),
		asynq.Queue(q.QueueFor(opts.Priority)),
		asynq.MaxRetry(opts.Attempts-1),
		asynq.Retention(q.cfg.Retention),
	)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		return nil, ErrJobExists
	case err != nil:
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return q.toJob(info), nil
}

// GetJob looks the id up in every tier queue
func (q *AsynqJobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	queue, info, err := q.find(ctx, id)
	if err != nil || queue == "" {
		return nil, err
	}
	return q.toJob(info), nil
}

func (q *AsynqJobQueue) GetWaiting(ctx context.Context) ([]*Job, error) {
	return q.listAll(ctx, q.inspector.ListPendingTasks)
}

func (q *AsynqJobQueue) GetActive(ctx context.Context) ([]*Job, error) {
	return q.listAll(ctx, q.inspector.ListActiveTasks)
}

// GetDelayed lists scheduled jobs and jobs waiting for a retry
func (q *AsynqJobQueue) GetDelayed(ctx context.Context) ([]*Job, error) {
	scheduled, err := q.listAll(ctx, q.inspector.ListScheduledTasks)
	if err != nil {
		return nil, err
	}
	retry, err := q.listAll(ctx, q.inspector.ListRetryTasks)
	if err != nil {
		return nil, err
	}
	return append(scheduled, retry...), nil
}

// GetCompleted walks each completed set, which asynq orders by expiry, and keeps the tail
func (q *AsynqJobQueue) GetCompleted(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var jobs []*Job
	for _, queue := range q.queues {
		var tail []*Job
		err := q.walk(ctx, queue, q.inspector.ListCompletedTasks, func(page []*Job) {
			tail = append(tail, page...)
			if len(tail) > limit {
				tail = tail[len(tail)-limit:]
			}
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, tail...)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return finishedAt(jobs[i]).After(finishedAt(jobs[j]))
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Remove deletes a job that is not active
func (q *AsynqJobQueue) Remove(ctx context.Context, id string) error {
	queue, info, err := q.find(ctx, id)
	if err != nil || queue == "" {
		return err
	}
	if info.State == asynq.TaskStateActive {
		return ErrJobActive
	}
	if err := q.inspector.DeleteTask(queue, id); err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	q.logger.Debug().Str("job_id", id).Str("tier_queue", queue).Msg("job removed")
	return nil
}

func (q *AsynqJobQueue) find(ctx context.Context, id string) (string, *asynq.TaskInfo, error) {
	for _, queue := range q.queues {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		info, err := q.inspector.GetTaskInfo(queue, id)
		switch {
		case isMissing(err):
			continue
		case err != nil:
			return "", nil, fmt.Errorf("failed to inspect job %s: %w", id, err)
		}
		return queue, info, nil
	}
	return "", nil, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (q *AsynqJobQueue) listAll(ctx context.Context, list listFunc) ([]*Job, error) {
	var jobs []*Job
	for _, queue := range q.queues {
		if err := q.walk(ctx, queue, list, func(page []*Job) { jobs = append(jobs, page...) }); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// walk pages through one queue listing; a queue that never received a job is empty
func (q *AsynqJobQueue) walk(ctx context.Context, queue string, list listFunc, visit func([]*Job)) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		infos, err := list(queue, asynq.PageSize(q.cfg.PageSize), asynq.Page(page))
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("failed to list jobs of %s: %w", queue, err)
		}
		jobs := make([]*Job, len(infos))
		for i, info := range infos {
			jobs[i] = q.toJob(info)
		}
		visit(jobs)
		if len(infos) < q.cfg.PageSize {
			return nil
		}
	}
}

func (q *AsynqJobQueue) toJob(info *asynq.TaskInfo) *Job {
	job := &Job{
		ID:           info.ID,
		Name:         info.Type,
		Queue:        info.Queue,
		Attempts:     info.MaxRetry + 1,
		AttemptsMade: info.Retried,
		State:        jobState(info.State),
		FailedReason: info.LastErr,
	}
	if err := json.Unmarshal(info.Payload, &job.Data); err != nil {
		q.logger.Warn().Err(err).Str("job_id", info.ID).Msg("undecodable job payload")
	}
	job.Backoff = time.Duration(job.Data.RetryBackoffMs) * time.Millisecond
	if !info.CompletedAt.IsZero() {
		at := info.CompletedAt
		job.FinishedAt = &at
	}
	return job
}

func jobState(s asynq.TaskState) JobState {
	switch s {
	case asynq.TaskStatePending, asynq.TaskStateAggregating:
		return JobStateWaiting
	case asynq.TaskStateActive:
		return JobStateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return JobStateDelayed
	case asynq.TaskStateCompleted:
		return JobStateCompleted
	case asynq.TaskStateArchived:
		return JobStateFailed
	default:
		return JobStateUnknown
	}
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt == nil {
		return time.Time{}
	}
	return *j.FinishedAt
}

func isMissing(err error) bool {
	return errors.Is(err, asynq.ErrQueueNotFound) || errors.Is(err, asynq.ErrTaskNotFound)
}
