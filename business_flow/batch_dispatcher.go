package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DispatchInput is the ordered set of recipient rows to fan out for a campaign
type DispatchInput struct {
	TenantID        uint
	CampaignID      uint
	Priority        models.CampaignPriority
	RecipientRowIDs []uint
}

// BatchOutcome is the result of one batch submission
type BatchOutcome struct {
	Index           int
	JobID           string
	RecipientRowIDs []uint
	Outcome         models.DispatchOutcome
	Err             error
}

// DispatchResult aggregates batch outcomes in batch order
type DispatchResult struct {
	Enqueued int
	Skipped  int
	Failed   int
	// EnqueuedRecipients counts rows carried by batches enqueued by this call
	EnqueuedRecipients int64
	Batches            []BatchOutcome
}

// AllFailed reports whether at least one batch was attempted and none reached the broker
func (r *DispatchResult) AllFailed() bool {
	return r.Failed > 0 && r.Enqueued == 0 && r.Skipped == 0
}

// BatchDispatcherConfig tunes batching and broker job options
type BatchDispatcherConfig struct {
	BatchSize   int
	Concurrency int
	Attempts    int
	Backoff     time.Duration
	// DuplicateScan enables the broker scan for equal recipient sets under another job id
	DuplicateScan       bool
	CompletedScanWindow int
}

// BatchDispatcher splits recipient rows into content-addressed broker jobs
type BatchDispatcher interface {
	Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error)
}

// BatchDispatcherImpl implements BatchDispatcher on a JobQueue
type BatchDispatcherImpl struct {
	queue     services.JobQueue
	batchRepo repository.DispatchBatchRepository
	cfg       BatchDispatcherConfig
	logger    zerolog.Logger
}

// NewBatchDispatcher creates a dispatcher; zero config fields fall back to defaults
func NewBatchDispatcher(
	queue services.JobQueue,
	batchRepo repository.DispatchBatchRepository,
	cfg BatchDispatcherConfig,
	logger zerolog.Logger,
) *BatchDispatcherImpl {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = utils.DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = utils.DefaultJobAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = utils.DefaultJobBackoff
	}
	if cfg.CompletedScanWindow <= 0 {
		cfg.CompletedScanWindow = utils.CompletedJobScanWindow
	}
	return &BatchDispatcherImpl{
		queue:     queue,
		batchRepo: batchRepo,
		cfg:       cfg,
		logger:    logger.With().Str("component", "batch_dispatcher").Logger(),
	}
}

// BatchJobID is the broker job id of a recipient set: campaign:<id>:batch:<16 hex of sha256(sorted ids)>
func BatchJobID(campaignID uint, rowIDs []uint) string {
	return fmt.Sprintf("campaign:%d:batch:%s", campaignID, utils.IDSetDigest(rowIDs)[:16])
}

// Dispatch submits every batch and reports per-batch outcomes.
// Broker failures of single batches are counted, not returned.
func (d *BatchDispatcherImpl) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	batches := utils.Chunk(in.RecipientRowIDs, d.cfg.BatchSize)
	result := &DispatchResult{Batches: make([]BatchOutcome, len(batches))}
	if len(batches) == 0 {
		return result, nil
	}

	var known map[string]struct{}
	if d.cfg.DuplicateScan {
		known = d.scanExisting(ctx, in.CampaignID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, rows := range batches {
		g.Go(func() error {
			result.Batches[i] = d.submit(gctx, in, i, rows, known)
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range result.Batches {
		switch b.Outcome {
		case models.DispatchOutcomeEnqueued:
			result.Enqueued++
			result.EnqueuedRecipients += int64(len(b.RecipientRowIDs))
		case models.DispatchOutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		d.record(ctx, in, b)
	}

	d.logger.Info().
		Uint("campaign_id", in.CampaignID).
		Int("batches", len(batches)).
		Int("enqueued", result.Enqueued).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("campaign batches dispatched")

	return result, nil
}

func (d *BatchDispatcherImpl) submit(ctx context.Context, in DispatchInput, index int, rows []uint, known map[string]struct{}) BatchOutcome {
	out := BatchOutcome{
		Index:           index,
		JobID:           BatchJobID(in.CampaignID, rows),
		RecipientRowIDs: rows,
	}

	if _, dup := known[utils.IDSetKey(rows)]; dup {
		out.Outcome = models.DispatchOutcomeSkipped
		return out
	}

	existing, err := d.queue.GetJob(ctx, out.JobID)
	if err != nil {
		// the broker rejects a duplicate Add anyway
		d.logger.Warn().Err(err).Str("job_id", out.JobID).Msg("job lookup failed, submitting")
	}
	if existing != nil {
		switch existing.State {
		case services.JobStateFailed:
			if err := d.queue.Remove(ctx, out.JobID); err != nil {
				out.Outcome = models.DispatchOutcomeFailed
				out.Err = fmt.Errorf("failed to remove failed job: %w", err)
				return out
			}
		default:
			out.Outcome = models.DispatchOutcomeSkipped
			return out
		}
	}

	_, err = d.queue.Add(ctx, utils.BatchJobName, services.BatchJobData{
		CampaignID:      in.CampaignID,
		TenantID:        in.TenantID,
		RecipientRowIDs: rows,
	}, services.JobOptions{
		JobID:    out.JobID,
		Priority: in.Priority.JobPriority(),
		Attempts: d.cfg.Attempts,
		Backoff:  d.cfg.Backoff,
	})
	switch {
	case err == nil:
		out.Outcome = models.DispatchOutcomeEnqueued
	case errors.Is(err, services.ErrJobExists):
		out.Outcome = models.DispatchOutcomeSkipped
	default:
		out.Outcome = models.DispatchOutcomeFailed
		out.Err = err
		d.logger.Error().Err(err).Str("job_id", out.JobID).Uint("campaign_id", in.CampaignID).Msg("failed to enqueue batch")
	}
	return out
}

// scanExisting collects the recipient sets of the campaign's live and recently completed jobs.
// Scan errors are logged and ignored.
func (d *BatchDispatcherImpl) scanExisting(ctx context.Context, campaignID uint) map[string]struct{} {
	known := make(map[string]struct{})
	recentCompleted := func(ctx context.Context) ([]*services.Job, error) {
		return d.queue.GetCompleted(ctx, d.cfg.CompletedScanWindow)
	}
	lists := []struct {
		state services.JobState
		fetch func(context.Context) ([]*services.Job, error)
	}{
		{services.JobStateWaiting, d.queue.GetWaiting},
		{services.JobStateActive, d.queue.GetActive},
		{services.JobStateDelayed, d.queue.GetDelayed},
		{services.JobStateCompleted, recentCompleted},
	}
	for _, l := range lists {
		jobs, err := l.fetch(ctx)
		if err != nil {
			duplicateScanErrorsTotal.Inc()
			d.logger.Warn().Err(err).Str("state", string(l.state)).Uint("campaign_id", campaignID).Msg("duplicate scan failed, continuing")
			continue
		}
		for _, j := range jobs {
			if j.Data.CampaignID == campaignID {
				known[utils.IDSetKey(j.Data.RecipientRowIDs)] = struct{}{}
			}
		}
	}
	return known
}

func (d *BatchDispatcherImpl) record(ctx context.Context, in DispatchInput, b BatchOutcome) {
	dispatchBatchesTotal.WithLabelValues(string(b.Outcome)).Inc()
	if d.batchRepo == nil {
		return
	}

	ids := make(pq.Int64Array, len(b.RecipientRowIDs))
	for i, id := range b.RecipientRowIDs {
		ids[i] = int64(id)
	}
	row := &models.DispatchBatch{
		TenantID:        in.TenantID,
		CampaignID:      in.CampaignID,
		JobID:           b.JobID,
		RecipientRowIDs: ids,
		Outcome:         b.Outcome,
	}
	if b.Err != nil {
		row.Error = utils.ToPtr(b.Err.Error())
	}
	if err := d.batchRepo.Record(ctx, row); err != nil {
		d.logger.Warn().Err(err).Str("job_id", b.JobID).Msg("failed to record dispatch batch")
	}
}
