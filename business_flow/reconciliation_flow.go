package businessflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ReconciliationFlow converges sending campaigns with provider truth
type ReconciliationFlow interface {
	ReconcileCampaign(ctx context.Context, req *dto.ReconcileCampaignRequest) (*dto.ReconcileCampaignResponse, error)
	// Sweep reconciles sending campaigns and reclaims expired reservations
	Sweep(ctx context.Context) (*SweepResult, error)
}

// ReconciliationConfig tunes reconciliation and the sweep
type ReconciliationConfig struct {
	StaleThreshold    time.Duration
	Cooldown          time.Duration
	ReservationMaxAge time.Duration
	SweepLimit        int
	// IdempotencyRetention is how long completed idempotency records are kept; zero keeps them
	IdempotencyRetention time.Duration
}

// SweepResult summarizes one reconciliation sweep
type SweepResult struct {
	Examined            int
	Finalized           int
	Requeued            int
	CoolingDown         int
	Errors              int
	ExpiredReservations int
	PurgedIdempotency   int64
	AbandonedClaims     int64
}

// ReconciliationFlowImpl implements ReconciliationFlow
type ReconciliationFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.CampaignRecipientRepository
	metadataRepo  repository.CampaignMetadataRepository
	ledger        CreditLedger
	dispatcher    BatchDispatcher
	queue         services.JobQueue
	cooldown      services.Cooldown
	idempotency   IdempotencyStore
	audit         auditWriter
	validate      *validator.Validate
	cfg           ReconciliationConfig
	logger        zerolog.Logger
	// sweepCursor is the last campaign id the previous sweep visited
	sweepCursor atomic.Uint64
}

// NewReconciliationFlow creates a new reconciliation flow instance
func NewReconciliationFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.CampaignRecipientRepository,
	metadataRepo repository.CampaignMetadataRepository,
	auditRepo repository.AuditLogRepository,
	ledger CreditLedger,
	dispatcher BatchDispatcher,
	queue services.JobQueue,
	cooldown services.Cooldown,
	idempotency IdempotencyStore,
	cfg ReconciliationConfig,
	logger zerolog.Logger,
) ReconciliationFlow {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = utils.DefaultStaleThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = utils.DefaultReconcileCooldown
	}
	if cfg.ReservationMaxAge <= 0 {
		cfg.ReservationMaxAge = utils.DefaultReservationMaxAge
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = utils.DefaultReconcileSweepLimit
	}
	logger = logger.With().Str("component", "reconciliation").Logger()
	return &ReconciliationFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		metadataRepo:  metadataRepo,
		ledger:        ledger,
		dispatcher:    dispatcher,
		queue:         queue,
		cooldown:      cooldown,
		idempotency:   idempotency,
		audit:         auditWriter{repo: auditRepo, logger: logger},
		validate:      newValidator(),
		cfg:           cfg,
		logger:        logger,
	}
}

// ReconcileCampaign finalizes a finished campaign, requeues a stalled one, or does nothing
func (f *ReconciliationFlowImpl) ReconcileCampaign(ctx context.Context, req *dto.ReconcileCampaignRequest) (*dto.ReconcileCampaignResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid reconcile request", err)
	}

	var (
		c   *models.Campaign
		err error
	)
	if req.TenantID != 0 {
		c, err = f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	} else {
		c, err = f.campaignRepo.ByID(ctx, req.CampaignID)
	}
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return &dto.ReconcileCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonNotFound}, nil
	}

	counts, err := f.recipientRepo.Counts(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, NewBusinessError("METRICS_LOOKUP_FAILED", "Failed to count recipients", err)
	}
	pending, err := f.recipientRepo.CountPending(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, NewBusinessError("METRICS_LOOKUP_FAILED", "Failed to count pending recipients", err)
	}

	now := utils.UTCNow()
	m := models.BuildCanonicalMetrics(counts)
	resp := &dto.ReconcileCampaignResponse{
		OK:                true,
		CampaignID:        c.ID,
		Action:            dto.ReconcileActionNoop,
		Status:            c.Status,
		Stale:             utils.OlderThan(c.UpdatedAt, f.cfg.StaleThreshold, now),
		PendingRecipients: pending,
		Metrics:           m,
	}
	if c.Status != models.CampaignStatusSending {
		reconcileActionsTotal.WithLabelValues(string(resp.Action)).Inc()
		return resp, nil
	}

	switch {
	case m.IsTerminal():
		final := models.CampaignStatusCompleted
		if m.AllFailed() {
			final = models.CampaignStatusFailed
		}
		if err := f.finalize(ctx, c, final, resp); err != nil {
			return nil, err
		}
	case m.Totals.Recipients == 0 && resp.Stale:
		// claimed but never got recipient rows
		if err := f.finalize(ctx, c, models.CampaignStatusFailed, resp); err != nil {
			return nil, err
		}
	case pending > 0 && resp.Stale:
		if err := f.requeue(ctx, c, resp); err != nil {
			return nil, err
		}
	}

	reconcileActionsTotal.WithLabelValues(string(resp.Action)).Inc()
	if resp.Action != dto.ReconcileActionNoop {
		f.writeMetadata(ctx, c.ID, resp.Action, now)
	}
	return resp, nil
}

func (f *ReconciliationFlowImpl) finalize(ctx context.Context, c *models.Campaign, final models.CampaignStatus, resp *dto.ReconcileCampaignResponse) error {
	finishedAt := utils.UTCNow()
	ok, err := f.campaignRepo.UpdateStatusCAS(ctx, c.TenantID, c.ID, []models.CampaignStatus{models.CampaignStatusSending}, final,
		repository.CampaignStatusChange{FinishedAt: &finishedAt})
	if err != nil {
		return NewBusinessError("CAMPAIGN_TRANSITION_FAILED", "Failed to finalize campaign", err)
	}
	if !ok {
		// cancelled or finalized by someone else since the read
		return nil
	}

	if _, err := f.ledger.ReleaseForCampaign(ctx, c.TenantID, c.ID, utils.ReleaseReasonTerminal); err != nil {
		f.logger.Error().Err(err).Uint("campaign_id", c.ID).Msg("failed to release reservation of finalized campaign")
	}

	resp.Action = dto.ReconcileActionFinalized
	resp.Status = final
	resp.FinalStatus = &final

	f.logger.Info().
		Uint("campaign_id", c.ID).
		Str("status", string(final)).
		Int64("delivered", resp.Metrics.Delivery.Delivered).
		Int64("failed", resp.Metrics.Delivery.FailedDelivery).
		Msg("campaign finalized")
	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignFinalized,
		fmt.Sprintf("Campaign finalized as %s", final), true, nil)
	return nil
}

func (f *ReconciliationFlowImpl) requeue(ctx context.Context, c *models.Campaign, resp *dto.ReconcileCampaignResponse) error {
	live, err := f.hasLiveJobs(ctx, c.ID)
	if err != nil {
		// without a broker view the campaign is left for the next cycle
		f.logger.Warn().Err(err).Uint("campaign_id", c.ID).Msg("failed to inspect broker, skipping requeue")
		return nil
	}
	if live {
		return nil
	}

	ids, err := f.recipientRepo.PendingIDs(ctx, c.TenantID, c.ID)
	if err != nil {
		return NewBusinessError("RECIPIENT_LOOKUP_FAILED", "Failed to load pending recipients", err)
	}
	result, err := f.dispatcher.Dispatch(ctx, DispatchInput{
		TenantID:        c.TenantID,
		CampaignID:      c.ID,
		Priority:        c.Priority,
		RecipientRowIDs: ids,
	})
	if err != nil {
		return NewBusinessError("CAMPAIGN_ENQUEUE_FAILED", "Failed to requeue campaign", err)
	}
	resp.Enqueued = result.Enqueued
	resp.Skipped = result.Skipped
	resp.Failed = result.Failed
	if result.Enqueued == 0 {
		// nothing reached the broker, so the campaign stays stale for the next cycle
		f.logger.Debug().
			Uint("campaign_id", c.ID).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("requeue submitted no new batches")
		return nil
	}

	if err := f.campaignRepo.Touch(ctx, c.TenantID, c.ID); err != nil {
		f.logger.Warn().Err(err).Uint("campaign_id", c.ID).Msg("failed to touch requeued campaign")
	}
	resp.Action = dto.ReconcileActionRequeued

	f.logger.Info().
		Uint("campaign_id", c.ID).
		Int("pending", len(ids)).
		Int("enqueued", result.Enqueued).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("stalled campaign requeued")
	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignRequeued,
		fmt.Sprintf("Requeued %d pending recipients in %d batches", len(ids), len(result.Batches)), result.Failed == 0, nil)
	return nil
}

// hasLiveJobs reports whether any waiting, active or delayed job carries the campaign
func (f *ReconciliationFlowImpl) hasLiveJobs(ctx context.Context, campaignID uint) (bool, error) {
	for _, list := range []func(context.Context) ([]*services.Job, error){f.queue.GetWaiting, f.queue.GetActive, f.queue.GetDelayed} {
		jobs, err := list(ctx)
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			if j.Data.CampaignID == campaignID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *ReconciliationFlowImpl) writeMetadata(ctx context.Context, campaignID uint, action dto.ReconcileAction, at time.Time) {
	if f.metadataRepo == nil {
		return
	}
	actionEntry, err := models.MetadataEntry(campaignID, models.MetadataLastReconcileAction, string(action))
	if err != nil {
		return
	}
	atEntry, err := models.MetadataEntry(campaignID, models.MetadataLastReconcileAt, at)
	if err != nil {
		return
	}
	if err := f.metadataRepo.Upsert(ctx, actionEntry, atEntry); err != nil {
		f.logger.Warn().Err(err).Uint("campaign_id", campaignID).Msg("failed to write reconcile metadata")
	}
}

// sweepSending walks sending campaigns by id, resuming after the campaign the previous sweep stopped at
// and wrapping around once. Cooled-down campaigns are skipped without using up SweepLimit.
func (f *ReconciliationFlowImpl) sweepSending(ctx context.Context, result *SweepResult) error {
	start := uint(f.sweepCursor.Load())
	after, wrapped := start, start == 0
	defer func() { f.sweepCursor.Store(uint64(after)) }()

	for result.Examined < f.cfg.SweepLimit {
		page, err := f.campaignRepo.ListByStatus(ctx, models.CampaignStatusSending, after, f.cfg.SweepLimit)
		if err != nil {
			return fmt.Errorf("failed to list sending campaigns: %w", err)
		}
		if len(page) == 0 {
			if wrapped {
				return nil
			}
			after, wrapped = 0, true
			continue
		}

		for _, c := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if wrapped && start != 0 && c.ID > start {
				return nil
			}
			after = c.ID
			if f.cooldown != nil {
				claimed, err := f.cooldown.Claim(ctx, c.ID, f.cfg.Cooldown)
				if err != nil {
					f.logger.Warn().Err(err).Uint("campaign_id", c.ID).Msg("cooldown unavailable, reconciling anyway")
					claimed = true
				}
				if !claimed {
					result.CoolingDown++
					continue
				}
			}

			result.Examined++
			resp, err := f.ReconcileCampaign(ctx, &dto.ReconcileCampaignRequest{CampaignID: c.ID})
			switch {
			case err != nil:
				result.Errors++
				f.logger.Error().Err(err).Uint("campaign_id", c.ID).Msg("failed to reconcile campaign")
			case resp.Action == dto.ReconcileActionFinalized:
				result.Finalized++
			case resp.Action == dto.ReconcileActionRequeued:
				result.Requeued++
			}
			if result.Examined >= f.cfg.SweepLimit {
				return nil
			}
		}
	}
	return nil
}

func (f *ReconciliationFlowImpl) Sweep(ctx context.Context) (*SweepResult, error) {
	now := utils.UTCNow()
	result := &SweepResult{}

	if err := f.sweepSending(ctx, result); err != nil {
		return result, err
	}

	expired, err := f.ledger.ExpireStale(ctx, now, f.cfg.ReservationMaxAge)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to expire stale reservations")
	}
	result.ExpiredReservations = expired
	if expired > 0 {
		f.audit.write(ctx, 0, 0, models.AuditActionReservationExpired,
			fmt.Sprintf("Released %d expired reservations", expired), true, nil)
	}

	if f.idempotency != nil && f.cfg.IdempotencyRetention > 0 {
		purged, err := f.idempotency.PurgeCompletedBefore(ctx, now.Add(-f.cfg.IdempotencyRetention))
		if err != nil {
			f.logger.Warn().Err(err).Msg("failed to purge idempotency records")
		}
		result.PurgedIdempotency = purged
	}
	if f.idempotency != nil {
		abandoned, err := f.idempotency.PurgeAbandoned(ctx, now)
		if err != nil {
			f.logger.Warn().Err(err).Msg("failed to purge abandoned idempotency claims")
		}
		result.AbandonedClaims = abandoned
	}

	f.logger.Info().
		Int("examined", result.Examined).
		Int("finalized", result.Finalized).
		Int("requeued", result.Requeued).
		Int("cooling_down", result.CoolingDown).
		Int("expired_reservations", result.ExpiredReservations).
		Int64("abandoned_claims", result.AbandonedClaims).
		Msg("reconciliation sweep finished")

	return result, nil
}
