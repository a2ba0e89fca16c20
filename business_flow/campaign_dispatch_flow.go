package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// CampaignDispatchFlow handles moving campaigns into and out of sending
type CampaignDispatchFlow interface {
	PrepareCampaign(ctx context.Context, req *dto.PrepareCampaignRequest) (*dto.PrepareCampaignResponse, error)
	EnqueueCampaign(ctx context.Context, req *dto.EnqueueCampaignRequest) (*dto.EnqueueCampaignResponse, error)
	CancelCampaign(ctx context.Context, req *dto.CancelCampaignRequest) (*dto.CancelCampaignResponse, error)
	ScheduleCampaign(ctx context.Context, req *dto.ScheduleCampaignRequest) (*dto.ScheduleCampaignResponse, error)
	GetCampaignMetrics(ctx context.Context, req *dto.GetCampaignMetricsRequest) (*dto.GetCampaignMetricsResponse, error)
	// DispatchClaimed runs the dispatch pipeline for a campaign already moved to sending.
	// Any failure moves the campaign back to previous.
	DispatchClaimed(ctx context.Context, campaign *models.Campaign, previous models.CampaignStatus) (*dto.EnqueueCampaignResponse, error)
}

// DispatchFlowConfig tunes the dispatch pipeline
type DispatchFlowConfig struct {
	ReservationTTL time.Duration
	// ReleaseRetries bounds compensating releases after a failed dispatch
	ReleaseRetries int
	ReleaseBackoff time.Duration
}

// CampaignDispatchFlowImpl implements CampaignDispatchFlow
type CampaignDispatchFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.CampaignRecipientRepository
	metadataRepo  repository.CampaignMetadataRepository
	ledger        CreditLedger
	allowance     AllowanceSource
	resolver      services.AudienceResolver
	dispatcher    BatchDispatcher
	queue         services.JobQueue
	idempotency   IdempotencyStore
	audit         auditWriter
	validate      *validator.Validate
	cfg           DispatchFlowConfig
	logger        zerolog.Logger
}

// NewCampaignDispatchFlow creates a new campaign dispatch flow instance
func NewCampaignDispatchFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.CampaignRecipientRepository,
	metadataRepo repository.CampaignMetadataRepository,
	auditRepo repository.AuditLogRepository,
	ledger CreditLedger,
	allowance AllowanceSource,
	resolver services.AudienceResolver,
	dispatcher BatchDispatcher,
	queue services.JobQueue,
	idempotency IdempotencyStore,
	cfg DispatchFlowConfig,
	logger zerolog.Logger,
) CampaignDispatchFlow {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = utils.DefaultReservationTTL
	}
	if cfg.ReleaseRetries <= 0 {
		cfg.ReleaseRetries = 3
	}
	if cfg.ReleaseBackoff <= 0 {
		cfg.ReleaseBackoff = 200 * time.Millisecond
	}
	logger = logger.With().Str("component", "campaign_dispatch").Logger()
	return &CampaignDispatchFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		metadataRepo:  metadataRepo,
		ledger:        ledger,
		allowance:     allowance,
		resolver:      resolver,
		dispatcher:    dispatcher,
		queue:         queue,
		idempotency:   idempotency,
		audit:         auditWriter{repo: auditRepo, logger: logger},
		validate:      newValidator(),
		cfg:           cfg,
		logger:        logger,
	}
}

// PrepareCampaign previews the audience size and cost of a draft campaign
func (f *CampaignDispatchFlowImpl) PrepareCampaign(ctx context.Context, req *dto.PrepareCampaignRequest) (*dto.PrepareCampaignResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid prepare request", err)
	}

	c, err := f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return &dto.PrepareCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonNotFound}, nil
	}
	if c.Status != models.CampaignStatusDraft {
		return &dto.PrepareCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonInvalidStatus}, nil
	}

	recipients, err := f.resolver.Resolve(ctx, c.TenantID, c.Targeting)
	if err != nil {
		return nil, NewBusinessError("AUDIENCE_RESOLUTION_FAILED", "Failed to resolve audience", err)
	}
	subscribed, err := f.allowance.HasActiveSubscription(ctx, c.TenantID)
	if err != nil {
		return nil, NewBusinessError("SUBSCRIPTION_LOOKUP_FAILED", "Failed to load subscription", err)
	}
	allowance, err := f.allowance.RemainingAllowance(ctx, c.TenantID)
	if err != nil {
		return nil, NewBusinessError("SUBSCRIPTION_LOOKUP_FAILED", "Failed to load allowance", err)
	}
	available, err := f.ledger.GetAvailableBalance(ctx, c.TenantID)
	if err != nil {
		return nil, NewBusinessError("BALANCE_LOOKUP_FAILED", "Failed to load credit balance", err)
	}

	n := int64(len(recipients))
	required := max(n-allowance, 0)
	return &dto.PrepareCampaignResponse{
		OK:                 true,
		CampaignID:         c.ID,
		Status:             c.Status,
		RecipientCount:     n,
		RemainingAllowance: allowance,
		CreditsAvailable:   available,
		CreditsRequired:    required,
		CanSend:            subscribed && n > 0 && available >= required,
	}, nil
}

// EnqueueCampaign claims a campaign for sending and fans it out into broker jobs
func (f *CampaignDispatchFlowImpl) EnqueueCampaign(ctx context.Context, req *dto.EnqueueCampaignRequest) (*dto.EnqueueCampaignResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid enqueue request", err)
	}

	return runIdempotent(ctx, f.idempotency, f.logger, req.TenantID, models.OperationEnqueueCampaign, req.IdempotencyKey,
		func() *dto.EnqueueCampaignResponse {
			return &dto.EnqueueCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonRequestInProgress}
		},
		func(ctx context.Context) (*dto.EnqueueCampaignResponse, error) {
			return f.enqueue(ctx, req)
		},
	)
}

func (f *CampaignDispatchFlowImpl) enqueue(ctx context.Context, req *dto.EnqueueCampaignRequest) (*dto.EnqueueCampaignResponse, error) {
	c, err := f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		enqueueResultsTotal.WithLabelValues("error").Inc()
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return f.rejectEnqueue(ctx, req.TenantID, req.CampaignID, "", ReasonNotFound), nil
	}
	if c.Status == models.CampaignStatusSending {
		return f.rejectEnqueue(ctx, c.TenantID, c.ID, c.Status, ReasonAlreadySending), nil
	}
	if !c.Status.IsDispatchable() {
		return f.rejectEnqueue(ctx, c.TenantID, c.ID, c.Status, ReasonInvalidStatus), nil
	}

	subscribed, err := f.allowance.HasActiveSubscription(ctx, c.TenantID)
	if err != nil {
		enqueueResultsTotal.WithLabelValues("error").Inc()
		return nil, NewBusinessError("SUBSCRIPTION_LOOKUP_FAILED", "Failed to load subscription", err)
	}
	if !subscribed {
		return f.rejectEnqueue(ctx, c.TenantID, c.ID, c.Status, ReasonSubscriptionRequired), nil
	}

	startedAt := utils.UTCNow()
	previous, reason, err := f.claimSending(ctx, c, startedAt)
	if err != nil {
		enqueueResultsTotal.WithLabelValues("error").Inc()
		return nil, NewBusinessError("CAMPAIGN_TRANSITION_FAILED", "Failed to move campaign to sending", err)
	}
	if reason != "" {
		return f.rejectEnqueue(ctx, c.TenantID, c.ID, previous, reason), nil
	}

	c.Status = models.CampaignStatusSending
	c.StartedAt = &startedAt
	return f.DispatchClaimed(ctx, c, previous)
}

// claimSending moves c to sending from whatever dispatchable status it holds.
// A lost compare-and-set re-reads the row: a concurrent draft/scheduled change is retried,
// anything else becomes the rejection reason.
func (f *CampaignDispatchFlowImpl) claimSending(ctx context.Context, c *models.Campaign, startedAt time.Time) (models.CampaignStatus, string, error) {
	status := c.Status
	for range utils.ClaimAttempts {
		claimed, err := f.campaignRepo.UpdateStatusCAS(ctx, c.TenantID, c.ID, []models.CampaignStatus{status}, models.CampaignStatusSending,
			repository.CampaignStatusChange{StartedAt: &startedAt})
		if err != nil {
			return status, "", err
		}
		if claimed {
			return status, "", nil
		}

		current, err := f.campaignRepo.ByIDForTenant(ctx, c.TenantID, c.ID)
		if err != nil {
			return status, "", err
		}
		switch {
		case current == nil:
			return status, ReasonNotFound, nil
		case current.Status == models.CampaignStatusSending:
			return current.Status, ReasonAlreadySending, nil
		case !current.Status.IsDispatchable():
			return current.Status, ReasonInvalidStatus, nil
		}
		f.logger.Debug().Uint("campaign_id", c.ID).Str("from", string(status)).Str("to", string(current.Status)).
			Msg("campaign status changed before claim, retrying")
		*c = *current
		status = current.Status
	}
	return status, ReasonInvalidStatus, nil
}

func (f *CampaignDispatchFlowImpl) DispatchClaimed(ctx context.Context, c *models.Campaign, previous models.CampaignStatus) (*dto.EnqueueCampaignResponse, error) {
	log := f.logger.With().Uint("campaign_id", c.ID).Uint("tenant_id", c.TenantID).Logger()

	recipients, err := f.resolver.Resolve(ctx, c.TenantID, c.Targeting)
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, nil, NewBusinessError("AUDIENCE_RESOLUTION_FAILED", "Failed to resolve audience", err))
	}
	n := int64(len(recipients))
	if n == 0 {
		f.rollbackStatus(ctx, c, previous)
		return f.rejectEnqueue(ctx, c.TenantID, c.ID, previous, ReasonNoRecipients), nil
	}

	allowance, err := f.allowance.RemainingAllowance(ctx, c.TenantID)
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, nil, NewBusinessError("SUBSCRIPTION_LOOKUP_FAILED", "Failed to load allowance", err))
	}
	available, err := f.ledger.GetAvailableBalance(ctx, c.TenantID)
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, nil, NewBusinessError("BALANCE_LOOKUP_FAILED", "Failed to load credit balance", err))
	}
	if allowance+available < n {
		f.rollbackStatus(ctx, c, previous)
		resp := f.rejectEnqueue(ctx, c.TenantID, c.ID, previous, ReasonInsufficientCredits)
		resp.RecipientCount = n
		return resp, nil
	}

	var reservation *models.CreditReservation
	if toReserve := max(n-allowance, 0); toReserve > 0 {
		reservation, err = f.ledger.Reserve(ctx, c.TenantID, toReserve, ReserveOptions{
			CampaignID:     &c.ID,
			IdempotencyKey: reservationKey(c),
			ExpiresAt:      utils.UTCNowAdd(f.cfg.ReservationTTL),
		})
		if IsInsufficientCredits(err) {
			f.rollbackStatus(ctx, c, previous)
			resp := f.rejectEnqueue(ctx, c.TenantID, c.ID, previous, ReasonInsufficientCredits)
			resp.RecipientCount = n
			return resp, nil
		}
		if err != nil {
			return nil, f.failEnqueue(ctx, c, previous, nil, NewBusinessError("CREDIT_RESERVATION_FAILED", "Failed to reserve credits", err))
		}
	}

	rows := make([]*models.CampaignRecipient, 0, len(recipients))
	for _, r := range recipients {
		rows = append(rows, &models.CampaignRecipient{
			TenantID:    c.TenantID,
			CampaignID:  c.ID,
			ContactID:   r.ContactID,
			Destination: r.Destination,
			Status:      models.RecipientStatusPending,
		})
	}
	inserted, err := f.recipientRepo.InsertSkipDuplicates(ctx, rows)
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, reservation, NewBusinessError("RECIPIENT_INSERT_FAILED", "Failed to store recipients", err))
	}
	pending, err := f.recipientRepo.PendingIDs(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, reservation, NewBusinessError("RECIPIENT_LOOKUP_FAILED", "Failed to load pending recipients", err))
	}

	result, err := f.dispatcher.Dispatch(ctx, DispatchInput{
		TenantID:        c.TenantID,
		CampaignID:      c.ID,
		Priority:        c.Priority,
		RecipientRowIDs: pending,
	})
	if err != nil {
		return nil, f.failEnqueue(ctx, c, previous, reservation, NewBusinessError("CAMPAIGN_ENQUEUE_FAILED", "Failed to dispatch campaign", err))
	}
	if result.AllFailed() {
		cause := NewBusinessErrorf("CAMPAIGN_ENQUEUE_FAILED", "All %d batches failed to enqueue", ErrAllBatchesFailed, result.Failed)
		return nil, f.failEnqueue(ctx, c, previous, reservation, cause)
	}

	resp := &dto.EnqueueCampaignResponse{
		OK:               true,
		CampaignID:       c.ID,
		Status:           models.CampaignStatusSending,
		RecipientCount:   n,
		EnqueuedCount:    result.EnqueuedRecipients,
		BatchesEnqueued:  result.Enqueued,
		BatchesSkipped:   result.Skipped,
		BatchesFailed:    result.Failed,
		AllowanceApplied: min(allowance, n),
	}
	if reservation != nil {
		resp.ReservationID = &reservation.ID
		resp.CreditsReserved = reservation.Amount
	}

	meta := map[models.CampaignMetadataKey]any{
		models.MetadataLastDispatchAt: utils.UTCNow(),
		models.MetadataRecipientCount: n,
	}
	if reservation != nil {
		meta[models.MetadataReservationID] = reservation.ID
	}
	f.writeMetadata(ctx, c.ID, meta)

	log.Info().
		Int64("recipients", n).
		Int64("inserted", inserted).
		Int("enqueued", result.Enqueued).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("campaign enqueued")
	enqueueResultsTotal.WithLabelValues("ok").Inc()
	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignEnqueued,
		fmt.Sprintf("Campaign enqueued: %d recipients in %d batches", n, len(result.Batches)), true, nil)

	return resp, nil
}

// CancelCampaign stops a sending campaign and frees what it still holds
func (f *CampaignDispatchFlowImpl) CancelCampaign(ctx context.Context, req *dto.CancelCampaignRequest) (*dto.CancelCampaignResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid cancel request", err)
	}

	return runIdempotent(ctx, f.idempotency, f.logger, req.TenantID, models.OperationCancelCampaign, req.IdempotencyKey,
		func() *dto.CancelCampaignResponse {
			return &dto.CancelCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonRequestInProgress}
		},
		func(ctx context.Context) (*dto.CancelCampaignResponse, error) {
			return f.cancel(ctx, req)
		},
	)
}

func (f *CampaignDispatchFlowImpl) cancel(ctx context.Context, req *dto.CancelCampaignRequest) (*dto.CancelCampaignResponse, error) {
	c, err := f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return &dto.CancelCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonNotFound}, nil
	}
	if c.Status != models.CampaignStatusSending {
		return &dto.CancelCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonInvalidStatus}, nil
	}

	now := utils.UTCNow()
	ok, err := f.campaignRepo.UpdateStatusCAS(ctx, c.TenantID, c.ID, []models.CampaignStatus{models.CampaignStatusSending}, models.CampaignStatusCancelled,
		repository.CampaignStatusChange{FinishedAt: &now})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_TRANSITION_FAILED", "Failed to cancel campaign", err)
	}
	if !ok {
		// finalized or cancelled concurrently
		return &dto.CancelCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonInvalidStatus}, nil
	}

	log := f.logger.With().Uint("campaign_id", c.ID).Logger()
	resp := &dto.CancelCampaignResponse{OK: true, CampaignID: c.ID, Status: models.CampaignStatusCancelled}

	resp.RemovedJobs = f.removeQueuedJobs(ctx, c.ID)

	cancelled, err := f.recipientRepo.MarkPendingCancelled(ctx, c.TenantID, c.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to cancel pending recipients")
	}
	resp.CancelledRecipients = cancelled

	released, err := f.ledger.ReleaseForCampaign(ctx, c.TenantID, c.ID, utils.ReleaseReasonCancelled)
	if err != nil {
		log.Error().Err(err).Msg("failed to release campaign reservation")
	}
	resp.ReleasedCredits = released

	f.writeMetadata(ctx, c.ID, map[models.CampaignMetadataKey]any{models.MetadataCancelledAt: now})
	log.Info().
		Int("removed_jobs", resp.RemovedJobs).
		Int64("cancelled_recipients", cancelled).
		Int64("released_credits", released).
		Msg("campaign cancelled")
	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignCancelled,
		fmt.Sprintf("Campaign cancelled: %d jobs removed, %d recipients cancelled", resp.RemovedJobs, cancelled), true, nil)

	return resp, nil
}

// removeQueuedJobs drops the campaign's jobs that no worker picked up yet
func (f *CampaignDispatchFlowImpl) removeQueuedJobs(ctx context.Context, campaignID uint) int {
	removed := 0
	for _, list := range []func(context.Context) ([]*services.Job, error){f.queue.GetWaiting, f.queue.GetDelayed} {
		jobs, err := list(ctx)
		if err != nil {
			f.logger.Warn().Err(err).Uint("campaign_id", campaignID).Msg("failed to list queued jobs")
			continue
		}
		for _, j := range jobs {
			if j.Data.CampaignID != campaignID {
				continue
			}
			if err := f.queue.Remove(ctx, j.ID); err != nil {
				if !errors.Is(err, services.ErrJobActive) {
					f.logger.Warn().Err(err).Str("job_id", j.ID).Msg("failed to remove queued job")
				}
				continue
			}
			removed++
		}
	}
	return removed
}

// ScheduleCampaign sets a future start time on a draft, paused or scheduled campaign
func (f *CampaignDispatchFlowImpl) ScheduleCampaign(ctx context.Context, req *dto.ScheduleCampaignRequest) (*dto.ScheduleCampaignResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid schedule request", err)
	}

	return runIdempotent(ctx, f.idempotency, f.logger, req.TenantID, models.OperationScheduleCampaign, req.IdempotencyKey,
		func() *dto.ScheduleCampaignResponse {
			return &dto.ScheduleCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonRequestInProgress}
		},
		func(ctx context.Context) (*dto.ScheduleCampaignResponse, error) {
			return f.schedule(ctx, req)
		},
	)
}

func (f *CampaignDispatchFlowImpl) schedule(ctx context.Context, req *dto.ScheduleCampaignRequest) (*dto.ScheduleCampaignResponse, error) {
	c, err := f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return &dto.ScheduleCampaignResponse{CampaignID: req.CampaignID, Reason: ReasonNotFound}, nil
	}
	if !c.Status.IsDispatchable() {
		return &dto.ScheduleCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonInvalidStatus}, nil
	}

	scheduleAt := req.ScheduleAt.UTC()
	if !scheduleAt.After(utils.UTCNow()) {
		return &dto.ScheduleCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonScheduleInPast}, nil
	}
	scheduleType := req.ScheduleType
	if scheduleType == "" {
		scheduleType = models.ScheduleTypeScheduled
	}

	ok, err := f.campaignRepo.UpdateStatusCAS(ctx, c.TenantID, c.ID, []models.CampaignStatus{c.Status}, models.CampaignStatusScheduled,
		repository.CampaignStatusChange{ScheduleAt: &scheduleAt, ScheduleType: &scheduleType})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_TRANSITION_FAILED", "Failed to schedule campaign", err)
	}
	if !ok {
		return &dto.ScheduleCampaignResponse{CampaignID: c.ID, Status: c.Status, Reason: ReasonInvalidStatus}, nil
	}

	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignScheduled,
		fmt.Sprintf("Campaign scheduled at %s", scheduleAt.Format(time.RFC3339)), true, nil)

	return &dto.ScheduleCampaignResponse{
		OK:           true,
		CampaignID:   c.ID,
		Status:       models.CampaignStatusScheduled,
		ScheduleAt:   &scheduleAt,
		ScheduleType: scheduleType,
	}, nil
}

// GetCampaignMetrics recomputes delivery metrics from recipient rows
func (f *CampaignDispatchFlowImpl) GetCampaignMetrics(ctx context.Context, req *dto.GetCampaignMetricsRequest) (*dto.GetCampaignMetricsResponse, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_FAILED", "Invalid metrics request", err)
	}

	c, err := f.campaignRepo.ByIDForTenant(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to load campaign", err)
	}
	if c == nil {
		return &dto.GetCampaignMetricsResponse{CampaignID: req.CampaignID, Reason: ReasonNotFound}, nil
	}

	counts, err := f.recipientRepo.Counts(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, NewBusinessError("METRICS_LOOKUP_FAILED", "Failed to count recipients", err)
	}
	pending, err := f.recipientRepo.CountPending(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, NewBusinessError("METRICS_LOOKUP_FAILED", "Failed to count pending recipients", err)
	}

	m := models.BuildCanonicalMetrics(counts)
	return &dto.GetCampaignMetricsResponse{
		OK:         true,
		CampaignID: c.ID,
		Status:     c.Status,
		Totals:     m.Totals,
		Delivery:   m.Delivery,
		Percentages: dto.CampaignPercentages{
			Sent:      models.Percentage(m.Totals.Sent, m.Totals.Recipients),
			Delivered: models.Percentage(m.Totals.Delivered, m.Totals.Recipients),
			Failed:    models.Percentage(m.Totals.Failed, m.Totals.Recipients),
		},
		Pending: pending,
	}, nil
}

func (f *CampaignDispatchFlowImpl) rejectEnqueue(ctx context.Context, tenantID, campaignID uint, status models.CampaignStatus, reason string) *dto.EnqueueCampaignResponse {
	enqueueResultsTotal.WithLabelValues(reason).Inc()
	f.audit.write(ctx, tenantID, campaignID, models.AuditActionCampaignEnqueueRejected, "Campaign enqueue rejected: "+reason, false, ReasonError(reason))
	return &dto.EnqueueCampaignResponse{CampaignID: campaignID, Status: status, Reason: reason}
}

// failEnqueue undoes a claimed dispatch after an infrastructure failure and returns cause
func (f *CampaignDispatchFlowImpl) failEnqueue(ctx context.Context, c *models.Campaign, previous models.CampaignStatus, reservation *models.CreditReservation, cause error) error {
	if reservation != nil {
		f.releaseWithRetry(ctx, reservation.ID)
	}
	f.rollbackStatus(ctx, c, previous)

	enqueueResultsTotal.WithLabelValues("error").Inc()
	f.logger.Error().Err(cause).Uint("campaign_id", c.ID).Str("previous_status", string(previous)).Msg("campaign enqueue failed")
	f.audit.write(ctx, c.TenantID, c.ID, models.AuditActionCampaignEnqueueFailed, "Campaign enqueue failed", false, cause)
	return cause
}

// rollbackStatus returns a claimed campaign to previous; on failure reconciliation owns the campaign
func (f *CampaignDispatchFlowImpl) rollbackStatus(ctx context.Context, c *models.Campaign, previous models.CampaignStatus) {
	ctx = context.WithoutCancel(ctx)
	ok, err := f.campaignRepo.UpdateStatusCAS(ctx, c.TenantID, c.ID, []models.CampaignStatus{models.CampaignStatusSending}, previous,
		repository.CampaignStatusChange{ClearStartedAt: previous != models.CampaignStatusPaused})
	if err != nil {
		rollbackFailuresTotal.Inc()
		f.logger.Error().Err(err).Uint("campaign_id", c.ID).Str("previous_status", string(previous)).Msg("failed to roll back campaign status, left sending")
		return
	}
	if !ok {
		f.logger.Warn().Uint("campaign_id", c.ID).Msg("campaign left sending before rollback")
		return
	}
	c.Status = previous
}

func (f *CampaignDispatchFlowImpl) releaseWithRetry(ctx context.Context, reservationID uint) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= f.cfg.ReleaseRetries; attempt++ {
		if _, err = f.ledger.Release(ctx, reservationID, utils.ReleaseReasonEnqueueError); err == nil {
			return
		}
		if attempt < f.cfg.ReleaseRetries {
			time.Sleep(time.Duration(attempt) * f.cfg.ReleaseBackoff)
		}
	}
	f.logger.Error().Err(err).Uint("reservation_id", reservationID).Msg("failed to release reservation, left for expiry sweep")
}

func (f *CampaignDispatchFlowImpl) writeMetadata(ctx context.Context, campaignID uint, values map[models.CampaignMetadataKey]any) {
	if f.metadataRepo == nil {
		return
	}
	entries := make([]*models.CampaignMetadata, 0, len(values))
	for k, v := range values {
		e, err := models.MetadataEntry(campaignID, k, v)
		if err != nil {
			f.logger.Warn().Err(err).Str("key", string(k)).Msg("invalid campaign metadata")
			continue
		}
		entries = append(entries, e)
	}
	if err := f.metadataRepo.Upsert(ctx, entries...); err != nil {
		f.logger.Warn().Err(err).Uint("campaign_id", campaignID).Msg("failed to write campaign metadata")
	}
}

// reservationKey is stable for one sending run of a campaign
func reservationKey(c *models.Campaign) string {
	var started int64
	if c.StartedAt != nil {
		started = c.StartedAt.UnixNano()
	}
	return fmt.Sprintf("campaign:%d:run:%d", c.ID, started)
}
