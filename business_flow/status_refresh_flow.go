package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// StatusRefreshFlow copies provider delivery reports onto recipient rows
type StatusRefreshFlow interface {
	RefreshDeliveryStatuses(ctx context.Context) (*StatusRefreshResult, error)
}

// StatusRefreshResult summarizes one refresh cycle
type StatusRefreshResult struct {
	Checked   int
	Updated   int
	Delivered int
	Failed    int
}

// StatusRefreshFlowImpl implements StatusRefreshFlow
type StatusRefreshFlowImpl struct {
	recipientRepo repository.CampaignRecipientRepository
	provider      services.DeliveryStatusProvider
	batchSize     int
	logger        zerolog.Logger
}

// NewStatusRefreshFlow creates a new status refresh flow instance
func NewStatusRefreshFlow(
	recipientRepo repository.CampaignRecipientRepository,
	provider services.DeliveryStatusProvider,
	batchSize int,
	logger zerolog.Logger,
) StatusRefreshFlow {
	if batchSize <= 0 {
		batchSize = utils.DefaultStatusRefreshBatchSize
	}
	return &StatusRefreshFlowImpl{
		recipientRepo: recipientRepo,
		provider:      provider,
		batchSize:     batchSize,
		logger:        logger.With().Str("component", "status_refresh").Logger(),
	}
}

func (f *StatusRefreshFlowImpl) RefreshDeliveryStatuses(ctx context.Context) (*StatusRefreshResult, error) {
	if f.provider == nil {
		return &StatusRefreshResult{}, nil
	}
	rows, err := f.recipientRepo.ListForStatusRefresh(ctx, f.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients for status refresh: %w", err)
	}
	result := &StatusRefreshResult{Checked: len(rows)}
	if len(rows) == 0 {
		return result, nil
	}

	byProviderID := make(map[string]*models.CampaignRecipient, len(rows))
	ids := make([]string, 0, len(rows))
	rowIDs := make([]uint, 0, len(rows))
	for _, r := range rows {
		rowIDs = append(rowIDs, r.ID)
		if !r.IsAccepted() {
			continue
		}
		byProviderID[*r.ProviderMessageID] = r
		ids = append(ids, *r.ProviderMessageID)
	}

	statuses, err := f.provider.FetchStatuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delivery statuses: %w", err)
	}
	// rows the provider has nothing new on rotate to the back of the next listing
	if err := f.recipientRepo.MarkStatusChecked(ctx, rowIDs, utils.UTCNow()); err != nil {
		return nil, fmt.Errorf("failed to stamp checked recipients: %w", err)
	}

	for _, st := range statuses {
		row, ok := byProviderID[st.ProviderMessageID]
		if !ok {
			continue
		}
		normalized := models.NormalizeDeliveryStatus(st.Status)
		if normalized == "" {
			continue
		}
		if row.DeliveryStatus != nil && models.NormalizeDeliveryStatus(*row.DeliveryStatus) == normalized {
			continue
		}

		var status *models.RecipientStatus
		switch {
		case models.IsDeliveredStatus(&normalized):
			status = utils.ToPtr(models.RecipientStatusSent)
		case models.IsFailedDeliveryStatus(&normalized):
			status = utils.ToPtr(models.RecipientStatusFailed)
		}

		if err := f.recipientRepo.UpdateDelivery(ctx, row.ID, normalized, status); err != nil {
			f.logger.Warn().Err(err).Uint("recipient_id", row.ID).Msg("failed to update delivery status")
			continue
		}
		result.Updated++
		label := "open"
		if status != nil {
			label = string(*status)
			if *status == models.RecipientStatusSent {
				result.Delivered++
			} else {
				result.Failed++
			}
		}
		statusRefreshUpdatesTotal.WithLabelValues(label).Inc()
	}

	f.logger.Info().
		Int("checked", result.Checked).
		Int("updated", result.Updated).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Msg("delivery statuses refreshed")
	return result, nil
}
