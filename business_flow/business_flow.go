// Package businessflow contains the business logic for the application.
package businessflow

import (
	"context"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Business rejection reasons returned with OK=false
const (
	ReasonNotFound             = "not_found"
	ReasonInvalidStatus        = "invalid_status"
	ReasonAlreadySending       = "already_sending"
	ReasonNoRecipients         = "no_recipients"
	ReasonInsufficientCredits  = "insufficient_credits"
	ReasonSubscriptionRequired = "subscription_required"
	ReasonRequestInProgress    = "request_in_progress"
	ReasonScheduleInPast       = "schedule_in_past"
)

// reasonErrors maps a rejection reason to the sentinel it stands for
var reasonErrors = map[string]error{
	ReasonNotFound:             ErrCampaignNotFound,
	ReasonInvalidStatus:        ErrInvalidCampaignStatus,
	ReasonAlreadySending:       ErrCampaignAlreadySending,
	ReasonNoRecipients:         ErrNoRecipients,
	ReasonInsufficientCredits:  ErrInsufficientCredits,
	ReasonSubscriptionRequired: ErrSubscriptionRequired,
	ReasonRequestInProgress:    ErrRequestInProgress,
	ReasonScheduleInPast:       ErrScheduleTimeTooSoon,
}

// ReasonError returns the sentinel for a rejection reason, nil for unknown reasons
func ReasonError(reason string) error {
	return reasonErrors[reason]
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// auditWriter records flow outcomes; failures are logged and never change the outcome
type auditWriter struct {
	repo   repository.AuditLogRepository
	logger zerolog.Logger
}

func (a auditWriter) write(ctx context.Context, tenantID, campaignID uint, action, description string, success bool, cause error) {
	if a.repo == nil {
		return
	}
	entry := &models.AuditLog{
		Action:      action,
		Description: &description,
		Success:     utils.ToPtr(success),
	}
	if tenantID != 0 {
		entry.TenantID = utils.ToPtr(tenantID)
	}
	if campaignID != 0 {
		entry.CampaignID = utils.ToPtr(campaignID)
	}
	if cause != nil {
		entry.ErrorMessage = utils.ToPtr(cause.Error())
	}
	if requestID, ok := ctx.Value(utils.RequestIDKey).(string); ok && requestID != "" {
		entry.RequestID = &requestID
	}

	if err := a.repo.Save(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Uint("campaign_id", campaignID).Msg("failed to write audit log")
	}
}
