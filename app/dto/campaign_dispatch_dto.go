package dto

import (
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// PrepareCampaignRequest asks for a dispatch preview of a draft campaign
type PrepareCampaignRequest struct {
	TenantID   uint `json:"tenant_id" validate:"required"`
	CampaignID uint `json:"campaign_id" validate:"required"`
}

// PrepareCampaignResponse is the cost preview of a draft campaign
type PrepareCampaignResponse struct {
	OK                 bool                  `json:"ok"`
	Reason             string                `json:"reason,omitempty"`
	CampaignID         uint                  `json:"campaign_id"`
	Status             models.CampaignStatus `json:"status,omitempty"`
	RecipientCount     int64                 `json:"recipient_count"`
	RemainingAllowance int64                 `json:"remaining_allowance"`
	CreditsAvailable   int64                 `json:"credits_available"`
	CreditsRequired    int64                 `json:"credits_required"`
	CanSend            bool                  `json:"can_send"`
}

// EnqueueCampaignRequest starts dispatching a campaign
type EnqueueCampaignRequest struct {
	TenantID       uint   `json:"tenant_id" validate:"required"`
	CampaignID     uint   `json:"campaign_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// EnqueueCampaignResponse reports the outcome of an enqueue.
// OK=false carries a business Reason; infrastructure failures are returned as errors instead.
type EnqueueCampaignResponse struct {
	OK               bool                  `json:"ok"`
	Reason           string                `json:"reason,omitempty"`
	CampaignID       uint                  `json:"campaign_id"`
	Status           models.CampaignStatus `json:"status,omitempty"`
	RecipientCount   int64                 `json:"recipient_count"`
	EnqueuedCount    int64                 `json:"enqueued_count"`
	BatchesEnqueued  int                   `json:"batches_enqueued"`
	BatchesSkipped   int                   `json:"batches_skipped"`
	BatchesFailed    int                   `json:"batches_failed"`
	ReservationID    *uint                 `json:"reservation_id,omitempty"`
	CreditsReserved  int64                 `json:"credits_reserved"`
	AllowanceApplied int64                 `json:"allowance_applied"`
}

// CancelCampaignRequest stops a sending campaign
type CancelCampaignRequest struct {
	TenantID       uint   `json:"tenant_id" validate:"required"`
	CampaignID     uint   `json:"campaign_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// CancelCampaignResponse reports what a cancellation touched
type CancelCampaignResponse struct {
	OK                  bool                  `json:"ok"`
	Reason              string                `json:"reason,omitempty"`
	CampaignID          uint                  `json:"campaign_id"`
	Status              models.CampaignStatus `json:"status,omitempty"`
	CancelledRecipients int64                 `json:"cancelled_recipients"`
	RemovedJobs         int                   `json:"removed_jobs"`
	ReleasedCredits     int64                 `json:"released_credits"`
}

// ScheduleCampaignRequest sets a future start for a campaign
type ScheduleCampaignRequest struct {
	TenantID       uint                `json:"tenant_id" validate:"required"`
	CampaignID     uint                `json:"campaign_id" validate:"required"`
	ScheduleAt     time.Time           `json:"schedule_at" validate:"required"`
	ScheduleType   models.ScheduleType `json:"schedule_type,omitempty" validate:"omitempty,oneof=scheduled recurring"`
	IdempotencyKey string              `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// ScheduleCampaignResponse echoes the stored schedule
type ScheduleCampaignResponse struct {
	OK           bool                  `json:"ok"`
	Reason       string                `json:"reason,omitempty"`
	CampaignID   uint                  `json:"campaign_id"`
	Status       models.CampaignStatus `json:"status,omitempty"`
	ScheduleAt   *time.Time            `json:"schedule_at,omitempty"`
	ScheduleType models.ScheduleType   `json:"schedule_type,omitempty"`
}

// ReconcileCampaignRequest examines one campaign; TenantID 0 is used by the internal sweep
type ReconcileCampaignRequest struct {
	TenantID   uint `json:"tenant_id"`
	CampaignID uint `json:"campaign_id" validate:"required"`
}

// ReconcileAction is the decision taken for a campaign
type ReconcileAction string

const (
	ReconcileActionFinalized ReconcileAction = "finalized"
	ReconcileActionRequeued  ReconcileAction = "requeued"
	ReconcileActionNoop      ReconcileAction = "noop"
)

// ReconcileCampaignResponse describes the decision and its effects
type ReconcileCampaignResponse struct {
	OK                bool                    `json:"ok"`
	Reason            string                  `json:"reason,omitempty"`
	CampaignID        uint                    `json:"campaign_id"`
	Action            ReconcileAction         `json:"action,omitempty"`
	Status            models.CampaignStatus   `json:"status,omitempty"`
	FinalStatus       *models.CampaignStatus  `json:"final_status,omitempty"`
	Stale             bool                    `json:"stale"`
	PendingRecipients int64                   `json:"pending_recipients"`
	Enqueued          int                     `json:"enqueued"`
	Skipped           int                     `json:"skipped"`
	Failed            int                     `json:"failed"`
	Metrics           models.CanonicalMetrics `json:"metrics"`
}

// GetCampaignMetricsRequest asks for canonical metrics of a campaign
type GetCampaignMetricsRequest struct {
	TenantID   uint `json:"tenant_id" validate:"required"`
	CampaignID uint `json:"campaign_id" validate:"required"`
}

// CampaignPercentages are shares of recipients, rounded to two decimals
type CampaignPercentages struct {
	Sent      float64 `json:"sent"`
	Delivered float64 `json:"delivered"`
	Failed    float64 `json:"failed"`
}

// GetCampaignMetricsResponse carries provider-truth metrics
type GetCampaignMetricsResponse struct {
	OK          bool                     `json:"ok"`
	Reason      string                   `json:"reason,omitempty"`
	CampaignID  uint                     `json:"campaign_id"`
	Status      models.CampaignStatus    `json:"status,omitempty"`
	Totals      models.CanonicalTotals   `json:"totals"`
	Delivery    models.CanonicalDelivery `json:"delivery"`
	Percentages CampaignPercentages      `json:"percentages"`
	Pending     int64                    `json:"pending_recipients"`
}
