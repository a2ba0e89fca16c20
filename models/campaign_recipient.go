package models

import (
	"time"

	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
)

// RecipientStatus enumerates our own state of a recipient row
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusCancelled RecipientStatus = "cancelled"
)

// CampaignRecipient is one resolved destination of a campaign.
// ProviderMessageID is set once the SMS provider accepted the message.
type CampaignRecipient struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	TenantID          uint            `gorm:"not null;index:idx_campaign_recipients_tenant_id" json:"tenant_id"`
	CampaignID        uint            `gorm:"not null;uniqueIndex:uk_campaign_recipients_campaign_destination,priority:1;index:idx_campaign_recipients_campaign_status,priority:1" json:"campaign_id"`
	ContactID         *uint           `json:"contact_id,omitempty"`
	Destination       string          `gorm:"size:32;not null;uniqueIndex:uk_campaign_recipients_campaign_destination,priority:2" json:"destination"`
	Status            RecipientStatus `gorm:"size:16;not null;default:'pending';index:idx_campaign_recipients_campaign_status,priority:2" json:"status"`
	ProviderMessageID *string         `gorm:"size:128;index:idx_campaign_recipients_provider_message_id" json:"provider_message_id,omitempty"`
	DeliveryStatus    *string         `gorm:"size:32" json:"delivery_status,omitempty"`
	RetryCount        int             `gorm:"not null;default:0" json:"retry_count"`
	Error             *string         `gorm:"type:text" json:"error,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	StatusCheckedAt   *time.Time      `gorm:"index:idx_campaign_recipients_status_checked" json:"status_checked_at,omitempty"`
	CreatedAt         time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (CampaignRecipient) TableName() string { return "campaign_recipients" }

// BeforeCreate fills defaults
func (r *CampaignRecipient) BeforeCreate(tx *gorm.DB) error {
	if r.Status == "" {
		r.Status = RecipientStatusPending
	}
	now := utils.UTCNow()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

// IsAccepted reports whether the provider acknowledged the message
func (r *CampaignRecipient) IsAccepted() bool {
	return r.ProviderMessageID != nil && *r.ProviderMessageID != ""
}

// IsDispatchPending reports whether the row still needs a batch job
func (r *CampaignRecipient) IsDispatchPending() bool {
	return r.Status == RecipientStatusPending && !r.IsAccepted()
}

// CampaignRecipientFilter provides filter fields for repository queries
type CampaignRecipientFilter struct {
	ID            *uint
	TenantID      *uint
	CampaignID    *uint
	Status        *RecipientStatus
	Destination   *string
	Accepted      *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
