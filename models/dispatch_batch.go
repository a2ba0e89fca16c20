package models

import (
	"time"

	"github.com/lib/pq"
)

// DispatchOutcome is the result of submitting one batch to the broker
type DispatchOutcome string

const (
	DispatchOutcomeEnqueued DispatchOutcome = "enqueued"
	DispatchOutcomeSkipped  DispatchOutcome = "skipped"
	DispatchOutcomeFailed   DispatchOutcome = "failed"
)

// DispatchBatch records a batch job submission for a campaign.
// JobID is content derived so resubmitting the same recipient set maps onto the same row.
// Table: dispatch_batches
// Array columns use PostgreSQL bigint[]
type DispatchBatch struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	TenantID        uint            `gorm:"not null;index:idx_dispatch_batches_tenant_id" json:"tenant_id"`
	CampaignID      uint            `gorm:"not null;index:idx_dispatch_batches_campaign_id" json:"campaign_id"`
	JobID           string          `gorm:"size:128;not null;uniqueIndex:uk_dispatch_batches_job_id" json:"job_id"`
	RecipientRowIDs pq.Int64Array   `gorm:"type:bigint[];not null" json:"recipient_row_ids"`
	Outcome         DispatchOutcome `gorm:"size:16;not null" json:"outcome"`
	Error           *string         `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (DispatchBatch) TableName() string { return "dispatch_batches" }

// DispatchBatchFilter provides filter fields for repository queries
type DispatchBatchFilter struct {
	ID            *uint
	CampaignID    *uint
	JobID         *string
	Outcome       *DispatchOutcome
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
