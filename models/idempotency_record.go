package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus tells whether the guarded operation finished
type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
)

// Idempotent operations
const (
	OperationEnqueueCampaign  = "enqueue_campaign"
	OperationCancelCampaign   = "cancel_campaign"
	OperationScheduleCampaign = "schedule_campaign"
)

// IdempotencyRecord is a write-once marker that a logical operation already happened
type IdempotencyRecord struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	TenantID    uint              `gorm:"not null;uniqueIndex:uk_idempotency_records_scope,priority:1" json:"tenant_id"`
	Operation   string            `gorm:"size:64;not null;uniqueIndex:uk_idempotency_records_scope,priority:2" json:"operation"`
	Key         string            `gorm:"size:255;not null;uniqueIndex:uk_idempotency_records_scope,priority:3" json:"key"`
	Status      IdempotencyStatus `gorm:"size:16;not null;default:'in_progress'" json:"status"`
	Response    json.RawMessage   `gorm:"type:jsonb" json:"response,omitempty"`
	CreatedAt   time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_idempotency_records_created_at" json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// IsCompleted reports whether a stored response is available
func (r *IdempotencyRecord) IsCompleted() bool {
	return r.Status == IdempotencyStatusCompleted
}
