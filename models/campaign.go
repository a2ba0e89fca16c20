package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignStatus represents the lifecycle status of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// DispatchableStatuses are the statuses a campaign may leave for sending
var DispatchableStatuses = []CampaignStatus{
	CampaignStatusDraft,
	CampaignStatusScheduled,
	CampaignStatusPaused,
}

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed,
		CampaignStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further dispatch activity can happen from s
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed || s == CampaignStatusCancelled
}

// IsDispatchable reports whether s may transition to sending
func (s CampaignStatus) IsDispatchable() bool {
	for _, d := range DispatchableStatuses {
		if s == d {
			return true
		}
	}
	return false
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// CampaignPriority maps to broker job priority
type CampaignPriority string

const (
	CampaignPriorityLow    CampaignPriority = "low"
	CampaignPriorityNormal CampaignPriority = "normal"
	CampaignPriorityHigh   CampaignPriority = "high"
	CampaignPriorityUrgent CampaignPriority = "urgent"
)

// JobPriority returns the numeric broker priority, normal when unknown
func (p CampaignPriority) JobPriority() int {
	switch p {
	case CampaignPriorityLow:
		return 1
	case CampaignPriorityHigh:
		return 10
	case CampaignPriorityUrgent:
		return 20
	default:
		return 5
	}
}

// ScheduleType tells how a campaign is started
type ScheduleType string

const (
	ScheduleTypeImmediate ScheduleType = "immediate"
	ScheduleTypeScheduled ScheduleType = "scheduled"
	ScheduleTypeRecurring ScheduleType = "recurring"
)

// TargetingType selects how the audience resolver interprets a rule
type TargetingType string

const (
	TargetingAll  TargetingType = "all"
	TargetingTags TargetingType = "tags"
)

// TargetingRule is the typed audience selector of a campaign
type TargetingRule struct {
	Type TargetingType `json:"type"`
	Tags []string      `json:"tags,omitempty"`
	// MatchAll requires every tag instead of any of them
	MatchAll bool `json:"match_all,omitempty"`
}

// Value implements the driver.Valuer interface for TargetingRule
func (r TargetingRule) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements the sql.Scanner interface for TargetingRule
func (r *TargetingRule) Scan(value any) error {
	if value == nil {
		*r = TargetingRule{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TargetingRule", value)
	}

	return json.Unmarshal(bytes, r)
}

// Campaign represents a tenant's SMS campaign
type Campaign struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	TenantID     uint             `gorm:"not null;index:idx_campaigns_tenant_id" json:"tenant_id"`
	Name         string           `gorm:"size:255;not null" json:"name"`
	Message      string           `gorm:"type:text;not null" json:"message"`
	Targeting    TargetingRule    `gorm:"type:jsonb;not null" json:"targeting"`
	Priority     CampaignPriority `gorm:"size:16;not null;default:'normal'" json:"priority"`
	Status       CampaignStatus   `gorm:"size:16;not null;default:'draft';index:idx_campaigns_status_schedule,priority:1" json:"status"`
	ScheduleType ScheduleType     `gorm:"size:16;not null;default:'immediate'" json:"schedule_type"`
	ScheduleAt   *time.Time       `gorm:"index:idx_campaigns_status_schedule,priority:2" json:"schedule_at,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CreatedAt    time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_campaigns_updated_at" json:"updated_at"`
}

// TableName returns the table name for the model
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate is called before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignStatusDraft
	}
	if c.Priority == "" {
		c.Priority = CampaignPriorityNormal
	}
	if c.ScheduleType == "" {
		c.ScheduleType = ScheduleTypeImmediate
	}
	now := utils.UTCNow()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return nil
}

// IsDue reports whether the scheduler should start the campaign at now
func (c *Campaign) IsDue(now time.Time) bool {
	if c.ScheduleAt == nil || c.ScheduleAt.After(now) {
		return false
	}
	switch c.Status {
	case CampaignStatusScheduled:
		return true
	case CampaignStatusDraft:
		return c.ScheduleType == ScheduleTypeScheduled || c.ScheduleType == ScheduleTypeRecurring
	default:
		return false
	}
}

// CanTransitionTo checks if the campaign can transition to the given status
func (c *Campaign) CanTransitionTo(newStatus CampaignStatus) bool {
	switch c.Status {
	case CampaignStatusDraft:
		return newStatus == CampaignStatusScheduled || newStatus == CampaignStatusSending
	case CampaignStatusScheduled:
		return newStatus == CampaignStatusSending || newStatus == CampaignStatusDraft
	case CampaignStatusPaused:
		return newStatus == CampaignStatusSending || newStatus == CampaignStatusScheduled
	case CampaignStatusSending:
		return newStatus == CampaignStatusCompleted ||
			newStatus == CampaignStatusFailed ||
			newStatus == CampaignStatusCancelled ||
			newStatus == CampaignStatusPaused
	default:
		return false
	}
}

// CampaignFilter represents filter criteria for campaigns
type CampaignFilter struct {
	ID             *uint           `json:"id,omitempty"`
	IDAfter        *uint           `json:"id_after,omitempty"`
	UUID           *uuid.UUID      `json:"uuid,omitempty"`
	TenantID       *uint           `json:"tenant_id,omitempty"`
	Status         *CampaignStatus `json:"status,omitempty"`
	CreatedAfter   *time.Time      `json:"created_after,omitempty"`
	CreatedBefore  *time.Time      `json:"created_before,omitempty"`
	UpdatedBefore  *time.Time      `json:"updated_before,omitempty"`
	ScheduleBefore *time.Time      `json:"schedule_before,omitempty"`
}
