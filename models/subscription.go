package models

import "time"

// SubscriptionStatus mirrors the billing provider state
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription carries the SMS allowance included in a tenant's plan.
// It is written by the billing integration and only read here.
type Subscription struct {
	ID                   uint               `gorm:"primaryKey" json:"id"`
	TenantID             uint               `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Plan                 string             `gorm:"size:64;not null" json:"plan"`
	Status               SubscriptionStatus `gorm:"size:16;not null" json:"status"`
	IncludedSMSPerPeriod int64              `gorm:"not null;default:0" json:"included_sms_per_period"`
	UsedSMSThisPeriod    int64              `gorm:"not null;default:0" json:"used_sms_this_period"`
	PeriodStart          *time.Time         `json:"period_start,omitempty"`
	PeriodEnd            *time.Time         `json:"period_end,omitempty"`
	CreatedAt            time.Time          `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// IsActive reports whether the plan currently allows sending
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// RemainingAllowance returns included minus used, never negative
func (s *Subscription) RemainingAllowance() int64 {
	return max(s.IncludedSMSPerPeriod-s.UsedSMSThisPeriod, 0)
}
