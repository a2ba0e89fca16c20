package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReservationStatus represents the state of a credit hold
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusCommitted ReservationStatus = "committed"
)

// Valid checks if the status is valid
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusActive, ReservationStatusReleased, ReservationStatusCommitted:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for ReservationStatus
func (s *ReservationStatus) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = ""
	case string:
		*s = ReservationStatus(v)
	case []byte:
		*s = ReservationStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ReservationStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for ReservationStatus
func (s ReservationStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ReservationStatus: %s", s)
	}
	return string(s), nil
}

// CreditReservation is a hold on a tenant's credits placed before a campaign is dispatched
type CreditReservation struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	UUID           uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex" json:"uuid"`
	TenantID       uint              `gorm:"not null;uniqueIndex:uk_credit_reservations_tenant_key,priority:1;index:idx_credit_reservations_tenant_status,priority:1" json:"tenant_id"`
	CampaignID     *uint             `gorm:"index:idx_credit_reservations_campaign_id" json:"campaign_id,omitempty"`
	Amount         int64             `gorm:"not null" json:"amount"`
	ConsumedAmount int64             `gorm:"not null;default:0" json:"consumed_amount"`
	Status         ReservationStatus `gorm:"size:16;not null;default:'active';index:idx_credit_reservations_tenant_status,priority:2" json:"status"`
	IdempotencyKey string            `gorm:"size:255;not null;uniqueIndex:uk_credit_reservations_tenant_key,priority:2" json:"idempotency_key"`
	ExpiresAt      time.Time         `gorm:"not null;index:idx_credit_reservations_expires_at" json:"expires_at"`
	ReleasedAt     *time.Time        `json:"released_at,omitempty"`
	CommittedAt    *time.Time        `json:"committed_at,omitempty"`
	ReleaseReason  *string           `gorm:"size:64" json:"release_reason,omitempty"`
	CreatedAt      time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

// BeforeCreate fills defaults
func (r *CreditReservation) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReservationStatusActive
	}
	now := utils.UTCNow()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return nil
}

// IsActive reports whether the hold still counts against the wallet
func (r *CreditReservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// IsReclaimable reports whether an active hold expired or outlived maxAge
func (r *CreditReservation) IsReclaimable(now time.Time, maxAge time.Duration) bool {
	if !r.IsActive() {
		return false
	}
	return r.ExpiresAt.Before(now) || utils.OlderThan(r.CreatedAt, maxAge, now)
}

// CreditReservationFilter represents filter criteria for reservations
type CreditReservationFilter struct {
	ID             *uint
	TenantID       *uint
	CampaignID     *uint
	Status         *ReservationStatus
	IdempotencyKey *string
	ExpiresBefore  *time.Time
	CreatedBefore  *time.Time
}
