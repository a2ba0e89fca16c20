package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditWallet holds a tenant's purchased SMS credits.
// ReservedBalance is the sum of active reservations; only Balance-ReservedBalance is spendable.
type CreditWallet struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID            uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID        uint      `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Balance         int64     `gorm:"not null;default:0" json:"balance"`
	ReservedBalance int64     `gorm:"not null;default:0" json:"reserved_balance"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CreditWallet) TableName() string { return "credit_wallets" }

// Available returns the spendable balance, never negative
func (w *CreditWallet) Available() int64 {
	return max(w.Balance-w.ReservedBalance, 0)
}

// BeforeCreate ensures UUID is set
func (w *CreditWallet) BeforeCreate(tx *gorm.DB) error {
	if w.UUID == uuid.Nil {
		w.UUID = uuid.New()
	}
	return nil
}

// CreditWalletFilter represents filter criteria for wallet queries
type CreditWalletFilter struct {
	ID       *uint      `json:"id,omitempty"`
	UUID     *uuid.UUID `json:"uuid,omitempty"`
	TenantID *uint      `json:"tenant_id,omitempty"`
}
