package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditTransactionType represents the ledger movement recorded by a transaction
type CreditTransactionType string

const (
	CreditTransactionReserve CreditTransactionType = "reserve" // hold placed on credits
	CreditTransactionRelease CreditTransactionType = "release" // hold returned
	CreditTransactionCommit  CreditTransactionType = "commit"  // hold converted into a debit
)

// CreditTransaction is an append-only ledger entry for a credit wallet
type CreditTransaction struct {
	ID            uint                  `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID             `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID      uint                  `gorm:"not null;index" json:"tenant_id"`
	WalletID      uint                  `gorm:"not null;index" json:"wallet_id"`
	ReservationID *uint                 `gorm:"index" json:"reservation_id,omitempty"`
	Type          CreditTransactionType `gorm:"type:varchar(20);not null;index" json:"type"`
	Amount        int64                 `gorm:"not null" json:"amount"`

	// Wallet state after the movement
	BalanceAfter  int64 `gorm:"not null" json:"balance_after"`
	ReservedAfter int64 `gorm:"not null" json:"reserved_after"`

	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// BeforeCreate ensures UUID is set
func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	return nil
}

// CreditTransactionFilter represents filter criteria for ledger queries
type CreditTransactionFilter struct {
	ID            *uint
	TenantID      *uint
	WalletID      *uint
	ReservationID *uint
	Type          *CreditTransactionType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
