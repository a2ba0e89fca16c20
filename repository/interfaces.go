// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// CampaignStatusChange carries the optional columns written together with a status transition
type CampaignStatusChange struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ScheduleAt   *time.Time
	ScheduleType *models.ScheduleType
	// ClearStartedAt resets started_at, used when a claim is rolled back
	ClearStartedAt bool
}

// CampaignRepository defines operations for campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	ByIDForTenant(ctx context.Context, tenantID, id uint) (*models.Campaign, error)
	// ByIDForUpdate locks the row until the surrounding transaction ends
	ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error)
	// UpdateStatusCAS moves the tenant's campaign to `to` only while its status is one of `from`.
	// It reports whether a row changed.
	UpdateStatusCAS(ctx context.Context, tenantID, id uint, from []models.CampaignStatus, to models.CampaignStatus, change CampaignStatusChange) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error)
	ListByStatus(ctx context.Context, status models.CampaignStatus, afterID uint, limit int) ([]*models.Campaign, error)
	Touch(ctx context.Context, tenantID, id uint) error
}

// CampaignRecipientRepository defines operations for campaign recipient rows
type CampaignRecipientRepository interface {
	Repository[models.CampaignRecipient, models.CampaignRecipientFilter]
	// InsertSkipDuplicates inserts rows in chunks and ignores (campaign_id, destination) conflicts.
	// It returns the number of rows actually inserted.
	InsertSkipDuplicates(ctx context.Context, rows []*models.CampaignRecipient) (int64, error)
	PendingIDs(ctx context.Context, tenantID, campaignID uint) ([]uint, error)
	CountPending(ctx context.Context, tenantID, campaignID uint) (int64, error)
	Counts(ctx context.Context, tenantID, campaignID uint) (models.RecipientCounts, error)
	MarkPendingCancelled(ctx context.Context, tenantID, campaignID uint) (int64, error)
	// ListForStatusRefresh returns open accepted rows, least recently checked first
	ListForStatusRefresh(ctx context.Context, limit int) ([]*models.CampaignRecipient, error)
	// MarkStatusChecked stamps rows the provider was asked about
	MarkStatusChecked(ctx context.Context, ids []uint, at time.Time) error
	UpdateDelivery(ctx context.Context, id uint, deliveryStatus string, status *models.RecipientStatus) error
}

// CreditWalletRepository defines operations for credit wallets
type CreditWalletRepository interface {
	Repository[models.CreditWallet, models.CreditWalletFilter]
	ByTenantID(ctx context.Context, tenantID uint) (*models.CreditWallet, error)
	ByTenantIDForUpdate(ctx context.Context, tenantID uint) (*models.CreditWallet, error)
	UpdateBalances(ctx context.Context, id uint, balance, reserved int64) error
}

// CreditReservationRepository defines operations for credit reservations
type CreditReservationRepository interface {
	Repository[models.CreditReservation, models.CreditReservationFilter]
	ByTenantAndKey(ctx context.Context, tenantID uint, key string) (*models.CreditReservation, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.CreditReservation, error)
	ActiveByCampaign(ctx context.Context, tenantID, campaignID uint) ([]*models.CreditReservation, error)
	ListReclaimable(ctx context.Context, now time.Time, maxAge time.Duration, limit int) ([]*models.CreditReservation, error)
	// MarkReleased and MarkCommitted only touch active reservations and report whether a row changed
	MarkReleased(ctx context.Context, id uint, reason string, at time.Time) (bool, error)
	MarkCommitted(ctx context.Context, id uint, consumed int64, at time.Time) (bool, error)
}

// CreditTransactionRepository defines operations for ledger entries
type CreditTransactionRepository interface {
	Repository[models.CreditTransaction, models.CreditTransactionFilter]
}

// SubscriptionRepository defines read operations for tenant plans
type SubscriptionRepository interface {
	ByTenantID(ctx context.Context, tenantID uint) (*models.Subscription, error)
}

// IdempotencyRecordRepository defines operations for idempotency records
type IdempotencyRecordRepository interface {
	// Claim inserts an in-progress record and reports false when the scope already exists
	Claim(ctx context.Context, record *models.IdempotencyRecord) (bool, error)
	ByScope(ctx context.Context, tenantID uint, operation, key string) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, id uint, response json.RawMessage) error
	Delete(ctx context.Context, id uint) error
	// Reclaim restarts the lease of an in-progress record created before staleBefore
	Reclaim(ctx context.Context, id uint, staleBefore, now time.Time) (bool, error)
	PurgeInProgressBefore(ctx context.Context, before time.Time) (int64, error)
	PurgeCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

// DispatchBatchRepository defines operations for dispatch batch records
type DispatchBatchRepository interface {
	Repository[models.DispatchBatch, models.DispatchBatchFilter]
	// Record upserts by job id
	Record(ctx context.Context, batch *models.DispatchBatch) error
	ListByCampaign(ctx context.Context, campaignID uint) ([]*models.DispatchBatch, error)
}

// CampaignMetadataRepository defines operations for campaign metadata
type CampaignMetadataRepository interface {
	Upsert(ctx context.Context, entries ...*models.CampaignMetadata) error
	ByCampaign(ctx context.Context, campaignID uint) (map[models.CampaignMetadataKey]string, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]*models.AuditLog, error)
	ListFailedActions(ctx context.Context, limit, offset int) ([]*models.AuditLog, error)
}

// ContactRepository defines read operations for the tenant audience
type ContactRepository interface {
	ListTargetable(ctx context.Context, tenantID uint, rule models.TargetingRule) ([]*models.Contact, error)
}
