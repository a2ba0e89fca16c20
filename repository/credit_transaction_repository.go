package repository

import (
	"context"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// CreditTransactionRepositoryImpl implements CreditTransactionRepository interface
type CreditTransactionRepositoryImpl struct {
	*BaseRepository[models.CreditTransaction, models.CreditTransactionFilter]
}

// NewCreditTransactionRepository creates a new ledger entry repository
func NewCreditTransactionRepository(db *gorm.DB) CreditTransactionRepository {
	return &CreditTransactionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CreditTransaction, models.CreditTransactionFilter](db),
	}
}

// ByFilter retrieves ledger entries based on filter criteria
func (r *CreditTransactionRepositoryImpl) ByFilter(ctx context.Context, filter models.CreditTransactionFilter, orderBy string, limit, offset int) ([]*models.CreditTransaction, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db, filter)
	if orderBy == "" {
		orderBy = "id ASC"
	}
	query = query.Order(orderBy)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var txs []*models.CreditTransaction
	if err := query.Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// Count returns the number of ledger entries matching the filter
func (r *CreditTransactionRepositoryImpl) Count(ctx context.Context, filter models.CreditTransactionFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.CreditTransaction{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if a ledger entry exists with the given filter
func (r *CreditTransactionRepositoryImpl) Exists(ctx context.Context, filter models.CreditTransactionFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *CreditTransactionRepositoryImpl) applyFilter(db *gorm.DB, filter models.CreditTransactionFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.TenantID != nil {
		db = db.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.WalletID != nil {
		db = db.Where("wallet_id = ?", *filter.WalletID)
	}
	if filter.ReservationID != nil {
		db = db.Where("reservation_id = ?", *filter.ReservationID)
	}
	if filter.Type != nil {
		db = db.Where("type = ?", *filter.Type)
	}
	if filter.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		db = db.Where("created_at < ?", *filter.CreatedBefore)
	}
	return db
}
