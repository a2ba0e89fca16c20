package repository

import (
	"context"
	"errors"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditWalletRepositoryImpl implements CreditWalletRepository interface
type CreditWalletRepositoryImpl struct {
	*BaseRepository[models.CreditWallet, models.CreditWalletFilter]
}

// NewCreditWalletRepository creates a new wallet repository
func NewCreditWalletRepository(db *gorm.DB) CreditWalletRepository {
	return &CreditWalletRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CreditWallet, models.CreditWalletFilter](db),
	}
}

// ByTenantID finds a wallet by tenant
func (r *CreditWalletRepositoryImpl) ByTenantID(ctx context.Context, tenantID uint) (*models.CreditWallet, error) {
	return r.byTenant(r.getDB(ctx), tenantID)
}

// ByTenantIDForUpdate finds a wallet by tenant and locks it for the current transaction
func (r *CreditWalletRepositoryImpl) ByTenantIDForUpdate(ctx context.Context, tenantID uint) (*models.CreditWallet, error) {
	return r.byTenant(r.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tenantID)
}

func (r *CreditWalletRepositoryImpl) byTenant(db *gorm.DB, tenantID uint) (*models.CreditWallet, error) {
	var wallet models.CreditWallet
	err := db.Where("tenant_id = ?", tenantID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// UpdateBalances overwrites both balances of a wallet
func (r *CreditWalletRepositoryImpl) UpdateBalances(ctx context.Context, id uint, balance, reserved int64) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer finish(db, shouldCommit, &err)

	err = db.Model(&models.CreditWallet{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"balance":          balance,
			"reserved_balance": reserved,
			"updated_at":       utils.UTCNow(),
		}).Error
	return err
}

// ByFilter retrieves wallets based on filter criteria
func (r *CreditWalletRepositoryImpl) ByFilter(ctx context.Context, filter models.CreditWalletFilter, orderBy string, limit, offset int) ([]*models.CreditWallet, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db, filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var wallets []*models.CreditWallet
	if err := query.Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

// Count returns the number of wallets matching the filter
func (r *CreditWalletRepositoryImpl) Count(ctx context.Context, filter models.CreditWalletFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.CreditWallet{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if a wallet exists with the given filter
func (r *CreditWalletRepositoryImpl) Exists(ctx context.Context, filter models.CreditWalletFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *CreditWalletRepositoryImpl) applyFilter(db *gorm.DB, filter models.CreditWalletFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.TenantID != nil {
		db = db.Where("tenant_id = ?", *filter.TenantID)
	}
	return db
}
