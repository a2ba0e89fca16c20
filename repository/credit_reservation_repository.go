package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditReservationRepositoryImpl implements CreditReservationRepository
type CreditReservationRepositoryImpl struct {
	*BaseRepository[models.CreditReservation, models.CreditReservationFilter]
}

func NewCreditReservationRepository(db *gorm.DB) CreditReservationRepository {
	return &CreditReservationRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CreditReservation, models.CreditReservationFilter](db),
	}
}

func (r *CreditReservationRepositoryImpl) ByTenantAndKey(ctx context.Context, tenantID uint, key string) (*models.CreditReservation, error) {
	db := r.getDB(ctx)
	var res models.CreditReservation
	err := db.Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *CreditReservationRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.CreditReservation, error) {
	db := r.getDB(ctx)
	var res models.CreditReservation
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *CreditReservationRepositoryImpl) ActiveByCampaign(ctx context.Context, tenantID, campaignID uint) ([]*models.CreditReservation, error) {
	status := models.ReservationStatusActive
	return r.ByFilter(ctx, models.CreditReservationFilter{TenantID: &tenantID, CampaignID: &campaignID, Status: &status}, "id ASC", 0, 0)
}

// ListReclaimable returns active reservations that expired or are older than maxAge
func (r *CreditReservationRepositoryImpl) ListReclaimable(ctx context.Context, now time.Time, maxAge time.Duration, limit int) ([]*models.CreditReservation, error) {
	db := r.getDB(ctx)
	query := db.Where("status = ?", models.ReservationStatusActive).
		Where("expires_at < ? OR created_at < ?", now, now.Add(-maxAge)).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.CreditReservation
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CreditReservationRepositoryImpl) MarkReleased(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.CreditReservation{}).
		Where("id = ? AND status = ?", id, models.ReservationStatusActive).
		Updates(map[string]any{
			"status":         models.ReservationStatusReleased,
			"release_reason": reason,
			"released_at":    at,
			"updated_at":     at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *CreditReservationRepositoryImpl) MarkCommitted(ctx context.Context, id uint, consumed int64, at time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.CreditReservation{}).
		Where("id = ? AND status = ?", id, models.ReservationStatusActive).
		Updates(map[string]any{
			"status":          models.ReservationStatusCommitted,
			"consumed_amount": consumed,
			"committed_at":    at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *CreditReservationRepositoryImpl) ByFilter(ctx context.Context, filter models.CreditReservationFilter, orderBy string, limit, offset int) ([]*models.CreditReservation, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.CreditReservation{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.CreditReservation
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CreditReservationRepositoryImpl) Count(ctx context.Context, filter models.CreditReservationFilter) (int64, error) {
	db := r.getDB(ctx)
	var n int64
	if err := r.applyFilter(db.Model(&models.CreditReservation{}), filter).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *CreditReservationRepositoryImpl) Exists(ctx context.Context, filter models.CreditReservationFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CreditReservationRepositoryImpl) applyFilter(db *gorm.DB, f models.CreditReservationFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.IdempotencyKey != nil {
		db = db.Where("idempotency_key = ?", *f.IdempotencyKey)
	}
	if f.ExpiresBefore != nil {
		db = db.Where("expires_at < ?", *f.ExpiresBefore)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}
