package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyRecordRepositoryImpl struct {
	*BaseRepository[models.IdempotencyRecord, struct{}]
}

func NewIdempotencyRecordRepository(db *gorm.DB) IdempotencyRecordRepository {
	return &IdempotencyRecordRepositoryImpl{BaseRepository: NewBaseRepository[models.IdempotencyRecord, struct{}](db)}
}

func (r *IdempotencyRecordRepositoryImpl) Claim(ctx context.Context, record *models.IdempotencyRecord) (bool, error) {
	db := r.getDB(ctx)
	if record.Status == "" {
		record.Status = models.IdempotencyStatusInProgress
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = utils.UTCNow()
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "operation"}, {Name: "key"}},
		DoNothing: true,
	}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *IdempotencyRecordRepositoryImpl) ByScope(ctx context.Context, tenantID uint, operation, key string) (*models.IdempotencyRecord, error) {
	db := r.getDB(ctx)
	var rec models.IdempotencyRecord
	err := db.Where("tenant_id = ? AND operation = ? AND key = ?", tenantID, operation, key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *IdempotencyRecordRepositoryImpl) Complete(ctx context.Context, id uint, response json.RawMessage) error {
	db := r.getDB(ctx)
	return db.Model(&models.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.IdempotencyStatusCompleted,
			"response":     response,
			"completed_at": utils.UTCNow(),
		}).Error
}

func (r *IdempotencyRecordRepositoryImpl) Delete(ctx context.Context, id uint) error {
	db := r.getDB(ctx)
	return db.Where("id = ?", id).Delete(&models.IdempotencyRecord{}).Error
}

// Reclaim restarts the lease of an in-progress record created before staleBefore; false means another caller won
func (r *IdempotencyRecordRepositoryImpl) Reclaim(ctx context.Context, id uint, staleBefore, now time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.IdempotencyRecord{}).
		Where("id = ? AND status = ? AND created_at < ?", id, models.IdempotencyStatusInProgress, staleBefore).
		Update("created_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *IdempotencyRecordRepositoryImpl) PurgeInProgressBefore(ctx context.Context, before time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Where("status = ? AND created_at < ?", models.IdempotencyStatusInProgress, before).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (r *IdempotencyRecordRepositoryImpl) PurgeCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Where("status = ? AND completed_at < ?", models.IdempotencyStatusCompleted, before).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
