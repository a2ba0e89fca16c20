package repository

import (
	"context"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DispatchBatchRepositoryImpl struct {
	*BaseRepository[models.DispatchBatch, models.DispatchBatchFilter]
}

func NewDispatchBatchRepository(db *gorm.DB) DispatchBatchRepository {
	return &DispatchBatchRepositoryImpl{BaseRepository: NewBaseRepository[models.DispatchBatch, models.DispatchBatchFilter](db)}
}

// Record inserts the batch or refreshes the outcome of an existing job id
func (r *DispatchBatchRepositoryImpl) Record(ctx context.Context, batch *models.DispatchBatch) error {
	db := r.getDB(ctx)
	now := utils.UTCNow()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	// a later skip of the same job keeps the earlier outcome
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "excluded.outcome <> ?", Vars: []any{models.DispatchOutcomeSkipped}}}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "error", "updated_at"}),
	}).Create(batch).Error
}

func (r *DispatchBatchRepositoryImpl) ListByCampaign(ctx context.Context, campaignID uint) ([]*models.DispatchBatch, error) {
	return r.ByFilter(ctx, models.DispatchBatchFilter{CampaignID: &campaignID}, "id ASC", 0, 0)
}

func (r *DispatchBatchRepositoryImpl) applyFilter(db *gorm.DB, f models.DispatchBatchFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.JobID != nil {
		db = db.Where("job_id = ?", *f.JobID)
	}
	if f.Outcome != nil {
		db = db.Where("outcome = ?", *f.Outcome)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *DispatchBatchRepositoryImpl) ByFilter(ctx context.Context, filter models.DispatchBatchFilter, orderBy string, limit, offset int) ([]*models.DispatchBatch, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.DispatchBatch{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.DispatchBatch
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DispatchBatchRepositoryImpl) Count(ctx context.Context, filter models.DispatchBatchFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.DispatchBatch{}), filter)
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *DispatchBatchRepositoryImpl) Exists(ctx context.Context, filter models.DispatchBatchFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
