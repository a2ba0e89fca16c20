package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRepositoryImpl implements the CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db),
	}
}

// ByIDForTenant retrieves a campaign owned by tenantID
func (r *CampaignRepositoryImpl) ByIDForTenant(ctx context.Context, tenantID, id uint) (*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaign models.Campaign
	err := db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &campaign, nil
}

// ByIDForUpdate retrieves a campaign with a row lock
func (r *CampaignRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaign models.Campaign
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &campaign, nil
}

// UpdateStatusCAS changes status conditionally on the current one
func (r *CampaignRepositoryImpl) UpdateStatusCAS(ctx context.Context, tenantID, id uint, from []models.CampaignStatus, to models.CampaignStatus, change CampaignStatusChange) (ok bool, err error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source status given for campaign %d", id)
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	updates := map[string]any{
		"status":     to,
		"updated_at": utils.UTCNow(),
	}
	if change.StartedAt != nil {
		updates["started_at"] = *change.StartedAt
	}
	if change.ClearStartedAt {
		updates["started_at"] = nil
	}
	if change.FinishedAt != nil {
		updates["finished_at"] = *change.FinishedAt
	}
	if change.ScheduleAt != nil {
		updates["schedule_at"] = *change.ScheduleAt
	}
	if change.ScheduleType != nil {
		updates["schedule_type"] = *change.ScheduleType
	}

	res := db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID, from).
		Updates(updates)
	if err = res.Error; err != nil {
		return false, err
	}

	return res.RowsAffected > 0, nil
}

// ListDue returns campaigns whose start time has come
func (r *CampaignRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaigns []*models.Campaign
	query := db.Where("schedule_at IS NOT NULL AND schedule_at <= ?", now).
		Where(db.Where("status = ?", models.CampaignStatusScheduled).
			Or("status = ? AND schedule_type IN ?", models.CampaignStatusDraft,
				[]models.ScheduleType{models.ScheduleTypeScheduled, models.ScheduleTypeRecurring})).
		Order("schedule_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&campaigns).Error; err != nil {
		return nil, err
	}

	return campaigns, nil
}

// ListByStatus pages campaigns in status by id, starting after afterID
func (r *CampaignRepositoryImpl) ListByStatus(ctx context.Context, status models.CampaignStatus, afterID uint, limit int) ([]*models.Campaign, error) {
	filter := models.CampaignFilter{Status: &status, IDAfter: &afterID}
	return r.ByFilter(ctx, filter, "id ASC", limit, 0)
}

// Touch bumps updated_at so staleness is measured from now
func (r *CampaignRepositoryImpl) Touch(ctx context.Context, tenantID, id uint) error {
	db := r.getDB(ctx)
	return db.Model(&models.Campaign{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("updated_at", utils.UTCNow()).Error
}

// ByFilter retrieves campaigns based on filter criteria
func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaigns []*models.Campaign
	query := r.applyFilter(db, filter)

	// Apply ordering
	if orderBy != "" {
		query = query.Order(orderBy)
	}

	// Apply pagination
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	err := query.Find(&campaigns).Error
	if err != nil {
		return nil, err
	}

	return campaigns, nil
}

// Count returns the number of campaigns matching the filter
func (r *CampaignRepositoryImpl) Count(ctx context.Context, filter models.CampaignFilter) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	var campaign models.Campaign
	query := r.applyFilter(db.Model(&campaign), filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Exists checks if any campaign matching the filter exists
func (r *CampaignRepositoryImpl) Exists(ctx context.Context, filter models.CampaignFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// applyFilter applies filter conditions to the GORM query
func (r *CampaignRepositoryImpl) applyFilter(db *gorm.DB, filter models.CampaignFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.IDAfter != nil {
		db = db.Where("id > ?", *filter.IDAfter)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.TenantID != nil {
		db = db.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		db = db.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.UpdatedBefore != nil {
		db = db.Where("updated_at < ?", *filter.UpdatedBefore)
	}
	if filter.ScheduleBefore != nil {
		db = db.Where("schedule_at <= ?", *filter.ScheduleBefore)
	}

	return db
}
