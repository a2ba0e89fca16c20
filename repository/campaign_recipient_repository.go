package repository

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRecipientRepositoryImpl implements CampaignRecipientRepository
type CampaignRecipientRepositoryImpl struct {
	*BaseRepository[models.CampaignRecipient, models.CampaignRecipientFilter]
	insertChunk int
}

func NewCampaignRecipientRepository(db *gorm.DB) CampaignRecipientRepository {
	return NewCampaignRecipientRepositoryWithChunk(db, utils.RecipientInsertChunk)
}

// NewCampaignRecipientRepositoryWithChunk bounds each bulk insert statement to chunk rows
func NewCampaignRecipientRepositoryWithChunk(db *gorm.DB, chunk int) CampaignRecipientRepository {
	if chunk <= 0 {
		chunk = utils.RecipientInsertChunk
	}
	return &CampaignRecipientRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CampaignRecipient, models.CampaignRecipientFilter](db),
		insertChunk:    chunk,
	}
}

func (r *CampaignRecipientRepositoryImpl) InsertSkipDuplicates(ctx context.Context, rows []*models.CampaignRecipient) (inserted int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer finish(db, shouldCommit, &err)

	for _, chunk := range utils.Chunk(rows, r.insertChunk) {
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "destination"}},
			DoNothing: true,
		}).Create(&chunk)
		if err = res.Error; err != nil {
			return inserted, err
		}
		inserted += res.RowsAffected
	}
	return inserted, nil
}

// PendingIDs returns ids of rows that still need a batch job, in id order
func (r *CampaignRecipientRepositoryImpl) PendingIDs(ctx context.Context, tenantID, campaignID uint) ([]uint, error) {
	db := r.getDB(ctx)
	var ids []uint
	err := r.pending(db.Model(&models.CampaignRecipient{}), tenantID, campaignID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *CampaignRecipientRepositoryImpl) CountPending(ctx context.Context, tenantID, campaignID uint) (int64, error) {
	db := r.getDB(ctx)
	var n int64
	if err := r.pending(db.Model(&models.CampaignRecipient{}), tenantID, campaignID).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *CampaignRecipientRepositoryImpl) pending(db *gorm.DB, tenantID, campaignID uint) *gorm.DB {
	return db.Where("tenant_id = ? AND campaign_id = ? AND status = ? AND provider_message_id IS NULL",
		tenantID, campaignID, models.RecipientStatusPending)
}

// Counts aggregates provider truth for a campaign in one pass.
// A row counted as delivered is never counted as failed.
func (r *CampaignRecipientRepositoryImpl) Counts(ctx context.Context, tenantID, campaignID uint) (models.RecipientCounts, error) {
	db := r.getDB(ctx)
	var row struct {
		Recipients int64
		Accepted   int64
		Delivered  int64
		Failed     int64
	}
	err := db.Model(&models.CampaignRecipient{}).
		Select(`COUNT(*) AS recipients,
			COUNT(*) FILTER (WHERE provider_message_id IS NOT NULL) AS accepted,
			COUNT(*) FILTER (WHERE LOWER(delivery_status) IN ?) AS delivered,
			COUNT(*) FILTER (WHERE (status = ? OR LOWER(delivery_status) IN ?)
				AND LOWER(COALESCE(delivery_status, '')) NOT IN ?) AS failed`,
			models.DeliveredStatuses, models.RecipientStatusFailed, models.FailedStatuses, models.DeliveredStatuses).
		Where("tenant_id = ? AND campaign_id = ?", tenantID, campaignID).
		Scan(&row).Error
	if err != nil {
		return models.RecipientCounts{}, err
	}
	return models.RecipientCounts{
		Recipients: row.Recipients,
		Accepted:   row.Accepted,
		Delivered:  row.Delivered,
		Failed:     row.Failed,
	}, nil
}

func (r *CampaignRecipientRepositoryImpl) MarkPendingCancelled(ctx context.Context, tenantID, campaignID uint) (int64, error) {
	db := r.getDB(ctx)
	res := r.pending(db.Model(&models.CampaignRecipient{}), tenantID, campaignID).
		Updates(map[string]any{
			"status":     models.RecipientStatusCancelled,
			"updated_at": utils.UTCNow(),
		})
	return res.RowsAffected, res.Error
}

// ListForStatusRefresh returns accepted rows whose delivery outcome is still open.
// Never checked rows come first, then the longest unchecked, so every open row gets its turn.
func (r *CampaignRecipientRepositoryImpl) ListForStatusRefresh(ctx context.Context, limit int) ([]*models.CampaignRecipient, error) {
	db := r.getDB(ctx)
	terminal := append(append([]string{}, models.DeliveredStatuses...), models.FailedStatuses...)
	query := db.Where("provider_message_id IS NOT NULL").
		Where("status IN ?", []models.RecipientStatus{models.RecipientStatusPending, models.RecipientStatusSent}).
		Where("delivery_status IS NULL OR LOWER(delivery_status) NOT IN ?", terminal).
		Order("status_checked_at ASC NULLS FIRST, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.CampaignRecipient
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CampaignRecipientRepositoryImpl) MarkStatusChecked(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	db := r.getDB(ctx)
	return db.Model(&models.CampaignRecipient{}).
		Where("id IN ?", ids).
		UpdateColumn("status_checked_at", at).Error
}

func (r *CampaignRecipientRepositoryImpl) UpdateDelivery(ctx context.Context, id uint, deliveryStatus string, status *models.RecipientStatus) error {
	db := r.getDB(ctx)
	updates := map[string]any{
		"delivery_status": deliveryStatus,
		"updated_at":      utils.UTCNow(),
	}
	if status != nil {
		updates["status"] = *status
	}
	return db.Model(&models.CampaignRecipient{}).Where("id = ?", id).Updates(updates).Error
}

func (r *CampaignRecipientRepositoryImpl) applyFilter(db *gorm.DB, f models.CampaignRecipientFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.Destination != nil {
		db = db.Where("destination = ?", *f.Destination)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.Accepted != nil {
		if *f.Accepted {
			db = db.Where("provider_message_id IS NOT NULL")
		} else {
			db = db.Where("provider_message_id IS NULL")
		}
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *CampaignRecipientRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignRecipientFilter, orderBy string, limit, offset int) ([]*models.CampaignRecipient, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.CampaignRecipient{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.CampaignRecipient
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CampaignRecipientRepositoryImpl) Count(ctx context.Context, filter models.CampaignRecipientFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.CampaignRecipient{}), filter)
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *CampaignRecipientRepositoryImpl) Exists(ctx context.Context, filter models.CampaignRecipientFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
