package repository

import (
	"context"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CampaignMetadataRepositoryImpl struct {
	*BaseRepository[models.CampaignMetadata, struct{}]
}

func NewCampaignMetadataRepository(db *gorm.DB) CampaignMetadataRepository {
	return &CampaignMetadataRepositoryImpl{BaseRepository: NewBaseRepository[models.CampaignMetadata, struct{}](db)}
}

// Upsert writes every entry, replacing the value of existing keys
func (r *CampaignMetadataRepositoryImpl) Upsert(ctx context.Context, entries ...*models.CampaignMetadata) error {
	if len(entries) == 0 {
		return nil
	}
	db := r.getDB(ctx)
	now := utils.UTCNow()
	for _, e := range entries {
		e.UpdatedAt = now
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entries).Error
}

func (r *CampaignMetadataRepositoryImpl) ByCampaign(ctx context.Context, campaignID uint) (map[models.CampaignMetadataKey]string, error) {
	db := r.getDB(ctx)
	var rows []*models.CampaignMetadata
	if err := db.Where("campaign_id = ?", campaignID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[models.CampaignMetadataKey]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
