package repository

import (
	"context"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type ContactRepositoryImpl struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) ContactRepository {
	return &ContactRepositoryImpl{db: db}
}

// ListTargetable returns opted-in contacts matching rule, one per phone, ordered by id
func (r *ContactRepositoryImpl) ListTargetable(ctx context.Context, tenantID uint, rule models.TargetingRule) ([]*models.Contact, error) {
	db := r.db.WithContext(ctx)
	if tx, ok := ctx.Value(TxContextKey).(*gorm.DB); ok && tx != nil {
		db = tx.WithContext(ctx)
	}

	query := db.Model(&models.Contact{}).
		Where("tenant_id = ? AND opted_out = ?", tenantID, false)
	if rule.Type == models.TargetingTags && len(rule.Tags) > 0 {
		if rule.MatchAll {
			query = query.Where("tags @> ?", pq.StringArray(rule.Tags))
		} else {
			query = query.Where("tags && ?", pq.StringArray(rule.Tags))
		}
	}

	var contacts []*models.Contact
	err := query.
		Select("DISTINCT ON (phone) *").
		Order("phone, id ASC").
		Find(&contacts).Error
	if err != nil {
		return nil, err
	}
	return contacts, nil
}
