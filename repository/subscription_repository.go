package repository

import (
	"context"
	"errors"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

type SubscriptionRepositoryImpl struct {
	*BaseRepository[models.Subscription, struct{}]
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &SubscriptionRepositoryImpl{BaseRepository: NewBaseRepository[models.Subscription, struct{}](db)}
}

// ByTenantID returns the tenant's plan or nil when it has none
func (r *SubscriptionRepositoryImpl) ByTenantID(ctx context.Context, tenantID uint) (*models.Subscription, error) {
	db := r.getDB(ctx)
	var sub models.Subscription
	if err := db.Where("tenant_id = ?", tenantID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}
