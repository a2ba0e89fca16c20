package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/repository"
)

// AllowanceSource reports the SMS allowance included in a tenant's plan
type AllowanceSource interface {
	RemainingAllowance(ctx context.Context, tenantID uint) (int64, error)
	HasActiveSubscription(ctx context.Context, tenantID uint) (bool, error)
}

// SubscriptionAllowance reads allowance from the subscriptions table
type SubscriptionAllowance struct {
	subscriptionRepo repository.SubscriptionRepository
}

func NewSubscriptionAllowance(subscriptionRepo repository.SubscriptionRepository) *SubscriptionAllowance {
	return &SubscriptionAllowance{subscriptionRepo: subscriptionRepo}
}

// RemainingAllowance is zero for tenants without an active plan
func (a *SubscriptionAllowance) RemainingAllowance(ctx context.Context, tenantID uint) (int64, error) {
	sub, err := a.subscriptionRepo.ByTenantID(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil || !sub.IsActive() {
		return 0, nil
	}
	return sub.RemainingAllowance(), nil
}

func (a *SubscriptionAllowance) HasActiveSubscription(ctx context.Context, tenantID uint) (bool, error) {
	sub, err := a.subscriptionRepo.ByTenantID(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub != nil && sub.IsActive(), nil
}
