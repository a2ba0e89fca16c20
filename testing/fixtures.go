package testing

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestCampaign creates a campaign for tenantID in the given status
func (tf *TestFixtures) CreateTestCampaign(tenantID uint, status models.CampaignStatus) (*models.Campaign, error) {
	c := &models.Campaign{
		TenantID:  tenantID,
		Name:      fmt.Sprintf("campaign-%d", rand.IntN(1_000_000)),
		Message:   "Spring sale starts today",
		Targeting: models.TargetingRule{Type: models.TargetingAll},
		Status:    status,
	}
	if err := tf.DB.DB.Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create test campaign: %w", err)
	}
	return c, nil
}

// CreateScheduledCampaign creates a scheduled campaign due at at
func (tf *TestFixtures) CreateScheduledCampaign(tenantID uint, at time.Time) (*models.Campaign, error) {
	c := &models.Campaign{
		TenantID:     tenantID,
		Name:         fmt.Sprintf("scheduled-%d", rand.IntN(1_000_000)),
		Message:      "Reminder",
		Targeting:    models.TargetingRule{Type: models.TargetingAll},
		Status:       models.CampaignStatusScheduled,
		ScheduleType: models.ScheduleTypeScheduled,
		ScheduleAt:   &at,
	}
	if err := tf.DB.DB.Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create scheduled campaign: %w", err)
	}
	return c, nil
}

// CreateTestContacts creates n contacts for tenantID carrying tags
func (tf *TestFixtures) CreateTestContacts(tenantID uint, n int, tags ...string) ([]*models.Contact, error) {
	contacts := make([]*models.Contact, 0, n)
	for range n {
		contacts = append(contacts, &models.Contact{
			TenantID: tenantID,
			Phone:    RandomPhone(),
			Tags:     pq.StringArray(tags),
		})
	}
	if err := tf.DB.DB.CreateInBatches(contacts, 500).Error; err != nil {
		return nil, fmt.Errorf("failed to create test contacts: %w", err)
	}
	return contacts, nil
}

// CreateTestRecipients creates n pending recipient rows for campaign
func (tf *TestFixtures) CreateTestRecipients(campaign *models.Campaign, n int) ([]*models.CampaignRecipient, error) {
	rows := make([]*models.CampaignRecipient, 0, n)
	for range n {
		rows = append(rows, &models.CampaignRecipient{
			TenantID:    campaign.TenantID,
			CampaignID:  campaign.ID,
			Destination: RandomPhone(),
			Status:      models.RecipientStatusPending,
		})
	}
	if err := tf.DB.DB.CreateInBatches(rows, 500).Error; err != nil {
		return nil, fmt.Errorf("failed to create test recipients: %w", err)
	}
	return rows, nil
}

// CreateTestWallet creates a credit wallet holding balance credits
func (tf *TestFixtures) CreateTestWallet(tenantID uint, balance int64) (*models.CreditWallet, error) {
	w := &models.CreditWallet{TenantID: tenantID, Balance: balance}
	if err := tf.DB.DB.Create(w).Error; err != nil {
		return nil, fmt.Errorf("failed to create test wallet: %w", err)
	}
	return w, nil
}

// CreateTestSubscription creates an active plan with the given allowance
func (tf *TestFixtures) CreateTestSubscription(tenantID uint, included, used int64) (*models.Subscription, error) {
	now := utils.UTCNow()
	s := &models.Subscription{
		TenantID:             tenantID,
		Plan:                 "growth",
		Status:               models.SubscriptionStatusActive,
		IncludedSMSPerPeriod: included,
		UsedSMSThisPeriod:    used,
		PeriodStart:          &now,
		PeriodEnd:            utils.ToPtr(now.AddDate(0, 1, 0)),
	}
	if err := tf.DB.DB.Create(s).Error; err != nil {
		return nil, fmt.Errorf("failed to create test subscription: %w", err)
	}
	return s, nil
}

// CreateTestReservation creates an active reservation that expires at expiresAt
func (tf *TestFixtures) CreateTestReservation(tenantID uint, campaignID *uint, amount int64, expiresAt time.Time) (*models.CreditReservation, error) {
	r := &models.CreditReservation{
		TenantID:       tenantID,
		CampaignID:     campaignID,
		Amount:         amount,
		Status:         models.ReservationStatusActive,
		IdempotencyKey: fmt.Sprintf("fixture:%d", rand.Uint64()),
		ExpiresAt:      expiresAt,
	}
	if err := tf.DB.DB.Create(r).Error; err != nil {
		return nil, fmt.Errorf("failed to create test reservation: %w", err)
	}
	return r, nil
}

// RandomPhone returns a random Iranian mobile number
func RandomPhone() string {
	return fmt.Sprintf("+989%09d", rand.IntN(900000000)+100000000)
}
