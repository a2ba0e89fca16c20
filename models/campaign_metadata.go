package models

import (
	"fmt"
	"time"
)

// CampaignMetadataKey enumerates the keys allowed in the metadata side table
type CampaignMetadataKey string

const (
	MetadataLastDispatchAt      CampaignMetadataKey = "last_dispatch_at"
	MetadataLastReconcileAction CampaignMetadataKey = "last_reconcile_action"
	MetadataLastReconcileAt     CampaignMetadataKey = "last_reconcile_at"
	MetadataReservationID       CampaignMetadataKey = "reservation_id"
	MetadataRecipientCount      CampaignMetadataKey = "recipient_count"
	MetadataCancelledAt         CampaignMetadataKey = "cancelled_at"
)

// Valid checks the key against the known set
func (k CampaignMetadataKey) Valid() bool {
	switch k {
	case MetadataLastDispatchAt, MetadataLastReconcileAction, MetadataLastReconcileAt,
		MetadataReservationID, MetadataRecipientCount, MetadataCancelledAt:
		return true
	default:
		return false
	}
}

// CampaignMetadata is a typed key/value entry attached to a campaign
type CampaignMetadata struct {
	ID         uint                `gorm:"primaryKey" json:"id"`
	CampaignID uint                `gorm:"not null;uniqueIndex:uk_campaign_metadata_key,priority:1" json:"campaign_id"`
	Key        CampaignMetadataKey `gorm:"size:64;not null;uniqueIndex:uk_campaign_metadata_key,priority:2" json:"key"`
	Value      string              `gorm:"type:text;not null" json:"value"`
	UpdatedAt  time.Time           `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (CampaignMetadata) TableName() string { return "campaign_metadata" }

// MetadataEntry builds an entry for key with a formatted value
func MetadataEntry(campaignID uint, key CampaignMetadataKey, value any) (*CampaignMetadata, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid campaign metadata key: %s", key)
	}
	var s string
	switch v := value.(type) {
	case time.Time:
		s = v.UTC().Format(time.RFC3339)
	case string:
		s = v
	default:
		s = fmt.Sprint(v)
	}
	return &CampaignMetadata{CampaignID: campaignID, Key: key, Value: s}, nil
}
