package models

import (
	"time"

	"github.com/lib/pq"
)

// Contact is an addressable audience member of a tenant.
// Tags are stored as a PostgreSQL TEXT[] column.
type Contact struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"not null;index:idx_contacts_tenant_id" json:"tenant_id"`
	Phone     string         `gorm:"size:32;not null" json:"phone"`
	Tags      pq.StringArray `gorm:"type:text[];index:idx_contacts_tags_gin,type:gin" json:"tags"`
	OptedOut  bool           `gorm:"not null;default:false" json:"opted_out"`
	CreatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}
