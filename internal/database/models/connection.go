package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection represents one user's link to an external document provider.
type Connection struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID        string    `gorm:"not null;index" json:"user_id"`
	ConnectorType string    `gorm:"not null;index" json:"connector_type"`

	// Provider-specific configuration (scope, mime filters, site id)
	Config JSONDoc `gorm:"type:jsonb" json:"config"`

	// OAuth token material in persisted form
	Credentials JSONDoc `gorm:"type:jsonb" json:"-"`

	// Change-feed checkpoint. Dedicated column so cursor commits are a
	// single-column update, never a read-modify-write of the config blob.
	ChangesPageToken string `gorm:"column:changes_page_token" json:"changes_page_token,omitempty"`

	// Active webhook channel, if any
	WebhookChannelID  string     `gorm:"index" json:"webhook_channel_id,omitempty"`
	WebhookResourceID string     `json:"webhook_resource_id,omitempty"`
	WebhookExpiration *time.Time `json:"webhook_expiration,omitempty"`

	IsActive bool `gorm:"not null;default:true;index" json:"is_active"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `gorm:"default:'pending'" json:"last_sync_status"`
	LastSyncError  *string    `json:"last_sync_error,omitempty"`

	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName returns the table name for the Connection model.
func (Connection) TableName() string {
	return "connections"
}

// Sync status values for Connection.LastSyncStatus.
const (
	SyncStatusPending   = "pending"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)
