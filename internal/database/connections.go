package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wbe7/openrag/internal/database/models"
	"github.com/wbe7/openrag/pkg/core"
)

// ErrConnectionNotFound indicates the requested connection does not exist.
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionStore persists provider connections.
type ConnectionStore struct {
	db *gorm.DB
}

// NewConnectionStore creates a connection store.
func NewConnectionStore(db *gorm.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Create inserts a new connection row.
func (s *ConnectionStore) Create(ctx context.Context, conn *models.Connection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}
	return nil
}

// Get loads one connection by id.
func (s *ConnectionStore) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	return &conn, nil
}

// ListActive loads every active connection, for startup restore and polls.
func (s *ConnectionStore) ListActive(ctx context.Context) ([]*models.Connection, error) {
	var conns []*models.Connection
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND deleted_at IS NULL", true).
		Order("created_at").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("listing active connections: %w", err)
	}
	return conns, nil
}

// GetByWebhookChannelID maps an inbound notification's channel id to its
// connection.
func (s *ConnectionStore) GetByWebhookChannelID(ctx context.Context, channelID string) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).
		First(&conn, "webhook_channel_id = ? AND is_active = ?", channelID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection by channel: %w", err)
	}
	return &conn, nil
}

// ConnectionIDByChannel resolves a webhook channel id to its connection id.
func (s *ConnectionStore) ConnectionIDByChannel(ctx context.Context, channelID string) (uuid.UUID, error) {
	conn, err := s.GetByWebhookChannelID(ctx, channelID)
	if err != nil {
		return uuid.Nil, err
	}
	return conn.ID, nil
}

// Owner returns the user a connection belongs to.
func (s *ConnectionStore) Owner(ctx context.Context, id uuid.UUID) (string, error) {
	var userID string
	err := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Pluck("user_id", &userID).Error
	if err != nil {
		return "", fmt.Errorf("loading connection owner: %w", err)
	}
	if userID == "" {
		return "", fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	return userID, nil
}

// Deactivate marks a connection inactive. The row is kept for audit.
func (s *ConnectionStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivating connection: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	return nil
}

// CurrentCursor returns the persisted change-feed checkpoint.
func (s *ConnectionStore) CurrentCursor(ctx context.Context, id uuid.UUID) (string, error) {
	var token string
	err := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Pluck("changes_page_token", &token).Error
	if err != nil {
		return "", fmt.Errorf("loading cursor: %w", err)
	}
	return token, nil
}

// CommitCursor advances the change-feed checkpoint. Single column update,
// so a committed cursor is never torn by concurrent config writes.
func (s *ConnectionStore) CommitCursor(ctx context.Context, id uuid.UUID, cursor string) error {
	if cursor == "" {
		return fmt.Errorf("refusing to commit empty cursor for connection %s", id)
	}
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Update("changes_page_token", cursor)
	if res.Error != nil {
		return fmt.Errorf("committing cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	return nil
}

// SaveCredentials persists refreshed token material.
func (s *ConnectionStore) SaveCredentials(ctx context.Context, id uuid.UUID, creds interface{}) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Update("credentials", models.JSONDoc(raw))
	if res.Error != nil {
		return fmt.Errorf("saving credentials: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	return nil
}

// SetWebhookChannel records or clears the connection's active channel.
func (s *ConnectionStore) SetWebhookChannel(ctx context.Context, id uuid.UUID, channel *core.WebhookChannel) error {
	updates := map[string]interface{}{
		"webhook_channel_id":  "",
		"webhook_resource_id": "",
		"webhook_expiration":  nil,
	}
	if channel != nil {
		var exp *time.Time
		if !channel.Expiration.IsZero() {
			e := channel.Expiration
			exp = &e
		}
		updates["webhook_channel_id"] = channel.ChannelID
		updates["webhook_resource_id"] = channel.ResourceID
		updates["webhook_expiration"] = exp
	}
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("saving webhook channel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrConnectionNotFound)
	}
	return nil
}

// SetSyncStatus records the outcome of a sync pass.
func (s *ConnectionStore) SetSyncStatus(ctx context.Context, id uuid.UUID, status string, syncErr error) error {
	now := time.Now()
	updates := map[string]interface{}{
		"last_sync_at":     &now,
		"last_sync_status": status,
		"last_sync_error":  nil,
	}
	if syncErr != nil {
		msg := syncErr.Error()
		updates["last_sync_error"] = &msg
	}
	return s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(updates).Error
}
