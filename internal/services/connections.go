// Package services wires persistence, the connector registry, and provider
// OAuth into the connection lifecycle: create, restore at startup, and
// disconnect.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wbe7/openrag/internal/database"
	"github.com/wbe7/openrag/internal/database/models"
	"github.com/wbe7/openrag/pkg/config"
	"github.com/wbe7/openrag/pkg/connectors"
	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// ConnectionService owns the live connector instances of every active
// connection.
type ConnectionService struct {
	store    *database.ConnectionStore
	registry *connectors.Registry
	oauth    *OAuthFlow
	config   *config.Config
	logger   *logger.Logger

	mu     sync.RWMutex
	active map[uuid.UUID]core.Connector
}

// NewConnectionService creates the connection service.
func NewConnectionService(store *database.ConnectionStore, registry *connectors.Registry, oauth *OAuthFlow, cfg *config.Config, log *logger.Logger) *ConnectionService {
	return &ConnectionService{
		store:    store,
		registry: registry,
		oauth:    oauth,
		config:   cfg,
		logger:   log.WithField("component", "connection_service"),
		active:   make(map[uuid.UUID]core.Connector),
	}
}

// RestoreAll rebuilds connectors for every active connection at startup.
// A connection that fails to restore is logged and skipped; one broken
// connection never blocks the rest.
func (s *ConnectionService) RestoreAll(ctx context.Context) error {
	conns, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, conn := range conns {
		connector, err := s.buildConnector(ctx, conn)
		if err != nil {
			s.logger.Error("failed to restore connection %s (%s): %v", conn.ID, conn.ConnectorType, err)
			continue
		}
		if !connector.Authenticate(ctx) {
			s.logger.Warn("connection %s (%s) needs re-authentication", conn.ID, conn.ConnectorType)
		}
		if keeper, ok := connector.(core.ChannelKeeper); ok && conn.WebhookChannelID != "" {
			ch := &core.WebhookChannel{
				ChannelID:  conn.WebhookChannelID,
				ResourceID: conn.WebhookResourceID,
			}
			if conn.WebhookExpiration != nil {
				ch.Expiration = *conn.WebhookExpiration
			}
			keeper.RestoreChannel(ch)
		}

		s.mu.Lock()
		s.active[conn.ID] = connector
		s.mu.Unlock()
		restored++
	}

	s.logger.Info("restored %d of %d active connections", restored, len(conns))
	return nil
}

// Create persists a new connection from a completed OAuth exchange, builds
// its connector, and initializes the change cursor so incremental sync
// starts from "now".
func (s *ConnectionService) Create(ctx context.Context, userID string, connectorType core.ConnectorType, rawConfig json.RawMessage, token *oauth2.Token) (*models.Connection, error) {
	if !connectorType.IsValid() {
		return nil, fmt.Errorf("unsupported connector type %q", connectorType)
	}
	if !s.registry.Has(connectorType) {
		return nil, fmt.Errorf("connector type %q is not registered", connectorType)
	}

	creds, err := json.Marshal(credentials.FromToken(token))
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}

	conn := &models.Connection{
		ID:            uuid.New(),
		UserID:        userID,
		ConnectorType: string(connectorType),
		Config:        models.JSONDoc(rawConfig),
		Credentials:   models.JSONDoc(creds),
		IsActive:      true,
	}
	if err := s.store.Create(ctx, conn); err != nil {
		return nil, err
	}

	connector, err := s.buildConnector(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !connector.Authenticate(ctx) {
		return nil, fmt.Errorf("connection %s: credentials rejected by provider", conn.ID)
	}

	if feed, ok := connector.(core.ChangeFeed); ok {
		cursor, err := feed.StartCursor(ctx)
		if err != nil {
			s.logger.Warn("connection %s: could not obtain start cursor: %v", conn.ID, err)
		} else if err := s.store.CommitCursor(ctx, conn.ID, cursor); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.active[conn.ID] = connector
	s.mu.Unlock()

	s.logger.Info("created connection %s (%s) for user %s", conn.ID, connectorType, userID)
	return conn, nil
}

// Disconnect tears a connection down: its webhook channel is cleaned up
// best-effort and the row is deactivated.
func (s *ConnectionService) Disconnect(ctx context.Context, id uuid.UUID) error {
	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	connector, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()

	if ok && conn.WebhookChannelID != "" {
		if !connector.CleanupSubscription(ctx, conn.WebhookChannelID) {
			s.logger.Warn("connection %s: webhook channel %s not cleaned up", id, conn.WebhookChannelID)
		}
		if err := s.store.SetWebhookChannel(ctx, id, nil); err != nil {
			s.logger.Warn("connection %s: clearing channel record: %v", id, err)
		}
	}

	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("disconnected connection %s (%s)", id, conn.ConnectorType)
	return nil
}

// Connector returns the live connector of a connection.
func (s *ConnectionService) Connector(id uuid.UUID) (core.Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connector, ok := s.active[id]
	return connector, ok
}

// ActiveIDs returns a snapshot of the connection ids with live connectors.
func (s *ConnectionService) ActiveIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Store exposes the underlying connection store.
func (s *ConnectionService) Store() *database.ConnectionStore {
	return s.store
}

// buildConnector assembles the connector stack for one connection record:
// credential store with refresh persistence, cursor source, and the
// registered provider factory.
func (s *ConnectionService) buildConnector(ctx context.Context, conn *models.Connection) (core.Connector, error) {
	connectorType := core.ConnectorType(conn.ConnectorType)

	oauthCfg, ok := s.oauth.Config(connectorType)
	if !ok {
		return nil, fmt.Errorf("connection %s: provider %q has no oauth application configured", conn.ID, connectorType)
	}
	creds, err := decodeCredentials(conn.Credentials)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}

	store := credentials.NewStore(oauthCfg, conn.ID.String(), creds, &credentialPersister{store: s.store}, s.logger)

	return s.registry.Build(connectorType, connectors.BuildParams{
		ConnectionID:   conn.ID.String(),
		RawConfig:      []byte(conn.Config),
		Credentials:    store,
		Cursor:         &cursorSource{store: s.store, id: conn.ID},
		WebhookAddress: s.webhookAddress(connectorType),
		Logger:         s.logger,
	})
}

// decodeCredentials reads the persisted token material, falling back to the
// flat legacy map format for rows written before the structured form.
func decodeCredentials(raw models.JSONDoc) (*credentials.Credentials, error) {
	if len(raw) == 0 {
		return &credentials.Credentials{}, nil
	}
	var creds credentials.Credentials
	if err := json.Unmarshal(raw, &creds); err == nil && creds.AccessToken != "" {
		return &creds, nil
	}
	var legacy map[string]interface{}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return credentials.MigrateLegacy(legacy)
}

func (s *ConnectionService) webhookAddress(connectorType core.ConnectorType) string {
	if s.config.Webhooks.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/%s", s.config.Webhooks.BaseURL, connectorType)
}

// cursorSource adapts the connection store to the per-connector cursor
// lookup.
type cursorSource struct {
	store *database.ConnectionStore
	id    uuid.UUID
}

func (c *cursorSource) CurrentCursor(ctx context.Context) (string, error) {
	return c.store.CurrentCursor(ctx, c.id)
}

// credentialPersister adapts the connection store to the credential store's
// persistence hook.
type credentialPersister struct {
	store *database.ConnectionStore
}

func (p *credentialPersister) SaveCredentials(ctx context.Context, connectionID string, creds *credentials.Credentials) error {
	id, err := uuid.Parse(connectionID)
	if err != nil {
		return fmt.Errorf("malformed connection id %q: %w", connectionID, err)
	}
	return p.store.SaveCredentials(ctx, id, creds)
}
