package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// WebhookConfig contains webhook channel management configuration.
type WebhookConfig struct {
	BaseURL       string        `yaml:"base_url"`
	RenewalLead   time.Duration `yaml:"renewal_lead"`
	RenewalSweep  time.Duration `yaml:"renewal_sweep"`
	ChannelTTL    time.Duration `yaml:"channel_ttl"`
	EnableRenewal bool          `yaml:"enable_renewal"`
}

// DefaultWebhookConfig returns default configuration.
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		RenewalLead:   12 * time.Hour,
		RenewalSweep:  time.Hour,
		ChannelTTL:    3 * 24 * time.Hour,
		EnableRenewal: true,
	}
}

// WebhookManager owns the webhook channel lifecycle across connections:
// creation, renewal before expiry, notification dispatch, and drain at
// shutdown or disconnect.
type WebhookManager struct {
	config       *WebhookConfig
	source       ConnectionSource
	state        StateStore
	orchestrator *Orchestrator
	tracer       trace.Tracer
	logger       *logger.Logger
}

// NewWebhookManager creates a webhook manager.
func NewWebhookManager(cfg *WebhookConfig, source ConnectionSource, state StateStore, orchestrator *Orchestrator, log *logger.Logger) *WebhookManager {
	if cfg == nil {
		cfg = DefaultWebhookConfig()
	}
	return &WebhookManager{
		config:       cfg,
		source:       source,
		state:        state,
		orchestrator: orchestrator,
		tracer:       otel.Tracer("webhook-manager"),
		logger:       log.WithField("component", "webhook_manager"),
	}
}

// Setup creates a channel for one connection and persists its record.
func (m *WebhookManager) Setup(ctx context.Context, id uuid.UUID) error {
	if m.config.BaseURL == "" {
		return fmt.Errorf("webhook base url not configured")
	}
	connector, ok := m.source.Connector(id)
	if !ok {
		return fmt.Errorf("connection %s has no live connector", id)
	}

	ctx, span := m.tracer.Start(ctx, "webhook.setup",
		trace.WithAttributes(attribute.String("connection.id", id.String())))
	defer span.End()

	channelID, err := connector.SetupSubscription(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating subscription: %w", err)
	}

	channel := &core.WebhookChannel{ChannelID: channelID}
	if keeper, ok := connector.(core.ChannelKeeper); ok {
		if ch := keeper.Channel(); ch != nil {
			channel = ch
		}
	}
	if err := m.state.SetWebhookChannel(ctx, id, channel); err != nil {
		return err
	}

	m.logger.Info("webhook channel %s created for connection %s", channelID, id)
	return nil
}

// SetupAll creates channels for every active connection that lacks one.
// Failures are logged per connection and never stop the sweep.
func (m *WebhookManager) SetupAll(ctx context.Context) {
	if m.config.BaseURL == "" {
		m.logger.Info("webhook base url not configured, running poll-only")
		return
	}
	for _, id := range m.source.ActiveIDs() {
		connector, ok := m.source.Connector(id)
		if !ok {
			continue
		}
		if keeper, ok := connector.(core.ChannelKeeper); ok {
			if ch := keeper.Channel(); ch != nil && !ch.Expired(time.Now()) {
				continue
			}
		}
		if err := m.Setup(ctx, id); err != nil {
			m.logger.Error("webhook setup for connection %s failed: %v", id, err)
		}
	}
}

// RenewDue renews or recreates channels expiring within the renewal lead.
// Providers with in-place renewal are renewed; the rest get their channel
// recreated.
func (m *WebhookManager) RenewDue(ctx context.Context) {
	if !m.config.EnableRenewal || m.config.BaseURL == "" {
		return
	}
	ctx, span := m.tracer.Start(ctx, "webhook.renew_sweep")
	defer span.End()

	deadline := time.Now().Add(m.config.RenewalLead)
	renewed := 0
	for _, id := range m.source.ActiveIDs() {
		connector, ok := m.source.Connector(id)
		if !ok {
			continue
		}
		keeper, ok := connector.(core.ChannelKeeper)
		if !ok {
			continue
		}
		channel := keeper.Channel()
		if channel == nil || channel.Expiration.IsZero() || channel.Expiration.After(deadline) {
			continue
		}

		if err := m.renewOne(ctx, id, connector, channel); err != nil {
			m.logger.Error("renewing channel %s for connection %s failed: %v", channel.ChannelID, id, err)
			continue
		}
		renewed++
	}
	span.SetAttributes(attribute.Int("channels.renewed", renewed))
}

func (m *WebhookManager) renewOne(ctx context.Context, id uuid.UUID, connector core.Connector, channel *core.WebhookChannel) error {
	if renewer, ok := connector.(core.ChannelRenewer); ok {
		fresh, err := renewer.RenewSubscription(ctx)
		if err == nil {
			return m.state.SetWebhookChannel(ctx, id, fresh)
		}
		if !errors.Is(err, core.ErrSubscriptionExpired) {
			return err
		}
		// Expired under us, fall through to recreate.
	}

	connector.CleanupSubscription(ctx, channel.ChannelID)
	return m.Setup(ctx, id)
}

// HandleNotification maps an inbound provider notification to its
// connection, extracts the affected file ids, and runs a targeted pass.
func (m *WebhookManager) HandleNotification(ctx context.Context, connectorType core.ConnectorType, payload []byte, headers http.Header) error {
	ctx, span := m.tracer.Start(ctx, "webhook.notification",
		trace.WithAttributes(attribute.String("connector.type", string(connectorType))))
	defer span.End()

	channelIDs := extractChannelIDs(payload, headers)
	if len(channelIDs) == 0 {
		m.logger.Debug("notification carried no channel id, ignoring")
		return nil
	}

	var firstErr error
	for _, channelID := range channelIDs {
		id, err := m.state.ConnectionIDByChannel(ctx, channelID)
		if err != nil {
			m.logger.Warn("notification for unknown channel %s dropped", channelID)
			continue
		}
		connector, ok := m.source.Connector(id)
		if !ok {
			continue
		}

		fileIDs, err := connector.HandleWebhook(ctx, payload, headers)
		if err != nil {
			if errors.Is(err, core.ErrSubscriptionExpired) {
				m.logger.Warn("channel %s expired, recreating", channelID)
				if setupErr := m.Setup(ctx, id); setupErr != nil && firstErr == nil {
					firstErr = setupErr
				}
				continue
			}
			span.RecordError(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(fileIDs) == 0 {
			continue
		}

		if _, err := m.orchestrator.SyncFiles(ctx, id, fileIDs); err != nil && !errors.Is(err, ErrPassInProgress) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Drain tears down every active channel, continuing past failures. The
// returned error summarizes how many channels survived.
func (m *WebhookManager) Drain(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "webhook.drain")
	defer span.End()

	failed := 0
	total := 0
	for _, id := range m.source.ActiveIDs() {
		connector, ok := m.source.Connector(id)
		if !ok {
			continue
		}
		keeper, ok := connector.(core.ChannelKeeper)
		if !ok {
			continue
		}
		channel := keeper.Channel()
		if channel == nil {
			continue
		}

		total++
		if !connector.CleanupSubscription(ctx, channel.ChannelID) {
			failed++
			m.logger.Warn("channel %s for connection %s not cleaned up", channel.ChannelID, id)
			continue
		}
		if err := m.state.SetWebhookChannel(ctx, id, nil); err != nil {
			m.logger.Warn("clearing channel record for connection %s: %v", id, err)
		}
	}

	span.SetAttributes(attribute.Int("channels.total", total), attribute.Int("channels.failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d webhook channels not cleaned up", failed, total)
	}
	return nil
}

// extractChannelIDs pulls channel ids out of a notification. Drive carries
// the id in a header; Graph carries subscription ids in the payload body.
func extractChannelIDs(payload []byte, headers http.Header) []string {
	if id := headers.Get("X-Goog-Channel-ID"); id != "" {
		return []string{id}
	}

	var envelope struct {
		Value []struct {
			SubscriptionID string `json:"subscriptionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, n := range envelope.Value {
		if n.SubscriptionID == "" {
			continue
		}
		if _, ok := seen[n.SubscriptionID]; ok {
			continue
		}
		seen[n.SubscriptionID] = struct{}{}
		ids = append(ids, n.SubscriptionID)
	}
	return ids
}
