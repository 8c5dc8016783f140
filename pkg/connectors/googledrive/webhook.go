package googledrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/drive/v3"

	"github.com/wbe7/openrag/pkg/core"
)

// Notification headers set by the Drive push service.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// resourceStateSync is the handshake message Drive sends right after a
// channel is created. It carries no changes.
const resourceStateSync = "sync"

// SetupSubscription registers a push channel against the change feed,
// anchored at the connection's current cursor. Returns the channel id chosen
// for the subscription.
func (c *Connector) SetupSubscription(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "googledrive.setup_subscription")
	defer span.End()

	if c.service == nil {
		return "", fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	if c.config.WebhookAddress == "" {
		return "", fmt.Errorf("webhook address not configured")
	}

	startToken := ""
	if c.cursor != nil {
		var err error
		startToken, err = c.cursor.CurrentCursor(ctx)
		if err != nil {
			return "", fmt.Errorf("loading change cursor: %w", err)
		}
	}
	if startToken == "" {
		var err error
		startToken, err = c.StartCursor(ctx)
		if err != nil {
			return "", err
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	channelID := uuid.New().String()
	expiration := time.Now().Add(c.config.ChannelTTL)
	watch := &drive.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    c.config.WebhookAddress,
		Expiration: expiration.UnixMilli(),
	}

	var created *drive.Channel
	err := c.withRetry(ctx, func() error {
		var err error
		created, err = c.service.Changes.Watch(startToken, watch).SupportsAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", classifyError(err)
	}

	c.chanMu.Lock()
	c.channel = &core.WebhookChannel{
		ChannelID:      created.Id,
		ResourceID:     created.ResourceId,
		Expiration:     time.UnixMilli(created.Expiration),
		WebhookAddress: c.config.WebhookAddress,
	}
	c.chanMu.Unlock()

	span.SetAttributes(
		attribute.String("channel.id", created.Id),
		attribute.String("channel.resource_id", created.ResourceId),
	)
	return created.Id, nil
}

// Channel returns the active webhook channel, when one exists.
func (c *Connector) Channel() *core.WebhookChannel {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	return c.channel
}

// CleanupSubscription stops a push channel. A channel the provider no longer
// knows about counts as successfully removed.
func (c *Connector) CleanupSubscription(ctx context.Context, channelID string) bool {
	ctx, span := c.tracer.Start(ctx, "googledrive.cleanup_subscription",
		trace.WithAttributes(attribute.String("channel.id", channelID)))
	defer span.End()

	if c.service == nil || channelID == "" {
		return false
	}

	c.chanMu.RLock()
	resourceID := ""
	if c.channel != nil && c.channel.ChannelID == channelID {
		resourceID = c.channel.ResourceID
	}
	c.chanMu.RUnlock()
	if resourceID == "" {
		// Without the resource id recorded at creation the provider cannot
		// address the channel; it will lapse at its expiration.
		c.logger.Warn("no resource id recorded for channel %s, relying on expiration", channelID)
		return false
	}

	err := c.service.Channels.Stop(&drive.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		classified := classifyError(err)
		if errors.Is(classified, core.ErrNotFound) {
			// Already expired or removed.
			c.dropChannel()
			return true
		}
		span.RecordError(err)
		c.logger.Warn("failed to stop channel %s: %v", channelID, err)
		return false
	}

	c.dropChannel()
	return true
}

func (c *Connector) dropChannel() {
	c.chanMu.Lock()
	c.channel = nil
	c.chanMu.Unlock()
}

// HandleWebhook maps an inbound Drive notification to affected file ids.
// Drive notifications carry no payload; the change feed is peeked, without
// committing its cursor, to learn what changed.
func (c *Connector) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "googledrive.handle_webhook")
	defer span.End()

	state := headers.Get(headerResourceState)
	if state == resourceStateSync {
		return nil, nil
	}

	channelID := headers.Get(headerChannelID)
	current := c.Channel()
	if current != nil && channelID != "" && channelID != current.ChannelID {
		return nil, fmt.Errorf("notification for unknown channel %s", channelID)
	}
	if current != nil && current.Expired(time.Now()) {
		return nil, fmt.Errorf("channel %s: %w", channelID, core.ErrSubscriptionExpired)
	}

	cursor := ""
	if c.cursor != nil {
		var err error
		cursor, err = c.cursor.CurrentCursor(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading change cursor: %w", err)
		}
	}
	if cursor == "" {
		// No committed cursor yet; the reconciling poll will pick this up.
		return nil, nil
	}

	files, _, err := c.ReadChanges(ctx, cursor)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	span.SetAttributes(attribute.Int("affected_files", len(ids)))
	return ids, nil
}

// HandleWebhookValidation implements the contract for providers requiring a
// handshake echo. Drive validates channels with a sync notification rather
// than a challenge, so there is never a challenge to return.
func (c *Connector) HandleWebhookValidation(method string, headers http.Header, query url.Values) (string, bool) {
	return "", false
}
