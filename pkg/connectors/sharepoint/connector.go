// Package sharepoint implements the SharePoint variant of the connector
// capability contract. It mirrors the OneDrive connector but operates on a
// site's default document library instead of the signed-in user's drive.
package sharepoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/connectors/msgraph"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// Config contains configuration for one SharePoint connection.
type Config struct {
	ConnectionID   string               `yaml:"connection_id"`
	SiteID         string               `yaml:"site_id"`
	Scope          *core.SelectiveScope `yaml:"scope"`
	IncludeMimes   []string             `yaml:"include_mime_types"`
	ExcludeMimes   []string             `yaml:"exclude_mime_types"`
	WebhookAddress string               `yaml:"webhook_address"`

	BatchSize  int             `yaml:"batch_size"`
	ChannelTTL time.Duration   `yaml:"channel_ttl"`
	Graph      *msgraph.Config `yaml:"graph"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:  100,
		ChannelTTL: 3 * 24 * time.Hour,
		Graph:      msgraph.DefaultConfig(),
	}
}

// Connector implements core.Connector for SharePoint document libraries.
type Connector struct {
	config *Config
	creds  *credentials.Store
	client *msgraph.Client
	ops    *msgraph.DriveOps
	tracer trace.Tracer
	logger *logger.Logger

	// subscription is written by setup, renewal and restore and read by
	// webhook-notification goroutines.
	subMu        sync.RWMutex
	subscription *msgraph.Subscription
	cursor       CursorSource

	authenticated bool
}

// CursorSource yields the persisted change cursor of a connection.
type CursorSource interface {
	CurrentCursor(ctx context.Context) (string, error)
}

// New creates a SharePoint connector for the configured site.
func New(cfg *Config, creds *credentials.Store, cursor CursorSource, log *logger.Logger) *Connector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Graph == nil {
		cfg.Graph = msgraph.DefaultConfig()
	}
	client := msgraph.NewClient(cfg.Graph, creds)
	return &Connector{
		config: cfg,
		creds:  creds,
		client: client,
		ops:    msgraph.NewDriveOps(client, fmt.Sprintf("/sites/%s/drive", cfg.SiteID)),
		tracer: otel.Tracer("sharepoint-connector"),
		logger: log.WithConnection(cfg.ConnectionID, string(core.ConnectorTypeSharePoint)),
		cursor: cursor,
	}
}

// Type implements core.Connector.
func (c *Connector) Type() core.ConnectorType { return core.ConnectorTypeSharePoint }

// SiteID returns the site the connector is bound to.
func (c *Connector) SiteID() string { return c.config.SiteID }

// RestoreChannel reattaches a persisted subscription after restart.
func (c *Connector) RestoreChannel(ch *core.WebhookChannel) {
	if ch == nil {
		return
	}
	c.subMu.Lock()
	c.subscription = &msgraph.Subscription{
		ID:                 ch.ChannelID,
		Resource:           ch.ResourceID,
		ExpirationDateTime: ch.Expiration,
		NotificationURL:    ch.WebhookAddress,
	}
	c.subMu.Unlock()
}

// Authenticate verifies the stored credentials against the site drive.
func (c *Connector) Authenticate(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "sharepoint.authenticate",
		trace.WithAttributes(attribute.String("site.id", c.config.SiteID)))
	defer span.End()

	if c.config.SiteID == "" {
		c.logger.Error("sharepoint connection has no site id")
		return false
	}
	if c.creds == nil || !c.creds.HasCredentials() {
		span.SetAttributes(attribute.Bool("authenticated", false))
		return false
	}

	if err := c.client.GetJSON(ctx, c.ops.DrivePath(), nil); err != nil {
		span.RecordError(err)
		if errors.Is(err, core.ErrAuthExpired) {
			c.creds.Invalidate()
		}
		c.authenticated = false
		return false
	}

	c.authenticated = true
	span.SetAttributes(attribute.Bool("authenticated", true))
	return true
}

// ListFiles implements core.Connector.
func (c *Connector) ListFiles(ctx context.Context, pageToken string, maxFiles int) (*core.FileList, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.list_files")
	defer span.End()

	if !c.authenticated {
		return nil, fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	if maxFiles <= 0 {
		maxFiles = c.config.BatchSize
	}

	var files []*core.FileInfo
	var err error
	if !c.config.Scope.IsEmpty() {
		resolver := msgraph.NewScopeResolver(c.ops, c.config.Scope, c.config.IncludeMimes, c.config.ExcludeMimes, c.logger)
		files, err = resolver.Resolve(ctx)
	} else {
		files, err = c.listLibrary(ctx)
	}
	if err != nil {
		return nil, err
	}

	return pageSlice(files, pageToken, maxFiles)
}

// listLibrary walks the site's document library breadth-first.
func (c *Connector) listLibrary(ctx context.Context) ([]*core.FileInfo, error) {
	root, err := c.ops.GetItem(ctx, "root")
	if err != nil {
		return nil, err
	}

	var files []*core.FileInfo
	queue := []string{root.ID}
	visited := make(map[string]struct{})

	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]
		if _, ok := visited[folderID]; ok {
			continue
		}
		visited[folderID] = struct{}{}

		children, err := c.ops.ListChildren(ctx, folderID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			info := child.ToFileInfo()
			if info.IsFolder {
				queue = append(queue, info.ID)
				continue
			}
			if info.IsShortcut() || info.Trashed {
				continue
			}
			if !msgraph.MatchesMimeFilters(info.MimeType, c.config.IncludeMimes, c.config.ExcludeMimes) {
				continue
			}
			files = append(files, info)
		}
	}
	return files, nil
}

func pageSlice(files []*core.FileInfo, pageToken string, maxFiles int) (*core.FileList, error) {
	offset := 0
	if pageToken != "" {
		var err error
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("malformed page token %q", pageToken)
		}
	}
	if offset >= len(files) {
		return &core.FileList{}, nil
	}
	end := offset + maxFiles
	next := ""
	if end < len(files) {
		next = strconv.Itoa(end)
	} else {
		end = len(files)
	}
	return &core.FileList{Files: files[offset:end], NextPageToken: next}, nil
}

// GetFileContent implements core.Connector.
func (c *Connector) GetFileContent(ctx context.Context, fileID string) (*core.Document, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.get_file_content",
		trace.WithAttributes(attribute.String("file.id", fileID)))
	defer span.End()

	if !c.authenticated {
		return nil, fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}

	item, err := c.ops.GetItem(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if item.Folder != nil {
		return nil, fmt.Errorf("id %s is a folder: %w", fileID, core.ErrNotFound)
	}

	content, err := c.ops.DownloadContent(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	perms, err := c.ops.Permissions(ctx, item.ID)
	if err != nil {
		c.logger.Warn("failed to list permissions for %s: %v", item.ID, err)
		perms = nil
	}

	owner := ""
	if item.CreatedBy != nil && item.CreatedBy.User != nil {
		owner = item.CreatedBy.User.Email
	}

	mimeType := ""
	if item.File != nil {
		mimeType = item.File.MimeType
	}

	doc := &core.Document{
		ID:           item.ID,
		Filename:     item.Name,
		MimeType:     mimeType,
		Content:      content,
		SourceURL:    item.WebURL,
		ACL:          msgraph.ACLFromPermissions(owner, perms),
		CreatedTime:  item.CreatedDateTime,
		ModifiedTime: item.LastModifiedDateTime,
		Metadata: map[string]string{
			"source":    string(core.ConnectorTypeSharePoint),
			"site_id":   c.config.SiteID,
			"mime_type": mimeType,
		},
	}

	span.SetAttributes(attribute.Int("content.size", len(content)))
	return doc, nil
}

// StartCursor obtains a fresh delta checkpoint representing "now".
func (c *Connector) StartCursor(ctx context.Context) (string, error) {
	if !c.authenticated {
		return "", fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	return c.ops.LatestDeltaLink(ctx)
}

// ReadChanges drains the site drive's delta feed from cursor.
func (c *Connector) ReadChanges(ctx context.Context, cursor string) ([]*core.FileInfo, string, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.read_changes")
	defer span.End()

	if !c.authenticated {
		return nil, "", fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	if cursor == "" {
		return nil, "", fmt.Errorf("change feed requires a cursor")
	}

	files, newCursor, err := msgraph.ReadDelta(ctx, c.ops, cursor, c.config.Scope, c.config.IncludeMimes, c.config.ExcludeMimes, c.logger)
	if err != nil {
		return nil, "", err
	}
	span.SetAttributes(attribute.Int("changes.relevant", len(files)))
	return files, newCursor, nil
}

// SetupSubscription registers a change-notification subscription for the
// site's document library root.
func (c *Connector) SetupSubscription(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.setup_subscription")
	defer span.End()

	if !c.authenticated {
		return "", fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}

	resource := fmt.Sprintf("/sites/%s/drive/root", c.config.SiteID)
	sub, err := msgraph.CreateSubscription(ctx, c.client, resource, c.config.WebhookAddress, c.config.ChannelTTL)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	c.subMu.Lock()
	c.subscription = sub
	c.subMu.Unlock()
	span.SetAttributes(attribute.String("subscription.id", sub.ID))
	return sub.ID, nil
}

// Channel returns the active subscription as a webhook channel record.
func (c *Connector) Channel() *core.WebhookChannel {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if c.subscription == nil {
		return nil
	}
	return &core.WebhookChannel{
		ChannelID:      c.subscription.ID,
		ResourceID:     c.subscription.Resource,
		Expiration:     c.subscription.ExpirationDateTime,
		WebhookAddress: c.subscription.NotificationURL,
	}
}

// RenewSubscription extends the active subscription's lifetime in place.
func (c *Connector) RenewSubscription(ctx context.Context) (*core.WebhookChannel, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.renew_subscription")
	defer span.End()

	c.subMu.RLock()
	subscriptionID := ""
	if c.subscription != nil {
		subscriptionID = c.subscription.ID
	}
	c.subMu.RUnlock()
	if subscriptionID == "" {
		return nil, core.ErrSubscriptionExpired
	}

	renewed, err := msgraph.RenewSubscription(ctx, c.client, subscriptionID, c.config.ChannelTTL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.subMu.Lock()
	if c.subscription != nil && c.subscription.ID == subscriptionID {
		c.subscription.ExpirationDateTime = renewed.ExpirationDateTime
	}
	c.subMu.Unlock()
	return c.Channel(), nil
}

// CleanupSubscription removes the subscription. Provider "not found" counts
// as success.
func (c *Connector) CleanupSubscription(ctx context.Context, channelID string) bool {
	ctx, span := c.tracer.Start(ctx, "sharepoint.cleanup_subscription",
		trace.WithAttributes(attribute.String("channel.id", channelID)))
	defer span.End()

	if channelID == "" {
		return false
	}
	ok := msgraph.DeleteSubscription(ctx, c.client, channelID)
	if ok {
		c.subMu.Lock()
		c.subscription = nil
		c.subMu.Unlock()
	}
	return ok
}

// HandleWebhook maps an inbound Graph notification to affected file ids.
func (c *Connector) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "sharepoint.handle_webhook")
	defer span.End()

	c.subMu.RLock()
	subscriptionID := ""
	clientState := ""
	expired := false
	if c.subscription != nil {
		subscriptionID = c.subscription.ID
		clientState = c.subscription.ClientState
		expired = c.subscription.ExpirationDateTime.Before(time.Now())
	}
	c.subMu.RUnlock()

	notifications, err := msgraph.ParseNotifications(payload, subscriptionID, clientState)
	if err != nil {
		return nil, err
	}
	if len(notifications) == 0 {
		return nil, nil
	}

	if subscriptionID != "" && expired {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, core.ErrSubscriptionExpired)
	}

	var ids []string
	seen := make(map[string]struct{})
	needDelta := false
	for _, n := range notifications {
		if n.ResourceData != nil && n.ResourceData.ID != "" {
			if _, ok := seen[n.ResourceData.ID]; !ok {
				seen[n.ResourceData.ID] = struct{}{}
				ids = append(ids, n.ResourceData.ID)
			}
			continue
		}
		needDelta = true
	}

	if needDelta && c.cursor != nil {
		cursor, err := c.cursor.CurrentCursor(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading change cursor: %w", err)
		}
		if cursor != "" {
			files, _, err := c.ReadChanges(ctx, cursor)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if _, ok := seen[f.ID]; !ok {
					seen[f.ID] = struct{}{}
					ids = append(ids, f.ID)
				}
			}
		}
	}

	span.SetAttributes(attribute.Int("affected_files", len(ids)))
	return ids, nil
}

// HandleWebhookValidation echoes the Graph handshake token synchronously.
func (c *Connector) HandleWebhookValidation(method string, headers http.Header, query url.Values) (string, bool) {
	return msgraph.ValidationChallenge(query)
}
