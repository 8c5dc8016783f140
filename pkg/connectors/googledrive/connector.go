// Package googledrive implements the Google Drive variant of the connector
// capability contract on top of the Drive v3 API.
package googledrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

const (
	mimeTypeFolder   = "application/vnd.google-apps.folder"
	mimeTypeShortcut = "application/vnd.google-apps.shortcut"

	fileFields   = "id, name, mimeType, size, createdTime, modifiedTime, trashed, webViewLink, shortcutDetails, owners(emailAddress), permissions(type, role, emailAddress, domain)"
	listFields   = "nextPageToken, files(id, name, mimeType, size, createdTime, modifiedTime, trashed, webViewLink, shortcutDetails)"
	changeFields = "nextPageToken, newStartPageToken, changes(fileId, removed, time, file(id, name, mimeType, size, createdTime, modifiedTime, trashed, webViewLink, shortcutDetails))"
)

// Config contains configuration for one Google Drive connection.
type Config struct {
	ConnectionID   string               `yaml:"connection_id"`
	Scope          *core.SelectiveScope `yaml:"scope"`
	IncludeMimes   []string             `yaml:"include_mime_types"`
	ExcludeMimes   []string             `yaml:"exclude_mime_types"`
	WebhookAddress string               `yaml:"webhook_address"`

	BatchSize         int           `yaml:"batch_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstLimit        int           `yaml:"burst_limit"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ChannelTTL        time.Duration `yaml:"channel_ttl"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:         100,
		RequestsPerSecond: 10.0,
		BurstLimit:        50,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		ChannelTTL:        3 * 24 * time.Hour,
	}
}

// Connector implements core.Connector for Google Drive.
type Connector struct {
	config  *Config
	creds   *credentials.Store
	service *drive.Service
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *logger.Logger

	// channel is the current webhook channel, set by SetupSubscription and
	// consulted when mapping inbound notifications. Renewal sweeps and
	// notification handlers run on separate goroutines.
	chanMu  sync.RWMutex
	channel *core.WebhookChannel
	// cursor yields the connection's current change cursor for webhook
	// triggered delta peeks and for anchoring new subscriptions.
	cursor CursorSource
}

// CursorSource yields the persisted change cursor of a connection.
type CursorSource interface {
	CurrentCursor(ctx context.Context) (string, error)
}

// New creates a Google Drive connector. The connector is unauthenticated
// until Authenticate succeeds.
func New(cfg *Config, creds *credentials.Store, cursor CursorSource, log *logger.Logger) *Connector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Connector{
		config:  cfg,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
		tracer:  otel.Tracer("googledrive-connector"),
		logger:  log.WithConnection(cfg.ConnectionID, string(core.ConnectorTypeGoogleDrive)),
		cursor:  cursor,
	}
}

// Type implements core.Connector.
func (c *Connector) Type() core.ConnectorType { return core.ConnectorTypeGoogleDrive }

// RestoreChannel reattaches a persisted webhook channel after restart.
func (c *Connector) RestoreChannel(ch *core.WebhookChannel) {
	c.chanMu.Lock()
	c.channel = ch
	c.chanMu.Unlock()
}

// Authenticate builds the Drive service from stored credentials and probes
// it. Returns false on any credential failure so the caller can trigger a
// re-authentication flow.
func (c *Connector) Authenticate(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "googledrive.authenticate")
	defer span.End()

	if c.creds == nil || !c.creds.HasCredentials() {
		span.SetAttributes(attribute.Bool("authenticated", false))
		return false
	}

	if c.service == nil {
		svc, err := drive.NewService(ctx, option.WithHTTPClient(c.creds.Client(ctx)))
		if err != nil {
			span.RecordError(err)
			return false
		}
		c.service = svc
	}

	if _, err := c.creds.Token(ctx); err != nil {
		span.RecordError(err)
		c.service = nil
		return false
	}

	if _, err := c.service.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		span.RecordError(err)
		c.logger.Warn("drive connection probe failed: %v", err)
		c.service = nil
		c.creds.Invalidate()
		return false
	}

	span.SetAttributes(attribute.Bool("authenticated", true))
	return true
}

// WithService injects a prebuilt Drive service. Used by tests and by the
// OAuth completion flow that already holds an authorized client.
func (c *Connector) WithService(svc *drive.Service) *Connector {
	c.service = svc
	return c
}

// ListFiles implements core.Connector. With a selective scope configured the
// scope is re-resolved and paged locally; without one the full drive listing
// is paged through the provider.
func (c *Connector) ListFiles(ctx context.Context, pageToken string, maxFiles int) (*core.FileList, error) {
	ctx, span := c.tracer.Start(ctx, "googledrive.list_files")
	defer span.End()

	if c.service == nil {
		return nil, fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	if maxFiles <= 0 {
		maxFiles = c.config.BatchSize
	}

	if !c.config.Scope.IsEmpty() {
		return c.listScoped(ctx, pageToken, maxFiles)
	}
	return c.listAll(ctx, pageToken, maxFiles)
}

// listScoped resolves the selective scope and slices one page out of the
// result. The offset page token keeps the contract uniform with provider
// paging even though resolution is local.
func (c *Connector) listScoped(ctx context.Context, pageToken string, maxFiles int) (*core.FileList, error) {
	resolver := NewScopeResolver(c.service, c.config.Scope, c.config.IncludeMimes, c.config.ExcludeMimes, c.limiter, c.logger)
	files, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	offset := 0
	if pageToken != "" {
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("malformed page token %q", pageToken)
		}
	}
	if offset >= len(files) {
		return &core.FileList{Files: nil}, nil
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

func (c *Connector) listAll(ctx context.Context, pageToken string, maxFiles int) (*core.FileList, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := c.service.Files.List().
		Q("trashed=false").
		Fields(listFields).
		PageSize(int64(maxFiles)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	list, err := c.executeList(ctx, call)
	if err != nil {
		return nil, err
	}

	out := &core.FileList{NextPageToken: list.NextPageToken}
	for _, f := range list.Files {
		info := toFileInfo(f)
		// Shortcut entries are not downloadable; their targets appear in the
		// listing under their own ids.
		if info.IsFolder || info.IsShortcut() {
			continue
		}
		if !matchesMimeFilters(info.MimeType, c.config.IncludeMimes, c.config.ExcludeMimes) {
			continue
		}
		out.Files = append(out.Files, info)
	}
	return out, nil
}

func (c *Connector) executeList(ctx context.Context, call *drive.FilesListCall) (*drive.FileList, error) {
	var list *drive.FileList
	err := c.withRetry(ctx, func() error {
		var err error
		list, err = call.Do()
		return err
	})
	return list, err
}

// GetFileContent implements core.Connector. Folders are never directly
// downloadable; they must have been expanded upstream.
func (c *Connector) GetFileContent(ctx context.Context, fileID string) (*core.Document, error) {
	ctx, span := c.tracer.Start(ctx, "googledrive.get_file_content",
		trace.WithAttributes(attribute.String("file.id", fileID)))
	defer span.End()

	if c.service == nil {
		return nil, fmt.Errorf("connector not authenticated: %w", core.ErrAuthExpired)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var file *drive.File
	err := c.withRetry(ctx, func() error {
		var err error
		file, err = c.service.Files.Get(fileID).Fields(fileFields).SupportsAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if file.MimeType == mimeTypeFolder {
		return nil, fmt.Errorf("id %s is a folder: %w", fileID, core.ErrNotFound)
	}
	if file.MimeType == mimeTypeShortcut {
		return nil, fmt.Errorf("id %s is an unresolved shortcut: %w", fileID, core.ErrNotFound)
	}

	content, mimeType, err := c.downloadContent(ctx, file)
	if err != nil {
		return nil, err
	}

	doc := &core.Document{
		ID:           file.Id,
		Filename:     file.Name,
		MimeType:     mimeType,
		Content:      content,
		SourceURL:    file.WebViewLink,
		ACL:          aclFromPermissions(file),
		CreatedTime:  parseDriveTime(file.CreatedTime),
		ModifiedTime: parseDriveTime(file.ModifiedTime),
		Metadata: map[string]string{
			"source":    string(core.ConnectorTypeGoogleDrive),
			"mime_type": file.MimeType,
		},
	}

	span.SetAttributes(attribute.Int("content.size", len(content)))
	return doc, nil
}

// exportMimeTypes maps Google-native formats to their export targets.
// Native documents cannot be downloaded raw.
var exportMimeTypes = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "application/pdf",
}

func (c *Connector) downloadContent(ctx context.Context, file *drive.File) ([]byte, string, error) {
	var resp *http.Response
	exportMime, native := exportMimeTypes[file.MimeType]

	err := c.withRetry(ctx, func() error {
		var err error
		if native {
			resp, err = c.service.Files.Export(file.Id, exportMime).Context(ctx).Download()
		} else {
			resp, err = c.service.Files.Get(file.Id).SupportsAllDrives(true).Context(ctx).Download()
		}
		return err
	})
	if err != nil {
		return nil, "", classifyError(err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", core.Transient(fmt.Errorf("reading file %s: %w", file.Id, err))
	}

	mimeType := file.MimeType
	if native {
		mimeType = exportMime
	}
	return content, mimeType, nil
}

func aclFromPermissions(file *drive.File) *core.ACL {
	var owner string
	if len(file.Owners) > 0 {
		owner = file.Owners[0].EmailAddress
	}

	var users, groups []string
	for _, p := range file.Permissions {
		switch p.Type {
		case "user":
			users = append(users, p.EmailAddress)
		case "group":
			groups = append(groups, p.EmailAddress)
		case "domain":
			if p.Domain != "" {
				groups = append(groups, "domain:"+p.Domain)
			}
		}
	}
	return core.NewACL(owner, users, groups)
}

func (c *Connector) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = classifyError(err)
		if !core.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// classifyError maps Drive API failures onto the shared taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("drive: %s: %w", apiErr.Message, core.ErrAuthExpired)
		case http.StatusNotFound:
			return fmt.Errorf("drive: %s: %w", apiErr.Message, core.ErrNotFound)
		case http.StatusForbidden, http.StatusTooManyRequests:
			for _, e := range apiErr.Errors {
				if e.Reason == "storageQuotaExceeded" || e.Reason == "quotaExceeded" {
					return fmt.Errorf("drive: %s: %w", apiErr.Message, core.ErrQuotaExceeded)
				}
			}
			if apiErr.Code == http.StatusTooManyRequests {
				return fmt.Errorf("drive: %s: %w", apiErr.Message, core.ErrRateLimited)
			}
			// 403 without a quota reason usually means rate limiting.
			if strings.Contains(strings.ToLower(apiErr.Message), "rate") {
				return fmt.Errorf("drive: %s: %w", apiErr.Message, core.ErrRateLimited)
			}
			return fmt.Errorf("drive: %w", err)
		}
		if apiErr.Code >= 500 {
			return core.Transient(err)
		}
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return core.Transient(err)
	}
	return err
}

func parseDriveTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, value)
	return t
}

func toFileInfo(f *drive.File) *core.FileInfo {
	info := &core.FileInfo{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		IsFolder:     f.MimeType == mimeTypeFolder,
		Trashed:      f.Trashed,
		WebViewLink:  f.WebViewLink,
		CreatedTime:  parseDriveTime(f.CreatedTime),
		ModifiedTime: parseDriveTime(f.ModifiedTime),
	}
	if f.ShortcutDetails != nil {
		info.ShortcutTargetID = f.ShortcutDetails.TargetId
	}
	return info
}

func matchesMimeFilters(mimeType string, include, exclude []string) bool {
	if len(include) > 0 {
		matched := false
		for _, m := range include {
			if mimeType == m {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, m := range exclude {
		if mimeType == m {
			return false
		}
	}
	return true
}
