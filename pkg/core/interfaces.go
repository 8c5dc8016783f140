package core

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// ConnectorType identifies a supported storage provider.
type ConnectorType string

const (
	ConnectorTypeGoogleDrive ConnectorType = "googledrive"
	ConnectorTypeOneDrive    ConnectorType = "onedrive"
	ConnectorTypeSharePoint  ConnectorType = "sharepoint"
)

// ValidConnectorTypes returns the closed set of supported connector types.
func ValidConnectorTypes() []ConnectorType {
	return []ConnectorType{
		ConnectorTypeGoogleDrive,
		ConnectorTypeOneDrive,
		ConnectorTypeSharePoint,
	}
}

// IsValid reports whether the connector type is one of the supported variants.
func (t ConnectorType) IsValid() bool {
	switch t {
	case ConnectorTypeGoogleDrive, ConnectorTypeOneDrive, ConnectorTypeSharePoint:
		return true
	}
	return false
}

// Connector is the capability contract every storage-provider integration
// implements. Instances are bound to exactly one connection and are rebuilt
// from the persisted connection record at process start.
type Connector interface {
	// Type returns the provider variant this connector implements.
	Type() ConnectorType

	// Authenticate loads or refreshes credentials and establishes a live
	// provider handle. It returns false (never an error) when credentials are
	// missing or invalid so callers can surface a re-authentication flow.
	Authenticate(ctx context.Context) bool

	// ListFiles returns one page of in-scope files. When a selective scope is
	// configured the listing is delegated to scope resolution; folders are
	// never part of the returned set.
	ListFiles(ctx context.Context, pageToken string, maxFiles int) (*FileList, error)

	// GetFileContent downloads a single file and produces a normalized
	// document. It fails with ErrNotFound when the id resolves to a folder or
	// the provider reports the file missing.
	GetFileContent(ctx context.Context, fileID string) (*Document, error)

	// SetupSubscription registers a push-notification channel with the
	// provider and returns the provider-chosen channel id.
	SetupSubscription(ctx context.Context) (string, error)

	// CleanupSubscription tears down a channel. It returns true when the
	// channel is gone, including when the provider reports it as already
	// removed or expired.
	CleanupSubscription(ctx context.Context, channelID string) bool

	// HandleWebhook maps an inbound notification payload to the set of
	// affected file ids. Notifications never carry file content.
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) ([]string, error)

	// HandleWebhookValidation returns the provider-supplied challenge value
	// for subscription-creation handshakes. ok is false when the request is a
	// regular notification.
	HandleWebhookValidation(method string, headers http.Header, query url.Values) (challenge string, ok bool)
}

// ChangeFeed is the incremental-sync capability. Every shipped connector
// implements it; callers type-assert so the base contract stays minimal.
type ChangeFeed interface {
	// StartCursor obtains a fresh checkpoint representing "now". Files that
	// existed before the cursor was minted never appear in reads from it.
	StartCursor(ctx context.Context) (string, error)

	// ReadChanges drains the feed from cursor and returns the relevant
	// changed files together with the next checkpoint. The caller owns
	// committing the cursor; ReadChanges never persists it.
	ReadChanges(ctx context.Context, cursor string) ([]*FileInfo, string, error)
}

// ChannelKeeper exposes and restores a connector's webhook channel state.
type ChannelKeeper interface {
	Channel() *WebhookChannel
	RestoreChannel(*WebhookChannel)
}

// ChannelRenewer extends a subscription in place. Providers without in-place
// renewal recreate channels through CleanupSubscription and SetupSubscription
// instead.
type ChannelRenewer interface {
	RenewSubscription(ctx context.Context) (*WebhookChannel, error)
}

// FileInfo describes one remote file or folder as reported by a provider.
type FileInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	MimeType         string    `json:"mime_type"`
	Size             int64     `json:"size"`
	IsFolder         bool      `json:"is_folder"`
	ShortcutTargetID string    `json:"shortcut_target_id,omitempty"`
	Trashed          bool      `json:"trashed"`
	WebViewLink      string    `json:"web_view_link,omitempty"`
	CreatedTime      time.Time `json:"created_time"`
	ModifiedTime     time.Time `json:"modified_time"`
}

// IsShortcut reports whether the entry is a link object pointing at another
// file or folder.
func (f *FileInfo) IsShortcut() bool {
	return f.ShortcutTargetID != ""
}

// FileList is one page of a file listing.
type FileList struct {
	Files         []*FileInfo `json:"files"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

// SelectiveScope is the user-declared boundary of what a connection syncs.
// Folder contents are re-resolved at sync time, never persisted expanded.
type SelectiveScope struct {
	FileIDs   []string `json:"file_ids,omitempty" yaml:"file_ids"`
	FolderIDs []string `json:"folder_ids,omitempty" yaml:"folder_ids"`
	Recursive bool     `json:"recursive" yaml:"recursive"`
}

// IsEmpty reports whether no explicit files or folders are configured. An
// empty scope resolves to an empty file set, not to "everything".
func (s *SelectiveScope) IsEmpty() bool {
	return s == nil || (len(s.FileIDs) == 0 && len(s.FolderIDs) == 0)
}

// Contains reports whether the id is named by the scope, either directly or
// as a configured folder. An empty scope contains everything.
func (s *SelectiveScope) Contains(id string) bool {
	if s.IsEmpty() {
		return true
	}
	for _, fid := range s.FileIDs {
		if fid == id {
			return true
		}
	}
	for _, fid := range s.FolderIDs {
		if fid == id {
			return true
		}
	}
	return false
}

// ChangeItem is one entry from a provider change feed.
type ChangeItem struct {
	FileID  string    `json:"file_id"`
	File    *FileInfo `json:"file,omitempty"`
	Removed bool      `json:"removed"`
	Time    time.Time `json:"time"`
}

// ChangePage is one page of a change feed read.
type ChangePage struct {
	Changes []*ChangeItem `json:"changes"`
	// NextPageToken continues the current feed read when non-empty.
	NextPageToken string `json:"next_page_token,omitempty"`
	// NewCursor is the checkpoint issued once the feed is drained. It is only
	// set on the final page of a read.
	NewCursor string `json:"new_cursor,omitempty"`
}

// WebhookChannel records a provider push-notification subscription.
type WebhookChannel struct {
	ChannelID      string    `json:"channel_id"`
	ResourceID     string    `json:"resource_id"`
	Expiration     time.Time `json:"expiration"`
	WebhookAddress string    `json:"webhook_address"`
}

// Expired reports whether the channel is past its provider-bounded lifetime.
func (c *WebhookChannel) Expired(now time.Time) bool {
	return !c.Expiration.IsZero() && c.Expiration.Before(now)
}
