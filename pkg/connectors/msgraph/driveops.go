package msgraph

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// DriveOps exposes the drive-item operations both Graph-backed variants
// need, parameterized by the drive path ("/me/drive" for OneDrive,
// "/sites/{site-id}/drive" for SharePoint).
type DriveOps struct {
	client    *Client
	drivePath string
}

// NewDriveOps creates drive operations rooted at drivePath.
func NewDriveOps(client *Client, drivePath string) *DriveOps {
	return &DriveOps{client: client, drivePath: drivePath}
}

// DrivePath returns the root path of this drive.
func (d *DriveOps) DrivePath() string { return d.drivePath }

// GetItem fetches one item's metadata.
func (d *DriveOps) GetItem(ctx context.Context, itemID string) (*DriveItem, error) {
	var item DriveItem
	if err := d.client.GetJSON(ctx, fmt.Sprintf("%s/items/%s", d.drivePath, url.PathEscape(itemID)), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListChildren fetches the immediate children of a folder, following
// continuation links.
func (d *DriveOps) ListChildren(ctx context.Context, folderID string) ([]*DriveItem, error) {
	var children []*DriveItem
	next := fmt.Sprintf("%s/items/%s/children", d.drivePath, url.PathEscape(folderID))
	for next != "" {
		var page ItemCollection
		if err := d.client.GetJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		children = append(children, page.Value...)
		next = page.NextLink
	}
	return children, nil
}

// DownloadContent fetches an item's raw bytes.
func (d *DriveOps) DownloadContent(ctx context.Context, itemID string) ([]byte, error) {
	return d.client.Download(ctx, fmt.Sprintf("%s/items/%s/content", d.drivePath, url.PathEscape(itemID)))
}

// Permissions fetches an item's permission list.
func (d *DriveOps) Permissions(ctx context.Context, itemID string) (*PermissionCollection, error) {
	var perms PermissionCollection
	if err := d.client.GetJSON(ctx, fmt.Sprintf("%s/items/%s/permissions", d.drivePath, url.PathEscape(itemID)), &perms); err != nil {
		return nil, err
	}
	return &perms, nil
}

// DeltaPage reads one page of the drive's delta feed. An empty link starts a
// new read from the beginning of the drive; continuation and delta links are
// absolute URLs and are followed as issued.
func (d *DriveOps) DeltaPage(ctx context.Context, link string) (*ItemCollection, error) {
	path := link
	if path == "" {
		path = fmt.Sprintf("%s/root/delta", d.drivePath)
	}
	var page ItemCollection
	if err := d.client.GetJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// LatestDeltaLink obtains a checkpoint representing "now" without
// enumerating the drive, used to anchor new connections and subscriptions.
func (d *DriveOps) LatestDeltaLink(ctx context.Context) (string, error) {
	var page ItemCollection
	if err := d.client.GetJSON(ctx, fmt.Sprintf("%s/root/delta?token=latest", d.drivePath), &page); err != nil {
		return "", err
	}
	if page.DeltaLink == "" {
		return "", fmt.Errorf("delta feed returned no checkpoint")
	}
	return page.DeltaLink, nil
}

// ScopeResolver expands a selective scope against a Graph drive. Scoped to
// one sync pass; the shortcut cache is discarded with it.
type ScopeResolver struct {
	ops     *DriveOps
	scope   *core.SelectiveScope
	include []string
	exclude []string
	logger  *logger.Logger

	shortcutCache map[string]*core.FileInfo
}

// NewScopeResolver creates a resolver for one sync pass.
func NewScopeResolver(ops *DriveOps, scope *core.SelectiveScope, include, exclude []string, log *logger.Logger) *ScopeResolver {
	return &ScopeResolver{
		ops:           ops,
		scope:         scope,
		include:       include,
		exclude:       exclude,
		logger:        log,
		shortcutCache: make(map[string]*core.FileInfo),
	}
}

// Resolve expands the scope into its current concrete file set. An empty
// scope yields an empty result; folders are never emitted.
func (r *ScopeResolver) Resolve(ctx context.Context) ([]*core.FileInfo, error) {
	if r.scope.IsEmpty() {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var out []*core.FileInfo
	var folderQueue []string

	emit := func(info *core.FileInfo) {
		if _, ok := seen[info.ID]; ok {
			return
		}
		seen[info.ID] = struct{}{}
		if info.Trashed {
			return
		}
		if !MatchesMimeFilters(info.MimeType, r.include, r.exclude) {
			return
		}
		out = append(out, info)
	}

	for _, fileID := range r.scope.FileIDs {
		item, err := r.ops.GetItem(ctx, fileID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				r.logger.Warn("scoped item %s no longer exists, skipping", fileID)
				continue
			}
			return nil, err
		}
		info, err := r.ResolveShortcut(ctx, item.ToFileInfo())
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		if info.IsFolder {
			folderQueue = append(folderQueue, info.ID)
			continue
		}
		emit(info)
	}

	folderQueue = append(folderQueue, r.scope.FolderIDs...)

	visited := make(map[string]struct{})
	for len(folderQueue) > 0 {
		folderID := folderQueue[0]
		folderQueue = folderQueue[1:]
		if _, ok := visited[folderID]; ok {
			continue
		}
		visited[folderID] = struct{}{}

		children, err := r.ops.ListChildren(ctx, folderID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				r.logger.Warn("scoped folder %s no longer exists, skipping", folderID)
				continue
			}
			return nil, err
		}

		for _, child := range children {
			info, err := r.ResolveShortcut(ctx, child.ToFileInfo())
			if err != nil {
				return nil, err
			}
			if info == nil {
				continue
			}
			if info.IsFolder {
				if r.scope.Recursive {
					folderQueue = append(folderQueue, info.ID)
				}
				continue
			}
			emit(info)
		}
	}

	return out, nil
}

// ResolveShortcut replaces a remote-item link with its target's metadata,
// using the per-pass cache.
func (r *ScopeResolver) ResolveShortcut(ctx context.Context, info *core.FileInfo) (*core.FileInfo, error) {
	if !info.IsShortcut() {
		return info, nil
	}

	targetID := info.ShortcutTargetID
	if cached, ok := r.shortcutCache[targetID]; ok {
		return cached, nil
	}

	target, err := r.ops.GetItem(ctx, targetID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("link %s points at missing target %s, skipping", info.ID, targetID)
			r.shortcutCache[targetID] = nil
			return nil, nil
		}
		return nil, err
	}
	resolved := target.ToFileInfo()
	r.shortcutCache[targetID] = resolved
	return resolved, nil
}

// MatchesMimeFilters applies the include filter then the exclude filter.
func MatchesMimeFilters(mimeType string, include, exclude []string) bool {
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

// ReadDelta drains the delta feed from cursor, consuming continuation pages
// in order, and returns the in-scope changed files plus the new checkpoint
// link. Deleted items are dropped, not forwarded. The caller commits the
// cursor after downstream processing succeeds.
func ReadDelta(ctx context.Context, ops *DriveOps, cursor string, scope *core.SelectiveScope, include, exclude []string, log *logger.Logger) ([]*core.FileInfo, string, error) {
	resolver := NewScopeResolver(ops, scope, include, exclude, log)

	var scopeIDs map[string]struct{}
	if !scope.IsEmpty() {
		scoped, err := resolver.Resolve(ctx)
		if err != nil {
			return nil, "", err
		}
		scopeIDs = make(map[string]struct{}, len(scoped))
		for _, f := range scoped {
			scopeIDs[f.ID] = struct{}{}
		}
	}

	var files []*core.FileInfo
	seen := make(map[string]struct{})
	link := cursor
	newCursor := ""

	for {
		page, err := ops.DeltaPage(ctx, link)
		if err != nil {
			return nil, "", err
		}

		for _, item := range page.Value {
			if item.Deleted != nil {
				continue
			}
			info, err := resolver.ResolveShortcut(ctx, item.ToFileInfo())
			if err != nil {
				return nil, "", err
			}
			if info == nil || info.IsFolder || info.Trashed {
				continue
			}
			if scopeIDs != nil {
				_, direct := scopeIDs[item.ID]
				_, resolved := scopeIDs[info.ID]
				if !direct && !resolved {
					continue
				}
			}
			if !MatchesMimeFilters(info.MimeType, include, exclude) {
				continue
			}
			if _, ok := seen[info.ID]; ok {
				continue
			}
			seen[info.ID] = struct{}{}
			files = append(files, info)
		}

		if page.DeltaLink != "" {
			newCursor = page.DeltaLink
			break
		}
		if page.NextLink == "" {
			return nil, "", fmt.Errorf("delta feed ended without a new checkpoint")
		}
		link = page.NextLink
	}

	return files, newCursor, nil
}
