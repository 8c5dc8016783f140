package googledrive

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// ScopeResolver expands a selective scope into the current set of concrete
// files: explicit files, folder contents (breadth-first, optionally
// recursive) and resolved shortcut targets. A resolver is scoped to one sync
// pass; its shortcut cache must not outlive the pass.
type ScopeResolver struct {
	service *drive.Service
	scope   *core.SelectiveScope
	include []string
	exclude []string
	limiter *rate.Limiter
	logger  *logger.Logger

	// shortcutCache maps shortcut target ids to their resolved metadata for
	// the duration of one pass.
	shortcutCache map[string]*core.FileInfo
}

// NewScopeResolver creates a resolver for one sync pass.
func NewScopeResolver(service *drive.Service, scope *core.SelectiveScope, include, exclude []string, limiter *rate.Limiter, log *logger.Logger) *ScopeResolver {
	return &ScopeResolver{
		service:       service,
		scope:         scope,
		include:       include,
		exclude:       exclude,
		limiter:       limiter,
		logger:        log,
		shortcutCache: make(map[string]*core.FileInfo),
	}
}

// Resolve expands the scope against current remote state. An empty scope
// yields an empty result, never a full-drive listing. Folders are excluded
// from the emitted set unconditionally.
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
		if !matchesMimeFilters(info.MimeType, r.include, r.exclude) {
			return
		}
		out = append(out, info)
	}

	for _, fileID := range r.scope.FileIDs {
		info, err := r.fetchMetadata(ctx, fileID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				r.logger.Warn("scoped file %s no longer exists, skipping", fileID)
				continue
			}
			return nil, err
		}
		info, err = r.resolveShortcut(ctx, info)
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		// An explicit file id that turns out to be a folder is expanded, not
		// emitted.
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

		children, err := r.listChildren(ctx, folderID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				r.logger.Warn("scoped folder %s no longer exists, skipping", folderID)
				continue
			}
			return nil, err
		}

		for _, child := range children {
			child, err = r.resolveShortcut(ctx, child)
			if err != nil {
				return nil, err
			}
			if child == nil {
				continue
			}
			if child.IsFolder {
				if r.scope.Recursive {
					folderQueue = append(folderQueue, child.ID)
				}
				continue
			}
			emit(child)
		}
	}

	return out, nil
}

// resolveShortcut replaces a shortcut entry with its target's metadata,
// consulting the per-pass cache first. A shortcut whose target is gone
// resolves to nil.
func (r *ScopeResolver) resolveShortcut(ctx context.Context, info *core.FileInfo) (*core.FileInfo, error) {
	if !info.IsShortcut() {
		return info, nil
	}

	targetID := info.ShortcutTargetID
	if cached, ok := r.shortcutCache[targetID]; ok {
		return cached, nil
	}

	target, err := r.fetchMetadata(ctx, targetID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("shortcut %s points at missing target %s, skipping", info.ID, targetID)
			r.shortcutCache[targetID] = nil
			return nil, nil
		}
		return nil, err
	}
	r.shortcutCache[targetID] = target
	return target, nil
}

func (r *ScopeResolver) fetchMetadata(ctx context.Context, fileID string) (*core.FileInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	file, err := r.service.Files.Get(fileID).Fields(listScopeFields).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return toFileInfo(file), nil
}

const listScopeFields = "id, name, mimeType, size, createdTime, modifiedTime, trashed, webViewLink, shortcutDetails"

func (r *ScopeResolver) listChildren(ctx context.Context, folderID string) ([]*core.FileInfo, error) {
	var children []*core.FileInfo
	pageToken := ""
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		call := r.service.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed=false", folderID)).
			Fields(listFields).
			PageSize(1000).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, classifyError(err)
		}
		for _, f := range list.Files {
			children = append(children, toFileInfo(f))
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return children, nil
}
