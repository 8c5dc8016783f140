package googledrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
}

// staticCursor is a CursorSource returning a fixed value.
type staticCursor string

func (s staticCursor) CurrentCursor(context.Context) (string, error) { return string(s), nil }

// fakeDrive serves the slice of the Drive v3 API the connector touches.
type fakeDrive struct {
	files    map[string]*drive.File
	children map[string][]*drive.File
	changes  map[string]*drive.ChangeList
	start    string
	watch    *drive.Channel
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		files:    make(map[string]*drive.File),
		children: make(map[string][]*drive.File),
		changes:  make(map[string]*drive.ChangeList),
		start:    "start-100",
	}
}

func (f *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/changes/startPageToken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &drive.StartPageToken{StartPageToken: f.start})
	})
	mux.HandleFunc("/changes/watch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, f.watch)
	})
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		page, ok := f.changes[r.URL.Query().Get("pageToken")]
		if !ok {
			writeAPIError(w, http.StatusBadRequest, "invalidPageToken", "bad token")
			return
		}
		writeJSON(w, page)
	})
	mux.HandleFunc("/channels/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		file, ok := f.files[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound", "file not found")
			return
		}
		writeJSON(w, file)
	})
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if open := strings.Index(q, "'"); open >= 0 {
			rest := q[open+1:]
			folderID := rest[:strings.Index(rest, "'")]
			writeJSON(w, &drive.FileList{Files: f.children[folderID]})
			return
		}
		var all []*drive.File
		for _, file := range f.files {
			if !file.Trashed {
				all = append(all, file)
			}
		}
		writeJSON(w, &drive.FileList{Files: all})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s","errors":[{"reason":"%s"}]}}`, status, message, reason)
}

func newTestConnector(t *testing.T, cfg *Config, cursor CursorSource) (*fakeDrive, *Connector) {
	t.Helper()
	fake := newFakeDrive()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication())
	require.NoError(t, err)

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ConnectionID = "conn-1"
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 0
	cfg.RequestsPerSecond = 1000
	cfg.BurstLimit = 1000

	return fake, New(cfg, nil, cursor, testLogger()).WithService(svc)
}

func driveFile(id, name, mime string) *drive.File {
	return &drive.File{Id: id, Name: name, MimeType: mime}
}

func driveFolder(id, name string) *drive.File {
	return &drive.File{Id: id, Name: name, MimeType: mimeTypeFolder}
}

func driveShortcut(id, name, targetID string) *drive.File {
	return &drive.File{
		Id: id, Name: name, MimeType: mimeTypeShortcut,
		ShortcutDetails: &drive.FileShortcutDetails{TargetId: targetID},
	}
}

func TestScopeResolverExpandsFoldersAndFiles(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{
			FileIDs:   []string{"file-a"},
			FolderIDs: []string{"folder-b"},
			Recursive: true,
		},
	}, nil)
	fake.files["file-a"] = driveFile("file-a", "a.pdf", "application/pdf")
	fake.children["folder-b"] = []*drive.File{
		driveFile("file-c", "c.txt", "text/plain"),
		driveFolder("folder-d", "nested"),
	}
	fake.children["folder-d"] = []*drive.File{
		driveFile("file-e", "e.pdf", "application/pdf"),
	}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"file-a", "file-c", "file-e"}, fileIDs(list.Files))
	assert.Empty(t, list.NextPageToken)
}

func TestScopeResolverNonRecursive(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FolderIDs: []string{"folder-b"}},
	}, nil)
	fake.children["folder-b"] = []*drive.File{
		driveFile("file-c", "c.pdf", "application/pdf"),
		driveFolder("folder-d", "nested"),
	}
	fake.children["folder-d"] = []*drive.File{
		driveFile("file-e", "e.pdf", "application/pdf"),
	}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-c"}, fileIDs(list.Files))
}

func TestScopeResolverResolvesShortcuts(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FolderIDs: []string{"folder-b"}},
	}, nil)
	fake.files["target-1"] = driveFile("target-1", "shared.pdf", "application/pdf")
	fake.children["folder-b"] = []*drive.File{
		driveShortcut("link-1", "shared.pdf", "target-1"),
		driveShortcut("link-2", "dangling.pdf", "missing"),
	}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	// The live shortcut resolves to its target; the dangling one is dropped.
	assert.Equal(t, []string{"target-1"}, fileIDs(list.Files))
}

func TestScopeResolverExpandsShortcutToFolder(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FileIDs: []string{"link-1"}},
	}, nil)
	fake.files["link-1"] = driveShortcut("link-1", "team docs", "target-folder")
	fake.files["target-folder"] = driveFolder("target-folder", "team docs")
	fake.children["target-folder"] = []*drive.File{
		driveFile("doc-1", "1.pdf", "application/pdf"),
		driveFile("doc-2", "2.pdf", "application/pdf"),
	}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	// A shortcut to a folder is expanded to the folder's children, never
	// emitted as a leaf file.
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, fileIDs(list.Files))
}

func TestScopeResolverSkipsVanishedScopeEntries(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FileIDs: []string{"gone", "file-a"}},
	}, nil)
	fake.files["file-a"] = driveFile("file-a", "a.pdf", "application/pdf")

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-a"}, fileIDs(list.Files))
}

func TestScopeResolverDeduplicates(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{
			FileIDs:   []string{"file-x"},
			FolderIDs: []string{"folder-a", "folder-b"},
		},
	}, nil)
	shared := driveFile("file-x", "x.pdf", "application/pdf")
	fake.files["file-x"] = shared
	fake.children["folder-a"] = []*drive.File{shared}
	fake.children["folder-b"] = []*drive.File{shared}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-x"}, fileIDs(list.Files))
}

func TestUnscopedListingSkipsShortcutsAndFolders(t *testing.T) {
	fake, conn := newTestConnector(t, nil, nil)
	fake.files["file-a"] = driveFile("file-a", "a.pdf", "application/pdf")
	fake.files["folder-b"] = driveFolder("folder-b", "b")
	fake.files["link-1"] = driveShortcut("link-1", "shared.pdf", "target-1")

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-a"}, fileIDs(list.Files))
}

func TestScopedListingPagesLocally(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FolderIDs: []string{"folder-a"}},
	}, nil)
	fake.children["folder-a"] = []*drive.File{
		driveFile("file-1", "1.pdf", "application/pdf"),
		driveFile("file-2", "2.pdf", "application/pdf"),
		driveFile("file-3", "3.pdf", "application/pdf"),
	}

	page1, err := conn.ListFiles(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Files, 2)
	require.Equal(t, "2", page1.NextPageToken)

	page2, err := conn.ListFiles(context.Background(), page1.NextPageToken, 2)
	require.NoError(t, err)
	require.Len(t, page2.Files, 1)
	assert.Empty(t, page2.NextPageToken)
	assert.Equal(t, "file-3", page2.Files[0].ID)
}

func TestScopedListingRejectsMalformedPageToken(t *testing.T) {
	_, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FolderIDs: []string{"folder-a"}},
	}, nil)

	_, err := conn.ListFiles(context.Background(), "not-a-number", 10)
	assert.Error(t, err)
}

func TestMimeFiltersOnScopedListing(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope:        &core.SelectiveScope{FolderIDs: []string{"folder-a"}},
		IncludeMimes: []string{"application/pdf"},
	}, nil)
	fake.children["folder-a"] = []*drive.File{
		driveFile("file-1", "1.pdf", "application/pdf"),
		driveFile("file-2", "2.png", "image/png"),
	}

	list, err := conn.ListFiles(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1"}, fileIDs(list.Files))
}

func TestStartCursor(t *testing.T) {
	fake, conn := newTestConnector(t, nil, nil)
	fake.start = "cursor-42"

	cursor, err := conn.StartCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cursor-42", cursor)
}

func TestReadChangesDrainsFeed(t *testing.T) {
	fake, conn := newTestConnector(t, nil, nil)
	fake.changes["cursor-1"] = &drive.ChangeList{
		NextPageToken: "cursor-1b",
		Changes: []*drive.Change{
			{FileId: "file-1", File: driveFile("file-1", "a.pdf", "application/pdf")},
			{FileId: "folder-x", File: driveFolder("folder-x", "ignored")},
		},
	}
	fake.changes["cursor-1b"] = &drive.ChangeList{
		NewStartPageToken: "cursor-2",
		Changes: []*drive.Change{
			{FileId: "file-2", File: driveFile("file-2", "b.pdf", "application/pdf")},
			{FileId: "file-3", Removed: true},
			{FileId: "file-4", File: &drive.File{Id: "file-4", Name: "t.pdf", MimeType: "application/pdf", Trashed: true}},
			{FileId: "file-1", File: driveFile("file-1", "a.pdf", "application/pdf")},
		},
	}

	files, cursor, err := conn.ReadChanges(context.Background(), "cursor-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"file-1", "file-2"}, fileIDs(files))
	assert.Equal(t, "cursor-2", cursor)
}

func TestReadChangesRequiresCursor(t *testing.T) {
	_, conn := newTestConnector(t, nil, nil)
	_, _, err := conn.ReadChanges(context.Background(), "")
	assert.Error(t, err)
}

func TestReadChangesFiltersToScope(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		Scope: &core.SelectiveScope{FileIDs: []string{"file-1"}},
	}, nil)
	fake.files["file-1"] = driveFile("file-1", "a.pdf", "application/pdf")
	fake.changes["cursor-1"] = &drive.ChangeList{
		NewStartPageToken: "cursor-2",
		Changes: []*drive.Change{
			{FileId: "file-1", File: driveFile("file-1", "a.pdf", "application/pdf")},
			{FileId: "file-2", File: driveFile("file-2", "outside.pdf", "application/pdf")},
		},
	}

	files, _, err := conn.ReadChanges(context.Background(), "cursor-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1"}, fileIDs(files))
}

func TestSetupSubscription(t *testing.T) {
	fake, conn := newTestConnector(t, &Config{
		WebhookAddress: "https://example.com/webhooks/googledrive",
		ChannelTTL:     time.Hour,
	}, staticCursor("cursor-1"))
	fake.watch = &drive.Channel{
		Id:         "chan-1",
		ResourceId: "res-1",
		Expiration: time.Now().Add(time.Hour).UnixMilli(),
	}

	channelID, err := conn.SetupSubscription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chan-1", channelID)

	ch := conn.Channel()
	require.NotNil(t, ch)
	assert.Equal(t, "chan-1", ch.ChannelID)
	assert.Equal(t, "res-1", ch.ResourceID)
	assert.False(t, ch.Expired(time.Now()))
}

func TestHandleWebhookSyncMessage(t *testing.T) {
	_, conn := newTestConnector(t, nil, staticCursor("cursor-1"))

	headers := http.Header{}
	headers.Set(headerResourceState, resourceStateSync)
	ids, err := conn.HandleWebhook(context.Background(), nil, headers)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleWebhookUnknownChannel(t *testing.T) {
	_, conn := newTestConnector(t, nil, staticCursor("cursor-1"))
	conn.RestoreChannel(&core.WebhookChannel{ChannelID: "chan-1"})

	headers := http.Header{}
	headers.Set(headerChannelID, "other-channel")
	_, err := conn.HandleWebhook(context.Background(), nil, headers)
	assert.Error(t, err)
}

func TestHandleWebhookExpiredChannel(t *testing.T) {
	_, conn := newTestConnector(t, nil, staticCursor("cursor-1"))
	conn.RestoreChannel(&core.WebhookChannel{
		ChannelID:  "chan-1",
		Expiration: time.Now().Add(-time.Hour),
	})

	headers := http.Header{}
	headers.Set(headerChannelID, "chan-1")
	_, err := conn.HandleWebhook(context.Background(), nil, headers)
	assert.ErrorIs(t, err, core.ErrSubscriptionExpired)
}

func TestHandleWebhookPeeksChangeFeed(t *testing.T) {
	fake, conn := newTestConnector(t, nil, staticCursor("cursor-1"))
	conn.RestoreChannel(&core.WebhookChannel{
		ChannelID:  "chan-1",
		Expiration: time.Now().Add(time.Hour),
	})
	fake.changes["cursor-1"] = &drive.ChangeList{
		NewStartPageToken: "cursor-2",
		Changes: []*drive.Change{
			{FileId: "file-1", File: driveFile("file-1", "a.pdf", "application/pdf")},
		},
	}

	headers := http.Header{}
	headers.Set(headerChannelID, "chan-1")
	ids, err := conn.HandleWebhook(context.Background(), nil, headers)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1"}, ids)
}

func TestChannelStateConcurrentAccess(t *testing.T) {
	_, conn := newTestConnector(t, nil, staticCursor(""))

	headers := http.Header{}
	headers.Set(headerChannelID, "chan-1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			conn.RestoreChannel(&core.WebhookChannel{
				ChannelID:  "chan-1",
				Expiration: time.Now().Add(time.Hour),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			conn.Channel()
			_, _ = conn.HandleWebhook(context.Background(), nil, headers)
		}
	}()
	wg.Wait()
}

func TestHandleWebhookValidationNeverChallenges(t *testing.T) {
	_, conn := newTestConnector(t, nil, nil)
	_, ok := conn.HandleWebhookValidation(http.MethodPost, http.Header{}, url.Values{})
	assert.False(t, ok)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, core.ErrAuthExpired},
		{"not_found", &googleapi.Error{Code: 404}, core.ErrNotFound},
		{"rate_limited", &googleapi.Error{Code: 429}, core.ErrRateLimited},
		{"quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, core.ErrQuotaExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyError(tc.in), tc.want)
		})
	}

	assert.True(t, core.IsRetryable(classifyError(&googleapi.Error{Code: 503})))
	assert.NoError(t, classifyError(nil))
}

func fileIDs(files []*core.FileInfo) []string {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids
}
