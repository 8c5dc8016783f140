package sharepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/connectors/msgraph"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
}

// fakeSite serves a site's default document library plus the subscription
// endpoint.
type fakeSite struct {
	items        map[string]*msgraph.DriveItem
	children     map[string][]*msgraph.DriveItem
	content      map[string][]byte
	subscription *msgraph.Subscription
}

func (f *fakeSite) handler() http.Handler {
	prefix := "/sites/site-1/drive"
	mux := http.NewServeMux()
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": "drive-1"})
	})
	mux.HandleFunc(prefix+"/items/", func(w http.ResponseWriter, r *http.Request) {
		rest := r.URL.Path[len(prefix+"/items/"):]
		switch {
		case hasSuffix(rest, "/children"):
			id := rest[:len(rest)-len("/children")]
			writeJSON(w, msgraph.ItemCollection{Value: f.children[id]})
		case hasSuffix(rest, "/content"):
			id := rest[:len(rest)-len("/content")]
			_, _ = w.Write(f.content[id])
		case hasSuffix(rest, "/permissions"):
			writeJSON(w, &msgraph.PermissionCollection{})
		default:
			item, ok := f.items[rest]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"gone"}}`)
				return
			}
			writeJSON(w, item)
		}
	})
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var sub msgraph.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sub.ID = "sub-sp-1"
		f.subscription = &sub
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, sub)
	})
	return mux
}

func hasSuffix(s, suffix string) bool {
	return len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestConnector(t *testing.T, siteID string) (*fakeSite, *Connector) {
	t.Helper()
	fake := &fakeSite{
		items:    map[string]*msgraph.DriveItem{"root": folder("root", "root")},
		children: make(map[string][]*msgraph.DriveItem),
		content:  make(map[string][]byte),
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.ConnectionID = "conn-1"
	cfg.SiteID = siteID
	cfg.WebhookAddress = "https://example.com/webhooks/sharepoint/conn-1"
	cfg.Graph = &msgraph.Config{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		BurstLimit:        1000,
		MaxRetries:        0,
		RetryDelay:        time.Millisecond,
		Timeout:           5 * time.Second,
	}
	creds := credentials.NewStore(nil, "conn-1",
		&credentials.Credentials{AccessToken: "test-token"}, nil, testLogger())
	return fake, New(cfg, creds, nil, testLogger())
}

func file(id, name, mime string) *msgraph.DriveItem {
	return &msgraph.DriveItem{ID: id, Name: name, File: &msgraph.FileFacet{MimeType: mime}}
}

func folder(id, name string) *msgraph.DriveItem {
	return &msgraph.DriveItem{ID: id, Name: name, Folder: &msgraph.FolderFacet{}}
}

func TestAuthenticateRequiresSiteID(t *testing.T) {
	_, conn := newTestConnector(t, "")
	assert.False(t, conn.Authenticate(context.Background()))
}

func TestAuthenticateAgainstSiteDrive(t *testing.T) {
	_, conn := newTestConnector(t, "site-1")
	assert.True(t, conn.Authenticate(context.Background()))
	assert.Equal(t, core.ConnectorTypeSharePoint, conn.Type())
	assert.Equal(t, "site-1", conn.SiteID())
}

func TestListFilesWalksDocumentLibrary(t *testing.T) {
	fake, conn := newTestConnector(t, "site-1")
	fake.children["root"] = []*msgraph.DriveItem{
		file("doc-1", "policy.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"),
		folder("folder-hr", "hr"),
	}
	fake.children["folder-hr"] = []*msgraph.DriveItem{
		file("doc-2", "handbook.pdf", "application/pdf"),
	}

	require.True(t, conn.Authenticate(context.Background()))
	list, err := conn.ListFiles(context.Background(), "", 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(list.Files))
	for _, f := range list.Files {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, ids)
}

func TestGetFileContentCarriesSiteMetadata(t *testing.T) {
	fake, conn := newTestConnector(t, "site-1")
	fake.items["doc-1"] = &msgraph.DriveItem{
		ID:   "doc-1",
		Name: "policy.docx",
		File: &msgraph.FileFacet{MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	}
	fake.content["doc-1"] = []byte("policy text")

	require.True(t, conn.Authenticate(context.Background()))
	doc, err := conn.GetFileContent(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("policy text"), doc.Content)
	assert.Equal(t, "site-1", doc.Metadata["site_id"])
	assert.Equal(t, string(core.ConnectorTypeSharePoint), doc.Metadata["source"])
}

func TestSetupSubscriptionTargetsSiteDrive(t *testing.T) {
	fake, conn := newTestConnector(t, "site-1")
	require.True(t, conn.Authenticate(context.Background()))

	id, err := conn.SetupSubscription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sub-sp-1", id)
	require.NotNil(t, fake.subscription)
	assert.Equal(t, "/sites/site-1/drive/root", fake.subscription.Resource)
	assert.Equal(t, "https://example.com/webhooks/sharepoint/conn-1", fake.subscription.NotificationURL)

	ch := conn.Channel()
	require.NotNil(t, ch)
	assert.Equal(t, "sub-sp-1", ch.ChannelID)
}

func TestHandleWebhookValidationEchoesToken(t *testing.T) {
	_, conn := newTestConnector(t, "site-1")

	token, ok := conn.HandleWebhookValidation(http.MethodPost, http.Header{},
		url.Values{"validationtoken": {"sp-challenge"}})
	require.True(t, ok)
	assert.Equal(t, "sp-challenge", token)
}
