package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/wbe7/openrag/pkg/config"
	"github.com/wbe7/openrag/pkg/core"
)

func newTestFlow(t *testing.T) *OAuthFlow {
	t.Helper()
	return NewOAuthFlow(config.ProvidersConfig{
		GoogleDrive: config.OAuthAppConfig{
			ClientID:     "google-client",
			ClientSecret: "google-secret",
			RedirectURL:  "https://example.com/oauth/callback",
		},
		OneDrive: config.OAuthAppConfig{
			ClientID:    "ms-client",
			RedirectURL: "https://example.com/oauth/callback",
		},
	})
}

func TestBeginIssuesAuthorizationURL(t *testing.T) {
	flow := newTestFlow(t)

	authURL, state, err := flow.Begin(core.ConnectorTypeGoogleDrive, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "google-client", q.Get("client_id"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	// Google only reissues a refresh token when consent is re-prompted.
	assert.Equal(t, "consent", q.Get("prompt"))
}

func TestBeginMicrosoftOmitsConsentPrompt(t *testing.T) {
	flow := newTestFlow(t)

	authURL, _, err := flow.Begin(core.ConnectorTypeOneDrive, "user-1")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "ms-client", parsed.Query().Get("client_id"))
	assert.Empty(t, parsed.Query().Get("prompt"))
}

func TestBeginUnconfiguredProvider(t *testing.T) {
	flow := newTestFlow(t)
	_, _, err := flow.Begin(core.ConnectorTypeSharePoint, "user-1")
	assert.Error(t, err)

	_, ok := flow.Config(core.ConnectorTypeSharePoint)
	assert.False(t, ok)
}

func TestCompleteExchangesCodeAndConsumesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "code-123", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	flow := newTestFlow(t)
	cfg, ok := flow.Config(core.ConnectorTypeGoogleDrive)
	require.True(t, ok)
	cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, state, err := flow.Begin(core.ConnectorTypeGoogleDrive, "user-1")
	require.NoError(t, err)

	connectorType, userID, token, err := flow.Complete(context.Background(), state, "code-123")
	require.NoError(t, err)
	assert.Equal(t, core.ConnectorTypeGoogleDrive, connectorType)
	assert.Equal(t, "user-1", userID)
	require.NotNil(t, token)
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)

	// The state is single-use.
	_, _, _, err = flow.Complete(context.Background(), state, "code-123")
	assert.Error(t, err)
}

func TestCompleteUnknownState(t *testing.T) {
	flow := newTestFlow(t)
	_, _, _, err := flow.Complete(context.Background(), "never-issued", "code-123")
	assert.Error(t, err)
}

func TestCompleteExpiredState(t *testing.T) {
	flow := newTestFlow(t)
	flow.mu.Lock()
	flow.states["stale"] = oauthState{
		connectorType: core.ConnectorTypeGoogleDrive,
		userID:        "user-1",
		expiresAt:     time.Now().Add(-time.Minute),
	}
	flow.mu.Unlock()

	_, _, _, err := flow.Complete(context.Background(), "stale", "code-123")
	assert.Error(t, err)
}

func TestBeginPrunesExpiredStates(t *testing.T) {
	flow := newTestFlow(t)
	flow.mu.Lock()
	flow.states["stale"] = oauthState{expiresAt: time.Now().Add(-time.Minute)}
	flow.mu.Unlock()

	_, _, err := flow.Begin(core.ConnectorTypeGoogleDrive, "user-1")
	require.NoError(t, err)

	flow.mu.Lock()
	_, stale := flow.states["stale"]
	flow.mu.Unlock()
	assert.False(t, stale)
}
