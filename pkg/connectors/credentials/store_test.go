package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
}

func TestMigrateLegacy(t *testing.T) {
	creds, err := MigrateLegacy(map[string]interface{}{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expiry":        "2026-01-02T15:04:05Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)
	assert.Equal(t, "rt-1", creds.RefreshToken)
	assert.Equal(t, "Bearer", creds.TokenType)
	assert.Equal(t, 2026, creds.Expiry.Year())
}

func TestMigrateLegacyUnixExpiry(t *testing.T) {
	creds, err := MigrateLegacy(map[string]interface{}{
		"access_token": "at-1",
		"expiry":       float64(1767225600),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1767225600), creds.Expiry.Unix())
}

func TestMigrateLegacyRejectsMissingAccessToken(t *testing.T) {
	_, err := MigrateLegacy(map[string]interface{}{"refresh_token": "rt-1"})
	assert.Error(t, err)

	_, err = MigrateLegacy(nil)
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	creds := FromToken(&oauth2.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		Expiry:       now,
	})
	tok := creds.Token()
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(now))

	assert.Nil(t, FromToken(nil))
	assert.Nil(t, (*Credentials)(nil).Token())
}

func TestStoreReturnsValidTokenWithoutRefresh(t *testing.T) {
	store := NewStore(nil, "conn-1", &Credentials{AccessToken: "at-1"}, nil, testLogger())

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.True(t, store.HasCredentials())
}

func TestStoreWithoutCredentials(t *testing.T) {
	store := NewStore(nil, "conn-1", &Credentials{}, nil, testLogger())
	assert.False(t, store.HasCredentials())

	_, err := store.Token(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthExpired)
}

type recordingPersister struct {
	saved *Credentials
}

func (p *recordingPersister) SaveCredentials(_ context.Context, _ string, creds *Credentials) error {
	p.saved = creds
	return nil
}

func TestStoreRefreshesExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	oauthConfig := &oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}
	persister := &recordingPersister{}
	store := NewStore(oauthConfig, "conn-1", &Credentials{
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(-time.Hour),
	}, persister, testLogger())

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", tok.AccessToken)
	// The provider sent no replacement refresh token; the old one is kept.
	assert.Equal(t, "rt-1", tok.RefreshToken)

	require.NotNil(t, persister.saved)
	assert.Equal(t, "at-fresh", persister.saved.AccessToken)
	assert.Equal(t, "rt-1", persister.saved.RefreshToken)
}

func TestStoreFailedRefreshInvalidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	oauthConfig := &oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}
	store := NewStore(oauthConfig, "conn-1", &Credentials{
		AccessToken:  "at-stale",
		RefreshToken: "rt-revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}, nil, testLogger())

	_, err := store.Token(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthExpired)
	assert.False(t, store.HasCredentials())
}

func TestStoreExpiredWithoutOAuthConfig(t *testing.T) {
	store := NewStore(nil, "conn-1", &Credentials{
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(-time.Hour),
	}, nil, testLogger())

	_, err := store.Token(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthExpired)
}

func TestStoreExpiredWithoutRefreshToken(t *testing.T) {
	store := NewStore(nil, "conn-1", &Credentials{
		AccessToken: "at-stale",
		Expiry:      time.Now().Add(-time.Hour),
	}, nil, testLogger())

	_, err := store.Token(context.Background())
	assert.ErrorIs(t, err, core.ErrAuthExpired)
}
