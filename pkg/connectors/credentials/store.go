// Package credentials holds per-connector OAuth credential state: loading
// persisted tokens, refreshing them on demand and writing refreshed tokens
// back through a persister so a process restart never re-runs the consent
// flow.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// Credentials is the persisted form of an OAuth token, serialized into the
// connection record's config.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Token converts to the oauth2 representation.
func (c *Credentials) Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// FromToken converts from the oauth2 representation.
func FromToken(tok *oauth2.Token) *Credentials {
	if tok == nil {
		return nil
	}
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// MigrateLegacy decodes the flat string-keyed map format older connection
// records used before credentials became a structured field.
func MigrateLegacy(raw map[string]interface{}) (*Credentials, error) {
	if raw == nil {
		return nil, fmt.Errorf("no legacy credentials present")
	}
	access, _ := raw["access_token"].(string)
	if access == "" {
		return nil, fmt.Errorf("legacy credentials missing access_token")
	}
	creds := &Credentials{AccessToken: access}
	if refresh, ok := raw["refresh_token"].(string); ok {
		creds.RefreshToken = refresh
	}
	if tokenType, ok := raw["token_type"].(string); ok {
		creds.TokenType = tokenType
	}
	switch expiry := raw["expiry"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339, expiry)
		if err != nil {
			return nil, fmt.Errorf("legacy credentials have malformed expiry: %w", err)
		}
		creds.Expiry = t
	case float64:
		creds.Expiry = time.Unix(int64(expiry), 0)
	}
	return creds, nil
}

// Persister writes refreshed credentials back to the connection record.
type Persister interface {
	SaveCredentials(ctx context.Context, connectionID string, creds *Credentials) error
}

// Store is the per-connector credential store. Token refreshes are serialized
// with a lock: refreshing the same token twice concurrently risks the
// provider invalidating the one still in use.
type Store struct {
	mu           sync.Mutex
	oauthConfig  *oauth2.Config
	connectionID string
	token        *oauth2.Token
	persister    Persister
	logger       *logger.Logger
}

// NewStore creates a credential store bound to one connection.
func NewStore(oauthConfig *oauth2.Config, connectionID string, creds *Credentials, persister Persister, log *logger.Logger) *Store {
	return &Store{
		oauthConfig:  oauthConfig,
		connectionID: connectionID,
		token:        creds.Token(),
		persister:    persister,
		logger:       log.WithField("connection_id", connectionID),
	}
}

// HasCredentials reports whether any token material is loaded.
func (s *Store) HasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil && (s.token.AccessToken != "" || s.token.RefreshToken != "")
}

// Token returns a valid access token, refreshing it first when expired. A
// failed refresh invalidates the cached token and surfaces ErrAuthExpired.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil || (s.token.AccessToken == "" && s.token.RefreshToken == "") {
		return nil, fmt.Errorf("connection %s has no credentials: %w", s.connectionID, core.ErrAuthExpired)
	}
	if s.token.Valid() {
		return s.token, nil
	}
	if s.token.RefreshToken == "" {
		s.token = nil
		return nil, fmt.Errorf("access token expired with no refresh token: %w", core.ErrAuthExpired)
	}
	if s.oauthConfig == nil {
		return nil, fmt.Errorf("connection %s has no oauth application configured to refresh with: %w", s.connectionID, core.ErrAuthExpired)
	}

	refreshed, err := s.oauthConfig.TokenSource(ctx, s.token).Token()
	if err != nil {
		s.logger.Warn("token refresh failed: %v", err)
		s.token = nil
		return nil, fmt.Errorf("token refresh failed: %w", core.ErrAuthExpired)
	}

	// Providers may rotate the refresh token; keep the old one when they
	// don't send a replacement.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = s.token.RefreshToken
	}
	s.token = refreshed

	if s.persister != nil {
		if err := s.persister.SaveCredentials(ctx, s.connectionID, FromToken(refreshed)); err != nil {
			s.logger.Error("failed to persist refreshed token: %v", err)
		}
	}

	return s.token, nil
}

// Invalidate drops the cached token, forcing re-authentication.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}

// TokenSource adapts the store to oauth2.TokenSource.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s}
}

// Client returns an HTTP client that injects and refreshes the token.
func (s *Store) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.TokenSource(ctx))
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	return ts.store.Token(ts.ctx)
}
