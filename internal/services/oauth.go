package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/wbe7/openrag/pkg/config"
	"github.com/wbe7/openrag/pkg/core"
)

const stateTTL = 10 * time.Minute

// OAuthFlow drives the authorization-code flow that precedes connection
// creation. State values are single-use and expire.
type OAuthFlow struct {
	configs map[core.ConnectorType]*oauth2.Config

	mu     sync.Mutex
	states map[string]oauthState
}

type oauthState struct {
	connectorType core.ConnectorType
	userID        string
	expiresAt     time.Time
}

// NewOAuthFlow builds per-provider oauth2 configs from the service
// configuration. Providers with no client id configured are absent.
func NewOAuthFlow(providers config.ProvidersConfig) *OAuthFlow {
	configs := make(map[core.ConnectorType]*oauth2.Config)

	if providers.GoogleDrive.ClientID != "" {
		scopes := providers.GoogleDrive.Scopes
		if len(scopes) == 0 {
			scopes = []string{"https://www.googleapis.com/auth/drive.readonly"}
		}
		configs[core.ConnectorTypeGoogleDrive] = &oauth2.Config{
			ClientID:     providers.GoogleDrive.ClientID,
			ClientSecret: providers.GoogleDrive.ClientSecret,
			RedirectURL:  providers.GoogleDrive.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}
	}

	for connectorType, app := range map[core.ConnectorType]config.OAuthAppConfig{
		core.ConnectorTypeOneDrive:   providers.OneDrive,
		core.ConnectorTypeSharePoint: providers.SharePoint,
	} {
		if app.ClientID == "" {
			continue
		}
		scopes := app.Scopes
		if len(scopes) == 0 {
			scopes = []string{"offline_access", "Files.Read.All", "Sites.Read.All"}
		}
		tenant := app.TenantID
		if tenant == "" {
			tenant = "common"
		}
		configs[connectorType] = &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURL,
			Scopes:       scopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		}
	}

	return &OAuthFlow{
		configs: configs,
		states:  make(map[string]oauthState),
	}
}

// Config returns the oauth2 config for a provider, if configured.
func (f *OAuthFlow) Config(connectorType core.ConnectorType) (*oauth2.Config, bool) {
	cfg, ok := f.configs[connectorType]
	return cfg, ok
}

// Begin issues an authorization URL with a fresh CSRF state.
func (f *OAuthFlow) Begin(connectorType core.ConnectorType, userID string) (authURL string, state string, err error) {
	cfg, ok := f.configs[connectorType]
	if !ok {
		return "", "", fmt.Errorf("provider %q has no oauth application configured", connectorType)
	}

	state = uuid.NewString()
	f.mu.Lock()
	f.pruneLocked()
	f.states[state] = oauthState{
		connectorType: connectorType,
		userID:        userID,
		expiresAt:     time.Now().Add(stateTTL),
	}
	f.mu.Unlock()

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if connectorType == core.ConnectorTypeGoogleDrive {
		// Google only reissues a refresh token when consent is re-prompted.
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), state, nil
}

// Complete validates the returned state and exchanges the code for a token.
// The state is consumed regardless of the exchange outcome.
func (f *OAuthFlow) Complete(ctx context.Context, state, code string) (core.ConnectorType, string, *oauth2.Token, error) {
	f.mu.Lock()
	entry, ok := f.states[state]
	delete(f.states, state)
	f.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return "", "", nil, fmt.Errorf("unknown or expired oauth state")
	}

	cfg := f.configs[entry.connectorType]
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", "", nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return entry.connectorType, entry.userID, token, nil
}

func (f *OAuthFlow) pruneLocked() {
	now := time.Now()
	for state, entry := range f.states {
		if now.After(entry.expiresAt) {
			delete(f.states, state)
		}
	}
}
