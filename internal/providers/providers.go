// Package providers registers the shipped connector variants with the
// factory registry.
package providers

import (
	"encoding/json"
	"fmt"

	"github.com/wbe7/openrag/pkg/connectors"
	"github.com/wbe7/openrag/pkg/connectors/googledrive"
	"github.com/wbe7/openrag/pkg/connectors/onedrive"
	"github.com/wbe7/openrag/pkg/connectors/sharepoint"
	"github.com/wbe7/openrag/pkg/core"
)

// connectionConfig is the provider-agnostic shape of a connection's stored
// config blob.
type connectionConfig struct {
	Scope        *core.SelectiveScope `json:"scope,omitempty"`
	IncludeMimes []string             `json:"include_mime_types,omitempty"`
	ExcludeMimes []string             `json:"exclude_mime_types,omitempty"`
	SiteID       string               `json:"site_id,omitempty"`
}

func decodeConfig(raw []byte) (*connectionConfig, error) {
	cfg := &connectionConfig{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding connection config: %w", err)
	}
	return cfg, nil
}

// RegisterAll registers every shipped connector variant.
func RegisterAll(registry *connectors.Registry) {
	registry.Register(core.ConnectorTypeGoogleDrive, buildGoogleDrive)
	registry.Register(core.ConnectorTypeOneDrive, buildOneDrive)
	registry.Register(core.ConnectorTypeSharePoint, buildSharePoint)
}

func buildGoogleDrive(params connectors.BuildParams) (core.Connector, error) {
	stored, err := decodeConfig(params.RawConfig)
	if err != nil {
		return nil, err
	}
	cfg := googledrive.DefaultConfig()
	cfg.ConnectionID = params.ConnectionID
	cfg.Scope = stored.Scope
	cfg.IncludeMimes = stored.IncludeMimes
	cfg.ExcludeMimes = stored.ExcludeMimes
	cfg.WebhookAddress = params.WebhookAddress
	return googledrive.New(cfg, params.Credentials, params.Cursor, params.Logger), nil
}

func buildOneDrive(params connectors.BuildParams) (core.Connector, error) {
	stored, err := decodeConfig(params.RawConfig)
	if err != nil {
		return nil, err
	}
	cfg := onedrive.DefaultConfig()
	cfg.ConnectionID = params.ConnectionID
	cfg.Scope = stored.Scope
	cfg.IncludeMimes = stored.IncludeMimes
	cfg.ExcludeMimes = stored.ExcludeMimes
	cfg.WebhookAddress = params.WebhookAddress
	return onedrive.New(cfg, params.Credentials, params.Cursor, params.Logger), nil
}

func buildSharePoint(params connectors.BuildParams) (core.Connector, error) {
	stored, err := decodeConfig(params.RawConfig)
	if err != nil {
		return nil, err
	}
	if stored.SiteID == "" {
		return nil, fmt.Errorf("sharepoint connection requires site_id")
	}
	cfg := sharepoint.DefaultConfig()
	cfg.ConnectionID = params.ConnectionID
	cfg.SiteID = stored.SiteID
	cfg.Scope = stored.Scope
	cfg.IncludeMimes = stored.IncludeMimes
	cfg.ExcludeMimes = stored.ExcludeMimes
	cfg.WebhookAddress = params.WebhookAddress
	return sharepoint.New(cfg, params.Credentials, params.Cursor, params.Logger), nil
}
