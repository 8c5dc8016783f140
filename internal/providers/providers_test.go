package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbe7/openrag/pkg/connectors"
	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

func testParams(rawConfig string) connectors.BuildParams {
	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
	return connectors.BuildParams{
		ConnectionID:   "conn-1",
		RawConfig:      []byte(rawConfig),
		Credentials:    credentials.NewStore(nil, "conn-1", &credentials.Credentials{AccessToken: "at"}, nil, log),
		WebhookAddress: "https://example.com/webhooks",
		Logger:         log,
	}
}

func TestRegisterAllCoversEveryVariant(t *testing.T) {
	registry := connectors.NewRegistry()
	RegisterAll(registry)

	for _, connectorType := range core.ValidConnectorTypes() {
		assert.True(t, registry.Has(connectorType), "missing factory for %s", connectorType)
	}
	assert.Len(t, registry.Types(), len(core.ValidConnectorTypes()))
}

func TestBuildGoogleDrive(t *testing.T) {
	registry := connectors.NewRegistry()
	RegisterAll(registry)

	conn, err := registry.Build(core.ConnectorTypeGoogleDrive,
		testParams(`{"scope":{"folder_ids":["f1"],"recursive":true},"include_mime_types":["application/pdf"]}`))
	require.NoError(t, err)
	assert.Equal(t, core.ConnectorTypeGoogleDrive, conn.Type())
}

func TestBuildOneDriveWithEmptyConfig(t *testing.T) {
	registry := connectors.NewRegistry()
	RegisterAll(registry)

	conn, err := registry.Build(core.ConnectorTypeOneDrive, testParams(""))
	require.NoError(t, err)
	assert.Equal(t, core.ConnectorTypeOneDrive, conn.Type())
}

func TestBuildSharePointRequiresSiteID(t *testing.T) {
	registry := connectors.NewRegistry()
	RegisterAll(registry)

	_, err := registry.Build(core.ConnectorTypeSharePoint, testParams(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_id")

	conn, err := registry.Build(core.ConnectorTypeSharePoint,
		testParams(`{"site_id":"contoso.sharepoint.com,guid-1,guid-2"}`))
	require.NoError(t, err)
	assert.Equal(t, core.ConnectorTypeSharePoint, conn.Type())
}

func TestBuildRejectsMalformedConfig(t *testing.T) {
	registry := connectors.NewRegistry()
	RegisterAll(registry)

	_, err := registry.Build(core.ConnectorTypeGoogleDrive, testParams("not json"))
	assert.Error(t, err)
}

func TestBuildUnregisteredType(t *testing.T) {
	registry := connectors.NewRegistry()
	_, err := registry.Build(core.ConnectorTypeGoogleDrive, testParams(""))
	assert.Error(t, err)
}
