package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "@every 15m", cfg.Sync.ReconcileSchedule)
	assert.True(t, cfg.Webhooks.EnableRenewal)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
sync:
  max_workers: 3
  pass_timeout: 10m
webhooks:
  base_url: https://connectors.example.com
providers:
  googledrive:
    client_id: client-1
    client_secret: secret-1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Sync.MaxWorkers)
	assert.Equal(t, 10*time.Minute, cfg.Sync.PassTimeout)
	assert.Equal(t, "https://connectors.example.com", cfg.Webhooks.BaseURL)
	assert.Equal(t, "client-1", cfg.Providers.GoogleDrive.ClientID)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Sync.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("OPENRAG_SERVER_PORT", "9100")
	t.Setenv("OPENRAG_DATABASE_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestLoadRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sync.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sync.BatchSize = -1
	assert.Error(t, cfg.Validate())
}
