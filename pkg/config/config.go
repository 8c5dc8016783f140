package config

import (
	"fmt"
	"time"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sync      SyncConfig      `yaml:"sync"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Providers ProvidersConfig `yaml:"providers"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ExportEndpoint string  `yaml:"export_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	Environment    string  `yaml:"environment"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the postgres connection store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DSN builds the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig configures sync scheduling and per-pass limits.
type SyncConfig struct {
	// ReconcileSchedule is a cron expression for the periodic reconciling
	// poll, the source of truth when webhook delivery is missed.
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	MaxWorkers        int           `yaml:"max_workers"`
	BatchSize         int           `yaml:"batch_size"`
	PassTimeout       time.Duration `yaml:"pass_timeout"`
}

// WebhooksConfig configures push-notification channels.
type WebhooksConfig struct {
	// BaseURL is the externally reachable address providers deliver
	// notifications to. Subscriptions cannot be created without it.
	BaseURL       string        `yaml:"base_url"`
	RenewalLead   time.Duration `yaml:"renewal_lead"`
	RenewalSweep  time.Duration `yaml:"renewal_sweep"`
	ChannelTTL    time.Duration `yaml:"channel_ttl"`
	EnableRenewal bool          `yaml:"enable_renewal"`
}

// IngestionConfig configures the downstream ingestion collaborator.
type IngestionConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	AuthToken string        `yaml:"auth_token"`
}

// ProvidersConfig holds OAuth application settings per provider variant.
type ProvidersConfig struct {
	GoogleDrive OAuthAppConfig `yaml:"googledrive"`
	OneDrive    OAuthAppConfig `yaml:"onedrive"`
	SharePoint  OAuthAppConfig `yaml:"sharepoint"`
}

// OAuthAppConfig holds one provider's OAuth application registration.
type OAuthAppConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	TenantID     string   `yaml:"tenant_id"`
	Scopes       []string `yaml:"scopes"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8088,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "openrag",
			Name:            "openrag",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sync: SyncConfig{
			ReconcileSchedule: "@every 15m",
			MaxWorkers:        5,
			BatchSize:         100,
			PassTimeout:       30 * time.Minute,
		},
		Webhooks: WebhooksConfig{
			RenewalLead:   12 * time.Hour,
			RenewalSweep:  1 * time.Hour,
			ChannelTTL:    3 * 24 * time.Hour,
			EnableRenewal: true,
		},
		Ingestion: IngestionConfig{
			Timeout: 2 * time.Minute,
		},
		Tracing: TracingConfig{
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load reads the configuration file (when set), overlays environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	loader := NewLoader("OPENRAG")

	if err := loader.LoadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := loader.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Sync.MaxWorkers <= 0 {
		return fmt.Errorf("sync max_workers must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	return nil
}
