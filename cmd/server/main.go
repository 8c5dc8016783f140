package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wbe7/openrag/internal/database"
	"github.com/wbe7/openrag/internal/providers"
	"github.com/wbe7/openrag/internal/server"
	"github.com/wbe7/openrag/internal/services"
	"github.com/wbe7/openrag/pkg/acl"
	"github.com/wbe7/openrag/pkg/config"
	"github.com/wbe7/openrag/pkg/connectors"
	"github.com/wbe7/openrag/pkg/ingestion"
	"github.com/wbe7/openrag/pkg/logger"
	"github.com/wbe7/openrag/pkg/metrics"
	syncpkg "github.com/wbe7/openrag/pkg/sync"
	"github.com/wbe7/openrag/pkg/tracing"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to configuration file")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("openrag-connectors v1.0.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:   logger.ParseLogLevel(cfg.Logging.Level),
		Format:  logger.ParseLogFormat(cfg.Logging.Format),
		Service: "openrag-connectors",
	})

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal("server exited: %v", err)
	}
}

func run(cfg *config.Config, appLogger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, &tracing.Config{
		ServiceName:    "openrag-connectors",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		Enabled:        cfg.Tracing.Enabled,
		SampleRate:     cfg.Tracing.SampleRate,
		ExportEndpoint: cfg.Tracing.ExportEndpoint,
		ExportTimeout:  30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("tracing shutdown: %v", err)
		}
	}()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	registry := connectors.NewRegistry()
	providers.RegisterAll(registry)

	oauth := services.NewOAuthFlow(cfg.Providers)
	connections := services.NewConnectionService(db.Connections(), registry, oauth, cfg, appLogger)
	if err := connections.RestoreAll(ctx); err != nil {
		return fmt.Errorf("restoring connections: %w", err)
	}

	ingestor := ingestion.NewClient(&ingestion.Config{
		Endpoint:  cfg.Ingestion.Endpoint,
		Timeout:   cfg.Ingestion.Timeout,
		AuthToken: cfg.Ingestion.AuthToken,
	}, appLogger)

	aclUpdater := acl.NewUpdater(db.Chunks(), nil, appLogger)

	registryMetrics := metrics.NewRegistry()

	orchestrator := syncpkg.NewOrchestrator(&syncpkg.Config{
		MaxWorkers:  cfg.Sync.MaxWorkers,
		BatchSize:   cfg.Sync.BatchSize,
		PassTimeout: cfg.Sync.PassTimeout,
	}, connections, db.Connections(), ingestor, aclUpdater, appLogger).WithMetrics(registryMetrics)

	webhooks := syncpkg.NewWebhookManager(&syncpkg.WebhookConfig{
		BaseURL:       cfg.Webhooks.BaseURL,
		RenewalLead:   cfg.Webhooks.RenewalLead,
		RenewalSweep:  cfg.Webhooks.RenewalSweep,
		ChannelTTL:    cfg.Webhooks.ChannelTTL,
		EnableRenewal: cfg.Webhooks.EnableRenewal,
	}, connections, db.Connections(), orchestrator, appLogger)
	webhooks.SetupAll(ctx)

	scheduler := syncpkg.NewScheduler(&syncpkg.SchedulerConfig{
		ReconcileSchedule: cfg.Sync.ReconcileSchedule,
		RenewalSweep:      cfg.Webhooks.RenewalSweep,
	}, orchestrator, webhooks, appLogger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := server.New(&cfg.Server, db, connections, oauth, webhooks, orchestrator, appLogger)
	srv.Engine().GET("/metrics", gin.WrapH(registryMetrics.Handler()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := webhooks.Drain(shutdownCtx); err != nil {
		appLogger.Warn("webhook drain incomplete: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
