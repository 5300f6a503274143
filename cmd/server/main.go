package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platform-billing/usage-meter/internal/api"
	"github.com/platform-billing/usage-meter/internal/config"
	"github.com/platform-billing/usage-meter/internal/costsource"
	"github.com/platform-billing/usage-meter/internal/export"
	"github.com/platform-billing/usage-meter/internal/logging"
	"github.com/platform-billing/usage-meter/internal/registry"
	"github.com/platform-billing/usage-meter/internal/resolver"
	"github.com/platform-billing/usage-meter/internal/service/billingsync"
	"github.com/platform-billing/usage-meter/internal/service/metering"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting usage meter",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Stores
	userStore := storage.NewUserStore(db)
	clusterStore := storage.NewClusterStore(db)
	mappingStore := storage.NewMappingStore(db)
	usageStore := storage.NewUsageStore(db)

	// Per-cluster client factories, built from each cluster's own credentials
	sourceFactory := func(cluster *models.Cluster) metering.CostSource {
		return costsource.NewClient(cluster.CostEndpoint, cluster.CostToken)
	}
	registryFactory := func(cluster *models.Cluster) resolver.ProjectLister {
		return registry.NewClient(cluster.RegistryEndpoint, cluster.RegistryToken, cluster.ID,
			registry.WithCacheTTL(cfg.Metering.RegistryCacheTTL))
	}

	// Metering pipeline
	ownerResolver := resolver.New(mappingStore, userStore, resolver.WithLogger(logger))
	aggregator := metering.NewAggregator(usageStore, metering.WithAggregatorLogger(logger))
	reaper := metering.NewReaper(mappingStore,
		metering.WithReaperLogger(logger),
		metering.WithRetention(cfg.Metering.MappingRetention))
	runner := metering.NewRunner(clusterStore, sourceFactory, registryFactory,
		ownerResolver, aggregator, reaper,
		metering.WithRunnerLogger(logger),
		metering.WithWindow(cfg.Metering.Window),
		metering.WithClusterDeadline(cfg.Metering.ClusterDeadline))

	// Downstream billing sync
	syncer := billingsync.New(usageStore, userStore,
		billingsync.WithLogger(logger),
		billingsync.WithInterval(cfg.Sync.Interval))

	// Finance report exporter; SFTP delivery only when configured
	exportOpts := []export.Option{export.WithLogger(logger)}
	if cfg.Export.SFTPHost != "" {
		key, err := os.ReadFile(cfg.Export.SFTPKeyPath)
		if err != nil {
			logger.Error("failed to read SFTP key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		exportOpts = append(exportOpts, export.WithCredentials(export.Credentials{
			Host:       cfg.Export.SFTPHost,
			Port:       cfg.Export.SFTPPort,
			User:       cfg.Export.SFTPUser,
			PrivateKey: key,
			RemoteDir:  cfg.Export.RemoteDir,
		}))
	}
	exporter := export.New(usageStore, exportOpts...)

	server := api.New(runner, usageStore, mappingStore, cfg.Metering.SharedSecret,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithReportWriter(exporter),
		api.WithMappingAdmin(mappingStore))

	if cfg.Sync.Enabled {
		if err := syncer.Start(ctx); err != nil {
			logger.Error("failed to start billing sync", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Info("billing sync disabled")
	}

	server.SetReady(true)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if cfg.Sync.Enabled {
			syncer.Stop()
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
