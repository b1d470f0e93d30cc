package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/fileworks/tessera/pkg/api"
	"github.com/fileworks/tessera/pkg/config"
	"github.com/fileworks/tessera/pkg/observability"
	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/storage/postgres"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Run database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:      cfg.Database.URL,
		ReplicaURLs:     postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer conns.Close()
	db := conns.Primary()

	if err := postgres.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("database migrations applied")
	if *migrateOnly {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := postgres.NewRedisClient(postgres.RedisOptions{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	if redisClient == nil {
		logger.Warn("no redis configured, rate limiting falls back to per-process windows")
	}

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
		}
	}

	permsSeeded, rolesSeeded, err := rbac.SeedDefaults(ctx, db)
	if err != nil {
		log.Fatalf("Failed to seed default roles and permissions: %v", err)
	}
	logger.Infof("rbac defaults ensured (%d permissions, %d roles added)", permsSeeded, rolesSeeded)

	server, err := api.NewServer(db, redisClient, api.Config{
		Version:             cfg.Observability.OTelServiceVersion,
		ServiceName:         cfg.Observability.OTelServiceName,
		TracingEnabled:      cfg.Observability.OTelEnabled,
		LagoWebhookSecret:   cfg.Webhooks.LagoSigningSecret,
		StripeWebhookSecret: cfg.Webhooks.StripeSigningSecret,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build API server: %v", err)
	}

	if cfg.Bootstrap.SeedFile != "" {
		if err := applySeedFile(ctx, cfg.Bootstrap.SeedFile, server.ConfigStore(), rbac.NewStore(db)); err != nil {
			log.Fatalf("Failed to apply bootstrap seed %s: %v", cfg.Bootstrap.SeedFile, err)
		}
		logger.WithField("file", cfg.Bootstrap.SeedFile).Info("bootstrap seed applied")
	}

	if cfg.Bootstrap.OverridesFile != "" {
		if err := applyOverrides(ctx, cfg.Bootstrap.OverridesFile, server.ConfigStore()); err != nil {
			log.Fatalf("Failed to apply config overrides %s: %v", cfg.Bootstrap.OverridesFile, err)
		}
		if cfg.Bootstrap.WatchOverrides {
			watcher := sysconfig.NewWatcher(server.ConfigStore(), cfg.Bootstrap.OverridesFile, logger)
			go func() {
				defer observability.RecoverPanic(logger, "config override watcher")
				if err := watcher.Run(ctx); err != nil {
					logger.WithError(err).Error("config override watcher stopped")
				}
			}()
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: server.OperationalHandler(),
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("health server stopped")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":        httpServer.Addr,
			"health_addr": healthServer.Addr,
		}).Info("tessera API server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}
