package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campusgate/pkg/api"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/bootstrap"
	"github.com/platinummonkey/campusgate/pkg/config"
	"github.com/platinummonkey/campusgate/pkg/middleware"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/policy"
	"github.com/platinummonkey/campusgate/pkg/provisioning"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/storage"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry, continuing without it")
	}

	// Database
	dbCfg := storage.DefaultConfig(cfg.Database.Driver, cfg.Database.URL)
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	db, err := storage.Open(ctx, dbCfg)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	applied, err := storage.Migrate(ctx, db, cfg.Database.Driver)
	if err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}
	if len(applied) > 0 {
		logger.WithField("versions", applied).Info("Applied migrations")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	// Permission cache
	var redisClient *redis.Client
	engineOpts := []rbac.EngineOption{rbac.WithMetrics(metrics)}
	switch cfg.Cache.Backend {
	case "memory":
		engineOpts = append(engineOpts, rbac.WithCache(rbac.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL)))
	case "redis":
		redisClient, err = storage.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		defer redisClient.Close()
		engineOpts = append(engineOpts, rbac.WithCache(rbac.NewRedisCache(redisClient, cfg.Cache.TTL)))
	}
	logger.WithField("backend", cfg.Cache.Backend).Info("Permission cache configured")

	rbacStore := rbac.NewStore(db, rbac.WithStoreMetrics(metrics))
	engine := rbac.NewEngine(rbacStore, engineOpts...)
	users := auth.NewStore(db)
	tenantStore := tenants.NewStore(db)

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("Failed to create audit logger")
		os.Exit(1)
	}

	// Tenant provisioning
	catalog, err := bootstrap.LoadCatalog(cfg.Provisioning.CatalogPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load seed catalog")
		os.Exit(1)
	}
	seeder, err := bootstrap.NewSeeder(rbacStore, catalog, bootstrap.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Error("Failed to create seeder")
		os.Exit(1)
	}
	provisioner := provisioning.New(ctx, seeder, tenantStore,
		provisioning.WithWorkers(cfg.Provisioning.Workers),
		provisioning.WithMetrics(metrics),
		provisioning.WithAuditLogger(auditLog),
		provisioning.WithLogger(logger),
	)
	scheduler := cron.New()
	if _, err := provisioner.Schedule(ctx, scheduler, cfg.Provisioning.Schedule); err != nil {
		logger.WithError(err).Error("Failed to schedule tenant reconciliation")
		os.Exit(1)
	}
	scheduler.Start()

	// Authentication
	var verifier middleware.Verifier
	if cfg.Auth.OIDCIssuer != "" {
		oidcVerifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			logger.WithError(err).Error("Failed to set up OIDC verification")
			os.Exit(1)
		}
		verifier = oidcVerifier
	} else {
		logger.Warn("No OIDC issuer configured, every request is anonymous")
	}

	resolver := tenants.NewResolver(tenantStore,
		tenants.WithHeader(cfg.Tenancy.Header),
		tenants.WithExemptPaths(append([]string{"/api/v1/tenants"}, cfg.Tenancy.ExtraExemptPaths...)...),
		tenants.WithDebug(cfg.Debug),
		tenants.WithMetrics(metrics),
	)
	gate := policy.NewGate(engine,
		policy.WithOutOfScopeStatus(cfg.Tenancy.OutOfScopeStatus),
		policy.WithMetrics(metrics),
		policy.WithAuditLogger(auditLog),
	)

	server, err := api.NewServer(api.Deps{
		DB:          db,
		Redis:       redisClient,
		Engine:      engine,
		Users:       users,
		Tenants:     tenantStore,
		Resolver:    resolver,
		Provisioner: provisioner,
		Audit:       auditLog,
		Gate:        gate,
		Verifier:    verifier,
		Metrics:     metrics,
		Registry:    registry,
		Logger:      logger,
		Version:     version,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create API server")
		os.Exit(1)
	}

	if metrics != nil {
		go recordDBStats(ctx, db.Stats, metrics)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(server, "campusgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and scrapes on their own port so they bypass auth and tenancy
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/health/live", server.HealthChecker().Liveness).Methods("GET")
	healthRouter.HandleFunc("/health/ready", server.HealthChecker().Readiness).Methods("GET")
	healthRouter.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Starting campusgate API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down gracefully...")
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Health server shutdown failed")
	}

	<-scheduler.Stop().Done()
	if err := provisioner.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("Provisioning queue did not drain")
	}
	cancel()

	if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
		logger.WithError(err).Error("OpenTelemetry shutdown failed")
	}
	logger.Info("Server stopped")
}

func recordDBStats(ctx context.Context, stats func() sql.DBStats, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(stats())
		}
	}
}
