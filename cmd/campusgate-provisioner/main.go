package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/bootstrap"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/provisioning"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/storage"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	driver      = flag.String("driver", getEnv("CAMPUSGATE_DB_DRIVER", storage.DriverPostgres), "Database driver (postgres or sqlite3)")
	dbURL       = flag.String("db-url", getEnv("CAMPUSGATE_DATABASE_URL", "postgres://localhost/campusgate?sslmode=disable"), "Database connection URL")
	catalogPath = flag.String("catalog", getEnv("CAMPUSGATE_SEED_CATALOG", ""), "Seed catalog YAML (defaults to the embedded catalog)")
	schedule    = flag.String("schedule", getEnv("CAMPUSGATE_PROVISION_SCHEDULE", "*/5 * * * *"), "Cron schedule for tenant reconciliation")
	workers     = flag.Int("workers", 4, "Tenants provisioned concurrently")
	runOnce     = flag.Bool("run-once", false, "Reconcile once and exit")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// campusgate-provisioner gives every active tenant its built-in roles, on a schedule.
func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, storage.DefaultConfig(*driver, *dbURL))
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	catalog, err := bootstrap.LoadCatalog(*catalogPath)
	if err != nil {
		logger.Fatalf("Failed to load seed catalog: %v", err)
	}
	pkgLogger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stderr)
	seeder, err := bootstrap.NewSeeder(rbac.NewStore(db), catalog, bootstrap.WithLogger(pkgLogger))
	if err != nil {
		logger.Fatalf("Failed to create seeder: %v", err)
	}
	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.Fatalf("Failed to create audit logger: %v", err)
	}

	provisioner := provisioning.New(ctx, seeder, tenants.NewStore(db),
		provisioning.WithWorkers(*workers),
		provisioning.WithAuditLogger(auditLog),
		provisioning.WithLogger(pkgLogger),
	)
	defer provisioner.Shutdown(30 * time.Second)

	// Tenant roles select their grants from the registered catalog
	if _, err := seeder.SeedPermissions(ctx); err != nil {
		logger.Fatalf("Failed to register permissions: %v", err)
	}

	// Run once mode (for testing or backfilling)
	if *runOnce {
		n, err := provisioner.Reconcile(ctx)
		if err != nil {
			logger.Errorf("Reconciliation finished with errors: %v", err)
		}
		logger.Infof("Provisioned %d tenants", n)
		return
	}

	// Scheduled mode
	c := cron.New()
	if _, err := provisioner.Schedule(ctx, c, *schedule); err != nil {
		logger.Fatalf("Failed to schedule reconciliation: %v", err)
	}

	c.Start()
	logger.Info("campusgate provisioner started")
	logger.Infof("Reconciliation schedule: %s", *schedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	// Stop the cron scheduler
	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Provisioner stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
