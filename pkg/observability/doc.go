// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// setup, and health checks for campusgate.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Warn("permission denied")
//
// FromContext enriches the context logger with the request, user and tenant ids
// placed there by the HTTP middleware chain.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthzDecisionsTotal.WithLabelValues("permission", "allow").Inc()
//
// Metrics is safe to pass as nil to every recorder method; a nil receiver records nothing.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	router.HandleFunc("/api/v1/health/", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
