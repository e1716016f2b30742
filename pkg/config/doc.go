// Package config loads campusgate configuration from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	CAMPUSGATE_PORT="8080"
//	CAMPUSGATE_HEALTH_PORT="9090"
//
// Database settings:
//
//	CAMPUSGATE_DB_DRIVER="postgres"  # postgres, sqlite3
//	CAMPUSGATE_DATABASE_URL="postgres://localhost/campusgate?sslmode=disable"
//	CAMPUSGATE_DB_MAX_OPEN_CONNS="20"
//
// Permission cache:
//
//	CAMPUSGATE_CACHE_BACKEND="memory"  # none, memory, redis
//	CAMPUSGATE_CACHE_TTL="30s"
//	CAMPUSGATE_REDIS_URL="redis://localhost:6379/0"
//
// Tenancy and gate:
//
//	CAMPUSGATE_TENANT_HEADER="X-Tenant"
//	CAMPUSGATE_EXEMPT_PATHS="/internal/,/ops/"
//	CAMPUSGATE_OUT_OF_SCOPE_STATUS="403"  # or 404 to hide foreign objects
//
// Provisioning:
//
//	CAMPUSGATE_PROVISION_SCHEDULE="*/5 * * * *"
//	CAMPUSGATE_PROVISION_WORKERS="4"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("Failed to load config: %v", err)
//	}
package config
