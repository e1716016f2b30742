package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database migration. SQL may contain dialect
// placeholders ({{serial}}, {{uuid}}, {{ts}}) expanded per driver.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var dialects = map[string]*strings.Replacer{
	DriverPostgres: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{uuid}}", "UUID",
		"{{ts}}", "TIMESTAMPTZ",
	),
	DriverSQLite: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{uuid}}", "TEXT",
		"{{ts}}", "TIMESTAMP",
	),
}

// GetMigrations returns all schema migrations in version order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id {{uuid}} PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					subdomain VARCHAR(100) NOT NULL UNIQUE,
					domain VARCHAR(255) NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_by {{uuid}},
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_tenants_is_active ON tenants(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id {{uuid}} PRIMARY KEY,
					external_id VARCHAR(255) UNIQUE,
					username VARCHAR(150) NOT NULL UNIQUE,
					email VARCHAR(255),
					tenant_id {{uuid}} REFERENCES tenants(id),
					user_type VARCHAR(20) NOT NULL,
					is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id);
			`,
		},
		{
			Version:     3,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id {{serial}},
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					verb VARCHAR(20) NOT NULL,
					domain VARCHAR(50) NOT NULL,
					resource VARCHAR(50) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_global BOOLEAN NOT NULL DEFAULT FALSE,
					created_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_domain ON permissions(domain);
			`,
		},
		{
			Version:     4,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id {{serial}},
					name VARCHAR(100) NOT NULL,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					role_type VARCHAR(20) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					tenant_id {{uuid}} REFERENCES tenants(id),
					parent_role_id BIGINT REFERENCES roles(id),
					created_by {{uuid}},
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_system_name ON roles(name) WHERE tenant_id IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_tenant_name ON roles(tenant_id, name) WHERE tenant_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id);
			`,
		},
		{
			Version:     5,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					id {{serial}},
					role_id BIGINT NOT NULL REFERENCES roles(id),
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					granted_by {{uuid}},
					granted_at {{ts}} NOT NULL,
					expires_at {{ts}},
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					notes TEXT NOT NULL DEFAULT '',
					UNIQUE(role_id, permission_id)
				);
			`,
		},
		{
			Version:     6,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id {{serial}},
					user_id {{uuid}} NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id),
					assigned_by {{uuid}},
					assigned_at {{ts}} NOT NULL,
					expires_at {{ts}},
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					notes TEXT NOT NULL DEFAULT '',
					UNIQUE(user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id);
			`,
		},
		{
			Version:     7,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id {{serial}},
					timestamp {{ts}} NOT NULL,
					action VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					tenant_id {{uuid}},
					user_id {{uuid}},
					model_name VARCHAR(100) NOT NULL DEFAULT '',
					object_id VARCHAR(255) NOT NULL DEFAULT '',
					changes TEXT,
					request_id VARCHAR(100) NOT NULL DEFAULT '',
					ip_address VARCHAR(45) NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
			`,
		},
	}
}

// Migrate applies every migration not yet recorded in schema_migrations.
// It returns the versions applied by this call.
func Migrate(ctx context.Context, db *sql.DB, driver string) ([]int, error) {
	replacer, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	_, err := db.ExecContext(ctx, replacer.Replace(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{ts}} NOT NULL
		)
	`))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []int
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, replacer.Replace(migration.SQL)); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				migration.Version, migration.Description, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran = append(ran, migration.Version)
	}

	return ran, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
