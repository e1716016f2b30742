package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/storage"
)

// Store persists the tenant registry
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new tenant store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const tenantColumns = `id, name, subdomain, domain, is_active, created_by, created_at, updated_at`

// Create registers a new active tenant. The unique index on subdomain decides races.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	subdomain, err := NormalizeSubdomain(req.Subdomain)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}

	now := s.now()
	tenant := &Tenant{
		ID:        uuid.New(),
		Name:      name,
		Subdomain: subdomain,
		Domain:    strings.ToLower(strings.TrimSpace(req.Domain)),
		IsActive:  true,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO tenants (id, name, subdomain, domain, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.Subdomain,
		tenant.Domain,
		tenant.IsActive,
		nullUUID(tenant.CreatedBy),
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if storage.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubdomain, subdomain)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return tenant, nil
}

// Get retrieves a tenant by ID whether or not it is active
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

// GetActiveBySubdomain retrieves an active tenant by subdomain
func (s *Store) GetActiveBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return s.getOne(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE subdomain = $1 AND is_active = $2`,
		strings.ToLower(subdomain), true,
	)
}

// GetActiveByID retrieves an active tenant by ID
func (s *Store) GetActiveByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.getOne(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND is_active = $2`,
		id, true,
	)
}

// SubdomainTaken reports whether any tenant, active or not, holds subdomain
func (s *Store) SubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenants WHERE subdomain = $1`, strings.ToLower(subdomain),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check subdomain: %w", err)
	}
	return n > 0, nil
}

// List returns tenants ordered by subdomain
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	var args []interface{}
	if activeOnly {
		query += ` WHERE is_active = $1`
		args = append(args, true)
	}
	query += ` ORDER BY subdomain`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// Deactivate marks a tenant inactive. Its rows stay in place.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET is_active = $1, updated_at = $2 WHERE id = $3`,
		false, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getOne(ctx context.Context, query string, args ...interface{}) (*Tenant, error) {
	tenant, err := scanTenant(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

func scanTenant(scanner interface {
	Scan(dest ...interface{}) error
}) (*Tenant, error) {
	var tenant Tenant
	var createdBy uuid.NullUUID
	err := scanner.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Subdomain,
		&tenant.Domain,
		&tenant.IsActive,
		&createdBy,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdBy.Valid {
		id := createdBy.UUID
		tenant.CreatedBy = &id
	}
	return &tenant, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
