package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/tenants"
)

// Report counts what one seeding call created. Existing rows are not counted.
type Report struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	GrantsCreated      int `json:"grants_created"`
}

// Add accumulates other into r
func (r *Report) Add(other *Report) {
	if other == nil {
		return
	}
	r.PermissionsCreated += other.PermissionsCreated
	r.RolesCreated += other.RolesCreated
	r.GrantsCreated += other.GrantsCreated
}

// Seeder creates the permission catalog and built-in roles. Every method is
// get-or-create and safe to re-run: existing rows are left as they are,
// including grants an administrator has since deactivated.
type Seeder struct {
	store   *rbac.Store
	catalog *Catalog
	logger  *observability.Logger
}

// Option configures a Seeder
type Option func(*Seeder)

// WithLogger sets the logger used for progress messages
func WithLogger(l *observability.Logger) Option {
	return func(s *Seeder) { s.logger = l }
}

// NewSeeder creates a seeder. A nil catalog means the default catalog.
func NewSeeder(store *rbac.Store, catalog *Catalog, opts ...Option) (*Seeder, error) {
	if catalog == nil {
		var err error
		if catalog, err = DefaultCatalog(); err != nil {
			return nil, err
		}
	}
	s := &Seeder{store: store, catalog: catalog, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SeedPermissions registers view/create/update/delete for every catalog model
func (s *Seeder) SeedPermissions(ctx context.Context) (*Report, error) {
	report := &Report{}
	for _, spec := range s.catalog.PermissionSpecs() {
		_, created, err := s.store.EnsurePermission(ctx, spec)
		if err != nil {
			return report, fmt.Errorf("failed to seed permission %s: %w", spec.Name, err)
		}
		if created {
			report.PermissionsCreated++
		}
	}
	s.logger.WithField("created", report.PermissionsCreated).Info("Model permissions seeded")
	return report, nil
}

// CreateSystemRoles creates the platform-wide roles and grants them their permissions
func (s *Seeder) CreateSystemRoles(ctx context.Context) (*Report, error) {
	report, err := s.seedRoles(ctx, s.catalog.SystemRoles, nil)
	if err != nil {
		return report, err
	}
	s.logger.WithFields(map[string]interface{}{
		"roles_created":  report.RolesCreated,
		"grants_created": report.GrantsCreated,
	}).Info("System roles created")
	return report, nil
}

// CreateTenantRoles creates the per-tenant roles for tenant
func (s *Seeder) CreateTenantRoles(ctx context.Context, tenant *tenants.Tenant) (*Report, error) {
	if tenant == nil {
		return nil, errors.New("tenant is required")
	}
	id := tenant.ID
	report, err := s.seedRoles(ctx, s.catalog.TenantRoles, &id)
	if err != nil {
		return report, fmt.Errorf("tenant %s: %w", tenant.Subdomain, err)
	}
	s.logger.WithFields(map[string]interface{}{
		"tenant":         tenant.Subdomain,
		"roles_created":  report.RolesCreated,
		"grants_created": report.GrantsCreated,
	}).Info("Tenant roles created")
	return report, nil
}

// HasTenantRoles reports whether tenantID already owns its tenant_admin role
func (s *Seeder) HasTenantRoles(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	role, err := s.store.GetRoleByName(ctx, rbac.RoleTenantAdmin, &tenantID)
	if errors.Is(err, rbac.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// GetRoleByName falls back to a system role of the same name
	return role.TenantID != nil && *role.TenantID == tenantID, nil
}

func (s *Seeder) seedRoles(ctx context.Context, seeds []RoleSeed, tenantID *uuid.UUID) (*Report, error) {
	report := &Report{}
	perms, err := s.store.ListPermissions(ctx, rbac.PermissionFilter{})
	if err != nil {
		return report, err
	}

	roleType := rbac.RoleTypeSystem
	if tenantID != nil {
		roleType = rbac.RoleTypeTenant
	}

	for _, seed := range seeds {
		role, created, err := s.store.EnsureRole(ctx, rbac.RoleSpec{
			Name:        seed.Name,
			DisplayName: seed.DisplayName,
			Description: seed.Description,
			RoleType:    roleType,
			TenantID:    tenantID,
			IsSystem:    tenantID == nil,
		})
		if err != nil {
			return report, fmt.Errorf("failed to seed role %s: %w", seed.Name, err)
		}
		if created {
			report.RolesCreated++
		}

		n, err := s.grant(ctx, role, seed.Grants, perms)
		if err != nil {
			return report, fmt.Errorf("failed to grant permissions to %s: %w", seed.Name, err)
		}
		report.GrantsCreated += n
	}
	return report, nil
}

// grant attaches the selected permissions the role has no edge for yet
func (s *Seeder) grant(ctx context.Context, role *rbac.Role, sel Selector, perms []rbac.Permission) (int, error) {
	edges, err := s.store.ListRolePermissions(ctx, role.ID)
	if err != nil {
		return 0, err
	}
	existing := make(map[int64]bool, len(edges))
	for _, e := range edges {
		existing[e.PermissionID] = true
	}

	granted := 0
	for _, p := range perms {
		if existing[p.ID] || !sel.Matches(p) {
			continue
		}
		if _, err := s.store.AttachPermission(ctx, role.ID, p.ID, nil, nil); err != nil {
			return granted, err
		}
		granted++
	}
	return granted, nil
}
