package rbac

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// Invalidator drops cached permission sets after the ledger changes
type Invalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store persists the permission catalog, the role graph and the grant ledger
type Store struct {
	db          *sql.DB
	now         func() time.Time
	invalidator Invalidator
	metrics     *observability.Metrics
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source used for timestamps and validity checks
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreMetrics records grant mutations
func WithStoreMetrics(m *observability.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying pool for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetInvalidator registers the cache to notify after mutations
func (s *Store) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

func (s *Store) invalidateUser(ctx context.Context, userID uuid.UUID) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, userID); err != nil {
		observability.FromContext(ctx).WithError(err).WithField("user_id", userID.String()).
			Warn("failed to invalidate cached permissions")
	}
}

func (s *Store) invalidateAll(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateAll(ctx); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to invalidate permission cache")
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const permissionColumns = `id, name, display_name, description, verb, domain, resource, is_active, is_global, created_at`

func scanPermission(row scanner) (*Permission, error) {
	var p Permission
	var verb string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&verb,
		&p.Domain,
		&p.Resource,
		&p.IsActive,
		&p.IsGlobal,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Verb = Verb(verb)
	return &p, nil
}

const roleColumns = `id, name, display_name, description, role_type, is_active, is_system, tenant_id, parent_role_id, created_by, created_at, updated_at`

func scanRole(row scanner) (*Role, error) {
	var r Role
	var roleType string
	var tenantID, createdBy uuid.NullUUID
	var parentID sql.NullInt64

	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.DisplayName,
		&r.Description,
		&roleType,
		&r.IsActive,
		&r.IsSystem,
		&tenantID,
		&parentID,
		&createdBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RoleType = RoleType(roleType)
	r.TenantID = uuidPtr(tenantID)
	r.CreatedBy = uuidPtr(createdBy)
	if parentID.Valid {
		id := parentID.Int64
		r.ParentRoleID = &id
	}
	return &r, nil
}

const rolePermissionColumns = `id, role_id, permission_id, granted_by, granted_at, expires_at, is_active, notes`

func scanRolePermission(row scanner) (*RolePermission, error) {
	var rp RolePermission
	var grantedBy uuid.NullUUID
	var expiresAt sql.NullTime

	err := row.Scan(
		&rp.ID,
		&rp.RoleID,
		&rp.PermissionID,
		&grantedBy,
		&rp.GrantedAt,
		&expiresAt,
		&rp.IsActive,
		&rp.Notes,
	)
	if err != nil {
		return nil, err
	}
	rp.GrantedBy = uuidPtr(grantedBy)
	rp.ExpiresAt = timePtr(expiresAt)
	return &rp, nil
}

const userRoleColumns = `id, user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes`

func scanUserRole(row scanner) (*UserRole, error) {
	var ur UserRole
	var assignedBy uuid.NullUUID
	var expiresAt sql.NullTime

	err := row.Scan(
		&ur.ID,
		&ur.UserID,
		&ur.RoleID,
		&assignedBy,
		&ur.AssignedAt,
		&expiresAt,
		&ur.IsActive,
		&ur.Notes,
	)
	if err != nil {
		return nil, err
	}
	ur.AssignedBy = uuidPtr(assignedBy)
	ur.ExpiresAt = timePtr(expiresAt)
	return &ur, nil
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
