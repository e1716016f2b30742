package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/storage"
)

// MaxRoleDepth is the longest parent chain a role may have. Writers enforce it;
// readers rely on revisit detection alone.
const MaxRoleDepth = 32

// CreateRole inserts a role after validating its scope and parent chain in one transaction
func (s *Store) CreateRole(ctx context.Context, spec RoleSpec) (*Role, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRole)
	}
	if spec.RoleType == "" {
		spec.RoleType = RoleTypeTenant
		if spec.TenantID == nil {
			spec.RoleType = RoleTypeSystem
		}
	}
	switch {
	case !spec.RoleType.Valid():
		return nil, fmt.Errorf("%w: unknown role type %q", ErrInvalidRole, spec.RoleType)
	case spec.RoleType == RoleTypeSystem && spec.TenantID != nil:
		return nil, fmt.Errorf("%w: system roles carry no tenant", ErrInvalidRole)
	case spec.RoleType == RoleTypeTenant && spec.TenantID == nil:
		return nil, fmt.Errorf("%w: tenant roles require a tenant", ErrInvalidRole)
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}

	var id int64
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if spec.ParentRoleID != nil {
			if err := lockRole(ctx, tx, *spec.ParentRoleID); err != nil {
				return err
			}
			parent, err := getRole(ctx, tx, *spec.ParentRoleID)
			if err != nil {
				return err
			}
			if err := checkParentScope(spec.TenantID, parent); err != nil {
				return err
			}
			// a fresh role cannot be its own ancestor, but the parent chain must still be sound
			chain, err := lockedAncestorsOf(ctx, tx, parent, 0)
			if err != nil {
				return err
			}
			if depth := len(chain) + 1; depth > MaxRoleDepth {
				return &HierarchyDepthError{RoleID: parent.ID, Depth: depth}
			}
		}

		now := s.now()
		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (name, display_name, description, role_type, is_active, is_system, tenant_id, parent_role_id, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`,
			spec.Name,
			spec.DisplayName,
			spec.Description,
			string(spec.RoleType),
			true,
			spec.IsSystem,
			nullUUID(spec.TenantID),
			nullInt64(spec.ParentRoleID),
			nullUUID(spec.CreatedBy),
			now,
			now,
		).Scan(&id)
		if storage.IsUniqueViolation(err) {
			return &DuplicateNameError{Kind: "role", Name: spec.Name}
		}
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetRole(ctx, id)
}

// EnsureRole returns the role named spec.Name in spec's scope, creating it when absent.
// The boolean reports whether this call created it.
func (s *Store) EnsureRole(ctx context.Context, spec RoleSpec) (*Role, bool, error) {
	role, err := s.CreateRole(ctx, spec)
	if err == nil {
		return role, true, nil
	}
	if !errors.Is(err, ErrDuplicateName) {
		return nil, false, err
	}
	role, err = s.getScopedRole(ctx, spec.Name, spec.TenantID)
	if err != nil {
		return nil, false, err
	}
	return role, false, nil
}

// checkParentScope rejects parents owned by a different tenant. System parents are allowed.
func checkParentScope(tenantID *uuid.UUID, parent *Role) error {
	if parent.TenantID == nil {
		return nil
	}
	if tenantID == nil || *tenantID != *parent.TenantID {
		return fmt.Errorf("%w: role %d belongs to another tenant", ErrInvalidParent, parent.ID)
	}
	return nil
}

// SetParent reparents a role. A nil parentID detaches it. The proposed parent's
// full ancestor chain is walked in the same transaction as the write.
func (s *Store) SetParent(ctx context.Context, roleID int64, parentID *int64) (*Role, error) {
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}

		if parentID != nil {
			if *parentID == roleID {
				return &CyclicParentError{RoleID: roleID, ParentID: *parentID}
			}
			if err := lockRole(ctx, tx, *parentID); err != nil {
				return err
			}
			parent, err := getRole(ctx, tx, *parentID)
			if err != nil {
				return err
			}
			if err := checkParentScope(role.TenantID, parent); err != nil {
				return err
			}
			chain, err := lockedAncestorsOf(ctx, tx, parent, roleID)
			if err != nil {
				if errors.Is(err, ErrCyclicParent) {
					return &CyclicParentError{RoleID: roleID, ParentID: *parentID}
				}
				return err
			}
			// the role's whole subtree moves under the new parent
			height, err := subtreeHeight(ctx, tx, roleID)
			if err != nil {
				return err
			}
			if depth := len(chain) + 1 + height; depth > MaxRoleDepth {
				return &HierarchyDepthError{RoleID: roleID, Depth: depth}
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE roles SET parent_role_id = $1, updated_at = $2 WHERE id = $3`,
			nullInt64(parentID), s.now(), roleID,
		)
		if err != nil {
			return fmt.Errorf("failed to update role parent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateAll(ctx)
	return s.GetRole(ctx, roleID)
}

// AncestorsOf returns the parent chain of role from the immediate parent up to the root
func (s *Store) AncestorsOf(ctx context.Context, role *Role) ([]Role, error) {
	return ancestorsOf(ctx, s.db, role, 0)
}

// ancestorsOf walks parents of role. Reaching forbidden (when non-zero) or
// revisiting a role yields *CyclicParentError.
func ancestorsOf(ctx context.Context, q querier, role *Role, forbidden int64) ([]Role, error) {
	return walkAncestors(ctx, q, role, forbidden, false)
}

// lockedAncestorsOf is ancestorsOf for graph writers: every parent is row-locked
// before it is read, so two concurrent reparents cannot both pass the walk and
// close a loop between them.
func lockedAncestorsOf(ctx context.Context, tx *sql.Tx, role *Role, forbidden int64) ([]Role, error) {
	return walkAncestors(ctx, tx, role, forbidden, true)
}

// lockRole takes the row lock on a role for the rest of the transaction
func lockRole(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE roles SET updated_at = updated_at WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to lock role %d: %w", id, err)
	}
	return nil
}

func walkAncestors(ctx context.Context, q querier, role *Role, forbidden int64, lock bool) ([]Role, error) {
	var chain []Role
	visited := map[int64]bool{role.ID: true}
	if forbidden != 0 && role.ID == forbidden {
		return nil, &CyclicParentError{RoleID: forbidden, ParentID: role.ID}
	}

	current := role
	for current.ParentRoleID != nil {
		parentID := *current.ParentRoleID
		if visited[parentID] || parentID == forbidden {
			return nil, &CyclicParentError{RoleID: current.ID, ParentID: parentID}
		}
		visited[parentID] = true

		if lock {
			if err := lockRole(ctx, q, parentID); err != nil {
				return nil, err
			}
		}
		parent, err := getRole(ctx, q, parentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *parent)
		current = parent
	}
	return chain, nil
}

// subtreeHeight returns the number of levels below roleID, counting at most
// MaxRoleDepth of them.
func subtreeHeight(ctx context.Context, q querier, roleID int64) (int, error) {
	height := 0
	level := []int64{roleID}
	seen := map[int64]bool{roleID: true}
	for len(level) > 0 && height <= MaxRoleDepth {
		var next []int64
		for _, id := range level {
			children, err := childRoleIDs(ctx, q, id)
			if err != nil {
				return 0, err
			}
			for _, c := range children {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		if len(next) > 0 {
			height++
		}
		level = next
	}
	return height, nil
}

func childRoleIDs(ctx context.Context, q querier, parentID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM roles WHERE parent_role_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan child role: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	return getRole(ctx, s.db, id)
}

func getRole(ctx context.Context, q querier, id int64) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName resolves a role name for a tenant: the tenant's own role wins,
// otherwise the system role of that name.
func (s *Store) GetRoleByName(ctx context.Context, name string, tenantID *uuid.UUID) (*Role, error) {
	if tenantID != nil {
		role, err := s.getScopedRole(ctx, name, tenantID)
		if !errors.Is(err, ErrNotFound) {
			return role, err
		}
	}
	return s.getScopedRole(ctx, name, nil)
}

func (s *Store) getScopedRole(ctx context.Context, name string, tenantID *uuid.UUID) (*Role, error) {
	var row *sql.Row
	if tenantID == nil {
		row = s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1 AND tenant_id IS NULL`, name)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1 AND tenant_id = $2`, name, *tenantID)
	}

	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role by name: %w", err)
	}
	return role, nil
}

// ListRoles lists roles ordered by name
func (s *Store) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE 1=1`
	var args []interface{}

	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		if filter.IncludeSystem {
			query += fmt.Sprintf(" AND (tenant_id = $%d OR role_type = 'system')", len(args))
		} else {
			query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
		}
	}
	if filter.RoleType != "" {
		args = append(args, string(filter.RoleType))
		query += fmt.Sprintf(" AND role_type = $%d", len(args))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		query += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// UpdateRole saves the display name, description and active flag of role
func (s *Store) UpdateRole(ctx context.Context, role *Role) (*Role, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE roles SET display_name = $1, description = $2, is_active = $3, updated_at = $4
		WHERE id = $5
	`, role.DisplayName, role.Description, role.IsActive, s.now(), role.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}

	s.invalidateAll(ctx)
	return s.GetRole(ctx, role.ID)
}

// DeactivateRole marks a role inactive. Roles are never deleted.
func (s *Store) DeactivateRole(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE roles SET is_active = $1, updated_at = $2 WHERE id = $3`,
		false, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("role %d: %w", id, ErrNotFound)
	}

	s.invalidateAll(ctx)
	return nil
}

// RoleStatistics counts the roles ListRoles would return for filter
func (s *Store) RoleStatistics(ctx context.Context, filter RoleFilter) (*RoleStatistics, error) {
	roles, err := s.ListRoles(ctx, filter)
	if err != nil {
		return nil, err
	}

	withUsers := make(map[int64]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT role_id FROM user_roles`)
	if err != nil {
		return nil, fmt.Errorf("failed to count role assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan role id: %w", err)
		}
		withUsers[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count role assignments: %w", err)
	}

	stats := &RoleStatistics{}
	for _, r := range roles {
		stats.TotalRoles++
		if r.IsActive {
			stats.ActiveRoles++
		}
		switch r.RoleType {
		case RoleTypeSystem:
			stats.SystemRoles++
		case RoleTypeTenant:
			stats.TenantRoles++
		}
		if withUsers[r.ID] {
			stats.RolesWithUsers++
		}
	}
	return stats, nil
}
