package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/storage"
)

// AttachPermission grants permissionID to roleID. Repeating a valid grant is a
// no-op returning the existing edge; an inactive or expired edge is reactivated
// with the new grantor and expiry. Concurrent calls converge on one edge.
func (s *Store) AttachPermission(ctx context.Context, roleID, permissionID int64, grantedBy *uuid.UUID, expiresAt *time.Time) (*RolePermission, error) {
	var edge *RolePermission
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		edge, err = s.attachPermission(ctx, tx, roleID, permissionID, grantedBy, expiresAt)
		return err
	})
	s.metrics.ObserveGrantMutation("attach", err)
	if err != nil {
		return nil, err
	}

	s.invalidateAll(ctx)
	return edge, nil
}

func (s *Store) attachPermission(ctx context.Context, tx *sql.Tx, roleID, permissionID int64, grantedBy *uuid.UUID, expiresAt *time.Time) (*RolePermission, error) {
	if _, err := getRole(ctx, tx, roleID); err != nil {
		return nil, err
	}
	if _, err := getPermission(ctx, tx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, permissionID); err != nil {
		return nil, err
	}

	now := s.now()
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted_by, granted_at, expires_at, is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET role_id = excluded.role_id
		RETURNING id
	`, roleID, permissionID, nullUUID(grantedBy), now, nullTime(expiresAt), true, "").Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert role permission: %w", err)
	}

	edge, err := scanRolePermission(tx.QueryRowContext(ctx,
		`SELECT `+rolePermissionColumns+` FROM role_permissions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read role permission: %w", err)
	}
	if edge.IsValid(now) {
		return edge, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE role_permissions SET is_active = $1, granted_by = $2, granted_at = $3, expires_at = $4
		WHERE id = $5
	`, true, nullUUID(grantedBy), now, nullTime(expiresAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate role permission: %w", err)
	}

	edge.IsActive = true
	edge.GrantedBy = grantedBy
	edge.GrantedAt = now
	edge.ExpiresAt = timePtr(nullTime(expiresAt))
	return edge, nil
}

// DetachPermission marks a grant inactive. The edge row is kept.
func (s *Store) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE role_permissions SET is_active = $1 WHERE role_id = $2 AND permission_id = $3`,
		false, roleID, permissionID,
	)
	if err != nil {
		err = fmt.Errorf("failed to detach permission: %w", err)
	} else if n, _ := result.RowsAffected(); n == 0 {
		err = fmt.Errorf("role %d permission %d: %w", roleID, permissionID, ErrNotFound)
	}
	s.metrics.ObserveGrantMutation("detach", err)
	if err != nil {
		return err
	}

	s.invalidateAll(ctx)
	return nil
}

// ReplaceRolePermissions makes permissionIDs the exact active grant set of roleID.
// Unknown permission ids are skipped. It returns the number of ids granted.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, grantedBy *uuid.UUID) (int, error) {
	granted := 0
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE role_permissions SET is_active = $1 WHERE role_id = $2`, false, roleID,
		); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}

		seen := make(map[int64]bool, len(permissionIDs))
		for _, pid := range permissionIDs {
			if seen[pid] {
				continue
			}
			seen[pid] = true

			_, err := s.attachPermission(ctx, tx, roleID, pid, grantedBy, nil)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			granted++
		}
		return nil
	})
	s.metrics.ObserveGrantMutation("replace", err)
	if err != nil {
		return 0, err
	}

	s.invalidateAll(ctx)
	return granted, nil
}

// AssignRole gives roleID to user with the same upsert rules as AttachPermission.
// A tenant role can only be held by a user of that tenant.
func (s *Store) AssignRole(ctx context.Context, user *auth.User, roleID int64, assignedBy *uuid.UUID, expiresAt *time.Time) (*UserRole, error) {
	if user == nil {
		return nil, ErrNilPrincipal
	}
	userID := user.ID
	var edge *UserRole
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if !roleAvailableTo(role, user) {
			return fmt.Errorf("%w: role %d cannot be assigned to user %s", ErrForeignTenantRole, roleID, userID)
		}

		now := s.now()
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, role_id) DO UPDATE SET user_id = excluded.user_id
			RETURNING id
		`, userID, roleID, nullUUID(assignedBy), now, nullTime(expiresAt), true, "").Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert user role: %w", err)
		}

		edge, err = scanUserRole(tx.QueryRowContext(ctx,
			`SELECT `+userRoleColumns+` FROM user_roles WHERE id = $1`, id))
		if err != nil {
			return fmt.Errorf("failed to read user role: %w", err)
		}
		if edge.IsValid(now) {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE user_roles SET is_active = $1, assigned_by = $2, assigned_at = $3, expires_at = $4
			WHERE id = $5
		`, true, nullUUID(assignedBy), now, nullTime(expiresAt), id)
		if err != nil {
			return fmt.Errorf("failed to reactivate user role: %w", err)
		}
		edge.IsActive = true
		edge.AssignedBy = assignedBy
		edge.AssignedAt = now
		edge.ExpiresAt = timePtr(nullTime(expiresAt))
		return nil
	})
	s.metrics.ObserveGrantMutation("assign", err)
	if err != nil {
		return nil, err
	}

	s.invalidateUser(ctx, userID)
	return edge, nil
}

// RevokeRole marks an assignment inactive. The edge row is kept.
func (s *Store) RevokeRole(ctx context.Context, userID uuid.UUID, roleID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_roles SET is_active = $1 WHERE user_id = $2 AND role_id = $3`,
		false, userID, roleID,
	)
	if err != nil {
		err = fmt.Errorf("failed to revoke role: %w", err)
	} else if n, _ := result.RowsAffected(); n == 0 {
		err = fmt.Errorf("user %s role %d: %w", userID, roleID, ErrNotFound)
	}
	s.metrics.ObserveGrantMutation("revoke", err)
	if err != nil {
		return err
	}

	s.invalidateUser(ctx, userID)
	return nil
}

// RolesOf returns the active roles user holds through valid assignments. Tenant
// roles of any tenant other than the user's are never returned.
func (s *Store) RolesOf(ctx context.Context, user *auth.User) ([]Role, error) {
	held, err := s.heldRoles(ctx, user)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(held))
	for _, h := range held {
		roles = append(roles, h.Role)
	}
	return roles, nil
}

// heldRole is a role reached through a valid assignment and when that assignment lapses
type heldRole struct {
	Role
	expiresAt *time.Time
}

func (s *Store) heldRoles(ctx context.Context, user *auth.User) ([]heldRole, error) {
	if user == nil {
		return nil, ErrNilPrincipal
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ur.is_active, ur.expires_at, r.id, r.name, r.display_name, r.description, r.role_type,
			r.is_active, r.is_system, r.tenant_id, r.parent_role_id, r.created_by, r.created_at, r.updated_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name, r.id
	`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var held []heldRole
	for rows.Next() {
		var edgeActive bool
		var expiresAt sql.NullTime
		var r Role
		var roleType string
		var tenantID, createdBy uuid.NullUUID
		var parentID sql.NullInt64

		if err := rows.Scan(
			&edgeActive, &expiresAt,
			&r.ID, &r.Name, &r.DisplayName, &r.Description, &roleType,
			&r.IsActive, &r.IsSystem, &tenantID, &parentID, &createdBy, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		if !validEdge(edgeActive, timePtr(expiresAt), now) || !r.IsActive {
			continue
		}

		r.RoleType = RoleType(roleType)
		r.TenantID = uuidPtr(tenantID)
		r.CreatedBy = uuidPtr(createdBy)
		if parentID.Valid {
			id := parentID.Int64
			r.ParentRoleID = &id
		}
		if !roleAvailableTo(&r, user) {
			continue
		}
		held = append(held, heldRole{Role: r, expiresAt: timePtr(expiresAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	return held, nil
}

// roleAvailableTo reports whether user may hold role: system roles suit anyone,
// tenant roles only members of their tenant.
func roleAvailableTo(role *Role, user *auth.User) bool {
	if role.TenantID == nil {
		return true
	}
	return user.TenantID != nil && *user.TenantID == *role.TenantID
}

// ListUserRoles returns every assignment edge of userID, valid or not
func (s *Store) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]UserRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userRoleColumns+` FROM user_roles WHERE user_id = $1 ORDER BY assigned_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var edges []UserRole
	for rows.Next() {
		ur, err := scanUserRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		edges = append(edges, *ur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	return edges, nil
}

// ListRolePermissions returns every grant edge of roleID, valid or not
func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rolePermissionColumns+` FROM role_permissions WHERE role_id = $1 ORDER BY granted_at DESC, id DESC`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var edges []RolePermission
	for rows.Next() {
		rp, err := scanRolePermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		edges = append(edges, *rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	return edges, nil
}

// grantedPermissions returns the active permissions validly granted to any of roleIDs,
// keyed by permission name with the granting role ids.
func (s *Store) grantedPermissions(ctx context.Context, roleIDs []int64) (map[string]grant, error) {
	out := make(map[string]grant)
	if len(roleIDs) == 0 {
		return out, nil
	}

	now := s.now()
	for _, roleID := range roleIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT rp.is_active, rp.expires_at, p.id, p.name, p.display_name, p.description, p.verb,
				p.domain, p.resource, p.is_active, p.is_global, p.created_at
			FROM role_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE rp.role_id = $1
		`, roleID)
		if err != nil {
			return nil, fmt.Errorf("failed to get role grants: %w", err)
		}

		for rows.Next() {
			var edgeActive bool
			var expiresAt sql.NullTime
			var p Permission
			var verb string
			if err := rows.Scan(
				&edgeActive, &expiresAt,
				&p.ID, &p.Name, &p.DisplayName, &p.Description, &verb,
				&p.Domain, &p.Resource, &p.IsActive, &p.IsGlobal, &p.CreatedAt,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan role grant: %w", err)
			}
			if !validEdge(edgeActive, timePtr(expiresAt), now) || !p.IsActive {
				continue
			}
			p.Verb = Verb(verb)

			g := out[p.Name]
			g.permission = p
			g.roleIDs = append(g.roleIDs, roleID)
			g.expiresAt = earliest(g.expiresAt, timePtr(expiresAt))
			out[p.Name] = g
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to get role grants: %w", err)
		}
	}
	return out, nil
}

type grant struct {
	permission Permission
	roleIDs    []int64
	expiresAt  *time.Time // earliest expiry among the granting edges
}

// earliest returns the sooner of two optional instants. Nil means never.
func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil || a.Before(*b):
		return a
	default:
		return b
	}
}
