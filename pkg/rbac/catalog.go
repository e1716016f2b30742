package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/campusgate/pkg/storage"
)

// RegisterPermission adds a permission to the catalog. The unique index on
// name decides duplicates; a taken name yields *DuplicateNameError.
func (s *Store) RegisterPermission(ctx context.Context, spec PermissionSpec) (*Permission, error) {
	name := spec.Name
	if name == "" {
		if spec.Domain == "" || spec.Resource == "" {
			return nil, fmt.Errorf("%w: domain and resource are required", ErrInvalidPermission)
		}
		name = PermissionName(spec.Domain, spec.Verb, spec.Resource)
	}

	domain, verb, resource, err := ParsePermissionName(name)
	if err != nil {
		return nil, err
	}
	if (spec.Domain != "" && spec.Domain != domain) ||
		(spec.Verb != "" && spec.Verb != verb) ||
		(spec.Resource != "" && spec.Resource != resource) {
		return nil, fmt.Errorf("%w: %q does not match domain/verb/resource", ErrInvalidPermission, name)
	}

	displayName := spec.DisplayName
	if displayName == "" {
		displayName = fmt.Sprintf("Can %s %s", verb, strings.ReplaceAll(resource, "_", " "))
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO permissions (name, display_name, description, verb, domain, resource, is_active, is_global, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		name,
		displayName,
		spec.Description,
		string(verb),
		domain,
		resource,
		true,
		spec.IsGlobal,
		s.now(),
	).Scan(&id)
	if storage.IsUniqueViolation(err) {
		return nil, &DuplicateNameError{Kind: "permission", Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register permission: %w", err)
	}

	if spec.IsGlobal {
		s.invalidateAll(ctx)
	}
	return s.GetPermission(ctx, id)
}

// EnsurePermission returns the permission named by spec, registering it when absent.
// The boolean reports whether this call created it.
func (s *Store) EnsurePermission(ctx context.Context, spec PermissionSpec) (*Permission, bool, error) {
	p, err := s.RegisterPermission(ctx, spec)
	if err == nil {
		return p, true, nil
	}
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		return nil, false, err
	}
	p, err = s.FindPermissionByName(ctx, dup.Name)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return getPermission(ctx, s.db, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
}

// FindPermissionByName retrieves a permission by its canonical name
func (s *Store) FindPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return getPermission(ctx, s.db, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name)
}

func getPermission(ctx context.Context, q querier, query string, arg interface{}) (*Permission, error) {
	p, err := scanPermission(q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions lists catalog entries ordered by name
func (s *Store) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE 1=1`
	var args []interface{}

	if filter.Domain != "" {
		args = append(args, filter.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	if filter.Verb != "" {
		args = append(args, string(filter.Verb))
		query += fmt.Sprintf(" AND verb = $%d", len(args))
	}
	if filter.GlobalOnly {
		query += " AND is_global = TRUE"
	}
	if filter.ActiveOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY name"

	return queryPermissions(ctx, s.db, query, args...)
}

func queryPermissions(ctx context.Context, q querier, query string, args ...interface{}) ([]Permission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var permissions []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		permissions = append(permissions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return permissions, nil
}

// SetPermissionActive toggles a permission. Names are never edited.
func (s *Store) SetPermissionActive(ctx context.Context, id int64, active bool) (*Permission, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE permissions SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update permission: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	s.invalidateAll(ctx)
	return s.GetPermission(ctx, id)
}

// PermissionStatistics counts catalog entries
func (s *Store) PermissionStatistics(ctx context.Context) (*PermissionStatistics, error) {
	permissions, err := s.ListPermissions(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}

	stats := &PermissionStatistics{ByVerb: make(map[Verb]int)}
	for _, p := range permissions {
		stats.TotalPermissions++
		if p.IsActive {
			stats.ActivePermissions++
		}
		if p.IsGlobal {
			stats.GlobalPermissions++
		}
		stats.ByVerb[p.Verb]++
	}
	return stats, nil
}
