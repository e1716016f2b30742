package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RoleType separates platform-wide roles from roles owned by one tenant
type RoleType string

const (
	RoleTypeSystem RoleType = "system"
	RoleTypeTenant RoleType = "tenant"
)

// Valid reports whether t is a known role type
func (t RoleType) Valid() bool {
	return t == RoleTypeSystem || t == RoleTypeTenant
}

// Verb is the action part of a permission name
type Verb string

const (
	VerbView    Verb = "view"
	VerbCreate  Verb = "create"
	VerbUpdate  Verb = "update"
	VerbDelete  Verb = "delete"
	VerbApprove Verb = "approve"
	VerbReject  Verb = "reject"
	VerbExport  Verb = "export"
	VerbImport  Verb = "import"
	VerbManage  Verb = "manage"
)

var verbs = map[Verb]bool{
	VerbView: true, VerbCreate: true, VerbUpdate: true, VerbDelete: true,
	VerbApprove: true, VerbReject: true, VerbExport: true, VerbImport: true, VerbManage: true,
}

// Valid reports whether v is one of the fixed verbs
func (v Verb) Valid() bool {
	return verbs[v]
}

// CRUDVerbs are the four verbs seeded for every catalog model
var CRUDVerbs = []Verb{VerbView, VerbCreate, VerbUpdate, VerbDelete}

// Built-in role names
const (
	RoleSuperAdmin  = "super_admin"
	RoleSystemAdmin = "system_admin"
	RoleTenantAdmin = "tenant_admin"
	RoleSchoolAdmin = "school_admin"
	RoleTeacher     = "teacher"
	RoleStudent     = "student"
	RoleParent      = "parent"
	RoleStaff       = "staff"
)

// PermissionName composes the canonical "<domain>.<verb>_<resource>" name
func PermissionName(domain string, verb Verb, resource string) string {
	return fmt.Sprintf("%s.%s_%s", domain, verb, resource)
}

// ParsePermissionName splits a canonical permission name into its parts
func ParsePermissionName(name string) (domain string, verb Verb, resource string, err error) {
	domain, rest, ok := strings.Cut(name, ".")
	if !ok || domain == "" {
		return "", "", "", fmt.Errorf("%w: %q is not <domain>.<verb>_<resource>", ErrInvalidPermission, name)
	}
	v, resource, ok := strings.Cut(rest, "_")
	if !ok || resource == "" {
		return "", "", "", fmt.Errorf("%w: %q is not <domain>.<verb>_<resource>", ErrInvalidPermission, name)
	}
	verb = Verb(v)
	if !verb.Valid() {
		return "", "", "", fmt.Errorf("%w: unknown verb %q", ErrInvalidPermission, v)
	}
	return domain, verb, resource, nil
}

// Permission is a named capability in the catalog. Name never changes after registration.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Verb        Verb      `json:"verb"`
	Domain      string    `json:"domain"`
	Resource    string    `json:"resource"`
	IsActive    bool      `json:"is_active"`
	IsGlobal    bool      `json:"is_global"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is a named bundle of permissions with at most one parent
type Role struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name"`
	Description  string     `json:"description"`
	RoleType     RoleType   `json:"role_type"`
	IsActive     bool       `json:"is_active"`
	IsSystem     bool       `json:"is_system"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"` // nil for system roles
	ParentRoleID *int64     `json:"parent_role_id,omitempty"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RolePermission grants a permission to a role
type RolePermission struct {
	ID           int64      `json:"id"`
	RoleID       int64      `json:"role_id"`
	PermissionID int64      `json:"permission_id"`
	GrantedBy    *uuid.UUID `json:"granted_by,omitempty"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	Notes        string     `json:"notes,omitempty"`
}

// IsValid reports whether the grant counts at instant now
func (rp *RolePermission) IsValid(now time.Time) bool {
	return validEdge(rp.IsActive, rp.ExpiresAt, now)
}

// UserRole assigns a role to a user
type UserRole struct {
	ID         int64      `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	Notes      string     `json:"notes,omitempty"`
}

// IsValid reports whether the assignment counts at instant now
func (ur *UserRole) IsValid(now time.Time) bool {
	return validEdge(ur.IsActive, ur.ExpiresAt, now)
}

func validEdge(active bool, expiresAt *time.Time, now time.Time) bool {
	return active && (expiresAt == nil || expiresAt.After(now))
}

// PermissionSpec describes a permission to register. Name is derived when empty.
type PermissionSpec struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Verb        Verb   `json:"verb"`
	Domain      string `json:"domain"`
	Resource    string `json:"resource"`
	IsGlobal    bool   `json:"is_global"`
}

// PermissionFilter narrows ListPermissions
type PermissionFilter struct {
	Domain     string
	Verb       Verb
	GlobalOnly bool
	ActiveOnly bool
}

// RoleSpec describes a role to create
type RoleSpec struct {
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name"`
	Description  string     `json:"description"`
	RoleType     RoleType   `json:"role_type"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	ParentRoleID *int64     `json:"parent_role_id,omitempty"`
	IsSystem     bool       `json:"is_system"`
	CreatedBy    *uuid.UUID `json:"-"`
}

// RoleFilter narrows ListRoles. A nil TenantID lists every tenant.
type RoleFilter struct {
	RoleType      RoleType
	TenantID      *uuid.UUID
	IncludeSystem bool
	IsActive      *bool
}

// RoleStatistics summarizes the roles visible to a caller
type RoleStatistics struct {
	TotalRoles     int `json:"total_roles"`
	ActiveRoles    int `json:"active_roles"`
	SystemRoles    int `json:"system_roles"`
	TenantRoles    int `json:"tenant_roles"`
	RolesWithUsers int `json:"roles_with_users"`
}

// PermissionStatistics summarizes the permission catalog
type PermissionStatistics struct {
	TotalPermissions  int          `json:"total_permissions"`
	ActivePermissions int          `json:"active_permissions"`
	GlobalPermissions int          `json:"global_permissions"`
	ByVerb            map[Verb]int `json:"permissions_by_verb"`
}

// CheckResult explains an authorization decision
type CheckResult struct {
	Allowed      bool      `json:"allowed"`
	Permission   string    `json:"permission"`
	Reason       string    `json:"reason"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}
