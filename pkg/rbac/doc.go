// Package rbac implements multi-tenant role-based access control for the school platform.
//
// # Overview
//
// Authorization state lives in four tables:
//
//  1. permissions: the catalog of "<domain>.<verb>_<resource>" names (e.g. "schools.view_student")
//  2. roles: system roles (no tenant) and tenant roles, each with at most one parent
//  3. role_permissions: grants of permissions to roles
//  4. user_roles: assignments of roles to users
//
// Grants and assignments are never deleted. Revoking marks the edge inactive and an
// optional expiry bounds its validity, so an edge counts only while active and unexpired.
//
// # Role graph
//
// A role inherits every grant of its ancestors. Parent changes walk the proposed
// parent's chain in the same transaction as the write and fail with
// *CyclicParentError when the role would become its own ancestor. A tenant role may
// have a system parent or a parent of its own tenant, never one of another tenant.
//
// # Engine
//
// Engine answers three questions for a principal:
//
//	perms, err := engine.EffectivePermissions(ctx, user)
//	ok, err := engine.HasPermission(ctx, user, "schools.view_student")
//	ok, err = engine.HasRole(ctx, user, rbac.RoleTeacher)
//
// Superusers hold every active permission. HasRole looks at direct assignments only.
// Unknown permission names are denied without error.
//
// Results can be cached per user with a MemoryCache or RedisCache. The engine registers
// itself with the store, so every ledger mutation drops the affected cache entries.
//
// # Admin API
//
// Handlers exposes roles, permissions and both edge kinds over HTTP. Access requires a
// superuser or a tenant_admin; tenant admins see their own tenant's roles plus system
// roles and can only change their own tenant's roles.
package rbac
