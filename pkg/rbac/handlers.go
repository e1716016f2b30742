package rbac

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// UserLookup loads the users the admin API operates on
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

// Handlers provides HTTP handlers for role, permission and assignment administration.
// Every route sits behind an access guard admitting superusers and tenant admins.
type Handlers struct {
	engine      *Engine
	store       *Store
	users       UserLookup
	auditLogger audit.Logger
	guard       func(http.Handler) http.Handler
}

// HandlersOption configures Handlers
type HandlersOption func(*Handlers)

// WithAccessGuard puts every route behind guard instead of the built-in
// tenant_admin check. The guard must only admit active principals.
func WithAccessGuard(guard func(http.Handler) http.Handler) HandlersOption {
	return func(h *Handlers) { h.guard = guard }
}

// NewHandlers creates new RBAC handlers. A nil audit logger discards events.
func NewHandlers(engine *Engine, users UserLookup, auditLogger audit.Logger, opts ...HandlersOption) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	h := &Handlers{
		engine:      engine,
		store:       engine.Store(),
		users:       users,
		auditLogger: auditLogger,
	}
	h.guard = h.requireAdmin
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all RBAC routes behind the access guard. Mount it
// under /api/v1/accounts; other routes on router are left unguarded.
func (h *Handlers) RegisterRoutes(parent *mux.Router) {
	router := parent.NewRoute().Subrouter()
	router.Use(h.guard)

	// Roles
	router.HandleFunc("/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/roles/system_roles", h.SystemRoles).Methods("GET")
	router.HandleFunc("/roles/tenant_roles", h.TenantRoles).Methods("GET")
	router.HandleFunc("/roles/statistics", h.RoleStatistics).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}", h.GetRole).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}", h.UpdateRole).Methods("PUT")
	router.HandleFunc("/roles/{id:[0-9]+}", h.DeactivateRole).Methods("DELETE")
	router.HandleFunc("/roles/{id:[0-9]+}/parent", h.ReparentRole).Methods("PUT")
	router.HandleFunc("/roles/{id:[0-9]+}/assign_permissions", h.AssignPermissions).Methods("POST")

	// Role permission edges
	router.HandleFunc("/roles/{id:[0-9]+}/permissions", h.ListRolePermissions).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}/permissions", h.AttachPermission).Methods("POST")
	router.HandleFunc("/roles/{id:[0-9]+}/permissions/{permission_id:[0-9]+}", h.DetachPermission).Methods("DELETE")

	// Permission catalog
	router.HandleFunc("/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/permissions", h.CreatePermission).Methods("POST")
	router.HandleFunc("/permissions/global_permissions", h.GlobalPermissions).Methods("GET")
	router.HandleFunc("/permissions/by_app", h.PermissionsByApp).Methods("GET")
	router.HandleFunc("/permissions/statistics", h.PermissionStatistics).Methods("GET")
	router.HandleFunc("/permissions/{id:[0-9]+}", h.GetPermission).Methods("GET")
	router.HandleFunc("/permissions/{id:[0-9]+}", h.UpdatePermission).Methods("PATCH")

	// User role edges
	router.HandleFunc("/users/{id}/roles", h.ListUserRoles).Methods("GET")
	router.HandleFunc("/users/{id}/roles", h.AssignRole).Methods("POST")
	router.HandleFunc("/users/{id}/roles/{role_id:[0-9]+}", h.RevokeRole).Methods("DELETE")
	router.HandleFunc("/users/{id}/permissions", h.GetUserPermissions).Methods("GET")

	// Decisions
	router.HandleFunc("/check", h.CheckPermission).Methods("POST")
}

// ListRoles handles GET /roles?role_type=&is_active=
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	isActive, err := httputil.ParseQueryBool(r, "is_active")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter := visibleRoles(caller)
	filter.IsActive = isActive
	if rt := RoleType(r.URL.Query().Get("role_type")); rt != "" {
		if !rt.Valid() {
			httputil.WriteBadRequest(w, "role_type must be system or tenant")
			return
		}
		filter.RoleType = rt
	}

	h.writeRoles(w, r, filter)
}

// SystemRoles handles GET /roles/system_roles
func (h *Handlers) SystemRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	filter := visibleRoles(caller)
	filter.RoleType = RoleTypeSystem
	h.writeRoles(w, r, filter)
}

// TenantRoles handles GET /roles/tenant_roles
func (h *Handlers) TenantRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	filter := visibleRoles(caller)
	filter.RoleType = RoleTypeTenant
	h.writeRoles(w, r, filter)
}

func (h *Handlers) writeRoles(w http.ResponseWriter, r *http.Request, filter RoleFilter) {
	roles, err := h.store.ListRoles(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// RoleStatistics handles GET /roles/statistics
func (h *Handlers) RoleStatistics(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	stats, err := h.store.RoleStatistics(r.Context(), visibleRoles(caller))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// GetRole handles GET /roles/{id}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadRole(w, r, caller, "id")
	if !ok {
		return
	}
	httputil.WriteSuccess(w, role)
}

// CreateRole handles POST /roles. Tenant admins always create roles in their own tenant.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var spec RoleSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}
	if !caller.IsSuperuser {
		spec.RoleType = RoleTypeTenant
		spec.TenantID = caller.TenantID
		spec.IsSystem = false
	}
	spec.CreatedBy = &caller.ID

	role, err := h.store.CreateRole(r.Context(), spec)
	if err != nil {
		h.recordFailure(r, audit.ActionRoleCreate, "role", "", err)
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleCreate, "role", idString(role.ID), map[string]interface{}{
		"name":           role.Name,
		"role_type":      role.RoleType,
		"parent_role_id": role.ParentRoleID,
	})
	httputil.WriteCreated(w, role)
}

// UpdateRole handles PUT /roles/{id}
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}

	var req struct {
		DisplayName *string `json:"display_name"`
		Description *string `json:"description"`
		IsActive    *bool   `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.DisplayName != nil {
		role.DisplayName = *req.DisplayName
	}
	if req.Description != nil {
		role.Description = *req.Description
	}
	if req.IsActive != nil {
		role.IsActive = *req.IsActive
	}

	updated, err := h.store.UpdateRole(r.Context(), role)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleUpdate, "role", idString(updated.ID), map[string]interface{}{
		"display_name": updated.DisplayName,
		"description":  updated.Description,
		"is_active":    updated.IsActive,
	})
	httputil.WriteSuccess(w, updated)
}

// ReparentRole handles PUT /roles/{id}/parent with {"parent_role_id": n|null}
func (h *Handlers) ReparentRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}

	var req struct {
		ParentRoleID *int64 `json:"parent_role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updated, err := h.store.SetParent(r.Context(), role.ID, req.ParentRoleID)
	if err != nil {
		h.recordFailure(r, audit.ActionRoleReparent, "role", idString(role.ID), err)
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleReparent, "role", idString(updated.ID), map[string]interface{}{
		"old_parent_role_id": role.ParentRoleID,
		"parent_role_id":     updated.ParentRoleID,
	})
	httputil.WriteSuccess(w, updated)
}

// DeactivateRole handles DELETE /roles/{id}. Roles are deactivated, never deleted.
func (h *Handlers) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}

	if err := h.store.DeactivateRole(r.Context(), role.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleDeactivate, "role", idString(role.ID), nil)
	httputil.WriteNoContent(w)
}

// AssignPermissions handles POST /roles/{id}/assign_permissions, replacing the role's grant set
func (h *Handlers) AssignPermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}

	var req struct {
		PermissionIDs []int64 `json:"permission_ids"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	count, err := h.store.ReplaceRolePermissions(r.Context(), role.ID, req.PermissionIDs, &caller.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionPermissionsReplace, "role", idString(role.ID), map[string]interface{}{
		"permission_ids": req.PermissionIDs,
		"granted":        count,
	})
	httputil.WriteSuccess(w, map[string]interface{}{
		"message":           "Permissions assigned",
		"permissions_count": count,
	})
}

// ListRolePermissions handles GET /roles/{id}/permissions
func (h *Handlers) ListRolePermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadRole(w, r, caller, "id")
	if !ok {
		return
	}

	edges, err := h.store.ListRolePermissions(r.Context(), role.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if edges == nil {
		edges = []RolePermission{}
	}
	httputil.WriteSuccess(w, edges)
}

// AttachPermission handles POST /roles/{id}/permissions
func (h *Handlers) AttachPermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}

	var req struct {
		PermissionID int64      `json:"permission_id"`
		ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PermissionID <= 0 {
		httputil.WriteBadRequest(w, "permission_id is required")
		return
	}

	edge, err := h.store.AttachPermission(r.Context(), role.ID, req.PermissionID, &caller.ID, req.ExpiresAt)
	if err != nil {
		h.recordFailure(r, audit.ActionPermissionAttach, "role_permission", "", err)
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionPermissionAttach, "role_permission", idString(edge.ID), map[string]interface{}{
		"role_id":       role.ID,
		"permission_id": req.PermissionID,
		"expires_at":    req.ExpiresAt,
	})
	httputil.WriteCreated(w, edge)
}

// DetachPermission handles DELETE /roles/{id}/permissions/{permission_id}
func (h *Handlers) DetachPermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.store.DetachPermission(r.Context(), role.ID, permissionID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionPermissionDetach, "role", idString(role.ID), map[string]interface{}{
		"permission_id": permissionID,
	})
	httputil.WriteNoContent(w)
}

// ListPermissions handles GET /permissions?domain=&verb=&is_active=
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}

	filter := PermissionFilter{
		Domain: r.URL.Query().Get("domain"),
		Verb:   Verb(r.URL.Query().Get("verb")),
	}
	if filter.Verb != "" && !filter.Verb.Valid() {
		httputil.WriteBadRequest(w, "unknown verb")
		return
	}
	active, err := httputil.ParseQueryBool(r, "is_active")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.ActiveOnly = active != nil && *active

	h.writePermissions(w, r, filter)
}

// GlobalPermissions handles GET /permissions/global_permissions
func (h *Handlers) GlobalPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	h.writePermissions(w, r, PermissionFilter{GlobalOnly: true})
}

func (h *Handlers) writePermissions(w http.ResponseWriter, r *http.Request, filter PermissionFilter) {
	perms, err := h.store.ListPermissions(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, perms)
}

// PermissionsByApp handles GET /permissions/by_app, grouping active permissions by domain
func (h *Handlers) PermissionsByApp(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}

	perms, err := h.store.ListPermissions(r.Context(), PermissionFilter{ActiveOnly: true})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	grouped := make(map[string][]Permission)
	for _, p := range perms {
		grouped[p.Domain] = append(grouped[p.Domain], p)
	}
	httputil.WriteSuccess(w, grouped)
}

// PermissionStatistics handles GET /permissions/statistics
func (h *Handlers) PermissionStatistics(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	stats, err := h.store.PermissionStatistics(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// GetPermission handles GET /permissions/{id}
func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	perm, err := h.store.GetPermission(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// CreatePermission handles POST /permissions. The catalog is platform-wide, so superuser only.
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSuperuser(w, r); !ok {
		return
	}

	var spec PermissionSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}

	perm, err := h.store.RegisterPermission(r.Context(), spec)
	if err != nil {
		h.recordFailure(r, audit.ActionPermissionRegister, "permission", spec.Name, err)
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionPermissionRegister, "permission", idString(perm.ID), map[string]interface{}{
		"name":      perm.Name,
		"is_global": perm.IsGlobal,
	})
	httputil.WriteCreated(w, perm)
}

// UpdatePermission handles PATCH /permissions/{id} with {"is_active": bool}
func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSuperuser(w, r); !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteBadRequest(w, "is_active is required")
		return
	}

	perm, err := h.store.SetPermissionActive(r.Context(), id, *req.IsActive)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionPermissionUpdate, "permission", idString(perm.ID), map[string]interface{}{
		"is_active": perm.IsActive,
	})
	httputil.WriteSuccess(w, perm)
}

// ListUserRoles handles GET /users/{id}/roles
func (h *Handlers) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	user, ok := h.loadUser(w, r, caller)
	if !ok {
		return
	}

	edges, err := h.store.ListUserRoles(r.Context(), user.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if edges == nil {
		edges = []UserRole{}
	}
	httputil.WriteSuccess(w, edges)
}

// AssignRole handles POST /users/{id}/roles. Tenant admins may only hand out their tenant's roles.
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	user, ok := h.loadUser(w, r, caller)
	if !ok {
		return
	}

	var req struct {
		RoleID    int64      `json:"role_id"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	role, err := h.store.GetRole(r.Context(), req.RoleID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !canMutateRole(caller, role) {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "cannot assign roles outside your tenant")
		return
	}

	edge, err := h.store.AssignRole(r.Context(), user, role.ID, &caller.ID, req.ExpiresAt)
	if err != nil {
		h.recordFailure(r, audit.ActionRoleAssign, "user_role", "", err)
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleAssign, "user_role", idString(edge.ID), map[string]interface{}{
		"user_id":    user.ID.String(),
		"role_id":    role.ID,
		"role_name":  role.Name,
		"expires_at": req.ExpiresAt,
	})
	httputil.WriteCreated(w, edge)
}

// RevokeRole handles DELETE /users/{id}/roles/{role_id}
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	user, ok := h.loadUser(w, r, caller)
	if !ok {
		return
	}
	role, ok := h.loadMutableRole(w, r, caller, "role_id")
	if !ok {
		return
	}

	if err := h.store.RevokeRole(r.Context(), user.ID, role.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.record(r, audit.ActionRoleRevoke, "user", user.ID.String(), map[string]interface{}{
		"user_id": user.ID.String(),
		"role_id": role.ID,
	})
	httputil.WriteNoContent(w)
}

// GetUserPermissions handles GET /users/{id}/permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	user, ok := h.loadUser(w, r, caller)
	if !ok {
		return
	}

	perms, err := h.engine.EffectivePermissions(r.Context(), user)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	roles, err := h.engine.RoleNames(r.Context(), user)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     user.ID,
		"roles":       roles,
		"permissions": names,
	})
}

// CheckPermission handles POST /check with {"user_id": optional, "permission": name}.
// Without user_id the caller checks itself.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID     *uuid.UUID `json:"user_id,omitempty"`
		Permission string     `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Permission == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	subject := caller
	if req.UserID != nil && *req.UserID != caller.ID {
		user, err := h.users.GetUser(r.Context(), *req.UserID)
		if err != nil || !canSeeUser(caller, user) {
			h.writeUserError(w, r, err)
			return
		}
		subject = user
	}

	result, err := h.engine.CheckPermission(r.Context(), subject, req.Permission)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// requireAdmin is the default access guard. It admits superusers and
// tenant_admin holders that belong to a tenant.
func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := auth.UserFromContext(r.Context())
		if caller == nil || !caller.IsActive {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if caller.IsSuperuser {
			next.ServeHTTP(w, r)
			return
		}

		isAdmin, err := h.engine.HasRole(r.Context(), caller, RoleTenantAdmin)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("Permission check failed")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Permission check failed")
			return
		}
		if !isAdmin || caller.TenantID == nil {
			httputil.WriteErrorMessage(w, http.StatusForbidden, "Insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// caller returns the principal the guard admitted
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	caller := auth.UserFromContext(r.Context())
	if caller == nil || !caller.IsActive {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return caller, true
}

func (h *Handlers) requireSuperuser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	caller, ok := h.caller(w, r)
	if !ok {
		return nil, false
	}
	if !caller.IsSuperuser {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "Insufficient permissions")
		return nil, false
	}
	return caller, true
}

// loadRole reads the role named by path key. Roles the caller cannot see are reported missing.
func (h *Handlers) loadRole(w http.ResponseWriter, r *http.Request, caller *auth.User, key string) (*Role, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, key)
	if !ok {
		return nil, false
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return nil, false
	}
	if !canSeeRole(caller, role) {
		httputil.WriteNotFound(w, "role not found")
		return nil, false
	}
	return role, true
}

// loadMutableRole is loadRole plus a write check. System roles are read-only to tenant admins.
func (h *Handlers) loadMutableRole(w http.ResponseWriter, r *http.Request, caller *auth.User, key string) (*Role, bool) {
	role, ok := h.loadRole(w, r, caller, key)
	if !ok {
		return nil, false
	}
	if !canMutateRole(caller, role) {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "system roles can only be changed by a superuser")
		return nil, false
	}
	return role, true
}

func (h *Handlers) loadUser(w http.ResponseWriter, r *http.Request, caller *auth.User) (*auth.User, bool) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return nil, false
	}
	user, err := h.users.GetUser(r.Context(), id)
	if err != nil || !canSeeUser(caller, user) {
		h.writeUserError(w, r, err)
		return nil, false
	}
	return user, true
}

func (h *Handlers) writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil || errors.Is(err, auth.ErrUserNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	observability.FromContext(r.Context()).WithError(err).Error("failed to load user")
	httputil.WriteInternalError(w)
}

// writeStoreError maps ledger errors onto HTTP statuses. Unexpected errors carry no detail.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("rbac request failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteErrorMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, ErrCyclicParent),
		errors.Is(err, ErrHierarchyTooDeep),
		errors.Is(err, ErrInvalidParent),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidPermission),
		errors.Is(err, ErrForeignTenantRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) record(r *http.Request, action audit.Action, model, objectID string, changes map[string]interface{}) {
	event := audit.NewEvent(r.Context(), action, audit.StatusSuccess).
		WithRequest(r).
		WithObject(model, objectID).
		WithChanges(changes)
	h.log(r.Context(), event)
}

func (h *Handlers) recordFailure(r *http.Request, action audit.Action, model, objectID string, err error) {
	event := audit.NewEvent(r.Context(), action, audit.StatusFailure).
		WithRequest(r).
		WithObject(model, objectID).
		WithMessage(err.Error())
	h.log(r.Context(), event)
}

func (h *Handlers) log(ctx context.Context, event *audit.Event) {
	if err := h.auditLogger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

// visibleRoles is the role filter for caller: everything for superusers,
// otherwise the caller's tenant plus system roles.
func visibleRoles(caller *auth.User) RoleFilter {
	if caller.IsSuperuser {
		return RoleFilter{}
	}
	return RoleFilter{TenantID: caller.TenantID, IncludeSystem: true}
}

func canSeeRole(caller *auth.User, role *Role) bool {
	if caller.IsSuperuser || role.TenantID == nil {
		return true
	}
	return caller.BelongsTo(*role.TenantID)
}

func canMutateRole(caller *auth.User, role *Role) bool {
	if caller.IsSuperuser {
		return true
	}
	return role.TenantID != nil && caller.BelongsTo(*role.TenantID)
}

func canSeeUser(caller *auth.User, user *auth.User) bool {
	if user == nil {
		return false
	}
	if caller.IsSuperuser || caller.ID == user.ID {
		return true
	}
	return user.TenantID != nil && caller.BelongsTo(*user.TenantID)
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
