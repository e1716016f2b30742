package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/policy"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/tenants"
)

// MeResponse describes the caller and what they may do
type MeResponse struct {
	User        *auth.User        `json:"user"`
	Tenant      *tenants.Tenant   `json:"tenant,omitempty"`
	Roles       []string          `json:"roles"`
	Permissions []rbac.Permission `json:"permissions"`
}

// me handles GET /accounts/me
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	roles, err := s.deps.Engine.RoleNames(ctx, user)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to load roles")
		httputil.WriteInternalError(w)
		return
	}
	perms, err := s.deps.Engine.EffectivePermissions(ctx, user)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to load permissions")
		httputil.WriteInternalError(w)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []rbac.Permission{}
	}

	httputil.WriteSuccess(w, MeResponse{
		User:        user,
		Tenant:      tenants.FromContext(ctx),
		Roles:       roles,
		Permissions: perms,
	})
}

// listUsers handles GET /accounts/users, limited to the caller's tenant
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := policy.ScopeFor(auth.UserFromContext(ctx), tenants.FromContext(ctx))
	where, args := policy.ScopeQuery(scope, "tenant_id", nil)

	users, err := s.deps.Users.ListUsers(ctx, where, args...)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to list users")
		httputil.WriteInternalError(w)
		return
	}
	if users == nil {
		users = []*auth.User{}
	}
	httputil.WriteSuccess(w, users)
}

// getUser handles GET /accounts/users/{id}. Users of another tenant are
// answered with the gate's out-of-scope status.
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	user, err := s.deps.Users.GetUser(r.Context(), id)
	if errors.Is(err, auth.ErrUserNotFound) {
		httputil.WriteNotFound(w, "User not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get user")
		httputil.WriteInternalError(w)
		return
	}

	if !s.deps.Gate.AuthorizeObject(w, r, getUserRule, user) {
		return
	}
	httputil.WriteSuccess(w, user)
}
