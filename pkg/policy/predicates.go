package policy

import (
	"context"
	"net/http"

	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/rbac"
)

// Predicate is one rule an endpoint requires. Predicates run after the
// authentication, tenant and superuser steps, so Principal is never nil for them.
type Predicate func(ctx context.Context, req *Request) (bool, error)

// Authenticated holds for any active principal
func Authenticated() Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		return req.authenticated(), nil
	}
}

// Superuser holds for platform superusers only
func Superuser() Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		return req.Principal != nil && req.Principal.IsSuperuser, nil
	}
}

// HasPermission requires a named permission
func HasPermission(name string) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		return req.HasPermission(ctx, name)
	}
}

// ResourcePermission requires the permission derived from the request's resource
// and operation, e.g. schools.update_student for a PUT on a student
func ResourcePermission() Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		if req.Resource.IsZero() {
			return false, nil
		}
		return req.HasPermission(ctx, req.Resource.Permission(req.Operation))
	}
}

// HasRole requires a directly assigned role
func HasRole(name string) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		return req.HasRole(ctx, name)
	}
}

// HasAnyRole requires at least one of the named roles
func HasAnyRole(names ...string) Predicate {
	preds := make([]Predicate, len(names))
	for i, name := range names {
		preds[i] = HasRole(name)
	}
	return Any(preds...)
}

// ActsAs holds when the principal is of the given user type or holds the role of the same name
func ActsAs(userType auth.UserType) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		if req.Principal != nil && req.Principal.UserType == userType {
			return true, nil
		}
		return req.HasRole(ctx, string(userType))
	}
}

// TenantAdmin requires the tenant_admin role
func TenantAdmin() Predicate { return HasRole(rbac.RoleTenantAdmin) }

// SchoolAdmin requires the school_admin role
func SchoolAdmin() Predicate { return HasRole(rbac.RoleSchoolAdmin) }

// TenantMember holds for principals with at least one valid role
func TenantMember() Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		roles, err := req.authz.RoleNames(ctx, req.Principal)
		if err != nil {
			return false, err
		}
		return len(roles) > 0, nil
	}
}

// SameTenant holds when the principal belongs to the resolved tenant and, for
// single-object operations, to the object's tenant
func SameTenant() Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		if req.Principal == nil {
			return false, nil
		}
		if req.Tenant != nil && !req.Principal.BelongsTo(req.Tenant.ID) {
			return false, nil
		}
		return inScope(req.Principal, req.Object), nil
	}
}

// Owner holds when the object belongs to the principal. Without an object (list
// and create) it holds, leaving the decision to the object check.
func Owner() Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		if req.Object == nil {
			return true, nil
		}
		owned, ok := req.Object.(Owned)
		if !ok {
			return false, nil
		}
		owner := owned.OwnerUserID()
		return owner != nil && req.Principal != nil && *owner == req.Principal.ID, nil
	}
}

// SafeMethod holds for read-only HTTP methods
func SafeMethod() Predicate {
	return MethodIn(http.MethodGet, http.MethodHead, http.MethodOptions)
}

// MethodIn holds when the request method is one of methods
func MethodIn(methods ...string) Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		for _, m := range methods {
			if req.Method == m {
				return true, nil
			}
		}
		return false, nil
	}
}

// OwnerOrReadOnly lets anyone read and only the owner write
func OwnerOrReadOnly() Predicate { return Any(SafeMethod(), Owner()) }

// OwnerOr lets the owner through and everyone else only when p holds
func OwnerOr(p Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		if req.Object == nil {
			return true, nil
		}
		return Any(Owner(), p)(ctx, req)
	}
}

// All holds when every predicate holds. It stops at the first false.
func All(preds ...Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		for _, p := range preds {
			ok, err := p(ctx, req)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any holds when one predicate holds. An error is reported only if nothing held.
func Any(preds ...Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		var firstErr error
		for _, p := range preds {
			ok, err := p(ctx, req)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr
	}
}

// Not inverts p. Errors pass through as false.
func Not(p Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		ok, err := p(ctx, req)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// inScope reports whether obj may be touched by principal. Objects without tenant
// information are in scope.
func inScope(principal *auth.User, obj interface{}) bool {
	if obj == nil {
		return true
	}
	tenantID, scoped := ObjectTenant(obj)
	if !scoped {
		return true
	}
	if tenantID == nil {
		return principal.TenantID == nil
	}
	return principal.BelongsTo(*tenantID)
}
