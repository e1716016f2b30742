package policy

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/tenants"
)

// Authorizer answers the capability questions the gate asks. *rbac.Engine implements it.
type Authorizer interface {
	HasPermission(ctx context.Context, user *auth.User, name string) (bool, error)
	HasRole(ctx context.Context, user *auth.User, roleName string) (bool, error)
	RoleNames(ctx context.Context, user *auth.User) ([]string, error)
}

// Request is everything the gate knows about one operation. It lives for one request.
type Request struct {
	Principal *auth.User
	Tenant    *tenants.Tenant
	Method    string
	Resource  Resource
	Operation Operation

	// Object is the target of a single-object operation, nil for collections
	Object interface{}

	authz Authorizer
}

// HasPermission asks the authorizer about the request's principal
func (r *Request) HasPermission(ctx context.Context, name string) (bool, error) {
	return r.authz.HasPermission(ctx, r.Principal, name)
}

// HasRole asks the authorizer about the request's principal
func (r *Request) HasRole(ctx context.Context, name string) (bool, error) {
	return r.authz.HasRole(ctx, r.Principal, name)
}

func (r *Request) authenticated() bool {
	return r.Principal != nil && r.Principal.IsActive
}

// TenantScoped objects carry their tenant directly. A nil tenant marks a platform-wide object.
type TenantScoped interface {
	ScopeTenantID() *uuid.UUID
}

// OwnerScoped objects reach their tenant through one owning entity,
// for example a class through its school
type OwnerScoped interface {
	ScopeOwner() TenantScoped
}

// Owned objects record the user they belong to
type Owned interface {
	OwnerUserID() *uuid.UUID
}

// ObjectTenant returns the tenant obj belongs to. scoped is false when obj carries
// no tenant information at all, directly or through its owner.
func ObjectTenant(obj interface{}) (tenantID *uuid.UUID, scoped bool) {
	switch o := obj.(type) {
	case TenantScoped:
		return o.ScopeTenantID(), true
	case OwnerScoped:
		owner := o.ScopeOwner()
		if owner == nil {
			return nil, false
		}
		return owner.ScopeTenantID(), true
	}
	return nil, false
}

func newRequest(r *http.Request, rule Rule, object interface{}) *Request {
	op := rule.Operation
	if op == "" {
		op = OperationFor(r.Method, object != nil)
	}
	return &Request{
		Principal: auth.UserFromContext(r.Context()),
		Tenant:    tenants.FromContext(r.Context()),
		Method:    r.Method,
		Resource:  rule.Resource,
		Operation: op,
		Object:    object,
	}
}
