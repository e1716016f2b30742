package policy

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/tenants"
)

// Scope is the set of tenants a principal may see in collection queries
type Scope struct {
	All      bool
	None     bool
	TenantID uuid.UUID
}

// ScopeFor narrows collections for principal. Superusers see everything, or the
// resolved tenant when one was resolved. Everyone else sees their own tenant, and
// nothing when the resolved tenant is a different one.
func ScopeFor(principal *auth.User, tenant *tenants.Tenant) Scope {
	if principal == nil || !principal.IsActive {
		return Scope{None: true}
	}
	if principal.IsSuperuser {
		if tenant != nil {
			return Scope{TenantID: tenant.ID}
		}
		return Scope{All: true}
	}
	if principal.TenantID == nil {
		return Scope{None: true}
	}
	if tenant != nil && tenant.ID != *principal.TenantID {
		return Scope{None: true}
	}
	return Scope{TenantID: *principal.TenantID}
}

// Contains reports whether an object of tenantID is visible in s
func (s Scope) Contains(tenantID *uuid.UUID) bool {
	switch {
	case s.All:
		return true
	case s.None, tenantID == nil:
		return false
	}
	return *tenantID == s.TenantID
}

// ScopeQuery returns a WHERE fragment restricting column to s and the extended
// argument list. The fragment uses the next $N placeholder after args.
func ScopeQuery(s Scope, column string, args []interface{}) (string, []interface{}) {
	switch {
	case s.All:
		return "1=1", args
	case s.None:
		return "1=0", args
	}
	args = append(args, s.TenantID)
	return fmt.Sprintf("%s = $%d", column, len(args)), args
}

// FilterToTenant keeps the items visible in s. Items without tenant information
// are kept.
func FilterToTenant[T any](items []T, s Scope) []T {
	if s.All {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		tenantID, scoped := ObjectTenant(item)
		if !scoped || s.Contains(tenantID) {
			out = append(out, item)
		}
	}
	return out
}
