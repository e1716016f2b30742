package policy

import (
	"testing"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/stretchr/testify/assert"
)

func TestScopeFor(t *testing.T) {
	a := &tenants.Tenant{ID: uuid.New()}
	b := &tenants.Tenant{ID: uuid.New()}
	root := &auth.User{ID: uuid.New(), IsActive: true, IsSuperuser: true}
	teacher := member(a.ID)
	homeless := &auth.User{ID: uuid.New(), IsActive: true}

	assert.Equal(t, Scope{All: true}, ScopeFor(root, nil))
	assert.Equal(t, Scope{TenantID: b.ID}, ScopeFor(root, b))
	assert.Equal(t, Scope{TenantID: a.ID}, ScopeFor(teacher, nil))
	assert.Equal(t, Scope{TenantID: a.ID}, ScopeFor(teacher, a))
	assert.Equal(t, Scope{None: true}, ScopeFor(teacher, b))
	assert.Equal(t, Scope{None: true}, ScopeFor(homeless, a))
	assert.Equal(t, Scope{None: true}, ScopeFor(nil, a))
}

func TestScopeQuery(t *testing.T) {
	tenantID := uuid.New()

	clause, args := ScopeQuery(Scope{All: true}, "tenant_id", []interface{}{true})
	assert.Equal(t, "1=1", clause)
	assert.Len(t, args, 1)

	clause, args = ScopeQuery(Scope{None: true}, "tenant_id", nil)
	assert.Equal(t, "1=0", clause)
	assert.Empty(t, args)

	clause, args = ScopeQuery(Scope{TenantID: tenantID}, "r.tenant_id", []interface{}{true})
	assert.Equal(t, "r.tenant_id = $2", clause)
	assert.Equal(t, []interface{}{true, tenantID}, args)
}

func TestFilterToTenant(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	items := []interface{}{
		student{TenantID: &a},
		student{TenantID: &b},
		student{},
		struct{ Name string }{"shared"},
	}

	assert.Len(t, FilterToTenant(items, Scope{All: true}), 4)
	assert.Equal(t, []interface{}{items[0], items[3]}, FilterToTenant(items, Scope{TenantID: a}))
	assert.Equal(t, []interface{}{items[3]}, FilterToTenant(items, Scope{None: true}))

	typed := []student{{TenantID: &a}, {TenantID: &b}}
	assert.Equal(t, typed[1:], FilterToTenant(typed, Scope{TenantID: b}))
}
