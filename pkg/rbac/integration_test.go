//go:build integration

package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertTenant(t *testing.T, store *Store, subdomain string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	now := time.Now().UTC()
	_, err := store.DB().ExecContext(context.Background(), `
		INSERT INTO tenants (id, name, subdomain, domain, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, subdomain, subdomain, "", true, now, now)
	require.NoError(t, err)
	return id
}

func TestPostgres_LedgerAndEngine(t *testing.T) {
	store := NewStore(storagetest.NewPostgres(t))
	engine := NewEngine(store, WithCache(NewMemoryCache(100, time.Minute)))
	ctx := context.Background()

	tenantA := insertTenant(t, store, "north")
	tenantB := insertTenant(t, store, "south")

	base := mustSystemRole(t, store, "staff_base", nil)
	teacher := mustTenantRole(t, store, tenantA, RoleTeacher, &base.ID)
	mustTenantRole(t, store, tenantB, RoleTeacher, nil)

	view := mustPermission(t, store, "schools", VerbView, "student")
	grade := mustPermission(t, store, "schools", VerbUpdate, "grade")
	mustAttach(t, store, base, view)
	mustAttach(t, store, teacher, grade)

	user := newUser(&tenantA)
	mustAssign(t, store, user, teacher)

	perms, err := engine.EffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"schools.update_grade", "schools.view_student"}, permissionNames(perms))

	_, err = store.SetParent(ctx, base.ID, &teacher.ID)
	assert.ErrorIs(t, err, ErrInvalidParent)

	_, err = store.CreateRole(ctx, RoleSpec{Name: RoleTeacher, TenantID: &tenantA})
	assert.ErrorIs(t, err, ErrDuplicateName)

	require.NoError(t, store.DetachPermission(ctx, base.ID, view.ID))
	ok, err := engine.HasPermission(ctx, user, view.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_ConcurrentUpsertsConverge(t *testing.T) {
	store := NewStore(storagetest.NewPostgres(t))
	ctx := context.Background()
	tenantID := insertTenant(t, store, "east")

	role := mustTenantRole(t, store, tenantID, RoleTeacher, nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")
	user := newUser(&tenantID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.AttachPermission(ctx, role.ID, perm.ID, nil, nil)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := store.AssignRole(ctx, user, role.ID, nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	grants, err := store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	assignments, err := store.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
}

func TestPostgres_ConcurrentReparentNeverCycles(t *testing.T) {
	store := NewStore(storagetest.NewPostgres(t))
	ctx := context.Background()
	tenantID := insertTenant(t, store, "west")

	a := mustTenantRole(t, store, tenantID, "a", nil)
	b := mustTenantRole(t, store, tenantID, "b", nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		store.SetParent(ctx, a.ID, &b.ID)
	}()
	go func() {
		defer wg.Done()
		store.SetParent(ctx, b.ID, &a.ID)
	}()
	wg.Wait()

	a, err := store.GetRole(ctx, a.ID)
	require.NoError(t, err)
	_, err = store.AncestorsOf(ctx, a)
	assert.NoError(t, err)
}
