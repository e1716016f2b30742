package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AttachPermission_Idempotent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	role := mustTenantRole(t, store, uuid.New(), "teacher", nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")
	grantor := uuid.New()

	first, err := store.AttachPermission(ctx, role.ID, perm.ID, &grantor, nil)
	require.NoError(t, err)
	assert.True(t, first.IsActive)
	require.NotNil(t, first.GrantedBy)
	assert.Equal(t, grantor, *first.GrantedBy)

	clock.Advance(time.Minute)
	second, err := store.AttachPermission(ctx, role.ID, perm.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// a still-valid edge is returned as it was
	require.NotNil(t, second.GrantedBy)
	assert.Equal(t, grantor, *second.GrantedBy)
	assert.True(t, first.GrantedAt.Equal(second.GrantedAt))

	edges, err := store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestStore_AttachPermission_Reactivates(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	role := mustTenantRole(t, store, uuid.New(), "teacher", nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")

	original, err := store.AttachPermission(ctx, role.ID, perm.ID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.DetachPermission(ctx, role.ID, perm.ID))

	edges, err := store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].IsActive)

	clock.Advance(time.Hour)
	grantor := uuid.New()
	expires := clock.Now().Add(24 * time.Hour)
	again, err := store.AttachPermission(ctx, role.ID, perm.ID, &grantor, &expires)
	require.NoError(t, err)
	assert.Equal(t, original.ID, again.ID)
	assert.True(t, again.IsActive)
	assert.Equal(t, grantor, *again.GrantedBy)
	require.NotNil(t, again.ExpiresAt)
	assert.True(t, expires.Equal(*again.ExpiresAt))

	edges, err = store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].IsValid(clock.Now()))
}

func TestStore_AttachPermission_Unknown(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	role := mustTenantRole(t, store, uuid.New(), "teacher", nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")

	_, err := store.AttachPermission(ctx, 999, perm.ID, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.AttachPermission(ctx, role.ID, 999, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DetachPermission(ctx, role.ID, perm.ID), ErrNotFound)
}

func TestStore_AttachPermission_Concurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	role := mustTenantRole(t, store, uuid.New(), "teacher", nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			edge, err := store.AttachPermission(ctx, role.ID, perm.ID, nil, nil)
			errs[i] = err
			if err == nil {
				ids[i] = edge.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	edges, err := store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestStore_ReplaceRolePermissions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	role := mustTenantRole(t, store, uuid.New(), "staff", nil)

	view := mustPermission(t, store, "schools", VerbView, "student")
	create := mustPermission(t, store, "schools", VerbCreate, "student")
	book := mustPermission(t, store, "library", VerbView, "book")
	mustAttach(t, store, role, view)
	mustAttach(t, store, role, create)

	count, err := store.ReplaceRolePermissions(ctx, role.ID, []int64{create.ID, book.ID, book.ID, 999}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	active := map[int64]bool{}
	edges, err := store.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	for _, e := range edges {
		active[e.PermissionID] = e.IsActive
	}
	assert.Equal(t, map[int64]bool{view.ID: false, create.ID: true, book.ID: true}, active)

	_, err = store.ReplaceRolePermissions(ctx, 999, []int64{view.ID}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AssignAndRevokeRole(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	user := newUser(&tenantID)

	teacher := mustTenantRole(t, store, tenantID, "teacher", nil)
	staff := mustTenantRole(t, store, tenantID, "staff", nil)

	first, err := store.AssignRole(ctx, user, teacher.ID, nil, nil)
	require.NoError(t, err)
	again, err := store.AssignRole(ctx, user, teacher.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	expires := clock.Now().Add(time.Hour)
	_, err = store.AssignRole(ctx, user, staff.ID, nil, &expires)
	require.NoError(t, err)

	roles, err := store.RolesOf(ctx, user)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	clock.Advance(2 * time.Hour)
	roles, err = store.RolesOf(ctx, user)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "teacher", roles[0].Name)

	require.NoError(t, store.RevokeRole(ctx, user.ID, teacher.ID))
	roles, err = store.RolesOf(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, roles)

	// revoked and expired edges are kept
	edges, err := store.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	assert.ErrorIs(t, store.RevokeRole(ctx, uuid.New(), teacher.ID), ErrNotFound)
	_, err = store.AssignRole(ctx, user, 999, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RolesOf_SkipsInactiveRoles(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	user := newUser(&tenantID)

	role := mustTenantRole(t, store, tenantID, "teacher", nil)
	mustAssign(t, store, user, role)
	require.NoError(t, store.DeactivateRole(ctx, role.ID))

	roles, err := store.RolesOf(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []uuid.UUID
	all   int
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func (r *recordingInvalidator) InvalidateAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
	return errors.New("cache offline")
}

func TestStore_MutationsInvalidate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	inv := &recordingInvalidator{}
	store.SetInvalidator(inv)

	tenantID := uuid.New()
	user := newUser(&tenantID)
	role := mustTenantRole(t, store, tenantID, "teacher", nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")

	mustAssign(t, store, user, role)
	assert.Equal(t, []uuid.UUID{user.ID}, inv.users)

	// a failing cache does not fail the mutation
	mustAttach(t, store, role, perm)
	require.NoError(t, store.DetachPermission(ctx, role.ID, perm.ID))
	_, err := store.SetParent(ctx, role.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.all)

	require.NoError(t, store.RevokeRole(ctx, user.ID, role.ID))
	assert.Len(t, inv.users, 2)
}

func TestStore_AssignRole_UpsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "display_name", "description", "role_type", "is_active", "is_system",
			"tenant_id", "parent_role_id", "created_by", "created_at", "updated_at",
		}).AddRow(1, "teacher", "Teacher", "", "system", true, true, nil, nil, nil, now, now))
	mock.ExpectQuery("INSERT INTO user_roles").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	store := NewStore(db)
	_, err = store.AssignRole(context.Background(), newUser(nil), 1, nil, nil)
	assert.ErrorContains(t, err, "failed to upsert user role")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AssignRole_TenantBoundary(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	userA := newUser(&tenantA)
	adminB := mustTenantRole(t, store, tenantB, RoleTenantAdmin, nil)
	base := mustSystemRole(t, store, "staff_base", nil)

	_, err := store.AssignRole(ctx, userA, adminB.ID, nil, nil)
	assert.ErrorIs(t, err, ErrForeignTenantRole)
	_, err = store.AssignRole(ctx, newUser(nil), adminB.ID, nil, nil)
	assert.ErrorIs(t, err, ErrForeignTenantRole)
	_, err = store.AssignRole(ctx, nil, adminB.ID, nil, nil)
	assert.ErrorIs(t, err, ErrNilPrincipal)

	edges, err := store.ListUserRoles(ctx, userA.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// system roles suit users of any tenant
	_, err = store.AssignRole(ctx, userA, base.ID, nil, nil)
	require.NoError(t, err)
}

func TestStore_RolesOf_IgnoresForeignTenantEdges(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	adminB := mustTenantRole(t, store, tenantB, RoleTenantAdmin, nil)
	deleteStudent := mustPermission(t, store, "schools", VerbDelete, "student")
	mustAttach(t, store, adminB, deleteStudent)

	// an edge written before assignments were checked
	userA := newUser(&tenantA)
	_, err := store.DB().ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userA.ID, adminB.ID, nil, time.Now().UTC(), nil, true, "")
	require.NoError(t, err)

	roles, err := store.RolesOf(ctx, userA)
	require.NoError(t, err)
	assert.Empty(t, roles)

	ok, err := engine.HasPermission(ctx, userA, deleteStudent.Name)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = engine.HasRole(ctx, userA, RoleTenantAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
}
