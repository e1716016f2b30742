package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permissionNames(perms []Permission) []string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return names
}

func TestEngine_TeacherCanViewStudent(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantID := uuid.New()

	teacher := mustTenantRole(t, store, tenantID, RoleTeacher, nil)
	view := mustPermission(t, store, "schools", VerbView, "student")
	mustPermission(t, store, "schools", VerbDelete, "student")
	mustAttach(t, store, teacher, view)

	user := newUser(&tenantID)
	mustAssign(t, store, user, teacher)

	ok, err := engine.HasPermission(ctx, user, "schools.view_student")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.HasPermission(ctx, user, "schools.delete_student")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.HasRole(ctx, user, RoleTeacher)
	require.NoError(t, err)
	assert.True(t, ok)

	perms, err := engine.EffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"schools.view_student"}, permissionNames(perms))
}

func TestEngine_InheritsFromAncestors(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantID := uuid.New()

	parent := mustSystemRole(t, store, "staff_base", nil)
	child := mustTenantRole(t, store, tenantID, "librarian", &parent.ID)

	fromParent := mustPermission(t, store, "schools", VerbView, "student")
	fromChild := mustPermission(t, store, "library", VerbCreate, "book")
	mustAttach(t, store, parent, fromParent)
	mustAttach(t, store, child, fromChild)

	user := newUser(&tenantID)
	mustAssign(t, store, user, child)

	perms, err := engine.EffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"library.create_book", "schools.view_student"}, permissionNames(perms))

	// inherited ancestors are not held roles
	ok, err := engine.HasRole(ctx, user, "staff_base")
	require.NoError(t, err)
	assert.False(t, ok)

	result, err := engine.CheckPermission(ctx, user, "schools.view_student")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"staff_base"}, result.MatchedRoles)
}

func TestEngine_InactiveAncestorContributesNothing(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantID := uuid.New()

	root := mustSystemRole(t, store, "root", nil)
	mid := mustTenantRole(t, store, tenantID, "mid", &root.ID)
	leaf := mustTenantRole(t, store, tenantID, "leaf", &mid.ID)

	rootPerm := mustPermission(t, store, "schools", VerbView, "school")
	midPerm := mustPermission(t, store, "schools", VerbView, "class")
	mustAttach(t, store, root, rootPerm)
	mustAttach(t, store, mid, midPerm)

	user := newUser(&tenantID)
	mustAssign(t, store, user, leaf)
	require.NoError(t, store.DeactivateRole(ctx, mid.ID))

	perms, err := engine.EffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"schools.view_school"}, permissionNames(perms))
}

func TestEngine_ExpiryAndRevocation(t *testing.T) {
	store, clock := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantID := uuid.New()

	role := mustTenantRole(t, store, tenantID, "substitute", nil)
	perm := mustPermission(t, store, "schools", VerbUpdate, "attendance")
	grantExpiry := clock.Now().Add(2 * time.Hour)
	_, err := store.AttachPermission(ctx, role.ID, perm.ID, nil, &grantExpiry)
	require.NoError(t, err)

	user := newUser(&tenantID)
	assignExpiry := clock.Now().Add(4 * time.Hour)
	_, err = store.AssignRole(ctx, user, role.ID, nil, &assignExpiry)
	require.NoError(t, err)

	ok, err := engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(3 * time.Hour)
	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.False(t, ok, "grant expired")

	ok, err = engine.HasRole(ctx, user, "substitute")
	require.NoError(t, err)
	assert.True(t, ok, "assignment still valid")

	clock.Advance(2 * time.Hour)
	ok, err = engine.HasRole(ctx, user, "substitute")
	require.NoError(t, err)
	assert.False(t, ok, "assignment expired")
}

func TestEngine_GlobalPermissions(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()

	global, err := store.RegisterPermission(ctx, PermissionSpec{Domain: "communication", Verb: VerbView, Resource: "announcement", IsGlobal: true})
	require.NoError(t, err)

	user := newUser(nil)
	result, err := engine.CheckPermission(ctx, user, global.Name)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "global permission", result.Reason)

	_, err = store.SetPermissionActive(ctx, global.ID, false)
	require.NoError(t, err)
	ok, err := engine.HasPermission(ctx, user, global.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_Superuser(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()

	mustPermission(t, store, "schools", VerbView, "student")
	inactive := mustPermission(t, store, "schools", VerbDelete, "student")
	_, err := store.SetPermissionActive(ctx, inactive.ID, false)
	require.NoError(t, err)

	admin := newUser(nil)
	admin.IsSuperuser = true

	ok, err := engine.HasPermission(ctx, admin, "anything.view_at_all")
	require.NoError(t, err)
	assert.True(t, ok)

	perms, err := engine.EffectivePermissions(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"schools.view_student"}, permissionNames(perms))
}

func TestEngine_FailsClosed(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()

	user := newUser(nil)
	ok, err := engine.HasPermission(ctx, user, "not a permission")
	require.NoError(t, err)
	assert.False(t, ok)

	perms, err := engine.EffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, perms)

	result, err := engine.CheckPermission(ctx, user, "schools.view_student")
	require.NoError(t, err)
	assert.Equal(t, "no matching role found", result.Reason)

	_, err = engine.HasPermission(ctx, nil, "schools.view_student")
	assert.ErrorIs(t, err, ErrNilPrincipal)
	_, err = engine.HasRole(ctx, nil, RoleTeacher)
	assert.ErrorIs(t, err, ErrNilPrincipal)
	_, err = engine.EffectivePermissions(ctx, nil)
	assert.ErrorIs(t, err, ErrNilPrincipal)
}

func TestEngine_TenantIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	engine := NewEngine(store)
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	teacherA := mustTenantRole(t, store, tenantA, RoleTeacher, nil)
	teacherB := mustTenantRole(t, store, tenantB, RoleTeacher, nil)
	gradeA := mustPermission(t, store, "schools", VerbUpdate, "grade")
	mustAttach(t, store, teacherA, gradeA)

	userB := newUser(&tenantB)
	mustAssign(t, store, userB, teacherB)

	ok, err := engine.HasPermission(ctx, userB, gradeA.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_CacheInvalidatedByMutations(t *testing.T) {
	store, _ := newTestStore(t)
	cache := NewMemoryCache(100, time.Minute)
	engine := NewEngine(store, WithCache(cache))
	ctx := context.Background()
	tenantID := uuid.New()

	role := mustTenantRole(t, store, tenantID, RoleTeacher, nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")
	user := newUser(&tenantID)

	ok, err := engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.False(t, ok)
	_, cached, _ := cache.Get(ctx, user.ID)
	assert.True(t, cached)

	mustAssign(t, store, user, role)
	mustAttach(t, store, role, perm)

	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RevokeRole(ctx, user.ID, role.ID))
	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_ConcurrentChecks(t *testing.T) {
	store, _ := newTestStore(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(store, WithCache(NewMemoryCache(100, time.Minute)), WithMetrics(metrics))
	ctx := context.Background()
	tenantID := uuid.New()

	role := mustTenantRole(t, store, tenantID, RoleTeacher, nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")
	mustAttach(t, store, role, perm)

	users := make([]*auth.User, 4)
	for i := range users {
		users[i] = newUser(&tenantID)
		mustAssign(t, store, users[i], role)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := engine.HasPermission(ctx, users[i%len(users)], perm.Name)
			if err == nil && !ok {
				err = assert.AnError
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestEngine_CachedSnapshotHonorsExpiry(t *testing.T) {
	store, clock := newTestStore(t)
	engine := NewEngine(store, WithCache(NewMemoryCache(100, time.Hour)))
	ctx := context.Background()
	tenantID := uuid.New()

	perm := mustPermission(t, store, "schools", VerbView, "student")
	substitute := mustTenantRole(t, store, tenantID, "substitute", nil)
	mustAttach(t, store, substitute, perm)

	user := newUser(&tenantID)
	assignExpiry := clock.Now().Add(time.Minute)
	_, err := store.AssignRole(ctx, user, substitute.ID, nil, &assignExpiry)
	require.NoError(t, err)

	ok, err := engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.True(t, ok)
	snap, cached, _ := engine.cache.Get(ctx, user.ID)
	require.True(t, cached)
	require.NotNil(t, snap.ValidUntil)
	assert.True(t, assignExpiry.Equal(*snap.ValidUntil))

	clock.Advance(2 * time.Minute)
	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.False(t, ok, "assignment expired while cached")
	ok, err = engine.HasRole(ctx, user, "substitute")
	require.NoError(t, err)
	assert.False(t, ok)

	// an expiring grant bounds the snapshot the same way
	reviewer := mustTenantRole(t, store, tenantID, "reviewer", nil)
	grade := mustPermission(t, store, "schools", VerbUpdate, "grade")
	grantExpiry := clock.Now().Add(time.Minute)
	_, err = store.AttachPermission(ctx, reviewer.ID, grade.ID, nil, &grantExpiry)
	require.NoError(t, err)
	mustAssign(t, store, user, reviewer)

	ok, err = engine.HasPermission(ctx, user, grade.Name)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = engine.HasPermission(ctx, user, grade.Name)
	require.NoError(t, err)
	assert.False(t, ok, "grant expired while cached")
	ok, err = engine.HasRole(ctx, user, "reviewer")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_InvalidationBeatsInFlightResolution(t *testing.T) {
	store, _ := newTestStore(t)
	cache := NewMemoryCache(100, time.Hour)
	engine := NewEngine(store, WithCache(cache))
	ctx := context.Background()
	user := newUser(nil)

	// a resolution that read the ledger before the user was invalidated
	gen := engine.generation(user.ID)
	require.NoError(t, engine.Invalidate(ctx, user.ID))
	engine.cacheSnapshot(ctx, user.ID, gen, testSnapshot())
	_, cached, _ := cache.Get(ctx, user.ID)
	assert.False(t, cached)

	// the same against a global invalidation
	gen = engine.generation(user.ID)
	require.NoError(t, engine.InvalidateAll(ctx))
	engine.cacheSnapshot(ctx, user.ID, gen, testSnapshot())
	_, cached, _ = cache.Get(ctx, user.ID)
	assert.False(t, cached)

	// generations only move forward
	before := engine.generation(user.ID)
	require.NoError(t, engine.Invalidate(ctx, user.ID))
	afterUser := engine.generation(user.ID)
	require.NoError(t, engine.InvalidateAll(ctx))
	assert.Greater(t, afterUser, before)
	assert.Greater(t, engine.generation(user.ID), afterUser)

	// with no invalidation in between the write lands
	engine.cacheSnapshot(ctx, user.ID, engine.generation(user.ID), testSnapshot())
	_, cached, _ = cache.Get(ctx, user.ID)
	assert.True(t, cached)
}
