package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCache(client, ttl), mr
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Roles:       []string{"teacher"},
		Permissions: []Permission{{ID: 1, Name: "schools.view_student", Verb: VerbView, Domain: "schools", Resource: "student", IsActive: true}},
		Sources:     map[string][]string{"schools.view_student": {"teacher"}},
		ResolvedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10, time.Minute)
	a, b := uuid.New(), uuid.New()

	_, ok, err := cache.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, a, testSnapshot()))
	require.NoError(t, cache.Set(ctx, b, testSnapshot()))
	snap, ok, err := cache.Get(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"teacher"}, snap.Roles)

	require.NoError(t, cache.Invalidate(ctx, a))
	_, ok, _ = cache.Get(ctx, a)
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, b)
	assert.True(t, ok)

	require.NoError(t, cache.InvalidateAll(ctx))
	_, ok, _ = cache.Get(ctx, b)
	assert.False(t, ok)
	assert.Equal(t, "memory", cache.Backend())
}

func TestMemoryCache_Expires(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10, 20*time.Millisecond)
	id := uuid.New()

	require.NoError(t, cache.Set(ctx, id, testSnapshot()))
	assert.Eventually(t, func() bool {
		_, ok, _ := cache.Get(ctx, id)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)
	id := uuid.New()

	_, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, id, testSnapshot()))
	assert.True(t, mr.Exists("campusgate:perms:0:"+id.String()))

	snap, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testSnapshot().Sources, snap.Sources)
	assert.Equal(t, "schools.view_student", snap.Permissions[0].Name)
	assert.True(t, testSnapshot().ResolvedAt.Equal(snap.ResolvedAt))
	assert.Equal(t, "redis", cache.Backend())
}

func TestRedisCache_TTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, 30*time.Second)
	id := uuid.New()

	require.NoError(t, cache.Set(ctx, id, testSnapshot()))
	mr.FastForward(31 * time.Second)

	_, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Invalidation(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupRedisCache(t, time.Minute)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, cache.Set(ctx, a, testSnapshot()))
	require.NoError(t, cache.Set(ctx, b, testSnapshot()))

	require.NoError(t, cache.Invalidate(ctx, a))
	_, ok, _ := cache.Get(ctx, a)
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, b)
	assert.True(t, ok)

	// bumping the generation orphans every key at once
	require.NoError(t, cache.InvalidateAll(ctx))
	_, ok, _ = cache.Get(ctx, b)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, b, testSnapshot()))
	_, ok, _ = cache.Get(ctx, b)
	assert.True(t, ok)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)
	id := uuid.New()

	require.NoError(t, mr.Set("campusgate:perms:0:"+id.String(), "{not json"))
	_, ok, err := cache.Get(ctx, id)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestEngine_RedisOutageFallsBackToStore(t *testing.T) {
	store, _ := newTestStore(t)
	cache, mr := setupRedisCache(t, time.Minute)
	engine := NewEngine(store, WithCache(cache))
	ctx := context.Background()
	tenantID := uuid.New()

	role := mustTenantRole(t, store, tenantID, RoleTeacher, nil)
	perm := mustPermission(t, store, "schools", VerbView, "student")
	mustAttach(t, store, role, perm)
	user := newUser(&tenantID)
	mustAssign(t, store, user, role)

	ok, err := engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.Close()

	// reads and mutations keep working while the cache is unreachable
	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, store.RevokeRole(ctx, user.ID, role.ID))
	ok, err = engine.HasPermission(ctx, user, perm.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}
