package auth

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE,
			username TEXT NOT NULL,
			email TEXT,
			tenant_id TEXT,
			user_type TEXT NOT NULL,
			is_superuser BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_CreateAndGetUser(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	tenantID := uuid.New()
	user := &User{
		Username: "teacher1",
		Email:    "teacher1@school.example",
		TenantID: &tenantID,
		UserType: UserTypeTeacher,
		IsActive: true,
	}
	require.NoError(t, store.CreateUser(ctx, user, "oidc|teacher1"))
	assert.NotEqual(t, uuid.Nil, user.ID)

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "teacher1", got.Username)
	assert.Equal(t, UserTypeTeacher, got.UserType)
	require.NotNil(t, got.TenantID)
	assert.Equal(t, tenantID, *got.TenantID)
	assert.True(t, got.BelongsTo(tenantID))
	assert.False(t, got.BelongsTo(uuid.New()))

	byExternal, err := store.GetUserByExternalID(ctx, "oidc|teacher1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byExternal.ID)
}

func TestStore_PlatformSuperuserHasNoTenant(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	root := &User{Username: "root", UserType: UserTypeAdmin, IsSuperuser: true, IsActive: true}
	require.NoError(t, store.CreateUser(ctx, root, ""))

	got, err := store.GetUser(ctx, root.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TenantID)
	assert.True(t, got.IsSuperuser)
	assert.False(t, got.BelongsTo(uuid.New()))
}

func TestStore_NotFound(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	_, err := store.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = store.GetUserByExternalID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.ErrorIs(t, store.SetActive(ctx, uuid.New(), false), ErrUserNotFound)
}

func TestStore_SetActive(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	user := &User{Username: "staff1", UserType: UserTypeStaff, IsActive: true}
	require.NoError(t, store.CreateUser(ctx, user, ""))
	require.NoError(t, store.SetActive(ctx, user.ID, false))

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestUserFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, UserFromContext(ctx))

	user := &User{ID: uuid.New(), Username: "parent1", UserType: UserTypeParent, IsActive: true}
	ctx = WithUser(ctx, user)
	assert.Same(t, user, UserFromContext(ctx))
}

func TestUserType_Valid(t *testing.T) {
	assert.True(t, UserTypeStudent.Valid())
	assert.False(t, UserType("janitor").Valid())
}

func TestStore_ListUsers(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	north, south := uuid.New(), uuid.New()

	for _, u := range []*User{
		{Username: "carol", TenantID: &north, UserType: UserTypeTeacher, IsActive: true},
		{Username: "alice", TenantID: &north, UserType: UserTypeStudent, IsActive: true},
		{Username: "bob", TenantID: &south, UserType: UserTypeParent, IsActive: true},
		{Username: "root", UserType: UserTypeAdmin, IsSuperuser: true, IsActive: true},
	} {
		require.NoError(t, store.CreateUser(ctx, u, ""))
	}

	all, err := store.ListUsers(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "alice", all[0].Username)

	inNorth, err := store.ListUsers(ctx, "tenant_id = $1", north)
	require.NoError(t, err)
	require.Len(t, inNorth, 2)
	assert.Equal(t, "carol", inNorth[1].Username)
	assert.Equal(t, &north, inNorth[0].ScopeTenantID())

	none, err := store.ListUsers(ctx, "1=0")
	require.NoError(t, err)
	assert.Empty(t, none)
}
