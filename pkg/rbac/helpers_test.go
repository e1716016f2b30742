package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/storage/storagetest"
	"github.com/stretchr/testify/require"
)

// testClock is a settable time source shared by a store under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	return NewStore(storagetest.NewSQLite(t), WithClock(clock.Now)), clock
}

func mustPermission(t *testing.T, s *Store, domain string, verb Verb, resource string) *Permission {
	t.Helper()
	p, err := s.RegisterPermission(context.Background(), PermissionSpec{Domain: domain, Verb: verb, Resource: resource})
	require.NoError(t, err)
	return p
}

func mustSystemRole(t *testing.T, s *Store, name string, parent *int64) *Role {
	t.Helper()
	r, err := s.CreateRole(context.Background(), RoleSpec{Name: name, RoleType: RoleTypeSystem, ParentRoleID: parent, IsSystem: true})
	require.NoError(t, err)
	return r
}

func mustTenantRole(t *testing.T, s *Store, tenantID uuid.UUID, name string, parent *int64) *Role {
	t.Helper()
	r, err := s.CreateRole(context.Background(), RoleSpec{Name: name, RoleType: RoleTypeTenant, TenantID: &tenantID, ParentRoleID: parent})
	require.NoError(t, err)
	return r
}

func mustAttach(t *testing.T, s *Store, role *Role, perm *Permission) {
	t.Helper()
	_, err := s.AttachPermission(context.Background(), role.ID, perm.ID, nil, nil)
	require.NoError(t, err)
}

func mustAssign(t *testing.T, s *Store, user *auth.User, role *Role) {
	t.Helper()
	_, err := s.AssignRole(context.Background(), user, role.ID, nil, nil)
	require.NoError(t, err)
}

func newUser(tenantID *uuid.UUID) *auth.User {
	return &auth.User{
		ID:       uuid.New(),
		Username: "user-" + uuid.NewString()[:8],
		TenantID: tenantID,
		UserType: auth.UserTypeTeacher,
		IsActive: true,
	}
}

func int64Ptr(v int64) *int64 { return &v }
