package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/bootstrap"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/storage/storagetest"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
apps:
  - domain: schools
    models: [{name: student, plural: students}]
tenant_roles:
  - name: tenant_admin
    grants: {all: true}
  - name: teacher
    grants: {verbs: [view]}
`

type capturingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *capturingAudit) Log(_ context.Context, e *audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type fixture struct {
	tenants  *tenants.Store
	roles    *rbac.Store
	seeder   *bootstrap.Seeder
	metrics  *observability.Metrics
	auditLog *capturingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.NewSQLite(t)
	catalog, err := bootstrap.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	roles := rbac.NewStore(db)
	seeder, err := bootstrap.NewSeeder(roles, catalog)
	require.NoError(t, err)
	_, err = seeder.SeedPermissions(context.Background())
	require.NoError(t, err)

	return &fixture{
		tenants:  tenants.NewStore(db),
		roles:    roles,
		seeder:   seeder,
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		auditLog: &capturingAudit{},
	}
}

func (f *fixture) provisioner(t *testing.T, seeder Seeder) *Provisioner {
	t.Helper()
	p := New(context.Background(), seeder, f.tenants,
		WithWorkers(2),
		WithMetrics(f.metrics),
		WithAuditLogger(f.auditLog),
	)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func (f *fixture) createTenant(t *testing.T, subdomain string) *tenants.Tenant {
	t.Helper()
	tenant, err := f.tenants.Create(context.Background(), tenants.CreateRequest{Name: subdomain, Subdomain: subdomain})
	require.NoError(t, err)
	return tenant
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.provisioner(t, f.seeder)
	tenant := f.createTenant(t, "north")

	require.NoError(t, p.Provision(ctx, tenant.ID))

	admin, err := f.roles.GetRoleByName(ctx, rbac.RoleTenantAdmin, &tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, *admin.TenantID)

	require.Len(t, f.auditLog.events, 1)
	event := f.auditLog.events[0]
	assert.Equal(t, audit.ActionTenantProvision, event.Action)
	assert.Equal(t, audit.StatusSuccess, event.Status)
	assert.Equal(t, tenant.ID, *event.TenantID)
	assert.Equal(t, 2, event.Changes["roles_created"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProvisioningJobsTotal.WithLabelValues("success")))

	// repeat is a no-op
	require.NoError(t, p.Provision(ctx, tenant.ID))
	assert.Equal(t, 0, f.auditLog.events[1].Changes["roles_created"])

	err = p.Provision(ctx, uuid.New())
	assert.ErrorIs(t, err, tenants.ErrNotFound)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProvisioningJobsTotal.WithLabelValues("failure")))
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.provisioner(t, f.seeder)
	north := f.createTenant(t, "north")
	south := f.createTenant(t, "south")

	require.NoError(t, p.Enqueue(ctx, north.ID))
	require.NoError(t, p.Enqueue(ctx, south.ID))
	require.NoError(t, p.Shutdown(5*time.Second))

	for _, id := range []uuid.UUID{north.ID, south.ID} {
		has, err := f.seeder.HasTenantRoles(ctx, id)
		require.NoError(t, err)
		assert.True(t, has)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ProvisioningQueueDepth))

	assert.Error(t, p.Enqueue(ctx, north.ID))
}

type blockingSeeder struct {
	release chan struct{}
	started chan uuid.UUID
	mu      sync.Mutex
	calls   int
}

func (s *blockingSeeder) CreateTenantRoles(_ context.Context, tenant *tenants.Tenant) (*bootstrap.Report, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.started <- tenant.ID
	<-s.release
	return &bootstrap.Report{}, nil
}

func (s *blockingSeeder) HasTenantRoles(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func TestEnqueue_DeduplicatesInflightTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seeder := &blockingSeeder{release: make(chan struct{}), started: make(chan uuid.UUID, 4)}
	p := f.provisioner(t, seeder)
	tenant := f.createTenant(t, "north")

	require.NoError(t, p.Enqueue(ctx, tenant.ID))
	<-seeder.started
	require.NoError(t, p.Enqueue(ctx, tenant.ID))
	close(seeder.release)
	require.NoError(t, p.Shutdown(time.Second))

	assert.Equal(t, 1, seeder.calls)
}

type flakySeeder struct {
	*bootstrap.Seeder
	fail uuid.UUID
}

func (s flakySeeder) CreateTenantRoles(ctx context.Context, tenant *tenants.Tenant) (*bootstrap.Report, error) {
	if tenant.ID == s.fail {
		return nil, errors.New("seed failed")
	}
	return s.Seeder.CreateTenantRoles(ctx, tenant)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	north := f.createTenant(t, "north")
	south := f.createTenant(t, "south")
	east := f.createTenant(t, "east")
	gone := f.createTenant(t, "gone")
	require.NoError(t, f.tenants.Deactivate(ctx, gone.ID))

	_, err := f.seeder.CreateTenantRoles(ctx, north)
	require.NoError(t, err)

	p := f.provisioner(t, flakySeeder{Seeder: f.seeder, fail: east.ID})
	n, err := p.Reconcile(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "east")
	assert.Equal(t, 1, n)

	has, err := f.seeder.HasTenantRoles(ctx, south.ID)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = f.seeder.HasTenantRoles(ctx, gone.ID)
	require.NoError(t, err)
	assert.False(t, has)

	p = f.provisioner(t, f.seeder)
	n, err = p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner(t, f.seeder)
	c := cron.New()

	_, err := p.Schedule(context.Background(), c, "*/5 * * * *")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = p.Schedule(context.Background(), c, "not a schedule")
	assert.Error(t, err)
}
