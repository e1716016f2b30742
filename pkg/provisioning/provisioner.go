package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/async"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/bootstrap"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	defaultTimeout   = 2 * time.Minute
)

// TenantSource is the part of the tenant registry provisioning reads
type TenantSource interface {
	GetActiveByID(ctx context.Context, id uuid.UUID) (*tenants.Tenant, error)
	List(ctx context.Context, activeOnly bool) ([]*tenants.Tenant, error)
}

// Seeder creates the built-in roles of one tenant. *bootstrap.Seeder implements it.
type Seeder interface {
	CreateTenantRoles(ctx context.Context, tenant *tenants.Tenant) (*bootstrap.Report, error)
	HasTenantRoles(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// Provisioner sets up the built-in roles of new tenants in the background
type Provisioner struct {
	seeder      Seeder
	tenants     TenantSource
	pool        *async.Pool
	workers     int
	metrics     *observability.Metrics
	auditLogger audit.Logger
	logger      *observability.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
}

type options struct {
	workers     int
	queueSize   int
	timeout     time.Duration
	metrics     *observability.Metrics
	auditLogger audit.Logger
	logger      *observability.Logger
}

// Option configures a Provisioner
type Option func(*options)

// WithWorkers sets the number of concurrent provisioning jobs
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize bounds the number of waiting jobs
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithJobTimeout bounds one tenant's provisioning
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMetrics records job outcomes and queue depth
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditLogger records every provisioning run
func WithAuditLogger(l audit.Logger) Option {
	return func(o *options) { o.auditLogger = l }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New starts a provisioner whose workers live until Shutdown or until ctx ends
func New(ctx context.Context, seeder Seeder, source TenantSource, opts ...Option) *Provisioner {
	o := options{
		workers:     defaultWorkers,
		queueSize:   defaultQueueSize,
		timeout:     defaultTimeout,
		auditLogger: audit.NoOpLogger{},
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provisioner{
		seeder:      seeder,
		tenants:     source,
		workers:     o.workers,
		metrics:     o.metrics,
		auditLogger: o.auditLogger,
		logger:      o.logger,
		inflight:    make(map[uuid.UUID]bool),
	}
	p.pool = async.NewPool(ctx, "provisioning", o.workers, o.queueSize, o.timeout,
		async.WithPoolLogger(o.logger),
		async.WithDepthHook(o.metrics.SetProvisioningQueueDepth),
	)
	return p
}

// Enqueue schedules tenantID for provisioning. A tenant already queued or
// running is not queued twice.
func (p *Provisioner) Enqueue(_ context.Context, tenantID uuid.UUID) error {
	if !p.claim(tenantID) {
		return nil
	}
	err := p.pool.Submit(func(ctx context.Context) error {
		defer p.release(tenantID)
		return p.Provision(ctx, tenantID)
	})
	if err != nil {
		p.release(tenantID)
		return fmt.Errorf("failed to enqueue tenant %s: %w", tenantID, err)
	}
	return nil
}

// Provision creates the tenant's built-in roles now. Safe to repeat.
func (p *Provisioner) Provision(ctx context.Context, tenantID uuid.UUID) error {
	start := time.Now()
	logger := p.logger.WithField("tenant_id", tenantID.String())

	tenant, err := p.tenants.GetActiveByID(ctx, tenantID)
	if err != nil {
		p.metrics.ObserveProvisioning(err)
		return fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	report, err := p.seeder.CreateTenantRoles(ctx, tenant)
	p.metrics.ObserveProvisioning(err)

	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	id := tenant.ID
	event := audit.NewEvent(ctx, audit.ActionTenantProvision, status).
		WithObject("tenant", tenant.ID.String())
	event.TenantID = &id
	if report != nil {
		event = event.WithChanges(map[string]interface{}{
			"roles_created":  report.RolesCreated,
			"grants_created": report.GrantsCreated,
		})
	}
	if err != nil {
		event = event.WithMessage(err.Error())
	}
	if auditErr := p.auditLogger.Log(ctx, event); auditErr != nil {
		logger.WithError(auditErr).Warn("Failed to record provisioning")
	}

	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"subdomain":   tenant.Subdomain,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Tenant provisioned")
	return nil
}

// Reconcile provisions every active tenant that lacks its tenant_admin role
// and returns how many it provisioned. One tenant failing does not stop the rest.
func (p *Provisioner) Reconcile(ctx context.Context) (int, error) {
	list, err := p.tenants.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	var (
		mu    sync.Mutex
		count int
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, tenant := range list {
		tenant := tenant
		g.Go(func() error {
			done, err := p.seeder.HasTenantRoles(gctx, tenant.ID)
			if err == nil && done {
				return nil
			}
			if err == nil {
				err = p.Provision(gctx, tenant.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.Subdomain, err))
				return nil
			}
			count++
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return count, errors.Join(errs...)
	}
	return count, nil
}

// Schedule registers Reconcile on c with a cron spec
func (p *Provisioner) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		n, err := p.Reconcile(ctx)
		if err != nil {
			p.logger.WithError(err).Error("Tenant reconciliation failed")
		}
		if n > 0 {
			p.logger.WithField("provisioned", n).Info("Tenant reconciliation provisioned tenants")
		}
	})
}

// Shutdown stops accepting tenants and waits for queued ones
func (p *Provisioner) Shutdown(timeout time.Duration) error {
	return p.pool.Shutdown(timeout)
}

func (p *Provisioner) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Provisioner) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}
