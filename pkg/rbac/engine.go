package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Engine answers authorization questions over the ledger. It holds no state
// besides the optional cache and is safe for concurrent use.
type Engine struct {
	store   *Store
	cache   Cache
	group   singleflight.Group
	metrics *observability.Metrics

	// generations order resolutions against invalidations. Every invalidation
	// takes a fresh counter value; a resolution may only be cached while the
	// generation it started under is still current.
	genMu    sync.RWMutex
	counter  uint64
	allGen   uint64
	userGens map[uuid.UUID]uint64
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCache enables snapshot caching
func WithCache(c Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records decisions and resolution latency
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine and registers it as the store's invalidator
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store, userGens: make(map[uuid.UUID]uint64)}
	for _, opt := range opts {
		opt(e)
	}
	store.SetInvalidator(e)
	return e
}

// Store returns the underlying ledger
func (e *Engine) Store() *Store {
	return e.store
}

// EffectivePermissions returns every permission user holds, deduplicated and sorted by name.
// Superusers hold every active permission.
func (e *Engine) EffectivePermissions(ctx context.Context, user *auth.User) ([]Permission, error) {
	if user == nil {
		return nil, ErrNilPrincipal
	}
	ctx, span := e.startSpan(ctx, "rbac.EffectivePermissions", user)
	defer span.End()

	if user.IsSuperuser {
		perms, err := e.store.ListPermissions(ctx, PermissionFilter{ActiveOnly: true})
		recordSpanError(span, err)
		return perms, err
	}

	snap, err := e.snapshot(ctx, user)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return snap.Permissions, nil
}

// HasPermission reports whether user holds the named permission. Unknown names are simply absent.
func (e *Engine) HasPermission(ctx context.Context, user *auth.User, name string) (bool, error) {
	result, err := e.CheckPermission(ctx, user, name)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// CheckPermission is HasPermission with an explanation
func (e *Engine) CheckPermission(ctx context.Context, user *auth.User, name string) (*CheckResult, error) {
	if user == nil {
		return nil, ErrNilPrincipal
	}
	ctx, span := e.startSpan(ctx, "rbac.CheckPermission", user)
	defer span.End()
	span.SetAttributes(attribute.String("rbac.permission", name))

	result := &CheckResult{Permission: name, CheckedAt: time.Now().UTC()}

	if user.IsSuperuser {
		result.Allowed = true
		result.Reason = "superuser"
		e.metrics.ObserveDecision("permission", true, nil)
		return result, nil
	}

	snap, err := e.snapshot(ctx, user)
	e.metrics.ObserveDecision("permission", err == nil && snap.has(name), err)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if roles, ok := snap.Sources[name]; ok {
		result.Allowed = true
		result.MatchedRoles = roles
		if len(roles) == 0 {
			result.Reason = "global permission"
		} else {
			result.Reason = fmt.Sprintf("granted by roles: %v", roles)
		}
	} else {
		result.Reason = "no matching role found"
	}
	span.SetAttributes(attribute.Bool("rbac.allowed", result.Allowed))
	return result, nil
}

// HasRole reports whether user is directly and validly assigned the named role.
// Inherited ancestors do not count.
func (e *Engine) HasRole(ctx context.Context, user *auth.User, roleName string) (bool, error) {
	if user == nil {
		return false, ErrNilPrincipal
	}
	ctx, span := e.startSpan(ctx, "rbac.HasRole", user)
	defer span.End()
	span.SetAttributes(attribute.String("rbac.role", roleName))

	snap, err := e.snapshot(ctx, user)
	e.metrics.ObserveDecision("role", err == nil && snap.hasRole(roleName), err)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	return snap.hasRole(roleName), nil
}

// RoleNames returns the names of the roles directly and validly assigned to user
func (e *Engine) RoleNames(ctx context.Context, user *auth.User) ([]string, error) {
	if user == nil {
		return nil, ErrNilPrincipal
	}
	snap, err := e.snapshot(ctx, user)
	if err != nil {
		return nil, err
	}
	return snap.Roles, nil
}

// Invalidate drops the cached snapshot of one user
func (e *Engine) Invalidate(ctx context.Context, userID uuid.UUID) error {
	e.genMu.Lock()
	e.counter++
	e.userGens[userID] = e.counter
	e.genMu.Unlock()

	if e.cache == nil {
		return nil
	}
	e.metrics.ObserveInvalidation(e.cache.Backend(), "user")
	return e.cache.Invalidate(ctx, userID)
}

// InvalidateAll drops every cached snapshot
func (e *Engine) InvalidateAll(ctx context.Context) error {
	e.genMu.Lock()
	e.counter++
	e.allGen = e.counter
	e.userGens = make(map[uuid.UUID]uint64)
	e.genMu.Unlock()

	if e.cache == nil {
		return nil
	}
	e.metrics.ObserveInvalidation(e.cache.Backend(), "all")
	return e.cache.InvalidateAll(ctx)
}

func (e *Engine) generation(userID uuid.UUID) uint64 {
	e.genMu.RLock()
	defer e.genMu.RUnlock()
	return e.genLocked(userID)
}

func (e *Engine) genLocked(userID uuid.UUID) uint64 {
	if gen, ok := e.userGens[userID]; ok && gen > e.allGen {
		return gen
	}
	return e.allGen
}

// snapshot returns the cached snapshot of user or resolves it. Concurrent
// misses for one user under one generation share a single resolution, so a
// caller arriving after an invalidation never joins a flight that started
// before it. Cache failures degrade to resolving.
func (e *Engine) snapshot(ctx context.Context, user *auth.User) (*Snapshot, error) {
	logger := observability.FromContext(ctx)

	if e.cache != nil {
		snap, ok, err := e.cache.Get(ctx, user.ID)
		if err != nil {
			logger.WithError(err).Warn("permission cache read failed")
		}
		if ok && snap.Stale(e.store.now()) {
			ok = false
		}
		e.metrics.ObserveCache(e.cache.Backend(), ok)
		if ok {
			return snap, nil
		}
	}

	gen := e.generation(user.ID)
	v, err, _ := e.group.Do(fmt.Sprintf("%s:%d", user.ID, gen), func() (interface{}, error) {
		start := time.Now()
		snap, err := e.resolve(ctx, user)
		e.metrics.ObserveResolution("store", time.Since(start))
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cacheSnapshot(ctx, user.ID, gen, snap)
		}
		return snap, nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to resolve permissions")
		return nil, err
	}
	return v.(*Snapshot), nil
}

// cacheSnapshot writes snap unless an invalidation ran since gen was read. The
// read lock keeps the check and the write on one side of any invalidation.
func (e *Engine) cacheSnapshot(ctx context.Context, userID uuid.UUID, gen uint64, snap *Snapshot) {
	e.genMu.RLock()
	defer e.genMu.RUnlock()
	if e.genLocked(userID) != gen {
		return
	}
	if err := e.cache.Set(ctx, userID, snap); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("permission cache write failed")
	}
}

// resolve walks direct roles and their ancestors and unions their valid grants
// with the active global permissions.
func (e *Engine) resolve(ctx context.Context, user *auth.User) (*Snapshot, error) {
	held, err := e.store.heldRoles(ctx, user)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Roles:      make([]string, 0, len(held)),
		Sources:    make(map[string][]string),
		ResolvedAt: time.Now().UTC(),
	}

	roleNames := make(map[int64]string)
	var roleIDs []int64
	for i := range held {
		role := &held[i].Role
		snap.Roles = append(snap.Roles, role.Name)
		snap.ValidUntil = earliest(snap.ValidUntil, held[i].expiresAt)
		if _, seen := roleNames[role.ID]; !seen {
			roleNames[role.ID] = role.Name
			roleIDs = append(roleIDs, role.ID)
		}

		ancestors, err := e.store.AncestorsOf(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			// inactive ancestors contribute nothing but the walk continues past them
			if !a.IsActive {
				continue
			}
			if _, seen := roleNames[a.ID]; !seen {
				roleNames[a.ID] = a.Name
				roleIDs = append(roleIDs, a.ID)
			}
		}
	}

	granted, err := e.store.grantedPermissions(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	globals, err := e.store.ListPermissions(ctx, PermissionFilter{GlobalOnly: true, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Permission, len(granted)+len(globals))
	for name, g := range granted {
		byName[name] = g.permission
		names := make([]string, 0, len(g.roleIDs))
		for _, id := range g.roleIDs {
			names = append(names, roleNames[id])
		}
		sort.Strings(names)
		snap.Sources[name] = names
		snap.ValidUntil = earliest(snap.ValidUntil, g.expiresAt)
	}
	for _, p := range globals {
		if _, ok := byName[p.Name]; !ok {
			byName[p.Name] = p
			snap.Sources[p.Name] = []string{}
		}
	}

	snap.Permissions = make([]Permission, 0, len(byName))
	for _, p := range byName {
		snap.Permissions = append(snap.Permissions, p)
	}
	sort.Slice(snap.Permissions, func(i, j int) bool {
		return snap.Permissions[i].Name < snap.Permissions[j].Name
	})
	sort.Strings(snap.Roles)
	return snap, nil
}

func (s *Snapshot) has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Sources[name]
	return ok
}

func (s *Snapshot) hasRole(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == name {
			return true
		}
	}
	return false
}

func (e *Engine) startSpan(ctx context.Context, name string, user *auth.User) (context.Context, trace.Span) {
	ctx, span := observability.Tracer().Start(ctx, name)
	if user != nil {
		span.SetAttributes(
			attribute.String("user.id", user.ID.String()),
			attribute.Bool("user.superuser", user.IsSuperuser),
		)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
