package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/tenants"
)

// Rule declares what an endpoint requires
type Rule struct {
	// Resource and Operation derive the required permission. An empty Operation
	// is derived from the HTTP method.
	Resource  Resource
	Operation Operation

	// Permission overrides the derived permission name
	Permission string

	// Public endpoints skip every check
	Public bool

	// TenantRequired rejects requests that resolved no tenant
	TenantRequired bool

	// Require lists extra predicates that must all hold
	Require []Predicate
}

func (r Rule) permission(op Operation) string {
	if r.Permission != "" {
		return r.Permission
	}
	if r.Resource.IsZero() {
		return ""
	}
	return r.Resource.Permission(op)
}

// Gate runs the per-request authorization sequence: authentication, tenant
// presence, superuser bypass, capability, extra predicates, object scope.
type Gate struct {
	authz       Authorizer
	outOfScope  int
	metrics     *observability.Metrics
	auditLogger audit.Logger
}

// GateOption configures a Gate
type GateOption func(*Gate)

// WithOutOfScopeStatus sets the status for objects of another tenant, 403 or 404
func WithOutOfScopeStatus(status int) GateOption {
	return func(g *Gate) {
		if status == http.StatusNotFound || status == http.StatusForbidden {
			g.outOfScope = status
		}
	}
}

// WithMetrics records denials
func WithMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithAuditLogger records denials as audit events
func WithAuditLogger(l audit.Logger) GateOption {
	return func(g *Gate) { g.auditLogger = l }
}

// NewGate creates a gate asking authz for capabilities
func NewGate(authz Authorizer, opts ...GateOption) *Gate {
	g := &Gate{
		authz:       authz,
		outOfScope:  http.StatusForbidden,
		auditLogger: audit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates rule against req. It returns nil to allow, one of the Err*
// sentinels to deny, and any other error when a check could not be completed.
func (g *Gate) Check(ctx context.Context, rule Rule, req *Request) error {
	if rule.Public {
		return nil
	}
	req.authz = g.authz
	if req.Resource.IsZero() {
		req.Resource = rule.Resource
	}
	if req.Operation == "" {
		req.Operation = rule.Operation
	}
	if req.Operation == "" {
		req.Operation = OperationFor(req.Method, req.Object != nil)
	}

	if !req.authenticated() {
		return ErrUnauthenticated
	}
	if rule.TenantRequired && req.Tenant == nil {
		return ErrTenantRequired
	}
	if req.Principal.IsSuperuser {
		return nil
	}

	if name := rule.permission(req.Operation); name != "" {
		ok, err := req.HasPermission(ctx, name)
		if err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, name)
		}
	}

	if len(rule.Require) > 0 {
		ok, err := All(rule.Require...)(ctx, req)
		if err != nil {
			return fmt.Errorf("evaluate predicates: %w", err)
		}
		if !ok {
			return ErrPermissionDenied
		}
	}

	if req.Object != nil && !inScope(req.Principal, req.Object) {
		return ErrObjectOutOfScope
	}
	return nil
}

// StatusFor maps a Check error to the HTTP status this gate answers with
func (g *Gate) StatusFor(err error) int {
	if errors.Is(err, ErrObjectOutOfScope) {
		return g.outOfScope
	}
	return StatusFor(err)
}

// Middleware guards a collection or create endpoint with rule. Single-object
// handlers call AuthorizeObject once the object is loaded.
func (g *Gate) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := newRequest(r, rule, nil)
			if err := g.Check(r.Context(), rule, req); err != nil {
				g.WriteDenial(w, r, req, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthorizeObject checks rule against obj. On denial it writes the answer and
// returns false; the handler must stop.
func (g *Gate) AuthorizeObject(w http.ResponseWriter, r *http.Request, rule Rule, obj interface{}) bool {
	req := newRequest(r, rule, obj)
	if err := g.Check(r.Context(), rule, req); err != nil {
		g.WriteDenial(w, r, req, err)
		return false
	}
	return true
}

// WriteDenial answers a failed Check. Bodies never say which capability was missing.
func (g *Gate) WriteDenial(w http.ResponseWriter, r *http.Request, req *Request, err error) {
	ctx := r.Context()
	logger := observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	if req != nil && req.Principal != nil {
		logger = logger.WithField("user_id", req.Principal.ID.String())
	}

	status := g.StatusFor(err)
	reason := denialReason(err)
	g.metrics.ObserveDenial(reason)

	if reason == "error" {
		logger.Error("Authorization check failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Permission check failed")
		return
	}
	logger.WithField("reason", reason).Warn("Access denied")

	event := audit.NewEvent(ctx, audit.ActionAccessDenied, audit.StatusFailure).
		WithRequest(r).
		WithMessage(err.Error())
	if req != nil {
		event = event.WithChanges(map[string]interface{}{
			"reason":    reason,
			"resource":  req.Resource.Domain + "." + req.Resource.Name,
			"operation": string(req.Operation),
		})
		if req.Principal != nil {
			id := req.Principal.ID
			event.UserID = &id
		}
	}
	if auditErr := g.auditLogger.Log(ctx, event); auditErr != nil {
		logger.WithError(auditErr).Warn("Failed to record access denial")
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		httputil.WriteErrorMessage(w, status, "Authentication required")
	case errors.Is(err, ErrTenantRequired):
		httputil.WriteErrorResponse(w, status, tenants.TenantRequired)
	case status == http.StatusNotFound:
		httputil.WriteErrorMessage(w, status, "Not found")
	default:
		httputil.WriteErrorMessage(w, status, "Permission denied")
	}
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrTenantRequired):
		return "tenant_required"
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrObjectOutOfScope):
		return "out_of_scope"
	}
	return "error"
}
