package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/middleware"
	"github.com/platinummonkey/campusgate/pkg/observability"
	"github.com/platinummonkey/campusgate/pkg/policy"
	"github.com/platinummonkey/campusgate/pkg/rbac"
	"github.com/platinummonkey/campusgate/pkg/tenants"
	"github.com/prometheus/client_golang/prometheus"
)

// AuditLogPermission guards the audit trail routes
const AuditLogPermission = "core.view_auditlog"

var (
	userResource = policy.Resource{Domain: "accounts", Name: "user"}

	listUsersRule = policy.Rule{Resource: userResource, Operation: policy.OpList, TenantRequired: true}
	getUserRule   = policy.Rule{Resource: userResource, Operation: policy.OpRetrieve, TenantRequired: true}
	auditRule     = policy.Rule{Permission: AuditLogPermission, TenantRequired: true}

	// adminRule admits superusers and tenant admins acting inside their own tenant
	adminRule = policy.Rule{
		TenantRequired: true,
		Require:        []policy.Predicate{policy.TenantAdmin(), policy.SameTenant()},
	}
)

// Deps are the collaborators the server routes to
type Deps struct {
	DB    *sql.DB
	Redis *redis.Client

	Engine      *rbac.Engine
	Users       *auth.Store
	Tenants     *tenants.Store
	Resolver    *tenants.Resolver
	Provisioner tenants.Provisioner
	Audit       audit.Store
	Gate        *policy.Gate

	// Verifier authenticates bearer tokens. Without one every request is anonymous.
	Verifier middleware.Verifier

	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Logger   *observability.Logger
	Version  string
}

// Server represents our API server
type Server struct {
	router *mux.Router
	deps   Deps
	health *observability.HealthChecker
}

// NewServer creates a new API server
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.DB == nil:
		return nil, errors.New("api: database is required")
	case deps.Engine == nil || deps.Users == nil || deps.Tenants == nil:
		return nil, errors.New("api: engine, user store and tenant store are required")
	case deps.Resolver == nil || deps.Gate == nil:
		return nil, errors.New("api: tenant resolver and gate are required")
	case deps.Audit == nil:
		return nil, errors.New("api: audit store is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		health: observability.NewHealthChecker(deps.DB, deps.Redis).WithVersion(deps.Version),
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware(s.deps.Logger),
		observability.HTTPMetricsMiddleware(s.deps.Metrics),
	)
	if s.deps.Verifier != nil {
		s.router.Use(middleware.NewAuthMiddleware(s.deps.Verifier, s.deps.Users).Handler)
	}
	// Stores the tenant when one resolves; rules with TenantRequired reject the rest
	s.router.Use(s.deps.Resolver.Middleware)

	// Health probes, both prefixes are tenant-exempt
	for _, prefix := range []string{"/api/v1/health", "/api/health"} {
		s.router.HandleFunc(prefix+"/", s.health.Readiness).Methods("GET")
		s.router.HandleFunc(prefix+"/live", s.health.Liveness).Methods("GET")
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Tenant registry
	tenants.NewHandlers(s.deps.Tenants, s.deps.Provisioner, s.deps.Audit).RegisterRoutes(v1)

	// Accounts: RBAC admin plus gated user directory
	accounts := v1.PathPrefix("/accounts").Subrouter()
	accounts.Handle("/me", s.deps.Gate.Middleware(policy.Rule{})(http.HandlerFunc(s.me))).Methods("GET")
	accounts.Handle("/users", s.deps.Gate.Middleware(listUsersRule)(http.HandlerFunc(s.listUsers))).Methods("GET")
	accounts.Handle("/users/{id}", s.deps.Gate.Middleware(getUserRule)(http.HandlerFunc(s.getUser))).Methods("GET")
	rbac.NewHandlers(s.deps.Engine, s.deps.Users, s.deps.Audit,
		rbac.WithAccessGuard(s.deps.Gate.Middleware(adminRule)),
	).RegisterRoutes(accounts)

	// Audit trail
	auditRoutes := v1.NewRoute().Subrouter()
	auditRoutes.Use(s.deps.Gate.Middleware(auditRule))
	audit.NewHandlers(s.deps.Audit).RegisterRoutes(auditRoutes)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so callers can add instrumentation
func (s *Server) Router() *mux.Router {
	return s.router
}

// HealthChecker returns the checker backing the health routes
func (s *Server) HealthChecker() *observability.HealthChecker {
	return s.health
}
