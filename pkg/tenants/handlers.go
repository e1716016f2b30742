package tenants

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campusgate/pkg/audit"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// Provisioner sets up the built-in roles of a newly created tenant
type Provisioner interface {
	Enqueue(ctx context.Context, tenantID uuid.UUID) error
}

// Handlers serves the tenant registry. Registry changes are superuser only;
// members of a tenant may read their own tenant.
type Handlers struct {
	store       *Store
	provisioner Provisioner
	auditLogger audit.Logger
}

// NewHandlers creates tenant handlers. provisioner and auditLogger may be nil.
func NewHandlers(store *Store, provisioner Provisioner, auditLogger audit.Logger) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	return &Handlers{store: store, provisioner: provisioner, auditLogger: auditLogger}
}

// RegisterRoutes registers the registry routes. Mount it under /api/v1.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants", h.List).Methods("GET")
	router.HandleFunc("/tenants", h.Create).Methods("POST")
	router.HandleFunc("/tenants/check-subdomain", h.CheckSubdomain).Methods("POST")
	router.HandleFunc("/tenants/{id}", h.Get).Methods("GET")
	router.HandleFunc("/tenants/{id}", h.Deactivate).Methods("DELETE")
}

// List handles GET /tenants?is_active=
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	if !requireSuperuser(w, r) {
		return
	}
	active, err := httputil.ParseQueryBool(r, "is_active")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	tenants, err := h.store.List(r.Context(), active != nil && *active)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list tenants")
		httputil.WriteInternalError(w)
		return
	}
	if tenants == nil {
		tenants = []*Tenant{}
	}
	httputil.WriteSuccess(w, tenants)
}

// Create handles POST /tenants and queues role provisioning for the new tenant
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	if !requireSuperuser(w, r) {
		return
	}
	caller := auth.UserFromContext(r.Context())

	var req CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.CreatedBy = &caller.ID

	tenant, err := h.store.Create(r.Context(), req)
	switch {
	case errors.Is(err, ErrDuplicateSubdomain):
		httputil.WriteConflict(w, err.Error())
		return
	case errors.Is(err, ErrInvalidSubdomain), errors.Is(err, ErrNameRequired):
		httputil.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).Error("failed to create tenant")
		httputil.WriteInternalError(w)
		return
	}

	event := audit.NewEvent(r.Context(), audit.ActionTenantCreate, audit.StatusSuccess).
		WithRequest(r).
		WithObject("tenant", tenant.ID.String()).
		WithChanges(map[string]interface{}{"name": tenant.Name, "subdomain": tenant.Subdomain})
	event.TenantID = &tenant.ID
	h.log(r.Context(), event)

	if h.provisioner != nil {
		if err := h.provisioner.Enqueue(r.Context(), tenant.ID); err != nil {
			// the reconcile job picks the tenant up later
			observability.FromContext(r.Context()).WithError(err).
				WithField("tenant_id", tenant.ID.String()).
				Warn("failed to queue tenant provisioning")
		}
	}

	httputil.WriteCreated(w, tenant)
}

// CheckSubdomain handles POST /tenants/check-subdomain with {"subdomain": "..."}
func (h *Handlers) CheckSubdomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subdomain string `json:"subdomain"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	reserved := IsReserved(req.Subdomain)
	subdomain, err := NormalizeSubdomain(req.Subdomain)
	if err != nil && !reserved {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if reserved {
		subdomain = req.Subdomain
	}

	taken, err := h.store.SubdomainTaken(r.Context(), subdomain)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to check subdomain")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"subdomain": subdomain,
		"available": !taken && !reserved,
		"reserved":  reserved,
	})
}

// Get handles GET /tenants/{id}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	caller := auth.UserFromContext(r.Context())
	if caller == nil || !caller.IsActive {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if !caller.IsSuperuser && !caller.BelongsTo(id) {
		httputil.WriteNotFound(w, ErrNotFound.Error())
		return
	}

	tenant, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to get tenant")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

// Deactivate handles DELETE /tenants/{id}
func (h *Handlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	if !requireSuperuser(w, r) {
		return
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	err := h.store.Deactivate(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to deactivate tenant")
		httputil.WriteInternalError(w)
		return
	}

	event := audit.NewEvent(r.Context(), audit.ActionTenantDeactivate, audit.StatusSuccess).
		WithRequest(r).
		WithObject("tenant", id.String())
	event.TenantID = &id
	h.log(r.Context(), event)

	httputil.WriteNoContent(w)
}

func (h *Handlers) log(ctx context.Context, event *audit.Event) {
	if err := h.auditLogger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

func requireSuperuser(w http.ResponseWriter, r *http.Request) bool {
	caller := auth.UserFromContext(r.Context())
	if caller == nil || !caller.IsActive {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "Authentication required")
		return false
	}
	if !caller.IsSuperuser {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "Insufficient permissions")
		return false
	}
	return true
}
