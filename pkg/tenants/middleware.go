package tenants

import (
	"net/http"

	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// TenantRequired is the body of the 400 answer for endpoints that need a tenant
// when the request resolved none. The access gate writes it.
var TenantRequired = httputil.ErrorResponse{
	Error:   "Tenant required",
	Message: "This endpoint requires valid tenant information",
}

// Middleware resolves the tenant of every non-exempt request and stores it in
// the request context. A request that resolves no tenant proceeds without one;
// endpoints that need a tenant declare so to the access gate.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.IsExempt(req.URL.Path) {
			r.metrics.ObserveTenantResolution(SourceExempt)
			next.ServeHTTP(w, req)
			return
		}

		ctx := req.Context()
		tenant, source, err := r.resolve(ctx, req.Host, req.Header.Get(r.header))
		if err != nil {
			observability.FromContext(ctx).WithError(err).Error("tenant resolution failed")
			httputil.WriteInternalError(w)
			return
		}
		r.metrics.ObserveTenantResolution(source)

		if tenant == nil {
			next.ServeHTTP(w, req)
			return
		}

		if r.debug {
			w.Header().Set("X-Tenant-ID", tenant.ID.String())
			w.Header().Set("X-Tenant-Name", tenant.Name)
		}

		next.ServeHTTP(w, req.WithContext(WithTenant(ctx, tenant)))
	})
}
