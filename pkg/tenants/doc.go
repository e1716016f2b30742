// Package tenants keeps the registry of schools and works out which one a request belongs to.
//
// # Resolution
//
// The Resolver looks at the request host first. For "north.campus.example" the
// leftmost label "north" is looked up as an active tenant subdomain. IP literals
// and single-label hosts such as "localhost" carry no subdomain. When the host does
// not name a tenant, the X-Tenant header (configurable) is parsed as a tenant UUID.
//
//	resolver := tenants.NewResolver(store,
//	    tenants.WithHeader("X-Tenant"),
//	    tenants.WithExemptPaths("/api/v1/tenants"),
//	    tenants.WithMetrics(metrics),
//	)
//	router.Use(resolver.Middleware)
//
// Requests to exempt paths (health, docs, static files, login, /metrics) pass
// through untouched. Every other request without a tenant is answered with
//
//	400 {"error":"Tenant required","message":"This endpoint requires valid tenant information"}
//
// Handlers read the tenant with FromContext.
//
// # Registry
//
// Store creates, reads, lists and deactivates tenants. Subdomains are lowercase,
// 3 to 63 characters, and may not be one of ReservedSubdomains. Tenants are never
// deleted. Handlers exposes the registry over HTTP for superusers and queues role
// provisioning for every tenant it creates.
package tenants
