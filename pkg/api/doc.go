// Package api assembles the campusgate HTTP server.
//
// NewServer wires the request pipeline in this order: request id, panic
// recovery, request logging, HTTP metrics, bearer-token authentication and
// tenant resolution. Resolution only records the tenant; every guarded route
// goes through policy.Gate, which answers 401 before it answers 400 for a
// missing tenant. Routes behind it:
//
//	/api/v1/health/, /api/health/     readiness and liveness probes
//	/metrics                          Prometheus scrape endpoint
//	/api/v1/tenants                   tenant registry (tenant-exempt)
//	/api/v1/accounts/...              role, permission and grant administration (superuser or tenant_admin)
//	/api/v1/accounts/users[/{id}]     user directory behind the access gate
//	/api/v1/accounts/me               the caller's roles and effective permissions
//	/api/v1/audit/...                 audit trail, requires core.view_auditlog
//
// The user directory is the reference use of policy.Gate: the collection is
// scoped with policy.ScopeQuery and single users pass AuthorizeObject, so a
// user of another tenant is answered with the gate's out-of-scope status.
package api
