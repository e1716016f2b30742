// Package audit records who changed the authorization state of the platform.
//
// Every mutation of the role graph or grant ledger, tenant lifecycle changes
// and access-gate denials produce an Event. Events are written through a
// Logger, normally a DBLogger backed by the audit_logs table.
//
// # Recording events
//
//	event := audit.NewEvent(ctx, audit.ActionRoleAssign, audit.StatusSuccess).
//		WithRequest(r).
//		WithObject("user_role", strconv.FormatInt(ur.ID, 10)).
//		WithChanges(map[string]interface{}{"role_id": ur.RoleID})
//	audit.FromContext(ctx).Log(ctx, event)
//
// NewEvent copies the request, user and tenant ids placed in the context by
// the HTTP middleware. FromContext falls back to a NoOpLogger so callers never
// need a nil check.
//
// # Reading the trail
//
// Handlers exposes search, lookup and export (json, ndjson, csv) under
// /audit. Superusers see every tenant; everyone else is pinned to the tenant
// they belong to.
package audit
