// Package policy is the access gate every protected endpoint passes through.
//
// A Rule names the resource an endpoint works on and any extra predicates. The
// Gate answers in a fixed order:
//
//   - public rules allow
//   - no active principal: 401
//   - rule needs a tenant and none was resolved: 400
//   - superusers allow
//   - missing capability or failed predicate: 403
//   - object of another tenant: 403, or 404 when configured
//
// Collection endpoints wrap their handler with Gate.Middleware. Single-object
// handlers load the object and call Gate.AuthorizeObject. ScopeFor and
// ScopeQuery narrow list queries to the tenants a principal may see.
package policy
