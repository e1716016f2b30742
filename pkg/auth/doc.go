// Package auth defines the authenticated principal handed to the authorization core.
//
// # Overview
//
// Identity is owned by an external system: campusgate never issues sessions or tokens and
// never hashes passwords. This package only describes the principal (User), stores and reads
// the users table that mirrors the identity system, and moves the principal through
// context.Context.
//
//	user, err := store.GetUser(ctx, id)
//	ctx = auth.WithUser(ctx, user)
//	...
//	principal := auth.UserFromContext(ctx) // nil when anonymous
//
// A User with a nil TenantID is a platform-level account; only superusers are expected to
// have one. The IsSuperuser flag bypasses every authorization check.
package auth
