// Package middleware authenticates API requests.
//
// AuthMiddleware verifies an OpenID Connect ID token from the Authorization
// header, loads the linked local user and stores it as the request principal:
//
//	verifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
//	router.Use(middleware.NewAuthMiddleware(verifier, userStore).Handler)
//
// Tokens are never issued here. A request without an Authorization header
// proceeds anonymously; a malformed or unverifiable token gets a 401.
package middleware
