package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/httputil"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// Identity is what a verified token says about its bearer
type Identity struct {
	Subject string
	Issuer  string
	Email   string
}

// Verifier checks a raw bearer token
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// OIDCVerifier verifies ID tokens issued by one OpenID Connect provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuerURL and verifies tokens for clientID
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewOIDCVerifierWithKeys verifies tokens against a fixed key set, without discovery
func NewOIDCVerifierWithKeys(issuerURL, clientID string, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuerURL, keys, &oidc.Config{ClientID: clientID})}
}

// Verify checks signature, issuer, audience and expiry
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return &Identity{Subject: token.Subject, Issuer: token.Issuer, Email: claims.Email}, nil
}

// UserLookup finds the local user linked to an identity provider subject
type UserLookup interface {
	GetUserByExternalID(ctx context.Context, externalID string) (*auth.User, error)
}

// AuthMiddleware turns a bearer token into the request principal. Requests
// without credentials continue anonymously; the access gate decides whether
// that is acceptable.
type AuthMiddleware struct {
	verifier Verifier
	users    UserLookup
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier Verifier, users UserLookup) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, users: users}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Format: "Bearer <token>"
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			unauthorized(w, "Invalid authorization header format")
			return
		}

		logger := observability.FromContext(r.Context())
		identity, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			logger.WithError(err).Debug("Rejected bearer token")
			unauthorized(w, "Invalid or expired token")
			return
		}

		user, err := m.users.GetUserByExternalID(r.Context(), identity.Subject)
		if errors.Is(err, auth.ErrUserNotFound) {
			logger.WithField("subject", identity.Subject).Warn("Token subject has no local user")
			unauthorized(w, "Unknown user")
			return
		}
		if err != nil {
			logger.WithError(err).Error("Failed to load user")
			httputil.WriteInternalError(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="campusgate"`)
	httputil.WriteErrorMessage(w, http.StatusUnauthorized, message)
}
