package tenants

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/contextkeys"
)

var (
	// ErrNotFound is returned when no tenant matches a lookup
	ErrNotFound = errors.New("tenant not found")

	// ErrDuplicateSubdomain is returned when the subdomain is already registered
	ErrDuplicateSubdomain = errors.New("subdomain already taken")

	// ErrInvalidSubdomain is returned for malformed or reserved subdomains
	ErrInvalidSubdomain = errors.New("invalid subdomain")

	// ErrNameRequired is returned when a tenant is created without a name
	ErrNameRequired = errors.New("tenant name is required")
)

// Tenant is one school on the platform. Tenants are deactivated, never deleted.
type Tenant struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Subdomain string     `json:"subdomain"`
	Domain    string     `json:"domain,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateRequest describes a tenant to register
type CreateRequest struct {
	Name      string     `json:"name"`
	Subdomain string     `json:"subdomain"`
	Domain    string     `json:"domain,omitempty"`
	CreatedBy *uuid.UUID `json:"-"`
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// ReservedSubdomains can never be registered
var ReservedSubdomains = []string{"www", "api", "admin", "app", "mail", "ftp", "test", "staging", "demo"}

// IsReserved reports whether subdomain is on the reserved list
func IsReserved(subdomain string) bool {
	subdomain = strings.ToLower(subdomain)
	for _, r := range ReservedSubdomains {
		if subdomain == r {
			return true
		}
	}
	return false
}

// NormalizeSubdomain lowercases subdomain and checks its shape and the reserved list
func NormalizeSubdomain(subdomain string) (string, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if !subdomainPattern.MatchString(subdomain) {
		return "", fmt.Errorf("%w: use 3 to 63 lowercase letters, digits and hyphens, starting and ending with a letter or digit", ErrInvalidSubdomain)
	}
	if IsReserved(subdomain) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidSubdomain, subdomain)
	}
	return subdomain, nil
}

// WithTenant stores the resolved tenant in ctx
func WithTenant(ctx context.Context, tenant *Tenant) context.Context {
	ctx = contextkeys.WithTenant(ctx, tenant)
	if tenant != nil {
		ctx = contextkeys.WithTenantID(ctx, tenant.ID.String())
	}
	return ctx
}

// FromContext returns the tenant resolved for this request, or nil
func FromContext(ctx context.Context) *Tenant {
	if tenant, ok := ctx.Value(contextkeys.TenantKey).(*Tenant); ok {
		return tenant
	}
	return nil
}
