package tenants

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/observability"
)

// DefaultHeader carries the tenant id when the host has no subdomain
const DefaultHeader = "X-Tenant"

// DefaultExemptPaths skip tenant resolution
var DefaultExemptPaths = []string{
	"/admin/",
	"/api/health/",
	"/api/v1/health/",
	"/api/docs/",
	"/api/schema/",
	"/api/v1/accounts/login/",
	"/api/v1/accounts/register/",
	"/static/",
	"/media/",
	"/favicon.ico",
	"/metrics",
}

// Resolution sources reported to metrics
const (
	SourceSubdomain = "subdomain"
	SourceHeader    = "header"
	SourceNone      = "none"
	SourceExempt    = "exempt"
)

// Lookup finds active tenants
type Lookup interface {
	GetActiveBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
	GetActiveByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

// Resolver identifies the tenant of a request from its host or header
type Resolver struct {
	lookup  Lookup
	header  string
	exempt  []string
	debug   bool
	metrics *observability.Metrics
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithHeader changes the header consulted after the subdomain
func WithHeader(name string) ResolverOption {
	return func(r *Resolver) {
		if name != "" {
			r.header = name
		}
	}
}

// WithExemptPaths adds path prefixes that skip tenant resolution
func WithExemptPaths(prefixes ...string) ResolverOption {
	return func(r *Resolver) { r.exempt = append(r.exempt, prefixes...) }
}

// WithDebug adds X-Tenant-ID and X-Tenant-Name response headers
func WithDebug(debug bool) ResolverOption {
	return func(r *Resolver) { r.debug = debug }
}

// WithMetrics records resolution sources
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver backed by lookup
func NewResolver(lookup Lookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lookup: lookup,
		header: DefaultHeader,
		exempt: append([]string(nil), DefaultExemptPaths...),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Header returns the tenant header name
func (r *Resolver) Header() string {
	return r.header
}

// IsExempt reports whether path falls under an exempt prefix. A prefix ending
// in "/" covers everything below it; any other prefix covers itself and the
// paths below it, so "/api/v1/tenants" does not cover "/api/v1/tenantsfoo".
func (r *Resolver) IsExempt(path string) bool {
	for _, prefix := range r.exempt {
		if pathUnder(path, prefix) {
			return true
		}
	}
	return false
}

func pathUnder(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Resolve finds the active tenant for host, then for the header value.
// A nil tenant with a nil error means nothing matched.
func (r *Resolver) Resolve(ctx context.Context, host, headerTenantID string) (*Tenant, error) {
	tenant, _, err := r.resolve(ctx, host, headerTenantID)
	return tenant, err
}

func (r *Resolver) resolve(ctx context.Context, host, headerTenantID string) (*Tenant, string, error) {
	if subdomain := SubdomainOf(host); subdomain != "" {
		tenant, err := r.lookup.GetActiveBySubdomain(ctx, subdomain)
		if err == nil {
			return tenant, SourceSubdomain, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}

	if headerTenantID = strings.TrimSpace(headerTenantID); headerTenantID != "" {
		id, err := uuid.Parse(headerTenantID)
		if err != nil {
			return nil, SourceNone, nil
		}
		tenant, err := r.lookup.GetActiveByID(ctx, id)
		if err == nil {
			return tenant, SourceHeader, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}

	return nil, SourceNone, nil
}

// SubdomainOf returns the leftmost label of host, or "" for IP literals and
// single-label hosts such as localhost
func SubdomainOf(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}

	label, rest, ok := strings.Cut(strings.ToLower(host), ".")
	if !ok || rest == "" || label == "" {
		return ""
	}
	return label
}
