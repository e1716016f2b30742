package policy

import (
	"errors"
	"net/http"
)

var (
	// ErrUnauthenticated is returned when no active principal is present
	ErrUnauthenticated = errors.New("authentication required")

	// ErrTenantRequired is returned when a tenant-scoped operation arrives without a tenant
	ErrTenantRequired = errors.New("tenant required")

	// ErrPermissionDenied is returned when the principal lacks the required capability
	ErrPermissionDenied = errors.New("permission denied")

	// ErrObjectOutOfScope is returned when the target object belongs to another tenant
	ErrObjectOutOfScope = errors.New("object out of scope")
)

// StatusFor maps a gate error to an HTTP status. Out-of-scope objects map to 403;
// a Gate configured with WithOutOfScopeStatus may answer 404 instead.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrObjectOutOfScope):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// IsDenial reports whether err is one of the gate's deny outcomes rather than a failure
func IsDenial(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrObjectOutOfScope)
}
