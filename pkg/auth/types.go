package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/contextkeys"
)

// UserType is the actor category recorded by the identity system
type UserType string

const (
	UserTypeAdmin   UserType = "admin"
	UserTypeTeacher UserType = "teacher"
	UserTypeStudent UserType = "student"
	UserTypeParent  UserType = "parent"
	UserTypeStaff   UserType = "staff"
)

// Valid reports whether t is a known user type
func (t UserType) Valid() bool {
	switch t {
	case UserTypeAdmin, UserTypeTeacher, UserTypeStudent, UserTypeParent, UserTypeStaff:
		return true
	}
	return false
}

// User represents an authenticated principal
type User struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty"`
	UserType    UserType   `json:"user_type"`
	IsSuperuser bool       `json:"is_superuser"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BelongsTo reports whether the user is a member of the given tenant
func (u *User) BelongsTo(tenantID uuid.UUID) bool {
	return u != nil && u.TenantID != nil && *u.TenantID == tenantID
}

// ScopeTenantID returns the tenant the user record belongs to
func (u *User) ScopeTenantID() *uuid.UUID {
	return u.TenantID
}

// WithUser adds the principal to the context
func WithUser(ctx context.Context, user *User) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, user)
	if user != nil {
		ctx = contextkeys.WithUserID(ctx, user.ID.String())
	}
	return ctx
}

// UserFromContext returns the principal stored in ctx, or nil for anonymous requests
func UserFromContext(ctx context.Context) *User {
	if user, ok := ctx.Value(contextkeys.PrincipalKey).(*User); ok {
		return user
	}
	return nil
}
