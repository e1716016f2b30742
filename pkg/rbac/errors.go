package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a role, permission or edge does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is matched by every *DuplicateNameError
	ErrDuplicateName = errors.New("duplicate name")

	// ErrCyclicParent is matched by every *CyclicParentError
	ErrCyclicParent = errors.New("cyclic parent")

	// ErrHierarchyTooDeep is matched by every *HierarchyDepthError
	ErrHierarchyTooDeep = errors.New("role hierarchy too deep")

	// ErrInvalidParent is returned when a parent role belongs to another tenant
	ErrInvalidParent = errors.New("invalid parent role")

	// ErrInvalidRole is returned when role type and tenant disagree
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidPermission is returned for malformed names and unknown verbs
	ErrInvalidPermission = errors.New("invalid permission")

	// ErrForeignTenantRole is returned when a tenant role is assigned outside its tenant
	ErrForeignTenantRole = errors.New("role belongs to another tenant")

	// ErrNilPrincipal is returned when the engine is asked about no user at all
	ErrNilPrincipal = errors.New("nil principal")
)

// DuplicateNameError reports a name already taken within its scope
type DuplicateNameError struct {
	Kind string // "role" or "permission"
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// Is makes errors.Is(err, ErrDuplicateName) match
func (e *DuplicateNameError) Is(target error) bool {
	return target == ErrDuplicateName
}

// CyclicParentError reports a parent assignment that would close a loop
type CyclicParentError struct {
	RoleID   int64
	ParentID int64
}

func (e *CyclicParentError) Error() string {
	return fmt.Sprintf("role %d cannot have parent %d: parent chain would contain the role itself", e.RoleID, e.ParentID)
}

// Is makes errors.Is(err, ErrCyclicParent) match
func (e *CyclicParentError) Is(target error) bool {
	return target == ErrCyclicParent
}

// HierarchyDepthError reports a parent assignment that would give some role a
// chain longer than MaxRoleDepth
type HierarchyDepthError struct {
	RoleID int64
	Depth  int
}

func (e *HierarchyDepthError) Error() string {
	return fmt.Sprintf("role %d would sit %d levels deep, the limit is %d", e.RoleID, e.Depth, MaxRoleDepth)
}

// Is makes errors.Is(err, ErrHierarchyTooDeep) match
func (e *HierarchyDepthError) Is(target error) bool {
	return target == ErrHierarchyTooDeep
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
