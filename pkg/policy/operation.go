package policy

import (
	"net/http"

	"github.com/platinummonkey/campusgate/pkg/rbac"
)

// Operation is what an endpoint does to its resource
type Operation string

const (
	OpList          Operation = "list"
	OpRetrieve      Operation = "retrieve"
	OpCreate        Operation = "create"
	OpUpdate        Operation = "update"
	OpPartialUpdate Operation = "partial_update"
	OpDelete        Operation = "delete"
	OpDestroy       Operation = "destroy"
)

var operationVerbs = map[Operation]rbac.Verb{
	OpList:          rbac.VerbView,
	OpRetrieve:      rbac.VerbView,
	OpCreate:        rbac.VerbCreate,
	OpUpdate:        rbac.VerbUpdate,
	OpPartialUpdate: rbac.VerbUpdate,
	OpDelete:        rbac.VerbDelete,
	OpDestroy:       rbac.VerbDelete,
}

// VerbFor returns the capability verb an operation requires. Operations outside
// the table (custom actions) require view.
func VerbFor(op Operation) rbac.Verb {
	if verb, ok := operationVerbs[op]; ok {
		return verb
	}
	return rbac.VerbView
}

// IsSingleObject reports whether op targets one object rather than a collection
func IsSingleObject(op Operation) bool {
	switch op {
	case OpRetrieve, OpUpdate, OpPartialUpdate, OpDelete, OpDestroy:
		return true
	}
	return false
}

// OperationFor derives the operation from an HTTP method. single is true when
// the route addresses one object (for example /students/{id}).
func OperationFor(method string, single bool) Operation {
	switch method {
	case http.MethodPost:
		return OpCreate
	case http.MethodPut:
		return OpUpdate
	case http.MethodPatch:
		return OpPartialUpdate
	case http.MethodDelete:
		return OpDelete
	}
	if single {
		return OpRetrieve
	}
	return OpList
}

// Resource identifies what an endpoint operates on, e.g. {Domain: "schools", Name: "student"}
type Resource struct {
	Domain string
	Name   string
}

// IsZero reports whether no resource was declared
func (r Resource) IsZero() bool {
	return r.Domain == "" && r.Name == ""
}

// Permission returns the permission name op requires on r
func (r Resource) Permission(op Operation) string {
	return rbac.PermissionName(r.Domain, VerbFor(op), r.Name)
}
