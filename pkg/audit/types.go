package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names what happened
type Action string

const (
	// Role graph
	ActionRoleCreate     Action = "rbac.role_create"
	ActionRoleUpdate     Action = "rbac.role_update"
	ActionRoleReparent   Action = "rbac.role_reparent"
	ActionRoleDeactivate Action = "rbac.role_deactivate"

	// Grant ledger
	ActionPermissionRegister Action = "rbac.permission_register"
	ActionPermissionUpdate   Action = "rbac.permission_update"
	ActionPermissionAttach   Action = "rbac.permission_attach"
	ActionPermissionDetach   Action = "rbac.permission_detach"
	ActionPermissionsReplace Action = "rbac.permissions_replace"
	ActionRoleAssign         Action = "rbac.role_assign"
	ActionRoleRevoke         Action = "rbac.role_revoke"

	// Gate decisions
	ActionAccessDenied Action = "authz.access_denied"

	// Tenants
	ActionTenantCreate     Action = "tenant.create"
	ActionTenantDeactivate Action = "tenant.deactivate"
	ActionTenantProvision  Action = "tenant.provision"
)

// Status is the outcome of an audited action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Event is a single audit log entry
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`

	// Actor and scope
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`

	// Subject of the action
	ModelName string                 `json:"model_name,omitempty"`
	ObjectID  string                 `json:"object_id,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Message string `json:"message,omitempty"`
}

// SearchFilter narrows Search. Zero values match everything.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	TenantID  *uuid.UUID
	UserID    *uuid.UUID
	Actions   []Action
	Status    Status
	ModelName string
	ObjectID  string

	Limit  int
	Offset int
}

// ExportFormat selects the export encoding
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)
