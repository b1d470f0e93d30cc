package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Global platform roles carried on the user row.
const (
	GlobalRoleUser       = "user"
	GlobalRoleAdmin      = "admin"
	GlobalRoleSuperadmin = "superadmin"
	GlobalRoleSystem     = "system"
)

// Membership roles carried on tenant_users rows. Custom tenant-scoped roles
// may extend this set; these are the seeded defaults.
const (
	MemberRoleOwner        = "owner"
	MemberRoleAdmin        = "admin"
	MemberRoleUser         = "user"
	MemberRoleGuest        = "guest"
	MemberRoleBillingAdmin = "billing_admin"
	MemberRoleSupport      = "support"
)

// ValidGlobalRole reports whether the given role is one of the four platform
// roles. Only these may appear in users.global_role.
func ValidGlobalRole(role string) bool {
	switch role {
	case GlobalRoleUser, GlobalRoleAdmin, GlobalRoleSuperadmin, GlobalRoleSystem:
		return true
	}
	return false
}

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrDuplicateRole      = errors.New("role already exists")
	ErrDuplicatePerm      = errors.New("permission already exists")
	ErrSystemRole         = errors.New("cannot modify system role")
	ErrVersionConflict    = errors.New("role was modified concurrently")
)

// Permission is one entry in the permission catalog. Names follow the
// resource:action convention ("users:read").
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Scope       *string   `json:"scope,omitempty"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// permissionNameRe constrains catalog names to resource:action with
// lowercase segments.
var permissionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_]*$`)

// ValidatePermissionName checks a catalog name against the
// resource:action convention.
func ValidatePermissionName(name string) error {
	if name == "" {
		return fmt.Errorf("permission name is required")
	}
	if !permissionNameRe.MatchString(name) {
		return fmt.Errorf("permission name %q must match resource:action", name)
	}
	return nil
}

// Role is a named permission bundle. TenantID nil means the role is global;
// a non-nil TenantID scopes it to one tenant. System roles are seeded at
// bootstrap and cannot be deleted.
type Role struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	TenantID    *int64  `json:"tenant_id,omitempty"`
	Description string  `json:"description,omitempty"`
	// Permissions are catalog names granted directly by this role.
	Permissions []string `json:"permissions"`
	// InheritsFrom names parent roles whose direct permissions are merged
	// during resolution. One level only; parents' parents are ignored.
	InheritsFrom []string  `json:"inherits_from,omitempty"`
	IsSystem     bool      `json:"is_system"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BulkAssignRequest assigns one role to many users in a single call.
// TenantID nil targets users.global_role; non-nil targets the membership
// rows of that tenant.
type BulkAssignRequest struct {
	UserIDs  []int64 `json:"user_ids"`
	Role     string  `json:"role"`
	TenantID *int64  `json:"tenant_id,omitempty"`
}

// BulkAssignResult reports per-user outcomes. The batch is not a
// transaction; one user's failure never rolls back another's update.
type BulkAssignResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// DefaultPermissions returns the seeded permission catalog.
func DefaultPermissions() []Permission {
	global := "global"
	tenant := "tenant"
	return []Permission{
		{Name: "users:read", Resource: "users", Action: "read", Category: "identity", Description: "View user profiles"},
		{Name: "users:write", Resource: "users", Action: "write", Category: "identity", Description: "Create and update users"},
		{Name: "users:delete", Resource: "users", Action: "delete", Scope: &global, Category: "identity", Description: "Delete user accounts"},
		{Name: "tenants:read", Resource: "tenants", Action: "read", Category: "tenancy", Description: "View tenant details"},
		{Name: "tenants:write", Resource: "tenants", Action: "write", Category: "tenancy", Description: "Create and update tenants"},
		{Name: "tenants:delete", Resource: "tenants", Action: "delete", Scope: &global, Category: "tenancy", Description: "Delete tenants"},
		{Name: "members:read", Resource: "members", Action: "read", Scope: &tenant, Category: "tenancy", Description: "View tenant members"},
		{Name: "members:write", Resource: "members", Action: "write", Scope: &tenant, Category: "tenancy", Description: "Update tenant memberships"},
		{Name: "members:delete", Resource: "members", Action: "delete", Scope: &tenant, Category: "tenancy", Description: "Remove tenant members"},
		{Name: "invitations:read", Resource: "invitations", Action: "read", Scope: &tenant, Category: "tenancy", Description: "View invitations"},
		{Name: "invitations:write", Resource: "invitations", Action: "write", Scope: &tenant, Category: "tenancy", Description: "Send and cancel invitations"},
		{Name: "roles:read", Resource: "roles", Action: "read", Category: "access", Description: "View roles"},
		{Name: "roles:write", Resource: "roles", Action: "write", Category: "access", Description: "Create and update roles"},
		{Name: "roles:delete", Resource: "roles", Action: "delete", Category: "access", Description: "Delete custom roles"},
		{Name: "permissions:read", Resource: "permissions", Action: "read", Category: "access", Description: "View the permission catalog"},
		{Name: "permissions:write", Resource: "permissions", Action: "write", Scope: &global, Category: "access", Description: "Manage the permission catalog"},
		{Name: "audit:read", Resource: "audit", Action: "read", Category: "security", Description: "Search the audit trail"},
		{Name: "sessions:read", Resource: "sessions", Action: "read", Category: "security", Description: "View active sessions"},
		{Name: "sessions:revoke", Resource: "sessions", Action: "revoke", Category: "security", Description: "Revoke sessions"},
		{Name: "config:read", Resource: "config", Action: "read", Scope: &global, Category: "platform", Description: "View system configuration"},
		{Name: "config:write", Resource: "config", Action: "write", Scope: &global, Category: "platform", Description: "Change system configuration"},
		{Name: "billing:read", Resource: "billing", Action: "read", Category: "platform", Description: "View subscription and plan"},
		{Name: "billing:write", Resource: "billing", Action: "write", Category: "platform", Description: "Change subscription plan"},
	}
}

// DefaultRoles returns the system roles seeded at bootstrap. All are global
// (tenant_id null); the membership roles double as defaults a tenant can
// shadow with its own scoped variants.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:        GlobalRoleUser,
			Description: "Baseline self-service access",
			IsSystem:    true,
			Permissions: []string{"users:read", "tenants:read", "sessions:read"},
		},
		{
			Name:        GlobalRoleAdmin,
			Description: "Platform administration",
			IsSystem:    true,
			Permissions: []string{
				"users:read", "users:write", "users:delete",
				"tenants:read", "tenants:write",
				"members:read", "members:write", "members:delete",
				"invitations:read", "invitations:write",
				"roles:read", "roles:write", "roles:delete",
				"permissions:read", "audit:read",
				"sessions:read", "sessions:revoke",
				"config:read", "billing:read",
			},
		},
		{
			Name:        GlobalRoleSuperadmin,
			Description: "Platform operator; resolution grants the full catalog",
			IsSystem:    true,
			Permissions: []string{},
		},
		{
			Name:        GlobalRoleSystem,
			Description: "Service-to-service integrations",
			IsSystem:    true,
			Permissions: []string{"users:read", "tenants:read", "members:read", "config:read"},
		},
		{
			Name:        MemberRoleOwner,
			Description: "Full control of a tenant",
			IsSystem:    true,
			Permissions: []string{
				"tenants:read", "tenants:write",
				"members:read", "members:write", "members:delete",
				"invitations:read", "invitations:write",
				"roles:read", "roles:write", "roles:delete",
				"audit:read", "billing:read", "billing:write",
			},
		},
		{
			Name:        MemberRoleGuest,
			Description: "Read-only tenant access",
			IsSystem:    true,
			Permissions: []string{"tenants:read", "members:read"},
		},
		{
			Name:         MemberRoleBillingAdmin,
			Description:  "Manages the tenant subscription",
			IsSystem:     true,
			Permissions:  []string{"billing:read", "billing:write"},
			InheritsFrom: []string{GlobalRoleUser},
		},
		{
			Name:         MemberRoleSupport,
			Description:  "Support staff access",
			IsSystem:     true,
			Permissions:  []string{"audit:read", "sessions:read"},
			InheritsFrom: []string{MemberRoleGuest},
		},
	}
}
