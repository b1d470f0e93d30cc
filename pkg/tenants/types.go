package tenants

import (
	"errors"
	"regexp"
	"time"

	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/sso"
)

// Tenant status values. New tenants start in pending_setup or trial; the
// other states are operator transitions.
const (
	StatusActive       = "active"
	StatusInactive     = "inactive"
	StatusSuspended    = "suspended"
	StatusTrial        = "trial"
	StatusPendingSetup = "pending_setup"
)

// ValidStatus reports whether status is one of the tenant lifecycle states.
func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended, StatusTrial, StatusPendingSetup:
		return true
	}
	return false
}

// Membership status values on tenant_users rows. Only active memberships
// contribute to permission resolution.
const (
	MemberActive    = "active"
	MemberInactive  = "inactive"
	MemberInvited   = "invited"
	MemberSuspended = "suspended"
)

// ValidMemberStatus reports whether status is a known membership state.
func ValidMemberStatus(status string) bool {
	switch status {
	case MemberActive, MemberInactive, MemberInvited, MemberSuspended:
		return true
	}
	return false
}

// ValidMemberRole reports whether role is one of the junction-table roles.
// Custom catalog roles are a separate concept; the membership row itself
// carries only these.
func ValidMemberRole(role string) bool {
	switch role {
	case rbac.MemberRoleOwner, rbac.MemberRoleAdmin, rbac.MemberRoleUser,
		rbac.MemberRoleGuest, rbac.MemberRoleBillingAdmin, rbac.MemberRoleSupport:
		return true
	}
	return false
}

// Invitation status values. A token is single-use; every terminal state is
// reached exactly once.
const (
	InviteStatusPending   = "pending"
	InviteStatusAccepted  = "accepted"
	InviteStatusRejected  = "rejected"
	InviteStatusExpired   = "expired"
	InviteStatusCancelled = "cancelled"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrDuplicateSubdomain = errors.New("subdomain already taken")
	ErrInvalidSubdomain   = errors.New("invalid subdomain")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrMemberExists       = errors.New("user is already a member")
	ErrVersionConflict    = errors.New("membership was modified concurrently")

	ErrInvitationNotFound  = errors.New("invitation not found")
	ErrInvitationAccepted  = errors.New("invitation already accepted")
	ErrInvitationExpired   = errors.New("invitation expired")
	ErrInvitationCancelled = errors.New("invitation cancelled")
	ErrInvitationRejected  = errors.New("invitation rejected")
)

// subdomainRe is the shape a subdomain must have between the length checks:
// lowercase alphanumeric, hyphens inside but not at either end.
var subdomainRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

const (
	SubdomainMinLength = 3
	SubdomainMaxLength = 63
)

// reservedSubdomains are names routed to platform surfaces and never
// assignable to a tenant.
var reservedSubdomains = map[string]bool{
	"api":       true,
	"www":       true,
	"admin":     true,
	"app":       true,
	"mail":      true,
	"ftp":       true,
	"localhost": true,
	"staging":   true,
	"dev":       true,
	"test":      true,
	"support":   true,
	"help":      true,
	"blog":      true,
	"docs":      true,
	"status":    true,
	"cdn":       true,
	"assets":    true,
	"static":    true,
}

// Tenant is one customer workspace, addressed by subdomain. The subdomain
// is immutable once assigned.
type Tenant struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Subdomain        string     `json:"subdomain"`
	Domain           string     `json:"domain,omitempty"`
	Status           string     `json:"status"`
	SubscriptionPlan string     `json:"subscription_plan"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	LagoCustomerID   string     `json:"lago_customer_id,omitempty"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"`
	Settings         *Settings  `json:"settings,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Settings is the nested tenant settings document. Sections absent from an
// update are left untouched; present sections replace wholesale.
type Settings struct {
	Branding      map[string]interface{} `json:"branding,omitempty"`
	Features      map[string]bool        `json:"features,omitempty"`
	Limits        map[string]int64       `json:"limits,omitempty"`
	Security      *SecuritySettings      `json:"security,omitempty"`
	Notifications map[string]bool        `json:"notifications,omitempty"`
}

// SecuritySettings carries the tenant's authentication policy, including an
// optional SSO connection. Connection material is validated before persisting.
type SecuritySettings struct {
	SSO                   *sso.Connection `json:"sso,omitempty"`
	EnforceSSO            bool            `json:"enforce_sso,omitempty"`
	AllowedEmailDomains   []string        `json:"allowed_email_domains,omitempty"`
	SessionTimeoutMinutes int             `json:"session_timeout_minutes,omitempty"`
}

// Membership is a tenant_users row. Role and permissions here are
// tenant-scoped and independent of the user's global role. Version supports
// compare-and-swap on mutation.
type Membership struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	UserID      int64      `json:"user_id"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	Permissions []string   `json:"permissions"`
	Version     int64      `json:"version"`
	InvitedBy   *int64     `json:"invited_by,omitempty"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Invitation is a pending offer to join a tenant, redeemed by token.
type Invitation struct {
	ID         int64      `json:"id"`
	TenantID   int64      `json:"tenant_id"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Token      string     `json:"token,omitempty"`
	Status     string     `json:"status"`
	InvitedBy  *int64     `json:"invited_by,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SubdomainValidationResult is the structured outcome of a subdomain check.
// Rejection is data, not an error.
type SubdomainValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// CreateTenantRequest carries tenant creation input. Status may be left
// empty (defaults to pending_setup) or set to trial; other states are not
// valid at creation. OwnerUserID, when set, seeds the creator as an active
// owner membership.
type CreateTenantRequest struct {
	Name        string `json:"name"`
	Subdomain   string `json:"subdomain"`
	Domain      string `json:"domain,omitempty"`
	Status      string `json:"status,omitempty"`
	OwnerUserID *int64 `json:"owner_user_id,omitempty"`
}

// InviteRequest carries invitation input for one email address.
type InviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	// ExpiryHours overrides the configured invitation lifetime when > 0.
	ExpiryHours int `json:"expiry_hours,omitempty"`
}

// MembershipUpdate mutates a membership via compare-and-swap. Version must
// match the current row; nil fields are left unchanged. Permissions replace
// the stored set when non-nil.
type MembershipUpdate struct {
	Role        *string  `json:"role,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Version     int64    `json:"version"`
}
