package audit

import (
	"time"
)

// Severity classifies how serious an audit event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is one of the known severity values.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Event type constants. Every privileged mutation writes exactly one entry
// with one of these types.
const (
	EventUserRegistered      = "user_registered"
	EventUserLogin           = "user_login"
	EventUserLogout          = "user_logout"
	EventLoginFailed         = "login_failed"
	EventInvitationSent      = "invitation_sent"
	EventInvitationAccepted  = "invitation_accepted"
	EventInvitationCancelled = "invitation_cancelled"
	EventInvitationRejected  = "invitation_rejected"
	EventRoleAssigned        = "role_assigned"
	EventPermissionGranted   = "permission_granted"
	EventPermissionRevoked   = "permission_revoked"
	EventTenantCreated       = "tenant_created"
	EventConfigChanged       = "config_changed"
	EventCleanupRun          = "cleanup_run"
	EventPlanChanged         = "plan_changed"
)

// Entry is a single audit log row. Entries are append-only; they are never
// updated after insert. UserID carries the external identity (kratos_id)
// rather than the internal row id so entries stay meaningful after user
// deletion.
type Entry struct {
	ID            int64                  `json:"id"`
	CorrelationID string                 `json:"correlation_id"`
	EventType     string                 `json:"event_type"`
	Severity      Severity               `json:"severity"`
	TenantID      *int64                 `json:"tenant_id,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// SearchFilter restricts an audit log search. Zero values mean "no filter"
// for that field.
type SearchFilter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	TenantID      *int64
	UserID        string
	EventTypes    []string
	Severity      *Severity
	CorrelationID string

	Limit  int
	Offset int
}

// Stats summarizes audit log volume over a time range.
type Stats struct {
	TotalEvents      int64              `json:"total_events"`
	EventsByType     map[string]int64   `json:"events_by_type"`
	EventsBySeverity map[Severity]int64 `json:"events_by_severity"`
	UniqueUsers      int64              `json:"unique_users"`
	UniqueTenants    int64              `json:"unique_tenants"`
	TimeRange        *TimeRange         `json:"time_range,omitempty"`
}

// TimeRange bounds a statistics query.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Retention bounds. The configured retention window is clamped into this
// range before the purge sweep uses it.
const (
	MinRetentionDays = 90
	MaxRetentionDays = 365
)

// ClampRetentionDays forces a configured retention value into the allowed
// window.
func ClampRetentionDays(days int) int {
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}
