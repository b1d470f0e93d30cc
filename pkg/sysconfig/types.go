package sysconfig

import (
	"errors"
	"time"
)

// Well-known configuration keys. The set is closed; Set rejects keys outside
// it so a typo never creates a silently ignored row.
const (
	KeyAutoPromoteFirstUser   = "auto_promote_first_user"
	KeySuperadminEmail        = "superadmin_email"
	KeyTrialDurationDays      = "trial_duration_days"
	KeyDefaultTenantPlan      = "default_tenant_plan"
	KeyPasswordMinLength      = "password_min_length"
	KeyAPIRateLimitPerMinute  = "api_rate_limit_per_minute"
	KeyAuditLogRetentionDays  = "audit_log_retention_days"
	KeyInvitationExpiryHours  = "invitation_expiry_hours"
	KeySessionDurationHours   = "session_duration_hours"
	KeyRememberMeDurationDays = "remember_me_duration_days"
)

var (
	ErrKeyNotFound = errors.New("config key not found")
	ErrUnknownKey  = errors.New("unknown config key")
)

// Setting is one system_config row. Value round-trips through JSON, so
// booleans and numbers keep their types.
type Setting struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Defaults returns the seeded configuration. Each value is independently
// updatable after bootstrap.
func Defaults() []Setting {
	return []Setting{
		{Key: KeyAutoPromoteFirstUser, Value: false, Description: "Promote the first registered user to superadmin when their email matches superadmin_email"},
		{Key: KeySuperadminEmail, Value: "", Description: "Email eligible for first-user auto-promotion"},
		{Key: KeyTrialDurationDays, Value: 14, Description: "Trial length for new tenants"},
		{Key: KeyDefaultTenantPlan, Value: "trial", Description: "Subscription plan assigned to new tenants"},
		{Key: KeyPasswordMinLength, Value: 12, Description: "Minimum password length enforced at registration"},
		{Key: KeyAPIRateLimitPerMinute, Value: 120, Description: "Per-tenant API request budget per minute"},
		{Key: KeyAuditLogRetentionDays, Value: 180, Description: "Audit log retention window in days, clamped to [90, 365]"},
		{Key: KeyInvitationExpiryHours, Value: 72, Description: "Hours before a pending invitation expires"},
		{Key: KeySessionDurationHours, Value: 8, Description: "Session lifetime without remember-me"},
		{Key: KeyRememberMeDurationDays, Value: 30, Description: "Session lifetime with remember-me"},
	}
}

// KnownKey reports whether key is part of the configuration registry.
func KnownKey(key string) bool {
	_, ok := defaultFor(key)
	return ok
}

func defaultFor(key string) (interface{}, bool) {
	for _, s := range Defaults() {
		if s.Key == key {
			return s.Value, true
		}
	}
	return nil, false
}
