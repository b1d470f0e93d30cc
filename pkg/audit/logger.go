package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for audit logging. Implementations are injected
// explicitly into the services that need them; there is no ambient global
// logger.
type Logger interface {
	// Log writes a single audit entry. The entry's ID is populated on
	// success. A missing correlation ID, severity, or timestamp is filled
	// with defaults before the write.
	Log(ctx context.Context, entry *Entry) error

	// LogUserLogin records a successful login.
	LogUserLogin(ctx context.Context, userID string, tenantID *int64, ipAddress string) error

	// LogUserLogout records an explicit logout.
	LogUserLogout(ctx context.Context, userID string, tenantID *int64) error

	// LogLoginFailed records a failed login attempt.
	LogLoginFailed(ctx context.Context, userID string, ipAddress string, reason string) error

	// LogInvitationSent records an invitation being issued for a tenant.
	LogInvitationSent(ctx context.Context, actorID string, tenantID int64, email, role string) error

	// LogInvitationAccepted records an invitation being redeemed.
	LogInvitationAccepted(ctx context.Context, userID string, tenantID int64, email string) error

	// LogRoleAssigned records a role assignment to a user, either globally
	// (tenantID nil) or within a tenant.
	LogRoleAssigned(ctx context.Context, actorID, targetID, role string, tenantID *int64) error

	// LogPermissionGranted records a permission being added to a role.
	LogPermissionGranted(ctx context.Context, actorID, roleName, permission string, tenantID *int64) error

	// LogTenantCreated records a new tenant.
	LogTenantCreated(ctx context.Context, actorID string, tenantID int64, subdomain string) error

	// LogConfigChanged records a system configuration update.
	LogConfigChanged(ctx context.Context, actorID, key string, oldValue, newValue interface{}) error

	// LogCleanupRun records a completed expiry sweep with per-category
	// deletion counts.
	LogCleanupRun(ctx context.Context, counts map[string]interface{}) error

	// LogPlanChanged records a subscription plan change for a tenant.
	LogPlanChanged(ctx context.Context, tenantID int64, oldPlan, newPlan string) error

	// Close flushes and releases any resources held by the logger.
	Close() error
}

// NewCorrelationID returns a collision-resistant correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// newEntry builds an entry with the defaults every write path shares.
func newEntry(eventType string, severity Severity) *Entry {
	return &Entry{
		CorrelationID: NewCorrelationID(),
		EventType:     eventType,
		Severity:      severity,
		Details:       make(map[string]interface{}),
		Timestamp:     time.Now().UTC(),
	}
}

// applyDefaults fills the fields Log guarantees are never empty.
func applyDefaults(entry *Entry) {
	if entry.CorrelationID == "" {
		entry.CorrelationID = NewCorrelationID()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
}

// NopLogger discards every entry. Useful in tests and for callers that run
// without an audit trail.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, entry *Entry) error {
	applyDefaults(entry)
	return nil
}

func (NopLogger) LogUserLogin(ctx context.Context, userID string, tenantID *int64, ipAddress string) error {
	return nil
}

func (NopLogger) LogUserLogout(ctx context.Context, userID string, tenantID *int64) error {
	return nil
}

func (NopLogger) LogLoginFailed(ctx context.Context, userID string, ipAddress string, reason string) error {
	return nil
}

func (NopLogger) LogInvitationSent(ctx context.Context, actorID string, tenantID int64, email, role string) error {
	return nil
}

func (NopLogger) LogInvitationAccepted(ctx context.Context, userID string, tenantID int64, email string) error {
	return nil
}

func (NopLogger) LogRoleAssigned(ctx context.Context, actorID, targetID, role string, tenantID *int64) error {
	return nil
}

func (NopLogger) LogPermissionGranted(ctx context.Context, actorID, roleName, permission string, tenantID *int64) error {
	return nil
}

func (NopLogger) LogTenantCreated(ctx context.Context, actorID string, tenantID int64, subdomain string) error {
	return nil
}

func (NopLogger) LogConfigChanged(ctx context.Context, actorID, key string, oldValue, newValue interface{}) error {
	return nil
}

func (NopLogger) LogCleanupRun(ctx context.Context, counts map[string]interface{}) error {
	return nil
}

func (NopLogger) LogPlanChanged(ctx context.Context, tenantID int64, oldPlan, newPlan string) error {
	return nil
}

func (NopLogger) Close() error { return nil }
