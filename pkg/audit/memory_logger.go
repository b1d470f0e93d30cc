package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger records entries in memory. It backs tests that assert on the
// audit trail without a database.
type MemoryLogger struct {
	mu      sync.Mutex
	nextID  int64
	entries []*Entry
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(ctx context.Context, entry *Entry) error {
	applyDefaults(entry)
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	entry.ID = l.nextID
	stored := *entry
	l.entries = append(l.entries, &stored)
	return nil
}

func (l *MemoryLogger) LogUserLogin(ctx context.Context, userID string, tenantID *int64, ipAddress string) error {
	entry := newEntry(EventUserLogin, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = tenantID
	entry.IPAddress = ipAddress
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogUserLogout(ctx context.Context, userID string, tenantID *int64) error {
	entry := newEntry(EventUserLogout, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = tenantID
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogLoginFailed(ctx context.Context, userID string, ipAddress string, reason string) error {
	entry := newEntry(EventLoginFailed, SeverityWarning)
	entry.UserID = userID
	entry.IPAddress = ipAddress
	entry.Details["reason"] = reason
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogInvitationSent(ctx context.Context, actorID string, tenantID int64, email, role string) error {
	entry := newEntry(EventInvitationSent, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = &tenantID
	entry.Details["email"] = email
	entry.Details["role"] = role
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogInvitationAccepted(ctx context.Context, userID string, tenantID int64, email string) error {
	entry := newEntry(EventInvitationAccepted, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = &tenantID
	entry.Details["email"] = email
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogRoleAssigned(ctx context.Context, actorID, targetID, role string, tenantID *int64) error {
	entry := newEntry(EventRoleAssigned, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = tenantID
	entry.Details["target_user_id"] = targetID
	entry.Details["role"] = role
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogPermissionGranted(ctx context.Context, actorID, roleName, permission string, tenantID *int64) error {
	entry := newEntry(EventPermissionGranted, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = tenantID
	entry.Details["role"] = roleName
	entry.Details["permission"] = permission
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogTenantCreated(ctx context.Context, actorID string, tenantID int64, subdomain string) error {
	entry := newEntry(EventTenantCreated, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = &tenantID
	entry.Details["subdomain"] = subdomain
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogConfigChanged(ctx context.Context, actorID, key string, oldValue, newValue interface{}) error {
	entry := newEntry(EventConfigChanged, SeverityWarning)
	entry.UserID = actorID
	entry.Details["key"] = key
	entry.Details["old_value"] = oldValue
	entry.Details["new_value"] = newValue
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogCleanupRun(ctx context.Context, counts map[string]interface{}) error {
	entry := newEntry(EventCleanupRun, SeverityInfo)
	for k, v := range counts {
		entry.Details[k] = v
	}
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) LogPlanChanged(ctx context.Context, tenantID int64, oldPlan, newPlan string) error {
	entry := newEntry(EventPlanChanged, SeverityInfo)
	entry.TenantID = &tenantID
	entry.Details["old_plan"] = oldPlan
	entry.Details["new_plan"] = newPlan
	return l.Log(ctx, entry)
}

func (l *MemoryLogger) Close() error { return nil }

// Entries returns a snapshot of everything logged so far.
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByType returns logged entries of the given event type.
func (l *MemoryLogger) ByType(eventType string) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Since returns logged entries with a timestamp at or after t.
func (l *MemoryLogger) Since(t time.Time) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for _, e := range l.entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears all recorded entries.
func (l *MemoryLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.nextID = 0
}
