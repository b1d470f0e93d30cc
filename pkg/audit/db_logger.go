package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DBLogger persists audit entries to the audit_logs table. It shares the
// caller's database pool and never closes it.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger. The audit_logs table
// is created by the central migrations, not here.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log writes the entry and populates entry.ID. Missing correlation ID,
// severity, and timestamp are filled with defaults so every persisted row
// carries a non-empty correlation ID.
func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	if entry.EventType == "" {
		return fmt.Errorf("audit entry event type is required")
	}
	applyDefaults(entry)
	if !ValidSeverity(entry.Severity) {
		return fmt.Errorf("invalid audit severity: %s", entry.Severity)
	}

	details := entry.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	err = l.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (correlation_id, event_type, severity, tenant_id, user_id, details, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.CorrelationID,
		entry.EventType,
		string(entry.Severity),
		nullableInt64(entry.TenantID),
		entry.UserID,
		detailsJSON,
		entry.IPAddress,
		entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func (l *DBLogger) LogUserLogin(ctx context.Context, userID string, tenantID *int64, ipAddress string) error {
	entry := newEntry(EventUserLogin, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = tenantID
	entry.IPAddress = ipAddress
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogUserLogout(ctx context.Context, userID string, tenantID *int64) error {
	entry := newEntry(EventUserLogout, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = tenantID
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogLoginFailed(ctx context.Context, userID string, ipAddress string, reason string) error {
	entry := newEntry(EventLoginFailed, SeverityWarning)
	entry.UserID = userID
	entry.IPAddress = ipAddress
	entry.Details["reason"] = reason
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogInvitationSent(ctx context.Context, actorID string, tenantID int64, email, role string) error {
	entry := newEntry(EventInvitationSent, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = &tenantID
	entry.Details["email"] = email
	entry.Details["role"] = role
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogInvitationAccepted(ctx context.Context, userID string, tenantID int64, email string) error {
	entry := newEntry(EventInvitationAccepted, SeverityInfo)
	entry.UserID = userID
	entry.TenantID = &tenantID
	entry.Details["email"] = email
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogRoleAssigned(ctx context.Context, actorID, targetID, role string, tenantID *int64) error {
	entry := newEntry(EventRoleAssigned, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = tenantID
	entry.Details["target_user_id"] = targetID
	entry.Details["role"] = role
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogPermissionGranted(ctx context.Context, actorID, roleName, permission string, tenantID *int64) error {
	entry := newEntry(EventPermissionGranted, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = tenantID
	entry.Details["role"] = roleName
	entry.Details["permission"] = permission
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogTenantCreated(ctx context.Context, actorID string, tenantID int64, subdomain string) error {
	entry := newEntry(EventTenantCreated, SeverityInfo)
	entry.UserID = actorID
	entry.TenantID = &tenantID
	entry.Details["subdomain"] = subdomain
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogConfigChanged(ctx context.Context, actorID, key string, oldValue, newValue interface{}) error {
	entry := newEntry(EventConfigChanged, SeverityWarning)
	entry.UserID = actorID
	entry.Details["key"] = key
	entry.Details["old_value"] = oldValue
	entry.Details["new_value"] = newValue
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogCleanupRun(ctx context.Context, counts map[string]interface{}) error {
	entry := newEntry(EventCleanupRun, SeverityInfo)
	for k, v := range counts {
		entry.Details[k] = v
	}
	return l.Log(ctx, entry)
}

func (l *DBLogger) LogPlanChanged(ctx context.Context, tenantID int64, oldPlan, newPlan string) error {
	entry := newEntry(EventPlanChanged, SeverityInfo)
	entry.TenantID = &tenantID
	entry.Details["old_plan"] = oldPlan
	entry.Details["new_plan"] = newPlan
	return l.Log(ctx, entry)
}

// Search returns entries matching the filter, newest first.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	query := `
		SELECT id, correlation_id, event_type, severity, tenant_id, user_id, details, ip_address, timestamp
		FROM audit_logs
		WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if filter.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
	}
	if filter.TenantID != nil {
		argCount++
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, *filter.TenantID)
	}
	if filter.UserID != "" {
		argCount++
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
	}
	if len(filter.EventTypes) > 0 {
		argCount++
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.EventTypes))
	}
	if filter.Severity != nil {
		argCount++
		query += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, string(*filter.Severity))
	}
	if filter.CorrelationID != "" {
		argCount++
		query += fmt.Sprintf(" AND correlation_id = $%d", argCount)
		args = append(args, filter.CorrelationID)
	}

	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	argCount++
	query += fmt.Sprintf(" LIMIT $%d", argCount)
	args = append(args, limit)

	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetStats aggregates counts over the given window. A zero start or end
// leaves that bound open.
func (l *DBLogger) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	argCount := 0
	if !start.IsZero() {
		argCount++
		where += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, start)
	}
	if !end.IsZero() {
		argCount++
		where += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, end)
	}

	stats := &Stats{
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[Severity]int64),
	}

	row := l.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT user_id) FILTER (WHERE user_id <> ''),
		       COUNT(DISTINCT tenant_id) FILTER (WHERE tenant_id IS NOT NULL),
		       MIN(timestamp), MAX(timestamp)
		FROM audit_logs %s`, where), args...)

	var minTS, maxTS sql.NullTime
	if err := row.Scan(&stats.TotalEvents, &stats.UniqueUsers, &stats.UniqueTenants, &minTS, &maxTS); err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}
	if minTS.Valid && maxTS.Valid {
		stats.TimeRange = &TimeRange{Start: minTS.Time, End: maxTS.Time}
	}

	typeRows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT event_type, COUNT(*) FROM audit_logs %s GROUP BY event_type", where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var eventType string
		var count int64
		if err := typeRows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.EventsByType[eventType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	sevRows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT severity, COUNT(*) FROM audit_logs %s GROUP BY severity", where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats by severity: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var severity string
		var count int64
		if err := sevRows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		stats.EventsBySeverity[Severity(severity)] = count
	}
	return stats, sevRows.Err()
}

// PurgeOlderThan deletes entries with a timestamp before the cutoff and
// returns the number of rows removed. Retention enforcement is the only
// path that deletes audit rows.
func (l *DBLogger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op. The logger borrows the caller's pool.
func (l *DBLogger) Close() error { return nil }

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	entry := &Entry{}
	var tenantID sql.NullInt64
	var detailsJSON []byte
	var severity string

	err := row.Scan(
		&entry.ID,
		&entry.CorrelationID,
		&entry.EventType,
		&severity,
		&tenantID,
		&entry.UserID,
		&detailsJSON,
		&entry.IPAddress,
		&entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	entry.Severity = Severity(severity)
	if tenantID.Valid {
		entry.TenantID = &tenantID.Int64
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}
	return entry, nil
}

// ClientIP extracts the originating client address from proxy headers,
// falling back to the direct peer address.
func ClientIP(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP != "" {
		return realIP
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx > 0 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
