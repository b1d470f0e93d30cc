package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store handles session persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new session store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `id, session_id, user_id, tenant_id, ip_address, user_agent,
	remember_me, is_active, expires_at, created_at`

// CreateSession inserts a session row. The caller supplies the opaque
// session id and the expiry; the store only persists.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.UserID == 0 {
		return fmt.Errorf("user id is required")
	}
	if session.ExpiresAt.IsZero() {
		return fmt.Errorf("session expiry is required")
	}

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (session_id, user_id, tenant_id, ip_address, user_agent, remember_me, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		session.SessionID,
		session.UserID,
		session.TenantID,
		nullString(session.IPAddress),
		nullString(session.UserAgent),
		session.RememberMe,
		session.IsActive,
		session.ExpiresAt.UTC(),
		now,
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.CreatedAt = now
	return nil
}

// GetBySessionID fetches the raw session row. Validity (expiry, revocation)
// is the service's call, not the store's.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE session_id = $1"
	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// ListActiveForUser returns the user's sessions that are still active and
// unexpired as of now, newest first.
func (s *Store) ListActiveForUser(ctx context.Context, userID int64, now time.Time) ([]*Session, error) {
	query := "SELECT " + sessionColumns + ` FROM sessions
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Revoke flips a session inactive. Revoking an already-revoked session is a
// no-op success; only an unknown id errors.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revoke result: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllForUser flips every active session of a user inactive and
// reports how many it touched. Suspending an account goes through here.
func (s *Store) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired physically removes sessions past their expiry. Revoked but
// unexpired rows survive until they age out; reads already refuse them.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < $1", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var tenantID sql.NullInt64
	var ipAddress, userAgent sql.NullString

	err := row.Scan(
		&session.ID,
		&session.SessionID,
		&session.UserID,
		&tenantID,
		&ipAddress,
		&userAgent,
		&session.RememberMe,
		&session.IsActive,
		&session.ExpiresAt,
		&session.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if tenantID.Valid {
		session.TenantID = &tenantID.Int64
	}
	session.IPAddress = ipAddress.String
	session.UserAgent = userAgent.String
	return &session, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
