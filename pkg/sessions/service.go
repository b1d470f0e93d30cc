package sessions

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

// Compiled fallbacks for when the config store is absent. They mirror the
// seeded system_config defaults.
const (
	defaultSessionHours   = 8
	defaultRememberMeDays = 30
)

// UserRecorder stamps a successful login on the owning user row. Satisfied
// by the identity store.
type UserRecorder interface {
	RecordLogin(ctx context.Context, userID int64, ipAddress string) error
}

// Service owns the session lifecycle: minting on login, validity checks on
// every request, revocation on logout. Physical removal of dead rows is the
// janitor's job.
type Service struct {
	store       *Store
	users       UserRecorder
	config      *sysconfig.Store
	auditLogger audit.Logger
	tokens      *auth.TokenGenerator
}

// NewService creates a session service. users and config may be nil; a nil
// recorder skips the user-row side effects and a nil config falls back to
// the compiled durations.
func NewService(store *Store, users UserRecorder, config *sysconfig.Store, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		store:       store,
		users:       users,
		config:      config,
		auditLogger: auditLogger,
		tokens:      auth.NewTokenGenerator(),
	}
}

// Store exposes the underlying store for janitor sweeps and internal reads.
func (s *Service) Store() *Store {
	return s.store
}

// CreateSession mints a session for a completed login. The user row is
// stamped first; a login that cannot reach its user creates nothing.
// Exactly one user_login audit row records the event.
func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if req.UserID == 0 {
		return nil, fmt.Errorf("user id is required")
	}

	sessionID, err := s.tokens.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now().UTC()
	var lifetime time.Duration
	if req.RememberMe {
		lifetime = time.Duration(s.configInt(ctx, sysconfig.KeyRememberMeDurationDays, defaultRememberMeDays)) * 24 * time.Hour
	} else {
		lifetime = time.Duration(s.configInt(ctx, sysconfig.KeySessionDurationHours, defaultSessionHours)) * time.Hour
	}

	if s.users != nil {
		if err := s.users.RecordLogin(ctx, req.UserID, req.IPAddress); err != nil {
			return nil, fmt.Errorf("failed to record login: %w", err)
		}
	}

	session := &Session{
		SessionID:  sessionID,
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		RememberMe: req.RememberMe,
		IsActive:   true,
		ExpiresAt:  now.Add(lifetime),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	// Loss of the audit row never unwinds the session.
	_ = s.auditLogger.LogUserLogin(ctx, auditUserID(req.KratosID, req.UserID), req.TenantID, req.IPAddress)

	return session, nil
}

// ValidateSession resolves a session id to a live session. Expiry and
// revocation are checked here, at read time; a row the janitor has not
// purged yet is still refused.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := s.tokens.ValidateSessionIDFormat(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	session, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return nil, ErrSessionRevoked
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// RevokeSession deactivates a session and writes a user_logout audit row.
// The row stays behind for the janitor.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	session, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.store.Revoke(ctx, sessionID); err != nil {
		return err
	}

	_ = s.auditLogger.LogUserLogout(ctx, strconv.FormatInt(session.UserID, 10), session.TenantID)
	return nil
}

// RevokeAllForUser kills every active session a user holds. Account
// suspension and password resets call this.
func (s *Service) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	return s.store.RevokeAllForUser(ctx, userID)
}

func (s *Service) configInt(ctx context.Context, key string, fallback int) int {
	if s.config == nil {
		return fallback
	}
	return s.config.GetInt(ctx, key)
}

func auditUserID(kratosID string, userID int64) string {
	if kratosID != "" {
		return kratosID
	}
	return strconv.FormatInt(userID, 10)
}
