package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

const (
	// DefaultLockoutThreshold is the failed-login count that locks an
	// account when no override is configured.
	DefaultLockoutThreshold = 5
	// ResetTokenTTL bounds how long a password reset token stays
	// redeemable. Expired tokens are swept by the janitor.
	ResetTokenTTL = 2 * time.Hour
)

// Service wraps the user store with registration policy, lockout counting,
// and reset-token issuance.
type Service struct {
	store            *Store
	config           *sysconfig.Store
	auditLogger      audit.Logger
	tokens           *auth.TokenGenerator
	LockoutThreshold int
}

// NewService creates an identity service. config may be nil, in which case
// the first-user auto-promotion gate stays closed.
func NewService(store *Store, config *sysconfig.Store, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		store:            store,
		config:           config,
		auditLogger:      auditLogger,
		tokens:           auth.NewTokenGenerator(),
		LockoutThreshold: DefaultLockoutThreshold,
	}
}

// Store exposes the underlying user store.
func (s *Service) Store() *Store {
	return s.store
}

// RegisterRequest carries the fields of a registration call. The identity
// provider has already authenticated the user; this creates the platform row.
type RegisterRequest struct {
	KratosID  string `json:"kratos_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegisterUser creates a user row for a fresh identity-provider account.
//
// The first-user gate: when auto_promote_first_user is set, the email
// matches superadmin_email, and no other user exists yet, the row is
// created with the superadmin global role. Every later registration gets
// the plain user role regardless of email.
func (s *Service) RegisterUser(ctx context.Context, req *RegisterRequest) (*User, error) {
	if req.KratosID == "" {
		return nil, fmt.Errorf("kratos_id is required")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !ValidEmail(email) {
		return nil, fmt.Errorf("invalid email address: %q", req.Email)
	}

	user := &User{
		KratosID:   req.KratosID,
		Email:      email,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		GlobalRole: rbac.GlobalRoleUser,
	}

	if role, promoted := s.promotionRole(ctx, email); promoted {
		user.GlobalRole = role
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	entry := &audit.Entry{
		EventType: audit.EventUserRegistered,
		Severity:  audit.SeverityInfo,
		UserID:    user.KratosID,
		Details: map[string]interface{}{
			"email":       user.Email,
			"global_role": user.GlobalRole,
		},
	}
	_ = s.auditLogger.Log(ctx, entry)

	return user, nil
}

// promotionRole evaluates the first-user auto-promotion gate. The user
// count check races concurrent registrations, but the gate only matters on
// an empty install where the configured address registers once.
func (s *Service) promotionRole(ctx context.Context, email string) (string, bool) {
	if s.config == nil {
		return "", false
	}
	if !s.config.GetBool(ctx, sysconfig.KeyAutoPromoteFirstUser) {
		return "", false
	}
	configured := strings.ToLower(strings.TrimSpace(s.config.GetString(ctx, sysconfig.KeySuperadminEmail)))
	if configured == "" || configured != email {
		return "", false
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil || count > 0 {
		return "", false
	}
	return rbac.GlobalRoleSuperadmin, true
}

// ReportFailedLogin increments the user's failed-login counter, locks the
// account once the threshold is crossed, and writes a login_failed audit
// row. An unknown kratos id is reported as ErrUserNotFound so callers can
// decide how loudly to answer.
func (s *Service) ReportFailedLogin(ctx context.Context, kratosID, ipAddress, reason string) (int, bool, error) {
	threshold := s.LockoutThreshold
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}

	attempts, locked, err := s.store.RecordFailedLogin(ctx, kratosID, threshold)
	if err != nil {
		return 0, false, err
	}

	_ = s.auditLogger.LogLoginFailed(ctx, kratosID, ipAddress, reason)
	if locked {
		entry := &audit.Entry{
			EventType: audit.EventLoginFailed,
			Severity:  audit.SeverityCritical,
			UserID:    kratosID,
			IPAddress: ipAddress,
			Details: map[string]interface{}{
				"reason":   "account locked",
				"attempts": attempts,
			},
		}
		_ = s.auditLogger.Log(ctx, entry)
	}

	return attempts, locked, nil
}

// IssuePasswordReset creates a reset token for the account behind email and
// stamps it on the user row. The token is returned to the caller for
// delivery; it is never logged.
func (s *Service) IssuePasswordReset(ctx context.Context, email string) (string, time.Time, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", time.Time{}, err
	}

	token, err := s.tokens.NewResetToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate reset token: %w", err)
	}

	expiresAt := time.Now().UTC().Add(ResetTokenTTL)
	if err := s.store.SetPasswordResetToken(ctx, user.ID, token, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}
