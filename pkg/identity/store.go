package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fileworks/tessera/pkg/storage/postgres"
)

// Store handles user persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new user store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, kratos_id, email, first_name, last_name, global_role, global_permissions,
	status, account_locked, failed_login_attempts, last_login, last_login_ip,
	stripe_customer_id, lago_customer_id, created_at, updated_at`

// CreateUser inserts a user row. Both kratos_id and email are unique; a
// collision on either maps to ErrDuplicateUser.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.KratosID == "" {
		return fmt.Errorf("kratos_id is required")
	}
	if !ValidEmail(user.Email) {
		return fmt.Errorf("invalid email address: %q", user.Email)
	}
	if user.GlobalRole == "" {
		user.GlobalRole = "user"
	}
	if user.Status == "" {
		user.Status = StatusActive
	}
	if user.GlobalPermissions == nil {
		user.GlobalPermissions = []string{}
	}
	permissionsJSON, err := json.Marshal(user.GlobalPermissions)
	if err != nil {
		return fmt.Errorf("failed to marshal global_permissions: %w", err)
	}

	query := `
		INSERT INTO users (kratos_id, email, first_name, last_name, global_role, global_permissions, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		user.KratosID,
		user.Email,
		user.FirstName,
		user.LastName,
		user.GlobalRole,
		string(permissionsJSON),
		user.Status,
		now,
		now,
	).Scan(&user.ID)

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateUser, user.Email)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUserByKratosID retrieves a user by identity-provider id.
func (s *Store) GetUserByKratosID(ctx context.Context, kratosID string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE kratos_id = $1"
	user, err := scanUser(s.db.QueryRowContext(ctx, query, kratosID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, kratosID)
	}
	return user, err
}

// GetUserByID retrieves a user by row id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	return user, err
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE email = $1"
	user, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return user, err
}

// CountUsers returns the total number of user rows. The registration
// auto-promotion gate keys off this being zero.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// UpdateProfile applies the non-nil fields of update to the user row.
func (s *Store) UpdateProfile(ctx context.Context, kratosID string, update *ProfileUpdate) (*User, error) {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if update.FirstName != nil {
		setClauses = append(setClauses, fmt.Sprintf("first_name = $%d", argPos))
		args = append(args, *update.FirstName)
		argPos++
	}
	if update.LastName != nil {
		setClauses = append(setClauses, fmt.Sprintf("last_name = $%d", argPos))
		args = append(args, *update.LastName)
		argPos++
	}
	if update.Email != nil {
		if !ValidEmail(*update.Email) {
			return nil, fmt.Errorf("invalid email address: %q", *update.Email)
		}
		setClauses = append(setClauses, fmt.Sprintf("email = $%d", argPos))
		args = append(args, *update.Email)
		argPos++
	}
	if len(setClauses) == 0 {
		return s.GetUserByKratosID(ctx, kratosID)
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++
	args = append(args, kratosID)

	query := "UPDATE users SET "
	for i, clause := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE kratos_id = $%d", argPos)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email taken", ErrDuplicateUser)
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, kratosID)
	}

	return s.GetUserByKratosID(ctx, kratosID)
}

// UpdateStatus sets the account status.
func (s *Store) UpdateStatus(ctx context.Context, kratosID, status string) error {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended:
	default:
		return fmt.Errorf("invalid status: %s", status)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET status = $1, updated_at = $2 WHERE kratos_id = $3",
		status, time.Now().UTC(), kratosID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, kratosID)
	}
	return nil
}

// RecordFailedLogin increments the failed-login counter and locks the
// account once the counter reaches threshold. It returns the new counter
// value and whether this call locked the account.
func (s *Store) RecordFailedLogin(ctx context.Context, kratosID string, threshold int) (int, bool, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    account_locked = account_locked OR (failed_login_attempts + 1 >= $1),
		    updated_at = $2
		WHERE kratos_id = $3
		RETURNING failed_login_attempts, account_locked
	`

	var attempts int
	var locked bool
	err := s.db.QueryRowContext(ctx, query, threshold, time.Now().UTC(), kratosID).Scan(&attempts, &locked)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("%w: %s", ErrUserNotFound, kratosID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to record failed login: %w", err)
	}
	return attempts, locked, nil
}

// RecordLogin stamps a successful login on the user row: last_login,
// last_login_ip, and a cleared failed-login counter.
func (s *Store) RecordLogin(ctx context.Context, userID int64, ipAddress string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET last_login = $1, last_login_ip = $2, failed_login_attempts = 0, account_locked = FALSE, updated_at = $1
		WHERE id = $3
	`, time.Now().UTC(), ipAddress, userID)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return nil
}

// SetPasswordResetToken stores a reset token and its expiry on the user row.
func (s *Store) SetPasswordResetToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_reset_token = $1, password_reset_expires = $2, updated_at = $3 WHERE id = $4",
		token, expiresAt.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set reset token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return nil
}

// ClearPasswordResetToken removes the reset token from the user row.
func (s *Store) ClearPasswordResetToken(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_reset_token = NULL, password_reset_expires = NULL, updated_at = $1 WHERE id = $2",
		time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to clear reset token: %w", err)
	}
	return nil
}

// ClearExpiredResetTokens strips reset tokens whose expiry has passed.
// Tokens are single-use and short-lived; rows they linger on are the
// only place a stale secret survives.
func (s *Store) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_reset_token = NULL, password_reset_expires = NULL, updated_at = $1 WHERE password_reset_token IS NOT NULL AND password_reset_expires < $1",
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired reset tokens: %w", err)
	}
	return result.RowsAffected()
}

// SetBillingCustomerIDs stores the external billing references. Empty
// strings leave the stored value untouched.
func (s *Store) SetBillingCustomerIDs(ctx context.Context, userID int64, stripeID, lagoID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET stripe_customer_id = COALESCE(NULLIF($1, ''), stripe_customer_id),
		    lago_customer_id = COALESCE(NULLIF($2, ''), lago_customer_id),
		    updated_at = $3
		WHERE id = $4
	`, stripeID, lagoID, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set billing ids: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	var firstName, lastName, lastLoginIP, stripeID, lagoID sql.NullString
	var lastLogin sql.NullTime
	var permissionsJSON string

	err := row.Scan(
		&user.ID,
		&user.KratosID,
		&user.Email,
		&firstName,
		&lastName,
		&user.GlobalRole,
		&permissionsJSON,
		&user.Status,
		&user.AccountLocked,
		&user.FailedLoginAttempts,
		&lastLogin,
		&lastLoginIP,
		&stripeID,
		&lagoID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	user.FirstName = firstName.String
	user.LastName = lastName.String
	user.LastLoginIP = lastLoginIP.String
	user.StripeCustomerID = stripeID.String
	user.LagoCustomerID = lagoID.String
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	if err := json.Unmarshal([]byte(permissionsJSON), &user.GlobalPermissions); err != nil {
		return nil, fmt.Errorf("failed to parse global_permissions: %w", err)
	}
	if user.GlobalPermissions == nil {
		user.GlobalPermissions = []string{}
	}
	return &user, nil
}
