package identity

import (
	"errors"
	"regexp"
	"time"
)

// User account statuses.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUser is returned when the kratos id or email is already taken.
	ErrDuplicateUser = errors.New("user already exists")
	// ErrAccountLocked is returned when an operation is refused because the
	// account crossed the failed-login threshold.
	ErrAccountLocked = errors.New("account locked")
)

// User is a platform identity. Credentials live in the external identity
// provider; this row carries the kratos id, the authorization fields, and
// the billing references.
type User struct {
	ID                  int64      `json:"id"`
	KratosID            string     `json:"kratos_id"`
	Email               string     `json:"email"`
	FirstName           string     `json:"first_name,omitempty"`
	LastName            string     `json:"last_name,omitempty"`
	GlobalRole          string     `json:"global_role"`
	GlobalPermissions   []string   `json:"global_permissions"`
	Status              string     `json:"status"`
	AccountLocked       bool       `json:"account_locked"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	LastLoginIP         string     `json:"last_login_ip,omitempty"`
	StripeCustomerID    string     `json:"stripe_customer_id,omitempty"`
	LagoCustomerID      string     `json:"lago_customer_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ProfileUpdate carries the caller-editable user fields. Nil pointers leave
// the stored value untouched.
type ProfileUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidEmail reports whether the address has the shape user@host.tld. The
// mail system is the real authority; this catches obvious garbage before it
// reaches the unique index.
func ValidEmail(email string) bool {
	return len(email) <= 255 && emailRe.MatchString(email)
}
