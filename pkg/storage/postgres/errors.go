package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a unique-index duplicate-key
// failure. Uniqueness races (email, kratos_id, subdomain, invitation token,
// session id) surface only through this error; there is no race-free
// pre-check.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgErrUniqueViolation
	}
	return false
}

// IsForeignKeyViolation reports whether err is a foreign-key constraint
// failure, typically a reference to a deleted user or tenant.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgErrForeignKeyViolation
	}
	return false
}
