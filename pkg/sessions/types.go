package sessions

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
)

// Session is one authenticated client. The opaque session_id travels with
// the client; the numeric id stays server-side. A session past expires_at
// or with is_active false is invalid the moment either holds, whether or
// not the janitor has physically removed the row yet.
type Session struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	TenantID   *int64    `json:"tenant_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RememberMe bool      `json:"remember_me"`
	IsActive   bool      `json:"is_active"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateSessionRequest carries what a completed login hands over. KratosID
// is only used to attribute the audit row; the session itself is keyed by
// the numeric user id.
type CreateSessionRequest struct {
	UserID     int64  `json:"user_id"`
	KratosID   string `json:"kratos_id,omitempty"`
	TenantID   *int64 `json:"tenant_id,omitempty"`
	RememberMe bool   `json:"remember_me"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}
