package auth

import (
	"context"

	"github.com/fileworks/tessera/pkg/contextkeys"
)

// AuthContext holds the authenticated caller for the current request. It is
// set by the session middleware and read by handlers and the permission
// middleware. Fields are plain values so downstream packages do not import
// the identity store.
type AuthContext struct {
	// UserID is the internal numeric user id.
	UserID int64
	// KratosID is the external identity id the resolver keys on.
	KratosID string
	Email    string
	// GlobalRole is the user's platform-wide role (user, admin, superadmin,
	// system).
	GlobalRole string
	// TenantID is the tenant scope of the request, resolved from the
	// subdomain or X-Tenant-ID header. Nil for global-scope requests.
	TenantID *int64
	// SessionID is the session the caller authenticated with. Empty for
	// service-to-service calls.
	SessionID string
}

// WithAuthContext returns a context carrying the authenticated caller.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, contextkeys.AuthKey, ac)
}

// GetAuthContext extracts the authenticated caller, or nil if the request is
// unauthenticated.
func GetAuthContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return ac
}
