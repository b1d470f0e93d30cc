package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/identity"
	"github.com/fileworks/tessera/pkg/sessions"
)

func setupAuthDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kratos_id TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT,
			last_name TEXT,
			global_role TEXT NOT NULL DEFAULT 'user',
			global_permissions TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			account_locked INTEGER NOT NULL DEFAULT 0,
			failed_login_attempts INTEGER NOT NULL DEFAULT 0,
			last_login TIMESTAMP,
			last_login_ip TEXT,
			password_reset_token TEXT,
			password_reset_expires TIMESTAMP,
			stripe_customer_id TEXT,
			lago_customer_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			tenant_id INTEGER,
			ip_address TEXT,
			user_agent TEXT,
			remember_me INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	require.NoError(t, err)
	return db
}

type authFixture struct {
	users    *identity.Store
	sessions *sessions.Service
	user     *identity.User
	session  *sessions.Session
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db := setupAuthDB(t)
	ctx := context.Background()

	users := identity.NewStore(db)
	user := &identity.User{
		KratosID:   "kratos-7",
		Email:      "ana@example.com",
		GlobalRole: "admin",
		Status:     identity.StatusActive,
	}
	require.NoError(t, users.CreateUser(ctx, user))

	service := sessions.NewService(sessions.NewStore(db), users, nil, audit.NopLogger{})
	tenantID := int64(3)
	session, err := service.CreateSession(ctx, &sessions.CreateSessionRequest{
		UserID:    user.ID,
		KratosID:  user.KratosID,
		TenantID:  &tenantID,
		IPAddress: "10.0.0.5",
	})
	require.NoError(t, err)

	return &authFixture{users: users, sessions: service, user: user, session: session}
}

// probeHandler records the auth context the middleware left behind.
func probeHandler(captured **auth.AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = GetAuthContext(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestSessionAuth(t *testing.T) {
	t.Run("valid bearer session", func(t *testing.T) {
		fx := newAuthFixture(t)
		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+fx.session.SessionID)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
		assert.Equal(t, fx.user.ID, captured.UserID)
		assert.Equal(t, "kratos-7", captured.KratosID)
		assert.Equal(t, "ana@example.com", captured.Email)
		assert.Equal(t, "admin", captured.GlobalRole)
		require.NotNil(t, captured.TenantID)
		assert.Equal(t, int64(3), *captured.TenantID)
		assert.Equal(t, fx.session.SessionID, captured.SessionID)
	})

	t.Run("missing header", func(t *testing.T) {
		fx := newAuthFixture(t)
		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/users/me", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "missing authorization header")
		assert.Nil(t, captured)
	})

	t.Run("missing header passes when optional", func(t *testing.T) {
		fx := newAuthFixture(t)
		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, true).Handler(probeHandler(&captured))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/tenants/acme", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, captured)
	})

	t.Run("malformed header", func(t *testing.T) {
		fx := newAuthFixture(t)
		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Token "+fx.session.SessionID)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid authorization header format")
	})

	t.Run("revoked session", func(t *testing.T) {
		fx := newAuthFixture(t)
		require.NoError(t, fx.sessions.RevokeSession(context.Background(), fx.session.SessionID))

		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+fx.session.SessionID)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid or expired session")
	})

	t.Run("unknown session id", func(t *testing.T) {
		fx := newAuthFixture(t)
		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Bearer sess_bm90aGVyZQ")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("suspended user", func(t *testing.T) {
		fx := newAuthFixture(t)
		require.NoError(t, fx.users.UpdateStatus(context.Background(), fx.user.KratosID, identity.StatusSuspended))

		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+fx.session.SessionID)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "account is not active")
	})

	t.Run("tenant header scopes unbound sessions", func(t *testing.T) {
		fx := newAuthFixture(t)
		unbound, err := fx.sessions.CreateSession(context.Background(), &sessions.CreateSessionRequest{
			UserID:   fx.user.ID,
			KratosID: fx.user.KratosID,
		})
		require.NoError(t, err)

		var captured *auth.AuthContext
		handler := NewSessionAuth(fx.sessions, fx.users, false).Handler(probeHandler(&captured))

		req := httptest.NewRequest("GET", "/api/v1/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+unbound.SessionID)
		req.Header.Set("X-Tenant-ID", "42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
		require.NotNil(t, captured.TenantID)
		assert.Equal(t, int64(42), *captured.TenantID)
	})
}

func TestRequireGlobalRole(t *testing.T) {
	var captured *auth.AuthContext
	handler := RequireGlobalRole("admin", "superadmin")(probeHandler(&captured))

	authedRequest := func(role string) *http.Request {
		req := httptest.NewRequest("GET", "/api/v1/audit", nil)
		if role != "" {
			ctx := auth.WithAuthContext(req.Context(), &auth.AuthContext{UserID: 1, GlobalRole: role})
			req = req.WithContext(ctx)
		}
		return req
	}

	t.Run("admin allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest("admin"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("plain user forbidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest("user"))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient role")
	})

	t.Run("anonymous unauthorized", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
