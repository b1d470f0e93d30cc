package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileworks/tessera/pkg/observability"
)

func setupServerDB(t *testing.T) *sql.DB {
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

		CREATE TABLE tenants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			subdomain TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'active'
		);

		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			tenant_id INTEGER,
			description TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT '[]',
			inherits_from TEXT NOT NULL DEFAULT '[]',
			is_system BOOLEAN NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			scope TEXT,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT,
			updated_by TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			tenant_id INTEGER,
			user_id TEXT,
			details TEXT NOT NULL DEFAULT '{}',
			ip_address TEXT,
			timestamp TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func newTestServer(t *testing.T) (*Server, *sql.DB) {
	t.Helper()
	db := setupServerDB(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	server, err := NewServer(db, nil, Config{
		Version:             "test",
		ServiceName:         "tessera-test",
		LagoWebhookSecret:   "lago-secret",
		StripeWebhookSecret: "whsec_test",
	}, logger)
	require.NoError(t, err)
	return server, db
}

func doJSON(server *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func registerUser(t *testing.T, server *Server, kratosID, email string) int64 {
	t.Helper()
	body := fmt.Sprintf(`{"kratos_id": %q, "email": %q}`, kratosID, email)
	w := doJSON(server, "POST", "/api/v1/users", body, "")
	require.Equal(t, http.StatusCreated, w.Code, "register: %s", w.Body.String())
	return int64(decodeBody(t, w)["id"].(float64))
}

func createSession(t *testing.T, server *Server, userID int64, kratosID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"user_id": %d, "kratos_id": %q}`, userID, kratosID)
	w := doJSON(server, "POST", "/api/v1/sessions", body, "")
	require.Equal(t, http.StatusCreated, w.Code, "create session: %s", w.Body.String())
	return decodeBody(t, w)["session_id"].(string)
}

func TestServerOperationalEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("liveness", func(t *testing.T) {
		w := doJSON(server, "GET", "/health/live", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readiness", func(t *testing.T) {
		w := doJSON(server, "GET", "/health/ready", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "database")
	})

	t.Run("metrics exposition", func(t *testing.T) {
		// Generate at least one counted request first.
		doJSON(server, "GET", "/health/live", "", "")

		w := doJSON(server, "GET", "/metrics", "", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "tessera_")
	})
}

func TestServerSessionGate(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("api routes require a session", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/roles", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "missing authorization header")
	})

	t.Run("registration and login are reachable without one", func(t *testing.T) {
		userID := registerUser(t, server, "kratos-100", "first@example.com")
		token := createSession(t, server, userID, "kratos-100")

		w := doJSON(server, "GET", "/api/v1/roles", "", token)
		assert.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	})

	t.Run("session validation is its own primitive", func(t *testing.T) {
		userID := registerUser(t, server, "kratos-101", "second@example.com")
		token := createSession(t, server, userID, "kratos-101")

		// No Authorization header on either call.
		w := doJSON(server, "GET", "/api/v1/sessions/"+token, "", "")
		assert.Equal(t, http.StatusOK, w.Code)

		w = doJSON(server, "DELETE", "/api/v1/sessions/"+token, "", "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		// The revoked session no longer passes the gate.
		w = doJSON(server, "GET", "/api/v1/roles", "", token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rate limit headers ride on api responses", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/roles", "", "")
		assert.Equal(t, "120", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("request ids are assigned", func(t *testing.T) {
		w := doJSON(server, "GET", "/health/live", "", "")
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})
}

func TestServerAdminGate(t *testing.T) {
	server, db := newTestServer(t)

	userID := registerUser(t, server, "kratos-200", "ops@example.com")
	token := createSession(t, server, userID, "kratos-200")

	t.Run("plain users are refused", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/audit", "", token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient role")

		w = doJSON(server, "PUT", "/api/v1/system-config/api_rate_limit_per_minute", `{"value": 240}`, token)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admins pass", func(t *testing.T) {
		_, err := db.Exec(`UPDATE users SET global_role = 'admin' WHERE id = $1`, userID)
		require.NoError(t, err)

		w := doJSON(server, "PUT", "/api/v1/system-config/api_rate_limit_per_minute", `{"value": 240}`, token)
		require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

		w = doJSON(server, "GET", "/api/v1/system-config/api_rate_limit_per_minute", "", token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "240")
	})

	t.Run("anonymous callers get 401 not 403", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/audit", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestServerWebhooksBypassSessionGate(t *testing.T) {
	server, _ := newTestServer(t)

	// No Authorization header; the billing handler answers, so the
	// rejection talks about signatures, not sessions.
	w := doJSON(server, "POST", "/webhooks/billing/lago", `{"webhook_type":"x"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "signature")

	w = doJSON(server, "POST", "/webhooks/billing/stripe", `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "signature")
}

func TestServerCORS(t *testing.T) {
	db := setupServerDB(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	server, err := NewServer(db, nil, Config{
		Version:        "test",
		ServiceName:    "tessera-test",
		AllowedOrigins: []string{"https://app.example.com"},
	}, logger)
	require.NoError(t, err)

	t.Run("preflight answered without a route", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/v1/tenants", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health/live", nil)
		req.Header.Set("Origin", "https://elsewhere.example.com")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServerOperationalHandler(t *testing.T) {
	server, _ := newTestServer(t)
	ops := server.OperationalHandler()

	w := httptest.NewRecorder()
	ops.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	ops.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Domain routes are not exposed on the probe port.
	w = httptest.NewRecorder()
	ops.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/roles", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerPanicRecovery(t *testing.T) {
	server, _ := newTestServer(t)
	server.Router().HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}).Methods("GET")

	w := doJSON(server, "GET", "/boom", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}
