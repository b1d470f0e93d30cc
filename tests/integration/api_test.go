//go:build integration
// +build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestIdentityAndSessionFlow(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	server := newServer(t, db)

	userID := registerUser(t, server, "kratos-ana", "ana@example.com")

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		body := `{"kratos_id": "kratos-other", "email": "ana@example.com"}`
		w := doJSON(server, "POST", "/api/v1/users", body, "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	token := createSession(t, server, userID, "kratos-ana")

	t.Run("session validates", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/sessions/"+token, "", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, float64(userID), decodeBody(t, w)["user_id"])
	})

	t.Run("bearer token reaches protected routes", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/users/kratos-ana", "", token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "ana@example.com", decodeBody(t, w)["email"])
	})

	t.Run("revoked session stops authenticating", func(t *testing.T) {
		w := doJSON(server, "DELETE", "/api/v1/sessions/"+token, "", "")
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = doJSON(server, "GET", "/api/v1/users/kratos-ana", "", token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestTenantLifecycle(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	server := newServer(t, db)

	ownerID := registerUser(t, server, "kratos-owner", "owner@example.com")
	ownerToken := createSession(t, server, ownerID, "kratos-owner")

	w := doJSON(server, "POST", "/api/v1/tenants", `{"name": "Acme", "subdomain": "acme"}`, ownerToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tenantID := int64(decodeBody(t, w)["id"].(float64))

	t.Run("duplicate subdomain conflicts", func(t *testing.T) {
		w := doJSON(server, "POST", "/api/v1/tenants", `{"name": "Copycat", "subdomain": "acme"}`, ownerToken)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("subdomain probe reports taken and reserved", func(t *testing.T) {
		w := doJSON(server, "POST", "/api/v1/tenants/validate-subdomain", `{"subdomain": "acme"}`, "")
		require.Equal(t, http.StatusOK, w.Code)
		taken := decodeBody(t, w)
		assert.Equal(t, false, taken["valid"])

		w = doJSON(server, "POST", "/api/v1/tenants/validate-subdomain", `{"subdomain": "admin"}`, "")
		require.Equal(t, http.StatusOK, w.Code)
		reserved := decodeBody(t, w)
		assert.Equal(t, false, reserved["valid"])

		w = doJSON(server, "POST", "/api/v1/tenants/validate-subdomain", `{"subdomain": "fresh-name"}`, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["valid"])
	})

	t.Run("invitation round trip", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/tenants/%d/invitations", tenantID)
		w := doJSON(server, "POST", path, `{"email": "new-hire@example.com", "role": "user"}`, ownerToken)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		inviteToken := decodeBody(t, w)["token"].(string)

		inviteeID := registerUser(t, server, "kratos-hire", "new-hire@example.com")
		inviteeToken := createSession(t, server, inviteeID, "kratos-hire")

		w = doJSON(server, "POST", "/api/v1/invitations/"+inviteToken+"/accept", "", inviteeToken)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		membership := decodeBody(t, w)
		assert.Equal(t, float64(tenantID), membership["tenant_id"])
		assert.Equal(t, float64(inviteeID), membership["user_id"])

		w = doJSON(server, "GET", fmt.Sprintf("/api/v1/tenants/%d/members", tenantID), "", ownerToken)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Len(t, decodeArray(t, w), 2, "owner plus accepted invitee")
	})
}

func TestAdminSurfaces(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	server := newServer(t, db)

	userID := registerUser(t, server, "kratos-admin", "admin@example.com")
	token := createSession(t, server, userID, "kratos-admin")

	t.Run("plain users cannot reach audit", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/audit", "", token)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	_, err := db.Exec("UPDATE users SET global_role = 'admin' WHERE id = $1", userID)
	require.NoError(t, err)

	t.Run("audit search returns the login trail", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/audit?event_type=user_login&limit=10", "", token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		entries := decodeArray(t, w)
		require.NotEmpty(t, entries)
		assert.Equal(t, "user_login", entries[0]["event_type"])
	})

	t.Run("audit stats aggregate", func(t *testing.T) {
		w := doJSON(server, "GET", "/api/v1/audit/stats", "", token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		stats := decodeBody(t, w)
		assert.NotNil(t, stats["events_by_type"])
	})

	t.Run("system config round trip", func(t *testing.T) {
		w := doJSON(server, "PUT", "/api/v1/system-config/api_rate_limit_per_minute", `{"value": 240}`, token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = doJSON(server, "GET", "/api/v1/system-config/api_rate_limit_per_minute", "", token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "240")

		w = doJSON(server, "GET", "/api/v1/audit?event_type=config_changed", "", token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, decodeArray(t, w), "config change leaves an audit row")
	})
}
