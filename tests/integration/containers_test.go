//go:build integration
// +build integration

package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/fileworks/tessera/pkg/api"
	"github.com/fileworks/tessera/pkg/observability"
	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/storage/postgres"
)

// setupPostgres starts a disposable PostgreSQL container, applies the
// schema migrations and rbac defaults, and returns a connected handle.
// Tests skip when no container runtime is available.
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("tessera_test"),
		tcpostgres.WithUsername("tessera"),
		tcpostgres.WithPassword("tessera_test_password"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	require.NoError(t, postgres.RunMigrations(db))
	_, _, err = rbac.SeedDefaults(ctx, db)
	require.NoError(t, err)

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
		// The test's own context may already be cancelled by the time
		// cleanup runs, so termination gets a fresh one.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func newServer(t *testing.T, db *sql.DB) *api.Server {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	server, err := api.NewServer(db, nil, api.Config{
		Version:             "integration",
		ServiceName:         "tessera-integration",
		LagoWebhookSecret:   "lago-secret",
		StripeWebhookSecret: "whsec_integration",
	}, logger)
	require.NoError(t, err)
	return server
}

func doJSON(server *api.Server, method, path, body, token string) *httptest.ResponseRecorder {
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

func registerUser(t *testing.T, server *api.Server, kratosID, email string) int64 {
	t.Helper()
	body := fmt.Sprintf(`{"kratos_id": %q, "email": %q}`, kratosID, email)
	w := doJSON(server, "POST", "/api/v1/users", body, "")
	require.Equal(t, http.StatusCreated, w.Code, "register: %s", w.Body.String())
	return int64(decodeBody(t, w)["id"].(float64))
}

func createSession(t *testing.T, server *api.Server, userID int64, kratosID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"user_id": %d, "kratos_id": %q}`, userID, kratosID)
	w := doJSON(server, "POST", "/api/v1/sessions", body, "")
	require.Equal(t, http.StatusCreated, w.Code, "create session: %s", w.Body.String())
	return decodeBody(t, w)["session_id"].(string)
}
