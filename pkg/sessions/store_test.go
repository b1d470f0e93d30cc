package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	_, err = db.Exec(`
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
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}
	return db
}

func mustCreateSession(t *testing.T, store *Store, session *Session) *Session {
	t.Helper()
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(8 * time.Hour)
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func TestCreateSession(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	tenantID := int64(3)
	session := &Session{
		SessionID:  "sess_abc123",
		UserID:     7,
		TenantID:   &tenantID,
		IPAddress:  "10.0.0.5",
		UserAgent:  "integration-test",
		RememberMe: true,
		IsActive:   true,
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == 0 {
		t.Error("Expected session ID to be set")
	}
	if session.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be stamped")
	}

	t.Run("duplicate session id", func(t *testing.T) {
		dup := &Session{SessionID: "sess_abc123", UserID: 8, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
		if err := store.CreateSession(ctx, dup); err == nil {
			t.Error("Expected error for duplicate session id")
		}
	})

	t.Run("missing session id", func(t *testing.T) {
		err := store.CreateSession(ctx, &Session{UserID: 7, ExpiresAt: time.Now().Add(time.Hour)})
		if err == nil {
			t.Error("Expected error for missing session id")
		}
	})

	t.Run("missing expiry", func(t *testing.T) {
		err := store.CreateSession(ctx, &Session{SessionID: "sess_noexp", UserID: 7})
		if err == nil {
			t.Error("Expected error for missing expiry")
		}
	})
}

func TestGetBySessionID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	tenantID := int64(3)
	mustCreateSession(t, store, &Session{
		SessionID: "sess_lookup",
		UserID:    7,
		TenantID:  &tenantID,
		IPAddress: "10.0.0.5",
		IsActive:  true,
	})

	session, err := store.GetBySessionID(ctx, "sess_lookup")
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if session.UserID != 7 {
		t.Errorf("Expected user 7, got %d", session.UserID)
	}
	if session.TenantID == nil || *session.TenantID != 3 {
		t.Error("Expected tenant id 3")
	}
	if !session.IsActive {
		t.Error("Expected session to be active")
	}

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetBySessionID(ctx, "sess_missing")
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestListActiveForUser(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now()

	mustCreateSession(t, store, &Session{SessionID: "sess_live", UserID: 7, IsActive: true, ExpiresAt: now.Add(time.Hour)})
	mustCreateSession(t, store, &Session{SessionID: "sess_revoked", UserID: 7, IsActive: false, ExpiresAt: now.Add(time.Hour)})
	mustCreateSession(t, store, &Session{SessionID: "sess_expired", UserID: 7, IsActive: true, ExpiresAt: now.Add(-time.Hour)})
	mustCreateSession(t, store, &Session{SessionID: "sess_other", UserID: 8, IsActive: true, ExpiresAt: now.Add(time.Hour)})

	sessions, err := store.ListActiveForUser(ctx, 7, now)
	if err != nil {
		t.Fatalf("ListActiveForUser failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 live session, got %d", len(sessions))
	}
	if sessions[0].SessionID != "sess_live" {
		t.Errorf("Expected sess_live, got %s", sessions[0].SessionID)
	}
}

func TestRevoke(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	mustCreateSession(t, store, &Session{SessionID: "sess_revoke_me", UserID: 7, IsActive: true})

	if err := store.Revoke(ctx, "sess_revoke_me"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	session, err := store.GetBySessionID(ctx, "sess_revoke_me")
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if session.IsActive {
		t.Error("Expected session to be inactive after revoke")
	}

	t.Run("revoke twice is a no-op", func(t *testing.T) {
		if err := store.Revoke(ctx, "sess_revoke_me"); err != nil {
			t.Errorf("Second revoke should succeed, got %v", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		err := store.Revoke(ctx, "sess_unknown")
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestRevokeAllForUser(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()

	mustCreateSession(t, store, &Session{SessionID: "sess_a", UserID: 7, IsActive: true})
	mustCreateSession(t, store, &Session{SessionID: "sess_b", UserID: 7, IsActive: true})
	mustCreateSession(t, store, &Session{SessionID: "sess_c", UserID: 7, IsActive: false})
	mustCreateSession(t, store, &Session{SessionID: "sess_d", UserID: 8, IsActive: true})

	revoked, err := store.RevokeAllForUser(ctx, 7)
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if revoked != 2 {
		t.Errorf("Expected 2 revoked, got %d", revoked)
	}

	// The other user's session is untouched.
	other, err := store.GetBySessionID(ctx, "sess_d")
	if err != nil {
		t.Fatalf("GetBySessionID failed: %v", err)
	}
	if !other.IsActive {
		t.Error("Expected other user's session to stay active")
	}
}

func TestDeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now()

	mustCreateSession(t, store, &Session{SessionID: "sess_old_1", UserID: 7, IsActive: true, ExpiresAt: now.Add(-48 * time.Hour)})
	mustCreateSession(t, store, &Session{SessionID: "sess_old_2", UserID: 7, IsActive: false, ExpiresAt: now.Add(-time.Minute)})
	mustCreateSession(t, store, &Session{SessionID: "sess_live", UserID: 7, IsActive: true, ExpiresAt: now.Add(time.Hour)})
	// Revoked but unexpired rows survive the sweep.
	mustCreateSession(t, store, &Session{SessionID: "sess_revoked_live", UserID: 7, IsActive: false, ExpiresAt: now.Add(time.Hour)})

	deleted, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	if _, err := store.GetBySessionID(ctx, "sess_old_1"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("Expected expired session to be gone")
	}
	if _, err := store.GetBySessionID(ctx, "sess_live"); err != nil {
		t.Errorf("Expected live session to survive, got %v", err)
	}
	if _, err := store.GetBySessionID(ctx, "sess_revoked_live"); err != nil {
		t.Errorf("Expected revoked-but-unexpired session to survive, got %v", err)
	}
}
