package sysconfig

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
)

// Store reads and writes typed system_config rows.
type Store struct {
	db          *sql.DB
	auditLogger audit.Logger
}

// NewStore creates a config store. The audit logger records every mutation;
// pass audit.NopLogger{} to run without a trail.
func NewStore(db *sql.DB, auditLogger audit.Logger) *Store {
	return &Store{db: db, auditLogger: auditLogger}
}

// Get retrieves one configuration row.
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	query := `
		SELECT key, value, description, updated_by, updated_at
		FROM system_config
		WHERE key = $1
	`

	var setting Setting
	var valueJSON []byte
	var description, updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&setting.Key,
		&valueJSON,
		&description,
		&updatedBy,
		&setting.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config %s: %w", key, err)
	}

	if err := json.Unmarshal(valueJSON, &setting.Value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", key, err)
	}
	setting.Description = description.String
	setting.UpdatedBy = updatedBy.String
	return &setting, nil
}

// List returns all configuration rows ordered by key.
func (s *Store) List(ctx context.Context) ([]*Setting, error) {
	query := `
		SELECT key, value, description, updated_by, updated_at
		FROM system_config
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		var setting Setting
		var valueJSON []byte
		var description, updatedBy sql.NullString
		if err := rows.Scan(&setting.Key, &valueJSON, &description, &updatedBy, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &setting.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config %s: %w", setting.Key, err)
		}
		setting.Description = description.String
		setting.UpdatedBy = updatedBy.String
		settings = append(settings, &setting)
	}
	return settings, rows.Err()
}

// Set updates one configuration value. Unknown keys are rejected. Writing a
// value identical to the stored one is a no-op and leaves no audit row.
func (s *Store) Set(ctx context.Context, actorID, key string, value interface{}) error {
	if !KnownKey(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal config %s: %w", key, err)
	}

	var oldValue interface{}
	current, err := s.Get(ctx, key)
	if err == nil {
		oldValue = current.Value
		oldJSON, _ := json.Marshal(current.Value)
		if bytes.Equal(oldJSON, valueJSON) {
			return nil
		}
	}

	query := `
		INSERT INTO system_config (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(valueJSON), actorID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}

	_ = s.auditLogger.LogConfigChanged(ctx, actorID, key, oldValue, value)
	return nil
}

// SeedDefaults inserts any missing configuration rows. Existing values are
// never overwritten; the returned count is the number of rows created.
func (s *Store) SeedDefaults(ctx context.Context) (int, error) {
	seeded := 0
	now := time.Now().UTC()
	for _, def := range Defaults() {
		valueJSON, err := json.Marshal(def.Value)
		if err != nil {
			return seeded, fmt.Errorf("failed to marshal default %s: %w", def.Key, err)
		}
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value, description, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING`,
			def.Key, string(valueJSON), def.Description, now,
		)
		if err != nil {
			return seeded, fmt.Errorf("failed to seed config %s: %w", def.Key, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			seeded++
		}
	}
	return seeded, nil
}

// GetBool reads a boolean setting, falling back to the compiled default when
// the row is missing or malformed.
func (s *Store) GetBool(ctx context.Context, key string) bool {
	setting, err := s.Get(ctx, key)
	if err == nil {
		if b, ok := setting.Value.(bool); ok {
			return b
		}
	}
	if def, ok := defaultFor(key); ok {
		if b, ok := def.(bool); ok {
			return b
		}
	}
	return false
}

// GetInt reads an integer setting with the compiled default as fallback.
// JSON numbers decode as float64; both that and string digits are accepted.
func (s *Store) GetInt(ctx context.Context, key string) int {
	setting, err := s.Get(ctx, key)
	if err == nil {
		if n, ok := asInt(setting.Value); ok {
			return n
		}
	}
	if def, ok := defaultFor(key); ok {
		if n, ok := asInt(def); ok {
			return n
		}
	}
	return 0
}

// GetString reads a string setting with the compiled default as fallback.
func (s *Store) GetString(ctx context.Context, key string) string {
	setting, err := s.Get(ctx, key)
	if err == nil {
		if str, ok := setting.Value.(string); ok {
			return str
		}
	}
	if def, ok := defaultFor(key); ok {
		if str, ok := def.(string); ok {
			return str
		}
	}
	return ""
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
