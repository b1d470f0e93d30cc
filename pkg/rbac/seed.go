package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SeedDefaults inserts the default permission catalog and system roles.
// Rows that already exist are left untouched, so reruns at every boot are
// safe. Returns how many permissions and roles were inserted.
func SeedDefaults(ctx context.Context, db *sql.DB) (int, int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	permsSeeded := 0
	for _, perm := range DefaultPermissions() {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (name, resource, action, scope, description, category, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (name) DO NOTHING`,
			perm.Name, perm.Resource, perm.Action, perm.Scope, perm.Description, perm.Category, now, now,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to seed permission %s: %w", perm.Name, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			permsSeeded++
		}
	}

	rolesSeeded := 0
	for _, role := range DefaultRoles() {
		permissionsJSON, err := json.Marshal(role.Permissions)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to marshal permissions for role %s: %w", role.Name, err)
		}
		inheritsJSON, err := json.Marshal(role.InheritsFrom)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to marshal inherits_from for role %s: %w", role.Name, err)
		}

		// The conflict target is the partial unique index on global role
		// names.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO roles (name, tenant_id, description, permissions, inherits_from, is_system, version, created_at, updated_at)
			VALUES ($1, NULL, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (name) WHERE tenant_id IS NULL DO NOTHING`,
			role.Name, role.Description, string(permissionsJSON), string(inheritsJSON), role.IsSystem, now, now,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to seed role %s: %w", role.Name, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			rolesSeeded++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit seed transaction: %w", err)
	}
	return permsSeeded, rolesSeeded, nil
}
