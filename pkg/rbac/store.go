package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fileworks/tessera/pkg/storage/postgres"
)

// Store handles role and permission-catalog persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new role store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const roleColumns = "id, name, tenant_id, description, permissions, inherits_from, is_system, version, created_at, updated_at"

// CreateRole creates a new role. The (name, tenant scope) pair must be
// unique; a duplicate maps to ErrDuplicateRole.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required")
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	inheritsJSON, err := json.Marshal(role.InheritsFrom)
	if err != nil {
		return fmt.Errorf("failed to marshal inherits_from: %w", err)
	}

	query := `
		INSERT INTO roles (name, tenant_id, description, permissions, inherits_from, is_system, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		role.Name,
		role.TenantID,
		role.Description,
		string(permissionsJSON),
		string(inheritsJSON),
		role.IsSystem,
		now,
		now,
	).Scan(&role.ID)

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.Version = 1
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID.
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := "SELECT " + roleColumns + " FROM roles WHERE id = $1"

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

// GetRoleByName resolves a role name within a tenant scope. With a nil
// tenantID only global roles match. With a tenant id, a tenant-scoped role
// shadows a global role of the same name; the DESC NULLS LAST ordering makes
// the tenant row win the tie.
func (s *Store) GetRoleByName(ctx context.Context, name string, tenantID *int64) (*Role, error) {
	var row *sql.Row
	if tenantID == nil {
		query := "SELECT " + roleColumns + " FROM roles WHERE name = $1 AND tenant_id IS NULL"
		row = s.db.QueryRowContext(ctx, query, name)
	} else {
		query := "SELECT " + roleColumns + ` FROM roles
			WHERE name = $1 AND (tenant_id = $2 OR tenant_id IS NULL)
			ORDER BY tenant_id DESC NULLS LAST
			LIMIT 1`
		row = s.db.QueryRowContext(ctx, query, name, *tenantID)
	}

	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles lists the roles visible in a scope: global roles plus, when a
// tenant id is given, that tenant's own roles.
func (s *Store) ListRoles(ctx context.Context, tenantID *int64) ([]*Role, error) {
	var rows *sql.Rows
	var err error
	if tenantID == nil {
		query := "SELECT " + roleColumns + " FROM roles WHERE tenant_id IS NULL ORDER BY is_system DESC, name ASC"
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := "SELECT " + roleColumns + " FROM roles WHERE tenant_id = $1 OR tenant_id IS NULL ORDER BY is_system DESC, name ASC"
		rows, err = s.db.QueryContext(ctx, query, *tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole persists description, permissions, and inheritance changes
// guarded by the role's version. A stale version returns ErrVersionConflict
// so a concurrent grant is never silently overwritten.
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	inheritsJSON, err := json.Marshal(role.InheritsFrom)
	if err != nil {
		return fmt.Errorf("failed to marshal inherits_from: %w", err)
	}

	query := `
		UPDATE roles
		SET description = $1, permissions = $2, inherits_from = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		role.Description,
		string(permissionsJSON),
		string(inheritsJSON),
		now,
		role.ID,
		role.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Zero rows means either the role vanished or the version moved on.
		if _, getErr := s.GetRole(ctx, role.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: role %d version %d", ErrVersionConflict, role.ID, role.Version)
	}

	role.Version++
	role.UpdatedAt = now
	return nil
}

// DeleteRole deletes a custom role. System roles cannot be deleted.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: %s", ErrSystemRole, role.Name)
	}

	_, err = s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// CreatePermission adds a catalog entry.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	if err := ValidatePermissionName(perm.Name); err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (name, resource, action, scope, description, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		perm.Name,
		perm.Resource,
		perm.Action,
		perm.Scope,
		perm.Description,
		perm.Category,
		now,
		now,
	).Scan(&perm.ID)

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePerm, perm.Name)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	perm.CreatedAt = now
	perm.UpdatedAt = now
	return nil
}

// GetPermissionByName retrieves one catalog entry.
func (s *Store) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	query := `
		SELECT id, name, resource, action, scope, description, category, created_at, updated_at
		FROM permissions
		WHERE name = $1
	`

	var perm Permission
	var scope sql.NullString
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&perm.ID,
		&perm.Name,
		&perm.Resource,
		&perm.Action,
		&scope,
		&perm.Description,
		&perm.Category,
		&perm.CreatedAt,
		&perm.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	if scope.Valid {
		s := scope.String
		perm.Scope = &s
	}
	return &perm, nil
}

// ListPermissions returns the whole catalog ordered by category then name.
func (s *Store) ListPermissions(ctx context.Context) ([]*Permission, error) {
	query := `
		SELECT id, name, resource, action, scope, description, category, created_at, updated_at
		FROM permissions
		ORDER BY category ASC, name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		var perm Permission
		var scope sql.NullString
		err := rows.Scan(
			&perm.ID,
			&perm.Name,
			&perm.Resource,
			&perm.Action,
			&scope,
			&perm.Description,
			&perm.Category,
			&perm.CreatedAt,
			&perm.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		if scope.Valid {
			s := scope.String
			perm.Scope = &s
		}
		perms = append(perms, &perm)
	}
	return perms, rows.Err()
}

// ListPermissionNames returns every catalog name. This is what the
// superadmin short-circuit hands back.
func (s *Store) ListPermissionNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM permissions ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list permission names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeletePermission removes a catalog entry. Roles referencing the name keep
// the dangling string; resolution simply unions strings and does not chase
// the catalog row.
func (s *Store) DeletePermission(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM permissions WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var tenantID sql.NullInt64
	var permissionsJSON, inheritsJSON string

	err := row.Scan(
		&role.ID,
		&role.Name,
		&tenantID,
		&role.Description,
		&permissionsJSON,
		&inheritsJSON,
		&role.IsSystem,
		&role.Version,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(inheritsJSON), &role.InheritsFrom); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inherits_from: %w", err)
	}
	if tenantID.Valid {
		id := tenantID.Int64
		role.TenantID = &id
	}
	return &role, nil
}
