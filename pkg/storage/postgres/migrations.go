package postgres

import (
	"database/sql"
	"fmt"
)

// Migration represents a single schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the ordered schema for the tenancy store. Order matters:
// tenants and users must exist before the tables that reference them.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Create users table",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				kratos_id VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL,
				first_name VARCHAR(255),
				last_name VARCHAR(255),
				global_role VARCHAR(50) NOT NULL DEFAULT 'user',
				global_permissions JSONB NOT NULL DEFAULT '[]',
				status VARCHAR(50) NOT NULL DEFAULT 'active',
				account_locked BOOLEAN NOT NULL DEFAULT FALSE,
				failed_login_attempts INT NOT NULL DEFAULT 0,
				last_login TIMESTAMP,
				last_login_ip VARCHAR(45),
				password_reset_token VARCHAR(255),
				password_reset_expires TIMESTAMP,
				stripe_customer_id VARCHAR(255),
				lago_customer_id VARCHAR(255),
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_users_kratos_id ON users(kratos_id);
			CREATE INDEX IF NOT EXISTS idx_users_global_role ON users(global_role);
			CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
		`,
	},
	{
		Version:     2,
		Description: "Create tenants table",
		SQL: `
			CREATE TABLE IF NOT EXISTS tenants (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				subdomain VARCHAR(63) NOT NULL,
				domain VARCHAR(255),
				status VARCHAR(50) NOT NULL DEFAULT 'pending_setup',
				subscription_plan VARCHAR(50) NOT NULL DEFAULT 'trial',
				trial_ends_at TIMESTAMP,
				lago_customer_id VARCHAR(255),
				stripe_customer_id VARCHAR(255),
				settings JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_subdomain ON tenants(subdomain);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_domain ON tenants(domain) WHERE domain IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
		`,
	},
	{
		Version:     3,
		Description: "Create tenant_users membership table",
		SQL: `
			CREATE TABLE IF NOT EXISTS tenant_users (
				id BIGSERIAL PRIMARY KEY,
				tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				role VARCHAR(50) NOT NULL DEFAULT 'user',
				status VARCHAR(50) NOT NULL DEFAULT 'active',
				permissions JSONB NOT NULL DEFAULT '[]',
				version BIGINT NOT NULL DEFAULT 1,
				invited_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
				joined_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
				UNIQUE(tenant_id, user_id)
			);
			CREATE INDEX IF NOT EXISTS idx_tenant_users_user_id ON tenant_users(user_id);
			CREATE INDEX IF NOT EXISTS idx_tenant_users_tenant_id ON tenant_users(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_tenant_users_status ON tenant_users(status);
		`,
	},
	{
		Version:     4,
		Description: "Create roles table",
		SQL: `
			CREATE TABLE IF NOT EXISTS roles (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
				description TEXT,
				permissions JSONB NOT NULL DEFAULT '[]',
				inherits_from JSONB NOT NULL DEFAULT '[]',
				is_system BOOLEAN NOT NULL DEFAULT FALSE,
				version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name_tenant ON roles(name, tenant_id) WHERE tenant_id IS NOT NULL;
			CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name_global ON roles(name) WHERE tenant_id IS NULL;
			CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id);
		`,
	},
	{
		Version:     5,
		Description: "Create permissions catalog table",
		SQL: `
			CREATE TABLE IF NOT EXISTS permissions (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				resource VARCHAR(100) NOT NULL,
				action VARCHAR(100) NOT NULL,
				scope VARCHAR(100),
				description TEXT,
				category VARCHAR(100),
				created_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_name ON permissions(name);
			CREATE INDEX IF NOT EXISTS idx_permissions_resource ON permissions(resource);
			CREATE INDEX IF NOT EXISTS idx_permissions_category ON permissions(category);
		`,
	},
	{
		Version:     6,
		Description: "Create tenant_invitations table",
		SQL: `
			CREATE TABLE IF NOT EXISTS tenant_invitations (
				id BIGSERIAL PRIMARY KEY,
				tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				email VARCHAR(255) NOT NULL,
				role VARCHAR(50) NOT NULL DEFAULT 'user',
				token VARCHAR(64) NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'pending',
				invited_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
				expires_at TIMESTAMP NOT NULL,
				accepted_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_invitations_token ON tenant_invitations(token);
			CREATE INDEX IF NOT EXISTS idx_tenant_invitations_email ON tenant_invitations(email);
			CREATE INDEX IF NOT EXISTS idx_tenant_invitations_tenant_id ON tenant_invitations(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_tenant_invitations_expires_at ON tenant_invitations(expires_at);
		`,
	},
	{
		Version:     7,
		Description: "Create sessions table",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				id BIGSERIAL PRIMARY KEY,
				session_id VARCHAR(128) NOT NULL,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
				ip_address VARCHAR(45),
				user_agent TEXT,
				remember_me BOOLEAN NOT NULL DEFAULT FALSE,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				expires_at TIMESTAMP NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
			CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
			CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
		`,
	},
	{
		Version:     8,
		Description: "Create audit_logs table",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_logs (
				id BIGSERIAL PRIMARY KEY,
				correlation_id VARCHAR(64) NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				severity VARCHAR(20) NOT NULL DEFAULT 'info',
				tenant_id BIGINT,
				user_id VARCHAR(255),
				details JSONB NOT NULL DEFAULT '{}',
				ip_address VARCHAR(45),
				timestamp TIMESTAMP NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_correlation_id ON audit_logs(correlation_id);
		`,
	},
	{
		Version:     9,
		Description: "Create system_config table",
		SQL: `
			CREATE TABLE IF NOT EXISTS system_config (
				key VARCHAR(100) PRIMARY KEY,
				value JSONB NOT NULL,
				description TEXT,
				updated_by VARCHAR(255),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
		`,
	},
}

// RunMigrations applies all pending migrations against the primary database.
// Each migration runs in its own transaction together with its tracking
// record, so a failed migration leaves no partial state.
func RunMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`
	_, err := db.Exec(query)
	return err
}

func getAppliedMigrations(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}
