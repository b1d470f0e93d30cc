package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fileworks/tessera/pkg/storage/postgres"
)

// Store handles tenant persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new tenant store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const tenantColumns = `id, name, subdomain, domain, status, subscription_plan, trial_ends_at,
	lago_customer_id, stripe_customer_id, settings, created_at, updated_at`

// CreateTenant inserts a tenant row. Subdomain format is the caller's
// responsibility; the unique index is the last line of defense against a
// concurrent claim on the same subdomain.
func (s *Store) CreateTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.Name == "" {
		return fmt.Errorf("tenant name is required")
	}
	if tenant.Subdomain == "" {
		return fmt.Errorf("subdomain is required")
	}
	if tenant.Status == "" {
		tenant.Status = StatusPendingSetup
	}
	if tenant.Settings == nil {
		tenant.Settings = &Settings{}
	}
	settingsJSON, err := json.Marshal(tenant.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO tenants (name, subdomain, domain, status, subscription_plan, trial_ends_at, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		tenant.Name,
		tenant.Subdomain,
		nullString(tenant.Domain),
		tenant.Status,
		tenant.SubscriptionPlan,
		nullTime(tenant.TrialEndsAt),
		string(settingsJSON),
		now,
		now,
	).Scan(&tenant.ID)

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSubdomain, tenant.Subdomain)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	return nil
}

// GetTenant retrieves a tenant by row id.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = $1"
	tenant, err := scanTenant(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrTenantNotFound, id)
	}
	return tenant, err
}

// GetTenantBySubdomain retrieves a tenant by its subdomain.
func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE subdomain = $1"
	tenant, err := scanTenant(s.db.QueryRowContext(ctx, query, subdomain))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, subdomain)
	}
	return tenant, err
}

// GetTenantByLagoID retrieves the tenant owning a Lago customer id. Billing
// webhooks address tenants this way.
func (s *Store) GetTenantByLagoID(ctx context.Context, lagoCustomerID string) (*Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE lago_customer_id = $1"
	tenant, err := scanTenant(s.db.QueryRowContext(ctx, query, lagoCustomerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: lago customer %s", ErrTenantNotFound, lagoCustomerID)
	}
	return tenant, err
}

// GetTenantByStripeID retrieves the tenant owning a Stripe customer id.
func (s *Store) GetTenantByStripeID(ctx context.Context, stripeCustomerID string) (*Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE stripe_customer_id = $1"
	tenant, err := scanTenant(s.db.QueryRowContext(ctx, query, stripeCustomerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: stripe customer %s", ErrTenantNotFound, stripeCustomerID)
	}
	return tenant, err
}

// SubdomainTaken reports whether any tenant already holds the subdomain.
// A negative answer is advisory only; the unique index decides races.
func (s *Store) SubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM tenants WHERE subdomain = $1)", subdomain,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to probe subdomain: %w", err)
	}
	return taken, nil
}

// UpdateSettings replaces the stored settings document. Section merging
// happens in the service; the store writes what it is given.
func (s *Store) UpdateSettings(ctx context.Context, id int64, settings *Settings) error {
	if settings == nil {
		settings = &Settings{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET settings = $1, updated_at = $2 WHERE id = $3",
		string(settingsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrTenantNotFound, id)
	}
	return nil
}

// UpdateStatus moves a tenant to a new lifecycle state. Suspension does not
// cascade; memberships stay as they are and read paths filter on status.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid tenant status: %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrTenantNotFound, id)
	}
	return nil
}

// UpdatePlan changes the subscription plan and returns the previous one.
// The read and write are not atomic; billing webhooks are effectively
// serialized per customer upstream, so a lost old-plan value is tolerable.
func (s *Store) UpdatePlan(ctx context.Context, id int64, plan string) (string, error) {
	var oldPlan string
	err := s.db.QueryRowContext(ctx,
		"SELECT subscription_plan FROM tenants WHERE id = $1", id,
	).Scan(&oldPlan)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %d", ErrTenantNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE tenants SET subscription_plan = $1, updated_at = $2 WHERE id = $3",
		plan, time.Now().UTC(), id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to update plan: %w", err)
	}
	return oldPlan, nil
}

// SetBillingCustomerIDs records the external billing identities for a
// tenant. Empty arguments leave the stored value untouched.
func (s *Store) SetBillingCustomerIDs(ctx context.Context, id int64, stripeID, lagoID string) error {
	query := `
		UPDATE tenants
		SET stripe_customer_id = COALESCE(NULLIF($1, ''), stripe_customer_id),
		    lago_customer_id = COALESCE(NULLIF($2, ''), lago_customer_id),
		    updated_at = $3
		WHERE id = $4
	`
	result, err := s.db.ExecContext(ctx, query, stripeID, lagoID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set billing customer ids: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrTenantNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	tenant := &Tenant{}
	var domain, lagoID, stripeID sql.NullString
	var trialEndsAt sql.NullTime
	var settingsJSON []byte

	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Subdomain,
		&domain,
		&tenant.Status,
		&tenant.SubscriptionPlan,
		&trialEndsAt,
		&lagoID,
		&stripeID,
		&settingsJSON,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	if domain.Valid {
		tenant.Domain = domain.String
	}
	if lagoID.Valid {
		tenant.LagoCustomerID = lagoID.String
	}
	if stripeID.Valid {
		tenant.StripeCustomerID = stripeID.String
	}
	if trialEndsAt.Valid {
		t := trialEndsAt.Time
		tenant.TrialEndsAt = &t
	}
	tenant.Settings = &Settings{}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, tenant.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}

	return tenant, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
