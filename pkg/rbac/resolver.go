package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fileworks/tessera/pkg/observability"
)

// Resolver computes effective permissions. Every call re-reads the backing
// tables; there is no cache, so a grant is visible on the next resolution.
type Resolver struct {
	db      *sql.DB
	store   *Store
	metrics *observability.Metrics
}

// NewResolver creates a permission resolver. metrics may be nil.
func NewResolver(db *sql.DB, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		db:      db,
		store:   NewStore(db),
		metrics: metrics,
	}
}

// Store exposes the role store the resolver reads through.
func (r *Resolver) Store() *Store {
	return r.store
}

// userGrants is the slice of the user row resolution needs.
type userGrants struct {
	ID                int64
	GlobalRole        string
	GlobalPermissions []string
	Status            string
	AccountLocked     bool
}

// ResolveEffectivePermissions returns the de-duplicated permission set for a
// user, optionally scoped to a tenant. Unknown, inactive, and locked users
// resolve to the empty set, never an error. A superadmin receives the entire
// permission catalog without any union work.
func (r *Resolver) ResolveEffectivePermissions(ctx context.Context, kratosID string, tenantID *int64) ([]string, error) {
	start := time.Now()
	perms, outcome, err := r.resolve(ctx, kratosID, tenantID)
	if r.metrics != nil {
		r.metrics.PermissionResolutionsTotal.WithLabelValues(outcome).Inc()
		r.metrics.PermissionResolutionDuration.Observe(time.Since(start).Seconds())
	}
	return perms, err
}

func (r *Resolver) resolve(ctx context.Context, kratosID string, tenantID *int64) ([]string, string, error) {
	user, err := r.loadUser(ctx, kratosID)
	if err != nil {
		return nil, "error", err
	}
	if user == nil {
		return []string{}, "unknown_user", nil
	}
	if user.Status != "active" || user.AccountLocked {
		return []string{}, "inactive_user", nil
	}

	if user.GlobalRole == GlobalRoleSuperadmin {
		catalog, err := r.store.ListPermissionNames(ctx)
		if err != nil {
			return nil, "error", err
		}
		if catalog == nil {
			catalog = []string{}
		}
		return catalog, "superadmin", nil
	}

	perms, err := r.resolveForUser(ctx, user, tenantID)
	if err != nil {
		return nil, "error", err
	}
	return perms, "resolved", nil
}

// resolveForUser runs the union steps for a non-superadmin user.
func (r *Resolver) resolveForUser(ctx context.Context, user *userGrants, tenantID *int64) ([]string, error) {
	result := make(map[string]struct{})
	for _, p := range user.GlobalPermissions {
		result[p] = struct{}{}
	}

	// Global role contributes its direct permissions only.
	globalRole, err := r.store.GetRoleByName(ctx, user.GlobalRole, nil)
	if err != nil && !errors.Is(err, ErrRoleNotFound) {
		return nil, err
	}
	if globalRole != nil {
		for _, p := range globalRole.Permissions {
			result[p] = struct{}{}
		}
	}

	if tenantID != nil {
		if err := r.unionMembership(ctx, user.ID, *tenantID, result); err != nil {
			return nil, err
		}
	}

	return sortedSet(result), nil
}

// unionMembership folds in the tenant contribution: the membership's direct
// permissions, its role, and one level of that role's parents. A missing or
// non-active membership contributes nothing.
func (r *Resolver) unionMembership(ctx context.Context, userID, tenantID int64, result map[string]struct{}) error {
	var roleName string
	var permissionsJSON sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT role, permissions
		FROM tenant_users
		WHERE tenant_id = $1 AND user_id = $2 AND status = 'active'`,
		tenantID, userID,
	).Scan(&roleName, &permissionsJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load tenant membership: %w", err)
	}

	if permissionsJSON.Valid && permissionsJSON.String != "" {
		var memberPerms []string
		if err := json.Unmarshal([]byte(permissionsJSON.String), &memberPerms); err != nil {
			return fmt.Errorf("failed to unmarshal membership permissions: %w", err)
		}
		for _, p := range memberPerms {
			result[p] = struct{}{}
		}
	}

	memberRole, err := r.store.GetRoleByName(ctx, roleName, &tenantID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return nil
		}
		return err
	}
	for _, p := range memberRole.Permissions {
		result[p] = struct{}{}
	}

	// One inheritance level: parents' direct permissions, nothing deeper.
	for _, parentName := range memberRole.InheritsFrom {
		parent, err := r.store.GetRoleByName(ctx, parentName, &tenantID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return err
		}
		for _, p := range parent.Permissions {
			result[p] = struct{}{}
		}
	}
	return nil
}

// UserHasPermission reports whether the user's effective set contains the
// permission. The superadmin short-circuit is evaluated before any union
// work.
func (r *Resolver) UserHasPermission(ctx context.Context, kratosID, permission string, tenantID *int64) (bool, error) {
	allowed, err := r.hasPermission(ctx, kratosID, permission, tenantID)
	if r.metrics != nil && err == nil {
		r.metrics.PermissionChecksTotal.WithLabelValues(fmt.Sprintf("%t", allowed)).Inc()
	}
	return allowed, err
}

func (r *Resolver) hasPermission(ctx context.Context, kratosID, permission string, tenantID *int64) (bool, error) {
	user, err := r.loadUser(ctx, kratosID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	if user.Status != "active" || user.AccountLocked {
		return false, nil
	}
	if user.GlobalRole == GlobalRoleSuperadmin {
		return true, nil
	}

	perms, err := r.resolveForUser(ctx, user, tenantID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// loadUser fetches the resolution slice of the user row. A missing user
// returns (nil, nil): absence is a resolution outcome, not an error.
func (r *Resolver) loadUser(ctx context.Context, kratosID string) (*userGrants, error) {
	var user userGrants
	var permissionsJSON sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, global_role, global_permissions, status, account_locked
		FROM users
		WHERE kratos_id = $1`,
		kratosID,
	).Scan(&user.ID, &user.GlobalRole, &permissionsJSON, &user.Status, &user.AccountLocked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if permissionsJSON.Valid && permissionsJSON.String != "" {
		if err := json.Unmarshal([]byte(permissionsJSON.String), &user.GlobalPermissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal global permissions: %w", err)
		}
	}
	return &user, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
