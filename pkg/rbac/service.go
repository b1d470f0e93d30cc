package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
)

// Service wraps role mutations that carry audit side effects.
type Service struct {
	db          *sql.DB
	store       *Store
	auditLogger audit.Logger
}

// NewService creates the role service. The audit logger is required; pass
// audit.NopLogger{} to run without a trail.
func NewService(db *sql.DB, auditLogger audit.Logger) *Service {
	return &Service{
		db:          db,
		store:       NewStore(db),
		auditLogger: auditLogger,
	}
}

// Store exposes the underlying role store.
func (s *Service) Store() *Store {
	return s.store
}

// BulkAssignRole assigns one role to many users. Each user is updated
// independently; one failure never rolls back another's update. With a
// tenant scope the membership row is updated, otherwise users.global_role.
// One role_assigned audit row is written per successful assignment.
func (s *Service) BulkAssignRole(ctx context.Context, actorID string, req BulkAssignRequest) (*BulkAssignResult, error) {
	if req.Role == "" {
		return nil, fmt.Errorf("role is required")
	}
	if len(req.UserIDs) == 0 {
		return nil, fmt.Errorf("user_ids is required")
	}

	if req.TenantID != nil {
		// The role must resolve in this scope before touching any row.
		if _, err := s.store.GetRoleByName(ctx, req.Role, req.TenantID); err != nil {
			return nil, err
		}
	} else if !ValidGlobalRole(req.Role) {
		return nil, fmt.Errorf("invalid global role: %s", req.Role)
	}

	result := &BulkAssignResult{}
	for _, userID := range req.UserIDs {
		var err error
		if req.TenantID != nil {
			err = s.assignTenantRole(ctx, *req.TenantID, userID, req.Role)
		} else {
			err = s.assignGlobalRole(ctx, userID, req.Role)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Success++
		if logErr := s.auditLogger.LogRoleAssigned(ctx, actorID, strconv.FormatInt(userID, 10), req.Role, req.TenantID); logErr != nil {
			// The assignment stands; a lost audit row is not a reason to
			// report the user as failed.
			continue
		}
	}
	return result, nil
}

// assignTenantRole moves an active membership to a new role. The version
// bump lets concurrent editors detect the change.
func (s *Service) assignTenantRole(ctx context.Context, tenantID, userID int64, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenant_users
		SET role = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND user_id = $4 AND status = 'active'`,
		role, time.Now().UTC(), tenantID, userID,
	)
	if err != nil {
		return fmt.Errorf("user %d: %v", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("user %d: %v", userID, err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: no active membership in tenant %d", userID, tenantID)
	}
	return nil
}

func (s *Service) assignGlobalRole(ctx context.Context, userID int64, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET global_role = $1, updated_at = $2
		WHERE id = $3`,
		role, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("user %d: %v", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("user %d: %v", userID, err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: not found", userID)
	}
	return nil
}

// GrantPermissionToRole adds a catalog permission to a role. Granting a
// permission the role already has is a no-op. The role's version guards the
// read-modify-write; callers retry on ErrVersionConflict.
func (s *Service) GrantPermissionToRole(ctx context.Context, actorID, roleName string, tenantID *int64, permission string) (*Role, error) {
	if _, err := s.store.GetPermissionByName(ctx, permission); err != nil {
		return nil, err
	}

	role, err := s.store.GetRoleByName(ctx, roleName, tenantID)
	if err != nil {
		return nil, err
	}

	for _, p := range role.Permissions {
		if p == permission {
			return role, nil
		}
	}

	role.Permissions = append(role.Permissions, permission)
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	if err := s.auditLogger.LogPermissionGranted(ctx, actorID, role.Name, permission, tenantID); err != nil {
		return role, nil
	}
	return role, nil
}

// RevokePermissionFromRole removes a permission from a role. Revoking a
// permission the role does not carry is a no-op.
func (s *Service) RevokePermissionFromRole(ctx context.Context, actorID, roleName string, tenantID *int64, permission string) (*Role, error) {
	role, err := s.store.GetRoleByName(ctx, roleName, tenantID)
	if err != nil {
		return nil, err
	}

	found := false
	kept := role.Permissions[:0]
	for _, p := range role.Permissions {
		if p == permission {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return role, nil
	}

	role.Permissions = kept
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	entry := &audit.Entry{
		EventType: audit.EventPermissionRevoked,
		Severity:  audit.SeverityWarning,
		UserID:    actorID,
		TenantID:  tenantID,
		Details: map[string]interface{}{
			"role":       role.Name,
			"permission": permission,
		},
	}
	_ = s.auditLogger.Log(ctx, entry)
	return role, nil
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoleNotFound) || errors.Is(err, ErrPermissionNotFound)
}
