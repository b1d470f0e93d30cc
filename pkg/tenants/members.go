package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const membershipColumns = `id, tenant_id, user_id, role, status, permissions, version,
	invited_by, joined_at, created_at, updated_at`

// ListMembers retrieves all memberships of a tenant, oldest first.
func (s *Store) ListMembers(ctx context.Context, tenantID int64) ([]*Membership, error) {
	query := "SELECT " + membershipColumns + ` FROM tenant_users
		WHERE tenant_id = $1
		ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		member, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// GetMembership retrieves one tenant_users row.
func (s *Store) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	query := "SELECT " + membershipColumns + " FROM tenant_users WHERE tenant_id = $1 AND user_id = $2"
	member, err := scanMembership(s.db.QueryRowContext(ctx, query, tenantID, userID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d in tenant %d", ErrMembershipNotFound, userID, tenantID)
	}
	return member, err
}

// AddMember inserts a membership row. The (tenant_id, user_id) unique pair
// makes a second add report ErrMemberExists rather than a second row.
func (s *Store) AddMember(ctx context.Context, member *Membership) error {
	if member.Role == "" {
		member.Role = "user"
	}
	if !ValidMemberRole(member.Role) {
		return fmt.Errorf("invalid membership role: %q", member.Role)
	}
	if member.Status == "" {
		member.Status = MemberActive
	}
	if !ValidMemberStatus(member.Status) {
		return fmt.Errorf("invalid membership status: %q", member.Status)
	}
	if member.Permissions == nil {
		member.Permissions = []string{}
	}
	permissionsJSON, err := json.Marshal(member.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	now := time.Now().UTC()
	var joinedAt interface{}
	if member.Status == MemberActive {
		joinedAt = now
	}

	query := `
		INSERT INTO tenant_users (tenant_id, user_id, role, status, permissions, version, invited_by, joined_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		member.TenantID,
		member.UserID,
		member.Role,
		member.Status,
		string(permissionsJSON),
		member.InvitedBy,
		joinedAt,
		now,
		now,
	).Scan(&member.ID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: user %d in tenant %d", ErrMemberExists, member.UserID, member.TenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	member.Version = 1
	if member.Status == MemberActive {
		member.JoinedAt = &now
	}
	member.CreatedAt = now
	member.UpdatedAt = now
	return nil
}

// UpdateMembership mutates a membership row via compare-and-swap on the
// version column. A zero-row update means either the membership is gone or
// someone else won the version race; the two cases map to different errors.
func (s *Store) UpdateMembership(ctx context.Context, tenantID, userID int64, update *MembershipUpdate) (*Membership, error) {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if update.Role != nil {
		if !ValidMemberRole(*update.Role) {
			return nil, fmt.Errorf("invalid membership role: %q", *update.Role)
		}
		setClauses = append(setClauses, fmt.Sprintf("role = $%d", argPos))
		args = append(args, *update.Role)
		argPos++
	}
	if update.Status != nil {
		if !ValidMemberStatus(*update.Status) {
			return nil, fmt.Errorf("invalid membership status: %q", *update.Status)
		}
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *update.Status)
		argPos++
	}
	if update.Permissions != nil {
		permissionsJSON, err := json.Marshal(update.Permissions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal permissions: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("permissions = $%d", argPos))
		args = append(args, string(permissionsJSON))
		argPos++
	}
	if len(setClauses) == 0 {
		return s.GetMembership(ctx, tenantID, userID)
	}

	setClauses = append(setClauses, "version = version + 1", fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	args = append(args, tenantID, userID, update.Version)
	query := fmt.Sprintf(
		"UPDATE tenant_users SET %s WHERE tenant_id = $%d AND user_id = $%d AND version = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1, argPos+2,
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetMembership(ctx, tenantID, userID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: user %d in tenant %d at version %d",
			ErrVersionConflict, userID, tenantID, update.Version)
	}

	return s.GetMembership(ctx, tenantID, userID)
}

// DeactivateMember moves a membership to inactive. The row stays; permission
// resolution ignores non-active memberships at read time.
func (s *Store) DeactivateMember(ctx context.Context, tenantID, userID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenant_users
		SET status = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND user_id = $4`,
		MemberInactive, time.Now().UTC(), tenantID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %d in tenant %d", ErrMembershipNotFound, userID, tenantID)
	}
	return nil
}

const invitationColumns = `id, tenant_id, email, role, token, status, invited_by,
	expires_at, accepted_at, created_at, updated_at`

// CreateInvitation persists a pending invitation. Any earlier pending
// invitation for the same (tenant, email) pair is cancelled in the same
// transaction so at most one token per address is redeemable.
func (s *Store) CreateInvitation(ctx context.Context, invitation *Invitation) error {
	if invitation.Token == "" {
		return fmt.Errorf("invitation token is required")
	}
	if invitation.Email == "" {
		return fmt.Errorf("invitation email is required")
	}
	if invitation.Role == "" {
		invitation.Role = "user"
	}
	if !ValidMemberRole(invitation.Role) {
		return fmt.Errorf("invalid membership role: %q", invitation.Role)
	}
	if invitation.ExpiresAt.IsZero() {
		return fmt.Errorf("invitation expiry is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE tenant_invitations
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND email = $4 AND status = $5`,
		InviteStatusCancelled, now, invitation.TenantID, invitation.Email, InviteStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede prior invitation: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenant_invitations (tenant_id, email, role, token, status, invited_by, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		invitation.TenantID,
		invitation.Email,
		invitation.Role,
		invitation.Token,
		InviteStatusPending,
		invitation.InvitedBy,
		invitation.ExpiresAt,
		now,
		now,
	).Scan(&invitation.ID)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invitation: %w", err)
	}

	invitation.Status = InviteStatusPending
	invitation.CreatedAt = now
	invitation.UpdatedAt = now
	return nil
}

// GetInvitationByToken retrieves an invitation, any status.
func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	query := "SELECT " + invitationColumns + " FROM tenant_invitations WHERE token = $1"
	invitation, err := scanInvitation(s.db.QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	}
	return invitation, err
}

// ListPendingInvitations lists open invitations for a tenant, newest first.
func (s *Store) ListPendingInvitations(ctx context.Context, tenantID int64) ([]*Invitation, error) {
	query := "SELECT " + invitationColumns + ` FROM tenant_invitations
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, tenantID, InviteStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*Invitation
	for rows.Next() {
		invitation, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, invitation)
	}
	return invitations, rows.Err()
}

// AcceptInvitation redeems a token for the given user. The row is locked for
// the duration of the transaction so a token can only ever be consumed once;
// every non-pending state maps to its own error. Success activates the
// membership (creating it if absent) and marks the invitation accepted.
//
// An invitation past expires_at is refused even while the row still reads
// pending; the janitor flips those to expired later.
func (s *Store) AcceptInvitation(ctx context.Context, token string, userID int64) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, tenant_id, email, role, status, expires_at
		FROM tenant_invitations
		WHERE token = $1
		FOR UPDATE
	`
	var id, tenantID int64
	var email, role, status string
	var expiresAt time.Time

	err = tx.QueryRowContext(ctx, query, token).Scan(&id, &tenantID, &email, &role, &status, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	if err := invitationStatusError(status); err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, ErrInvitationExpired
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_users (tenant_id, user_id, role, status, permissions, version, joined_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '[]', 1, $5, $5, $5)
		ON CONFLICT (tenant_id, user_id) DO UPDATE
		SET status = EXCLUDED.status, role = EXCLUDED.role,
		    version = tenant_users.version + 1,
		    joined_at = COALESCE(tenant_users.joined_at, EXCLUDED.joined_at),
		    updated_at = EXCLUDED.updated_at`,
		tenantID, userID, role, MemberActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to activate membership: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tenant_invitations
		SET status = $1, accepted_at = $2, updated_at = $2
		WHERE id = $3`,
		InviteStatusAccepted, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark invitation accepted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit acceptance: %w", err)
	}

	return s.GetMembership(ctx, tenantID, userID)
}

// CancelInvitation withdraws a pending invitation. Terminal states report
// which state blocked the cancellation.
func (s *Store) CancelInvitation(ctx context.Context, token string) error {
	return s.closeInvitation(ctx, token, InviteStatusCancelled)
}

// RejectInvitation records the invitee declining. Terminal states report
// which state blocked the rejection.
func (s *Store) RejectInvitation(ctx context.Context, token string) error {
	return s.closeInvitation(ctx, token, InviteStatusRejected)
}

func (s *Store) closeInvitation(ctx context.Context, token, newStatus string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenant_invitations
		SET status = $1, updated_at = $2
		WHERE token = $3 AND status = $4`,
		newStatus, time.Now().UTC(), token, InviteStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to close invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Zero rows: the token is unknown or the invitation already left the
	// pending state. Re-read to say which.
	invitation, err := s.GetInvitationByToken(ctx, token)
	if err != nil {
		return err
	}
	if statusErr := invitationStatusError(invitation.Status); statusErr != nil {
		return statusErr
	}
	return fmt.Errorf("invitation in unexpected state %q", invitation.Status)
}

// ExpirePendingInvitations flips pending invitations whose expiry has
// passed to expired, returning how many moved. The janitor runs this ahead
// of the physical purge.
func (s *Store) ExpirePendingInvitations(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenant_invitations
		SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at < $2`,
		InviteStatusExpired, now.UTC(), InviteStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredInvitations purges expired invitation rows outright.
func (s *Store) DeleteExpiredInvitations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM tenant_invitations WHERE status = $1", InviteStatusExpired,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired invitations: %w", err)
	}
	return result.RowsAffected()
}

// invitationStatusError maps a terminal invitation status to its sentinel.
// A pending status maps to nil.
func invitationStatusError(status string) error {
	switch status {
	case InviteStatusAccepted:
		return ErrInvitationAccepted
	case InviteStatusExpired:
		return ErrInvitationExpired
	case InviteStatusCancelled:
		return ErrInvitationCancelled
	case InviteStatusRejected:
		return ErrInvitationRejected
	}
	return nil
}

func scanMembership(row rowScanner) (*Membership, error) {
	member := &Membership{}
	var permissionsJSON []byte
	var invitedBy sql.NullInt64
	var joinedAt sql.NullTime

	err := row.Scan(
		&member.ID,
		&member.TenantID,
		&member.UserID,
		&member.Role,
		&member.Status,
		&permissionsJSON,
		&member.Version,
		&invitedBy,
		&joinedAt,
		&member.CreatedAt,
		&member.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership: %w", err)
	}

	if invitedBy.Valid {
		member.InvitedBy = &invitedBy.Int64
	}
	if joinedAt.Valid {
		t := joinedAt.Time
		member.JoinedAt = &t
	}
	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &member.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	if member.Permissions == nil {
		member.Permissions = []string{}
	}

	return member, nil
}

func scanInvitation(row rowScanner) (*Invitation, error) {
	invitation := &Invitation{}
	var invitedBy sql.NullInt64
	var acceptedAt sql.NullTime

	err := row.Scan(
		&invitation.ID,
		&invitation.TenantID,
		&invitation.Email,
		&invitation.Role,
		&invitation.Token,
		&invitation.Status,
		&invitedBy,
		&invitation.ExpiresAt,
		&acceptedAt,
		&invitation.CreatedAt,
		&invitation.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invitation: %w", err)
	}

	if invitedBy.Valid {
		invitation.InvitedBy = &invitedBy.Int64
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		invitation.AcceptedAt = &t
	}
	return invitation, nil
}
