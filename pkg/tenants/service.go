package tenants

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/identity"
	"github.com/fileworks/tessera/pkg/sso"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

// Fallbacks for a nil config store. With a live config these come from
// system_config and can be changed at runtime.
const (
	defaultTrialDays       = 14
	defaultInviteExpiryHrs = 72
	defaultTenantPlan      = "trial"
)

// ConnectionValidator checks SSO connection material before it is persisted
// into tenant settings. *sso.Validator satisfies it.
type ConnectionValidator interface {
	ValidateConnection(ctx context.Context, conn *sso.Connection) *sso.ValidationResult
}

// Service wraps the tenant store with subdomain policy, invitation
// lifecycle, settings merging, and audit emission.
type Service struct {
	store       *Store
	config      *sysconfig.Store
	auditLogger audit.Logger
	tokens      *auth.TokenGenerator

	// SSOValidator vets settings.security.sso updates. Swap it out in tests
	// to avoid live metadata and discovery fetches.
	SSOValidator ConnectionValidator
}

// NewService creates a tenant service. config may be nil, in which case the
// compiled defaults stand in for system_config values.
func NewService(store *Store, config *sysconfig.Store, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		store:        store,
		config:       config,
		auditLogger:  auditLogger,
		tokens:       auth.NewTokenGenerator(),
		SSOValidator: sso.NewValidator(),
	}
}

// Store exposes the underlying tenant store.
func (s *Service) Store() *Store {
	return s.store
}

// ValidateSubdomain checks a candidate subdomain against format, length,
// the reserved list, and current uniqueness. Rejection is a structured
// result, not an error; the error return is for storage failures only.
//
// A valid result is advisory: another tenant can still claim the name
// between this check and CreateTenant, where the unique index decides.
func (s *Service) ValidateSubdomain(ctx context.Context, subdomain string) (*SubdomainValidationResult, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))

	if len(subdomain) < SubdomainMinLength {
		return &SubdomainValidationResult{Reason: fmt.Sprintf("subdomain must be at least %d characters", SubdomainMinLength)}, nil
	}
	if len(subdomain) > SubdomainMaxLength {
		return &SubdomainValidationResult{Reason: fmt.Sprintf("subdomain must be at most %d characters", SubdomainMaxLength)}, nil
	}
	if !subdomainRe.MatchString(subdomain) {
		return &SubdomainValidationResult{Reason: "subdomain may contain only lowercase letters, digits, and hyphens, and cannot start or end with a hyphen"}, nil
	}
	if reservedSubdomains[subdomain] {
		return &SubdomainValidationResult{Reason: fmt.Sprintf("subdomain %q is reserved", subdomain)}, nil
	}

	taken, err := s.store.SubdomainTaken(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if taken {
		return &SubdomainValidationResult{Reason: fmt.Sprintf("subdomain %q is already taken", subdomain)}, nil
	}

	return &SubdomainValidationResult{Valid: true}, nil
}

// CreateTenant validates the subdomain, fills plan and trial window from
// system config, persists the tenant, seeds the creator's owner membership,
// and writes one tenant_created audit row.
func (s *Service) CreateTenant(ctx context.Context, creator *auth.AuthContext, req *CreateTenantRequest) (*Tenant, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	status := req.Status
	if status == "" {
		status = StatusPendingSetup
	}
	if status != StatusPendingSetup && status != StatusTrial {
		return nil, fmt.Errorf("a tenant starts as %s or %s, not %q", StatusPendingSetup, StatusTrial, status)
	}

	subdomain := strings.ToLower(strings.TrimSpace(req.Subdomain))
	validation, err := s.ValidateSubdomain(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSubdomain, validation.Reason)
	}

	plan := s.configString(ctx, sysconfig.KeyDefaultTenantPlan, defaultTenantPlan)
	tenant := &Tenant{
		Name:             req.Name,
		Subdomain:        subdomain,
		Domain:           req.Domain,
		Status:           status,
		SubscriptionPlan: plan,
	}
	if plan == "trial" || status == StatusTrial {
		trialEnds := time.Now().UTC().Add(time.Duration(s.configInt(ctx, sysconfig.KeyTrialDurationDays, defaultTrialDays)) * 24 * time.Hour)
		tenant.TrialEndsAt = &trialEnds
	}

	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}

	ownerID := req.OwnerUserID
	if ownerID == nil && creator != nil && creator.UserID != 0 {
		ownerID = &creator.UserID
	}
	if ownerID != nil {
		owner := &Membership{
			TenantID: tenant.ID,
			UserID:   *ownerID,
			Role:     "owner",
			Status:   MemberActive,
		}
		if err := s.store.AddMember(ctx, owner); err != nil {
			return nil, fmt.Errorf("tenant %d created but owner membership failed: %w", tenant.ID, err)
		}
	}

	if err := s.auditLogger.LogTenantCreated(ctx, actorOf(creator), tenant.ID, subdomain); err != nil {
		// The tenant stands; a lost audit row is not a reason to fail.
		return tenant, nil
	}
	return tenant, nil
}

// UpdateSettings applies a section-wise patch to the tenant settings
// document. Sections present in the patch replace the stored section
// wholesale; absent sections are untouched. An enabled SSO connection in
// the patch must pass validation before anything is written.
func (s *Service) UpdateSettings(ctx context.Context, tenantID int64, patch *Settings) (*Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if patch.Security != nil && patch.Security.SSO != nil && patch.Security.SSO.Enabled && s.SSOValidator != nil {
		result := s.SSOValidator.ValidateConnection(ctx, patch.Security.SSO)
		if !result.Valid {
			return nil, fmt.Errorf("sso connection rejected: %s", result.Reason)
		}
	}

	merged := mergeSettings(tenant.Settings, patch)
	if err := s.store.UpdateSettings(ctx, tenantID, merged); err != nil {
		return nil, err
	}
	return s.store.GetTenant(ctx, tenantID)
}

// InviteUser creates a pending invitation with a fresh opaque token and
// emits one invitation_sent audit row. A previous pending invitation for
// the same address is superseded.
func (s *Service) InviteUser(ctx context.Context, inviter *auth.AuthContext, tenantID int64, req *InviteRequest) (*Invitation, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !identity.ValidEmail(email) {
		return nil, fmt.Errorf("invalid email address: %q", req.Email)
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	if !ValidMemberRole(role) {
		return nil, fmt.Errorf("invalid membership role: %q", role)
	}

	hours := req.ExpiryHours
	if hours <= 0 {
		hours = s.configInt(ctx, sysconfig.KeyInvitationExpiryHours, defaultInviteExpiryHrs)
	}

	token, err := s.tokens.NewInvitationToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invitation token: %w", err)
	}

	invitation := &Invitation{
		TenantID:  tenantID,
		Email:     email,
		Role:      role,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(time.Duration(hours) * time.Hour),
	}
	if inviter != nil && inviter.UserID != 0 {
		invitation.InvitedBy = &inviter.UserID
	}

	if err := s.store.CreateInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	if err := s.auditLogger.LogInvitationSent(ctx, actorOf(inviter), tenantID, email, role); err != nil {
		return invitation, nil
	}
	return invitation, nil
}

// AcceptInvitation redeems a token for the authenticated user and writes
// one invitation_accepted audit row. Unknown, accepted, expired, cancelled,
// and rejected tokens each fail with their own sentinel.
func (s *Service) AcceptInvitation(ctx context.Context, acceptor *auth.AuthContext, token string) (*Membership, error) {
	if acceptor == nil || acceptor.UserID == 0 {
		return nil, fmt.Errorf("an authenticated user is required to accept an invitation")
	}

	membership, err := s.store.AcceptInvitation(ctx, token, acceptor.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.auditLogger.LogInvitationAccepted(ctx, acceptor.KratosID, membership.TenantID, acceptor.Email); err != nil {
		return membership, nil
	}
	return membership, nil
}

// CancelInvitation withdraws a pending invitation on behalf of a tenant
// admin.
func (s *Service) CancelInvitation(ctx context.Context, actor *auth.AuthContext, token string) error {
	invitation, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.CancelInvitation(ctx, token); err != nil {
		return err
	}
	s.logInvitationClosed(ctx, audit.EventInvitationCancelled, actorOf(actor), invitation)
	return nil
}

// RejectInvitation records the invitee declining the invitation.
func (s *Service) RejectInvitation(ctx context.Context, actor *auth.AuthContext, token string) error {
	invitation, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.RejectInvitation(ctx, token); err != nil {
		return err
	}
	s.logInvitationClosed(ctx, audit.EventInvitationRejected, actorOf(actor), invitation)
	return nil
}

// UpdateMembership applies a version-checked membership mutation. A role
// change writes one role_assigned audit row.
func (s *Service) UpdateMembership(ctx context.Context, actor *auth.AuthContext, tenantID, userID int64, update *MembershipUpdate) (*Membership, error) {
	membership, err := s.store.UpdateMembership(ctx, tenantID, userID, update)
	if err != nil {
		return nil, err
	}
	if update.Role != nil {
		if err := s.auditLogger.LogRoleAssigned(ctx, actorOf(actor), strconv.FormatInt(userID, 10), *update.Role, &tenantID); err != nil {
			return membership, nil
		}
	}
	return membership, nil
}

func (s *Service) logInvitationClosed(ctx context.Context, eventType, actorID string, invitation *Invitation) {
	entry := &audit.Entry{
		EventType: eventType,
		UserID:    actorID,
		TenantID:  &invitation.TenantID,
		Details: map[string]interface{}{
			"email": invitation.Email,
			"role":  invitation.Role,
		},
	}
	// Loss of this row never unwinds the state change it describes.
	_ = s.auditLogger.Log(ctx, entry)
}

func (s *Service) configInt(ctx context.Context, key string, fallback int) int {
	if s.config == nil {
		return fallback
	}
	return s.config.GetInt(ctx, key)
}

func (s *Service) configString(ctx context.Context, key, fallback string) string {
	if s.config == nil {
		return fallback
	}
	return s.config.GetString(ctx, key)
}

// mergeSettings overlays patch onto current section by section. A nil
// current starts from an empty document; nil patch sections keep the stored
// value.
func mergeSettings(current, patch *Settings) *Settings {
	merged := &Settings{}
	if current != nil {
		*merged = *current
	}
	if patch == nil {
		return merged
	}
	if patch.Branding != nil {
		merged.Branding = patch.Branding
	}
	if patch.Features != nil {
		merged.Features = patch.Features
	}
	if patch.Limits != nil {
		merged.Limits = patch.Limits
	}
	if patch.Security != nil {
		merged.Security = patch.Security
	}
	if patch.Notifications != nil {
		merged.Notifications = patch.Notifications
	}
	return merged
}

func actorOf(ac *auth.AuthContext) string {
	if ac == nil {
		return ""
	}
	return ac.KratosID
}
