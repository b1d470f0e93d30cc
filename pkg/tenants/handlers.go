package tenants

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/httputil"
)

// Handlers provides HTTP handlers for tenants, memberships, and invitations
type Handlers struct {
	service *Service
}

// NewHandlers creates new tenant handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all tenant routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// The literal path is registered ahead of the {id} routes so it never
	// falls into the numeric matcher.
	router.HandleFunc("/tenants/validate-subdomain", h.ValidateSubdomain).Methods("POST")

	router.HandleFunc("/tenants", h.CreateTenant).Methods("POST")
	router.HandleFunc("/tenants/{id:[0-9]+}", h.GetTenant).Methods("GET")
	router.HandleFunc("/tenants/{id:[0-9]+}/settings", h.UpdateSettings).Methods("PATCH")

	router.HandleFunc("/tenants/{id:[0-9]+}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/tenants/{id:[0-9]+}/members", h.AddMember).Methods("POST")
	router.HandleFunc("/tenants/{id:[0-9]+}/members/{user_id:[0-9]+}", h.UpdateMembership).Methods("PATCH")
	router.HandleFunc("/tenants/{id:[0-9]+}/members/{user_id:[0-9]+}", h.DeactivateMember).Methods("DELETE")

	router.HandleFunc("/tenants/{id:[0-9]+}/invitations", h.InviteUser).Methods("POST")
	router.HandleFunc("/tenants/{id:[0-9]+}/invitations", h.ListInvitations).Methods("GET")
	router.HandleFunc("/invitations/{token}/accept", h.AcceptInvitation).Methods("POST")
	router.HandleFunc("/invitations/{token}/reject", h.RejectInvitation).Methods("POST")
	router.HandleFunc("/invitations/{token}", h.CancelInvitation).Methods("DELETE")
}

// ValidateSubdomain checks a candidate subdomain and reports the outcome as
// data. The response is 200 whether or not the name is usable.
func (h *Handlers) ValidateSubdomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subdomain string `json:"subdomain"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.service.ValidateSubdomain(r.Context(), req.Subdomain)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CreateTenant provisions a workspace on a fresh subdomain
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if req.Subdomain == "" {
		httputil.WriteBadRequest(w, "subdomain is required")
		return
	}

	tenant, err := h.service.CreateTenant(r.Context(), auth.GetAuthContext(r.Context()), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSubdomain):
			httputil.WriteBadRequest(w, err.Error())
		case errors.Is(err, ErrDuplicateSubdomain):
			httputil.WriteConflict(w, "subdomain already taken")
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteCreated(w, tenant)
}

// GetTenant retrieves a tenant by id
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	tenant, err := h.service.Store().GetTenant(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			httputil.WriteNotFoundError(w, "tenant not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, tenant)
}

// UpdateSettings applies a section-wise settings patch
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var patch Settings
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	tenant, err := h.service.UpdateSettings(r.Context(), id, &patch)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			httputil.WriteNotFoundError(w, "tenant not found")
			return
		}
		// An invalid SSO connection is the caller's problem, not ours.
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteSuccess(w, tenant)
}

// ListMembers lists a tenant's memberships
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	members, err := h.service.Store().ListMembers(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if members == nil {
		members = []*Membership{}
	}
	httputil.WriteSuccess(w, members)
}

// AddMember attaches an existing user to a tenant directly, without the
// invitation flow
func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID int64  `json:"user_id"`
		Role   string `json:"role"`
		Status string `json:"status"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}

	member := &Membership{
		TenantID: id,
		UserID:   req.UserID,
		Role:     req.Role,
		Status:   req.Status,
	}
	if actor := auth.GetAuthContext(r.Context()); actor != nil && actor.UserID != 0 {
		member.InvitedBy = &actor.UserID
	}

	if err := h.service.Store().AddMember(r.Context(), member); err != nil {
		if errors.Is(err, ErrMemberExists) {
			httputil.WriteConflict(w, "user is already a member")
			return
		}
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, member)
}

// UpdateMembership mutates a membership under the version check
func (h *Handlers) UpdateMembership(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	var update MembershipUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	if update.Version == 0 {
		httputil.WriteBadRequest(w, "version is required")
		return
	}

	member, err := h.service.UpdateMembership(r.Context(), auth.GetAuthContext(r.Context()), tenantID, userID, &update)
	if err != nil {
		switch {
		case errors.Is(err, ErrMembershipNotFound):
			httputil.WriteNotFoundError(w, "membership not found")
		case errors.Is(err, ErrVersionConflict):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteBadRequest(w, err.Error())
		}
		return
	}

	httputil.WriteSuccess(w, member)
}

// DeactivateMember moves a membership to inactive. The row survives for
// history; permission resolution stops counting it immediately.
func (h *Handlers) DeactivateMember(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.service.Store().DeactivateMember(r.Context(), tenantID, userID); err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			httputil.WriteNotFoundError(w, "membership not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// InviteUser creates a pending invitation for an email address
func (h *Handlers) InviteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req InviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}

	invitation, err := h.service.InviteUser(r.Context(), auth.GetAuthContext(r.Context()), id, &req)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			httputil.WriteNotFoundError(w, "tenant not found")
			return
		}
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, invitation)
}

// ListInvitations lists a tenant's open invitations
func (h *Handlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	invitations, err := h.service.Store().ListPendingInvitations(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if invitations == nil {
		invitations = []*Invitation{}
	}
	httputil.WriteSuccess(w, invitations)
}

// AcceptInvitation redeems an invitation token for the calling user
func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	actor := auth.GetAuthContext(r.Context())
	if actor == nil || actor.UserID == 0 {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	membership, err := h.service.AcceptInvitation(r.Context(), actor, token)
	if err != nil {
		writeInvitationError(w, err)
		return
	}

	httputil.WriteSuccess(w, membership)
}

// CancelInvitation withdraws a pending invitation
func (h *Handlers) CancelInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	if err := h.service.CancelInvitation(r.Context(), auth.GetAuthContext(r.Context()), token); err != nil {
		writeInvitationError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RejectInvitation declines a pending invitation
func (h *Handlers) RejectInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	if err := h.service.RejectInvitation(r.Context(), auth.GetAuthContext(r.Context()), token); err != nil {
		writeInvitationError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// writeInvitationError translates invitation sentinels to status codes. The
// message keeps the states distinguishable for the caller.
func writeInvitationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvitationNotFound):
		httputil.WriteNotFoundError(w, "invitation not found")
	case errors.Is(err, ErrInvitationAccepted),
		errors.Is(err, ErrInvitationExpired),
		errors.Is(err, ErrInvitationCancelled),
		errors.Is(err, ErrInvitationRejected):
		httputil.WriteConflict(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
