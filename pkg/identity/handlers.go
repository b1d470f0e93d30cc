package identity

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/httputil"
)

// Handlers provides HTTP handlers for user accounts
type Handlers struct {
	service *Service
}

// NewHandlers creates new user account handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all user account routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.RegisterUser).Methods("POST")
	router.HandleFunc("/users/{kratos_id}", h.GetUser).Methods("GET")
	router.HandleFunc("/users/{kratos_id}", h.UpdateProfile).Methods("PATCH")
	router.HandleFunc("/users/{kratos_id}/status", h.UpdateStatus).Methods("PUT")

	// Login outcome reports from the identity provider callback
	router.HandleFunc("/users/{kratos_id}/login-failure", h.ReportLoginFailure).Methods("POST")

	// Password reset issuance; redemption happens in the identity provider
	router.HandleFunc("/users/password-reset", h.RequestPasswordReset).Methods("POST")
}

// RegisterUser creates a platform user for an identity-provider account
func (h *Handlers) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.KratosID == "" {
		httputil.WriteBadRequest(w, "kratos_id is required")
		return
	}
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrDuplicateUser) {
			httputil.WriteConflict(w, "user already exists")
			return
		}
		if !ValidEmail(req.Email) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, user)
}

// GetUser retrieves a user by kratos id
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	kratosID, ok := httputil.ParsePathStringOrError(w, r, "kratos_id")
	if !ok {
		return
	}

	user, err := h.service.Store().GetUserByKratosID(r.Context(), kratosID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, user)
}

// UpdateProfile applies a partial update to the caller-editable fields
func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	kratosID, ok := httputil.ParsePathStringOrError(w, r, "kratos_id")
	if !ok {
		return
	}

	var update ProfileUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	if update.Email != nil && !ValidEmail(*update.Email) {
		httputil.WriteBadRequest(w, "invalid email address")
		return
	}

	user, err := h.service.Store().UpdateProfile(r.Context(), kratosID, &update)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		if errors.Is(err, ErrDuplicateUser) {
			httputil.WriteConflict(w, "email already in use")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, user)
}

// UpdateStatus sets the account status
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	kratosID, ok := httputil.ParsePathStringOrError(w, r, "kratos_id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	switch req.Status {
	case StatusActive, StatusInactive, StatusSuspended:
	default:
		httputil.WriteBadRequest(w, "status must be one of active, inactive, suspended")
		return
	}

	if err := h.service.Store().UpdateStatus(r.Context(), kratosID, req.Status); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"kratos_id": kratosID,
		"status":    req.Status,
	})
}

// ReportLoginFailure records a failed login attempt against the account
func (h *Handlers) ReportLoginFailure(w http.ResponseWriter, r *http.Request) {
	kratosID, ok := httputil.ParsePathStringOrError(w, r, "kratos_id")
	if !ok {
		return
	}

	var req struct {
		IPAddress string `json:"ip_address"`
		Reason    string `json:"reason"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	attempts, locked, err := h.service.ReportFailedLogin(r.Context(), kratosID, req.IPAddress, req.Reason)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"kratos_id":             kratosID,
		"failed_login_attempts": attempts,
		"account_locked":        locked,
	})
}

// RequestPasswordReset issues a reset token for the account behind an email.
// The response never reveals whether the account exists.
func (h *Handlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}

	_, _, err := h.service.IssuePasswordReset(r.Context(), req.Email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "reset instructions sent if the account exists",
	})
}
