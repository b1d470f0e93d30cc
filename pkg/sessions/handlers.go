package sessions

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/httputil"
)

// Handlers provides HTTP handlers for the session lifecycle
type Handlers struct {
	service *Service
}

// NewHandlers creates new session handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all session routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	router.HandleFunc("/sessions/{session_id}", h.ValidateSession).Methods("GET")
	router.HandleFunc("/sessions/{session_id}", h.RevokeSession).Methods("DELETE")
	router.HandleFunc("/users/{user_id:[0-9]+}/sessions", h.ListUserSessions).Methods("GET")
	router.HandleFunc("/users/{user_id:[0-9]+}/sessions", h.RevokeUserSessions).Methods("DELETE")
}

// CreateSession mints a session after an upstream login has authenticated
// the user
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = audit.ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	session, err := h.service.CreateSession(r.Context(), &req)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, session)
}

// ValidateSession answers whether a session id is live. Expired and revoked
// sessions are 401, unknown ids 404.
func (h *Handlers) ValidateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParsePathStringOrError(w, r, "session_id")
	if !ok {
		return
	}

	session, err := h.service.ValidateSession(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			httputil.WriteNotFoundError(w, "session not found")
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionRevoked):
			httputil.WriteUnauthorized(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}
	httputil.WriteSuccess(w, session)
}

// RevokeSession logs a session out
func (h *Handlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParsePathStringOrError(w, r, "session_id")
	if !ok {
		return
	}

	if err := h.service.RevokeSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httputil.WriteNotFoundError(w, "session not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListUserSessions lists a user's live sessions
func (h *Handlers) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	sessions, err := h.service.Store().ListActiveForUser(r.Context(), userID, time.Now())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	httputil.WriteSuccess(w, sessions)
}

// RevokeUserSessions kills every active session a user holds
func (h *Handlers) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	revoked, err := h.service.RevokeAllForUser(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"revoked": revoked})
}
