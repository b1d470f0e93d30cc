package sysconfig

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/httputil"
)

// Handlers provides HTTP handlers for system configuration
type Handlers struct {
	store *Store
}

// NewHandlers creates new system configuration handlers
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers the system configuration routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/system-config", h.List).Methods("GET")
	router.HandleFunc("/system-config/{key}", h.Get).Methods("GET")
	router.HandleFunc("/system-config/{key}", h.Set).Methods("PUT")
}

// List returns every configuration row
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.List(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if settings == nil {
		settings = []*Setting{}
	}
	httputil.WriteSuccess(w, settings)
}

// Get returns one configuration row
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	setting, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			httputil.WriteNotFoundError(w, "config key not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, setting)
}

// Set updates one configuration value. Each key is independently updatable;
// the write carries its own config_changed audit row.
func (h *Handlers) Set(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req struct {
		Value interface{} `json:"value"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Value == nil {
		httputil.WriteBadRequest(w, "value is required")
		return
	}

	var actorID string
	if actor := auth.GetAuthContext(r.Context()); actor != nil {
		actorID = actor.KratosID
	}

	if err := h.store.Set(r.Context(), actorID, key, req.Value); err != nil {
		if errors.Is(err, ErrUnknownKey) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	setting, err := h.store.Get(r.Context(), key)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, setting)
}
