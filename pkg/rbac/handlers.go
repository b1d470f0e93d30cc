package rbac

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/httputil"
	"github.com/fileworks/tessera/pkg/observability"
)

// Handlers provides HTTP handlers for role and permission management
type Handlers struct {
	store    *Store
	resolver *Resolver
	service  *Service
}

// NewHandlers creates new role management handlers
func NewHandlers(db *sql.DB, auditLogger audit.Logger, metrics *observability.Metrics) *Handlers {
	return &Handlers{
		store:    NewStore(db),
		resolver: NewResolver(db, metrics),
		service:  NewService(db, auditLogger),
	}
}

// Resolver exposes the permission resolver for middleware wiring.
func (h *Handlers) Resolver() *Resolver {
	return h.resolver
}

// RegisterRoutes registers all role and permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Role management
	router.HandleFunc("/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}", h.GetRole).Methods("GET")
	router.HandleFunc("/roles/{id:[0-9]+}", h.UpdateRole).Methods("PUT")
	router.HandleFunc("/roles/{id:[0-9]+}", h.DeleteRole).Methods("DELETE")

	// Incremental permission grants on a role
	router.HandleFunc("/roles/{name}/permissions", h.GrantPermission).Methods("POST")
	router.HandleFunc("/roles/{name}/permissions/{permission}", h.RevokePermission).Methods("DELETE")

	// Permission catalog
	router.HandleFunc("/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/permissions", h.CreatePermission).Methods("POST")
	router.HandleFunc("/permissions/{name}", h.DeletePermission).Methods("DELETE")

	// Role assignment
	router.HandleFunc("/roles/bulk-assign", h.BulkAssignRole).Methods("POST")

	// Effective permissions
	router.HandleFunc("/users/{kratos_id}/permissions", h.GetEffectivePermissions).Methods("GET")
	router.HandleFunc("/permissions/check", h.CheckPermission).Methods("POST")
}

// CreateRole creates a new custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Name         string   `json:"name"`
		TenantID     *int64   `json:"tenant_id,omitempty"`
		Description  string   `json:"description"`
		Permissions  []string `json:"permissions"`
		InheritsFrom []string `json:"inherits_from,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	role := &Role{
		Name:         req.Name,
		TenantID:     req.TenantID,
		Description:  req.Description,
		Permissions:  req.Permissions,
		InheritsFrom: req.InheritsFrom,
	}

	if err := h.store.CreateRole(ctx, role); err != nil {
		if errors.Is(err, ErrDuplicateRole) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, role)
}

// ListRoles lists roles visible in the given tenant scope. Without a
// tenant_id query parameter only global roles are returned.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseTenantIDQuery(w, r)
	if !ok {
		return
	}

	roles, err := h.store.ListRoles(r.Context(), tenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, roles)
}

// GetRole retrieves a specific role. The response carries the role version
// as an ETag so clients can do conditional updates.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.FormatInt(role.Version, 10)))
	httputil.WriteSuccess(w, role)
}

// UpdateRole replaces a custom role's definition. The caller must supply the
// version it read, either in the body or via If-Match; a stale version is
// rejected with 409.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	if role.IsSystem {
		httputil.WriteForbidden(w, "cannot modify system role")
		return
	}

	var req struct {
		Description  string   `json:"description"`
		Permissions  []string `json:"permissions"`
		InheritsFrom []string `json:"inherits_from"`
		Version      int64    `json:"version"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role.Description = req.Description
	role.Permissions = req.Permissions
	role.InheritsFrom = req.InheritsFrom
	if req.Version != 0 {
		role.Version = req.Version
	}
	if match := r.Header.Get("If-Match"); match != "" {
		version, err := strconv.ParseInt(strings.Trim(match, `"`), 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid If-Match header")
			return
		}
		role.Version = version
	}

	if err := h.store.UpdateRole(ctx, role); err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict):
			httputil.WriteConflict(w, err.Error())
		case errors.Is(err, ErrRoleNotFound):
			httputil.WriteNotFoundError(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.FormatInt(role.Version, 10)))
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.DeleteRole(r.Context(), roleID); err != nil {
		switch {
		case errors.Is(err, ErrRoleNotFound):
			httputil.WriteNotFoundError(w, err.Error())
		case errors.Is(err, ErrSystemRole):
			httputil.WriteForbidden(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteNoContent(w)
}

// GrantPermission adds a catalog permission to the named role
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roleName, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	tenantID, ok := parseTenantIDQuery(w, r)
	if !ok {
		return
	}

	var req struct {
		Permission string `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Permission == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	role, err := h.service.GrantPermissionToRole(ctx, actorID(r), roleName, tenantID, req.Permission)
	if err != nil {
		switch {
		case IsNotFound(err):
			httputil.WriteNotFoundError(w, err.Error())
		case errors.Is(err, ErrVersionConflict):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteSuccess(w, role)
}

// RevokePermission removes a permission from the named role
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roleName, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	permission, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}
	tenantID, ok := parseTenantIDQuery(w, r)
	if !ok {
		return
	}

	role, err := h.service.RevokePermissionFromRole(ctx, actorID(r), roleName, tenantID, permission)
	if err != nil {
		switch {
		case IsNotFound(err):
			httputil.WriteNotFoundError(w, err.Error())
		case errors.Is(err, ErrVersionConflict):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteSuccess(w, role)
}

// ListPermissions returns the permission catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	permissions, err := h.store.ListPermissions(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, permissions)
}

// CreatePermission adds a new catalog entry
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var perm Permission
	if !httputil.ParseJSONOrError(w, r, &perm) {
		return
	}
	if err := ValidatePermissionName(perm.Name); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.CreatePermission(r.Context(), &perm); err != nil {
		if errors.Is(err, ErrDuplicatePerm) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, perm)
}

// DeletePermission removes a catalog entry. Roles still naming it keep the
// dangling string; it simply stops matching any catalog permission.
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}

	if err := h.store.DeletePermission(r.Context(), name); err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// BulkAssignRole assigns a role to many users in one call. Individual
// failures are reported per user; the response is 200 even when some
// assignments failed.
func (h *Handlers) BulkAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkAssignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Role == "" {
		httputil.WriteBadRequest(w, "role is required")
		return
	}
	if len(req.UserIDs) == 0 {
		httputil.WriteBadRequest(w, "user_ids are required")
		return
	}
	if req.TenantID == nil && !ValidGlobalRole(req.Role) {
		httputil.WriteBadRequest(w, "invalid global role: "+req.Role)
		return
	}

	result, err := h.service.BulkAssignRole(ctx, actorID(r), req)
	if err != nil {
		if IsNotFound(err) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// GetEffectivePermissions resolves the full permission set for a user,
// optionally scoped to a tenant
func (h *Handlers) GetEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	kratosID, ok := httputil.ParsePathStringOrError(w, r, "kratos_id")
	if !ok {
		return
	}
	tenantID, ok := parseTenantIDQuery(w, r)
	if !ok {
		return
	}

	permissions, err := h.resolver.ResolveEffectivePermissions(r.Context(), kratosID, tenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     kratosID,
		"tenant_id":   tenantID,
		"permissions": permissions,
	})
}

// CheckPermission answers whether a user holds a single permission
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		Permission string `json:"permission"`
		TenantID   *int64 `json:"tenant_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Permission == "" {
		httputil.WriteBadRequest(w, "user_id and permission are required")
		return
	}

	allowed, err := h.resolver.UserHasPermission(r.Context(), req.UserID, req.Permission, req.TenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":    req.UserID,
		"permission": req.Permission,
		"allowed":    allowed,
	})
}

// actorID returns the kratos id of the authenticated caller, or "" when the
// request carries no auth context.
func actorID(r *http.Request) string {
	if authCtx := auth.GetAuthContext(r.Context()); authCtx != nil {
		return authCtx.KratosID
	}
	return ""
}

func parseTenantIDQuery(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	str := r.URL.Query().Get("tenant_id")
	if str == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant_id: "+str)
		return nil, false
	}
	return &id, true
}
