package rbac

import (
	"net/http"

	"github.com/fileworks/tessera/pkg/auth"
	"github.com/fileworks/tessera/pkg/httputil"
)

// PermissionMiddleware guards HTTP routes with effective-permission checks.
type PermissionMiddleware struct {
	resolver *Resolver
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(resolver *Resolver) *PermissionMiddleware {
	return &PermissionMiddleware{
		resolver: resolver,
	}
}

// RequirePermission creates middleware that requires a specific permission.
// The tenant scope comes from the request's auth context; requests without an
// auth context are rejected as unauthenticated.
func (pm *PermissionMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.GetAuthContext(r.Context())
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			allowed, err := pm.resolver.UserHasPermission(r.Context(), authCtx.KratosID, permission, authCtx.TenantID)
			if err != nil {
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Permission check failed")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission creates middleware that requires any of the specified permissions
func (pm *PermissionMiddleware) RequireAnyPermission(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.GetAuthContext(r.Context())
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			for _, perm := range permissions {
				allowed, err := pm.resolver.UserHasPermission(r.Context(), authCtx.KratosID, perm, authCtx.TenantID)
				if err == nil && allowed {
					next.ServeHTTP(w, r)
					return
				}
			}

			httputil.WriteForbidden(w, "Insufficient permissions")
		})
	}
}

// RequireGlobalRole creates middleware that requires one of the named global
// roles. Only the auth context is consulted; no database round trip.
func (pm *PermissionMiddleware) RequireGlobalRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.GetAuthContext(r.Context())
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			for _, role := range roles {
				if authCtx.GlobalRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			httputil.WriteForbidden(w, "Required role not found")
		})
	}
}
