// Package rbac provides role-based access control for the Tessera identity platform.
//
// # Overview
//
// This package implements permission resolution for a multi-tenant system.
// Users carry a global role plus ad-hoc global permissions, and may hold a
// per-tenant role plus ad-hoc permissions through their tenant membership.
// Permissions are flat strings in "resource:action" form (e.g. "users:read");
// roles are named collections of those strings.
//
// # Roles
//
// A role is either global (tenant_id NULL) or tenant-scoped. Global roles
// named by the built-in set (user, admin, superadmin, system, owner, guest,
// billing_admin, support) are seeded as system roles and cannot be deleted.
// Tenants can define their own roles, including ones that shadow a global
// role by name; when both exist, the tenant-scoped role wins.
//
// Roles may inherit from other roles via inherits_from. Inheritance is a
// single level: a role contributes its own permissions plus the direct
// permissions of the roles it names, and nothing beyond that.
//
// # Permission Resolution
//
// ResolveEffectivePermissions computes the full permission set for a user,
// optionally scoped to a tenant:
//
//	resolver := rbac.NewResolver(db, metrics)
//	perms, err := resolver.ResolveEffectivePermissions(ctx, kratosID, &tenantID)
//
// Resolution is fail-closed and uncached. The user is loaded by kratos id;
// unknown, inactive, or locked users resolve to the empty set. A superadmin
// short-circuits to the entire permission catalog. Otherwise the result is
// the union of:
//
//	1. The user's ad-hoc global permissions
//	2. The global role named by the user's global_role
//	3. The active tenant membership's ad-hoc permissions (tenant scope only)
//	4. The membership role, tenant-scoped preferred over global
//	5. One level of that role's inherits_from
//
// A missing role name at any step contributes nothing; it never fails the
// resolution. An inactive membership contributes nothing either, so a
// suspended member keeps only their global grants.
//
// Single checks go through UserHasPermission, which carries the same
// superadmin short-circuit:
//
//	allowed, err := resolver.UserHasPermission(ctx, kratosID, "tenants:write", &tenantID)
//
// # Concurrency
//
// Role updates are guarded by a version column. UpdateRole compares the
// version the caller read against the stored row and returns
// ErrVersionConflict when they differ, so concurrent grants never silently
// overwrite each other. GrantPermissionToRole and RevokePermissionFromRole
// surface that conflict to the caller for retry.
//
// Duplicate role and permission names are enforced only by unique indexes;
// a lost race surfaces as ErrDuplicateRole or ErrDuplicatePerm.
//
// # Bulk Assignment
//
// BulkAssignRole applies one role to many users without a wrapping
// transaction. Each user succeeds or fails independently and the result
// reports both:
//
//	result, err := service.BulkAssignRole(ctx, actorID, rbac.BulkAssignRequest{
//		UserIDs:  []int64{1, 2, 3},
//		Role:     "admin",
//		TenantID: &tenantID,
//	})
//	// result.Success == 2, result.Failed == 1, result.Errors lists the failure
//
// # HTTP Middleware
//
// PermissionMiddleware protects routes with effective-permission checks:
//
//	pm := rbac.NewPermissionMiddleware(resolver)
//	router.Handle("/tenants", pm.RequirePermission("tenants:write")(createTenantHandler)).Methods("POST")
//
// The middleware returns 401 for unauthenticated requests, 403 when the
// check denies, and 500 when the check itself fails.
//
// # Seeding
//
// SeedDefaults installs the built-in permission catalog and system roles
// idempotently; reruns insert nothing:
//
//	permsSeeded, rolesSeeded, err := rbac.SeedDefaults(ctx, db)
//
// # Related Packages
//
//   - pkg/identity: User records that resolution reads
//   - pkg/tenants: Tenant memberships that scope resolution
//   - pkg/audit: Audit trail for role and permission changes
//   - pkg/auth: Request auth context consumed by the middleware
package rbac
