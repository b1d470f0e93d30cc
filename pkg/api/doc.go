// Package api assembles the HTTP REST API server for the Tessera identity
// and tenancy platform.
//
// # Overview
//
// This package owns the server wiring, not the endpoints. The endpoints
// live with their domains (pkg/identity, pkg/tenants, pkg/rbac,
// pkg/sessions, pkg/audit, pkg/sysconfig, pkg/billing); each exposes a
// handler group with a RegisterRoutes method, and NewServer builds the
// stores and services those groups share, mounts them, and threads the
// middleware chain through the router.
//
// # Layout
//
//   - /api/v1/... carries the domain routes behind rate limiting and
//     bearer session auth; a short exemption list covers the flows that
//     run before a session exists (registration, login, password reset).
//   - /api/v1/audit and /api/v1/system-config are additionally gated on
//     the admin or superadmin global role.
//   - /webhooks/billing/... is authenticated by provider signature and
//     bypasses the session gate entirely.
//   - /health/live, /health/ready, and /metrics are unauthenticated
//     operational endpoints.
//
// # Usage
//
//	server, err := api.NewServer(db, redisClient, cfg, logger)
//	if err != nil {
//		...
//	}
//	http.ListenAndServe(":8080", server)
//
// The middleware ordering rationale is documented in pkg/middleware.
package api
