// Package middleware provides the HTTP middleware chain for the API server.
//
// # Overview
//
// This package implements request processing middleware: request id
// assignment, access logging, panic recovery, per-tenant rate limiting,
// and bearer session authentication.
//
// # Ordering
//
// The chain is applied outermost first:
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.Logging(logger))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	router.Use(middleware.Recovery(logger))
//	// tracing wraps the assembled router via observability.TracingHandler
//	api.Use(middleware.NewRateLimit(limiter, metrics).Handler)
//	api.Use(middleware.NewSessionAuth(sessionService, userStore, false).Handler)
//
// RequestID must run before Logging so the access log carries the id.
// Recovery sits inside Logging and metrics so a recovered panic is still
// logged and counted as a 500. Rate limiting runs before session auth:
// over-budget callers are turned away without spending a session lookup.
//
// # Rate Limiting
//
// Budgets are fixed one-minute windows keyed per tenant (X-Tenant-ID) or
// per client IP, with the limit read from the api_rate_limit_per_minute
// system config. Counters live in Redis; without Redis each instance
// keeps its own expiring windows.
//
// # Related Packages
//
//   - pkg/sessions: session validation
//   - pkg/identity: user lookup after session validation
//   - pkg/observability: metrics middleware and the tracing wrapper
package middleware
