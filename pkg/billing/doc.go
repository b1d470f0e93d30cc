// Package billing is the inbound webhook boundary to the billing providers.
//
// Tessera never talks to a payment gateway. Lago (primary) and Stripe push
// plan changes here; this package verifies the signature, maps the external
// plan code to a subscription plan through a static table, updates the
// tenant row, and writes a plan_changed audit entry.
//
// # Failure Semantics
//
// A bad signature is rejected with 401 so the provider retries with a fixed
// sender. Everything else that cannot be applied (malformed payloads,
// unmapped plan codes, events for unknown tenants) is logged and answered
// 200: billing providers treat non-2xx as transient and retry forever, and
// a code we will never map should not sit in a retry queue.
//
// # Related Packages
//
//   - pkg/tenants: owns the tenant row the plan lands on
//   - pkg/audit: the plan_changed trail
package billing
