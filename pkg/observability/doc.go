// Package observability provides structured logging, Prometheus metrics, health
// checks, and OpenTelemetry tracing for the tessera services.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("tenant created")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.PermissionResolutionsTotal.WithLabelValues("resolved").Inc()
//
// # Health Checks
//
// The HealthChecker pings Postgres and Redis and serves /health/live and
// /health/ready probes.
package observability
