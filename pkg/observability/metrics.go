package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Permission resolution metrics
	PermissionResolutionsTotal   *prometheus.CounterVec
	PermissionResolutionDuration prometheus.Histogram
	PermissionChecksTotal        *prometheus.CounterVec

	// Session metrics
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge

	// Invitation metrics
	InvitationsTotal *prometheus.CounterVec

	// Janitor metrics
	SweepDeletedTotal *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	SweepErrorsTotal  *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Business metrics
	UsersTotal   prometheus.Gauge
	TenantsTotal prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessera_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessera_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessera_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Permission resolution metrics
		PermissionResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_permission_resolutions_total",
				Help: "Total number of effective-permission resolutions",
			},
			[]string{"outcome"},
		),
		PermissionResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tessera_permission_resolution_duration_seconds",
				Help:    "Effective-permission resolution duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_permission_checks_total",
				Help: "Total number of single-permission checks",
			},
			[]string{"allowed"},
		),

		// Session metrics
		SessionsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"remember_me"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_sessions_active",
				Help: "Number of unexpired active sessions",
			},
		),

		// Invitation metrics
		InvitationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_invitations_total",
				Help: "Total number of invitation state transitions",
			},
			[]string{"event"},
		),

		// Janitor metrics
		SweepDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_sweep_deleted_total",
				Help: "Rows physically removed by cleanup sweeps",
			},
			[]string{"category"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tessera_sweep_duration_seconds",
				Help:    "Cleanup sweep duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
			},
		),
		SweepErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_sweep_errors_total",
				Help: "Cleanup sweep failures",
			},
			[]string{"category"},
		),

		// Audit metrics
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_audit_events_total",
				Help: "Total number of audit log entries written",
			},
			[]string{"event_type", "severity"},
		),

		// Webhook metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_webhook_events_total",
				Help: "Inbound billing webhook events by outcome",
			},
			[]string{"provider", "outcome"},
		),

		// Rate limit metrics
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Business metrics
		UsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_users_total",
				Help: "Total number of registered users",
			},
		),
		TenantsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessera_tenants_total",
				Help: "Total number of tenants",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.PermissionResolutionsTotal,
		m.PermissionResolutionDuration,
		m.PermissionChecksTotal,
		m.SessionsCreatedTotal,
		m.SessionsActive,
		m.InvitationsTotal,
		m.SweepDeletedTotal,
		m.SweepDuration,
		m.SweepErrorsTotal,
		m.AuditEventsTotal,
		m.WebhookEventsTotal,
		m.RateLimitRejectionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.UsersTotal,
		m.TenantsTotal,
	)

	return m
}

// UpdateDBStats copies database/sql pool statistics into the gauges
func (m *Metrics) UpdateDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler returns an http.Handler serving the registry in Prometheus format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
