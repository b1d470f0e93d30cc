package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments. These mirror the core
// Prometheus metrics for deployments that ship telemetry over OTLP instead of
// scraping /metrics.
type OTelMetrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	resolutionsTotal   metric.Int64Counter
	resolutionDuration metric.Float64Histogram

	sweepDeletedTotal metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/fileworks/tessera")

	m := &OTelMetrics{}
	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.server.requests counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.server.duration histogram: %w", err)
	}

	m.resolutionsTotal, err = meter.Int64Counter(
		"tessera.permission.resolutions",
		metric.WithDescription("Effective-permission resolutions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	m.resolutionDuration, err = meter.Float64Histogram(
		"tessera.permission.resolution.duration",
		metric.WithDescription("Effective-permission resolution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution duration histogram: %w", err)
	}

	m.sweepDeletedTotal, err = meter.Int64Counter(
		"tessera.sweep.deleted",
		metric.WithDescription("Rows removed by cleanup sweeps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served HTTP request
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordResolution records one permission resolution
func (m *OTelMetrics) RecordResolution(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.resolutionsTotal.Add(ctx, 1, attrs)
	m.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweepDeleted records rows removed by a cleanup sweep category
func (m *OTelMetrics) RecordSweepDeleted(ctx context.Context, category string, count int64) {
	m.sweepDeletedTotal.Add(ctx, count, metric.WithAttributes(attribute.String("category", category)))
}
