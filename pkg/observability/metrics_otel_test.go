package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider installs a meter provider with a manual reader so
// tests can collect what the instruments recorded.
func setupTestMeterProvider(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)
	return provider, reader
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	byName := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func TestNewOTelMetrics(t *testing.T) {
	provider, _ := setupTestMeterProvider(t)
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down provider: %v", err)
		}
	}()

	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v, want nil", err)
	}
	if m == nil {
		t.Fatal("NewOTelMetrics() returned nil metrics")
	}

	if m.httpRequestsTotal == nil {
		t.Error("httpRequestsTotal is nil")
	}
	if m.httpRequestDuration == nil {
		t.Error("httpRequestDuration is nil")
	}
	if m.resolutionsTotal == nil {
		t.Error("resolutionsTotal is nil")
	}
	if m.resolutionDuration == nil {
		t.Error("resolutionDuration is nil")
	}
	if m.sweepDeletedTotal == nil {
		t.Error("sweepDeletedTotal is nil")
	}
}

func TestOTelMetrics_RecordHTTPRequest(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		route    string
		status   int
		duration time.Duration
	}{
		{
			name:     "successful GET request",
			method:   "GET",
			route:    "/api/v1/tenants",
			status:   200,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "created session",
			method:   "POST",
			route:    "/api/v1/sessions",
			status:   201,
			duration: 250 * time.Millisecond,
		},
		{
			name:     "not found",
			method:   "GET",
			route:    "/api/v1/users/{kratos_id}",
			status:   404,
			duration: 50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, reader := setupTestMeterProvider(t)
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					t.Logf("Error shutting down provider: %v", err)
				}
			}()

			m, err := NewOTelMetrics()
			if err != nil {
				t.Fatalf("NewOTelMetrics() error = %v", err)
			}

			m.RecordHTTPRequest(context.Background(), tt.method, tt.route, tt.status, tt.duration)

			byName := collectMetrics(t, reader)

			counter, ok := byName["http.server.requests"]
			if !ok {
				t.Fatal("HTTP request counter not recorded")
			}
			if sum, ok := counter.Data.(metricdata.Sum[int64]); ok {
				if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
					t.Errorf("Expected one data point with value 1, got %+v", sum.DataPoints)
				}
			} else {
				t.Errorf("Expected Sum[int64] data, got %T", counter.Data)
			}

			if _, ok := byName["http.server.duration"]; !ok {
				t.Error("HTTP request duration not recorded")
			}
		})
	}
}

func TestOTelMetrics_RecordResolution(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
	}{
		{name: "resolved", outcome: "resolved"},
		{name: "cache hit", outcome: "cache_hit"},
		{name: "error", outcome: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, reader := setupTestMeterProvider(t)
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					t.Logf("Error shutting down provider: %v", err)
				}
			}()

			m, err := NewOTelMetrics()
			if err != nil {
				t.Fatalf("NewOTelMetrics() error = %v", err)
			}

			m.RecordResolution(context.Background(), tt.outcome, 5*time.Millisecond)

			byName := collectMetrics(t, reader)

			counter, ok := byName["tessera.permission.resolutions"]
			if !ok {
				t.Fatal("Resolution counter not recorded")
			}
			if sum, ok := counter.Data.(metricdata.Sum[int64]); ok {
				if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
					t.Errorf("Expected one data point with value 1, got %+v", sum.DataPoints)
				}
			}

			if _, ok := byName["tessera.permission.resolution.duration"]; !ok {
				t.Error("Resolution duration not recorded")
			}
		})
	}
}

func TestOTelMetrics_RecordSweepDeleted(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down provider: %v", err)
		}
	}()

	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v", err)
	}

	ctx := context.Background()
	m.RecordSweepDeleted(ctx, "sessions", 3)
	m.RecordSweepDeleted(ctx, "invitations", 2)
	m.RecordSweepDeleted(ctx, "sessions", 4)

	byName := collectMetrics(t, reader)

	counter, ok := byName["tessera.sweep.deleted"]
	if !ok {
		t.Fatal("Sweep counter not recorded")
	}

	sum, ok := counter.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected Sum[int64] data, got %T", counter.Data)
	}

	// One data point per category, counts accumulated within each.
	if len(sum.DataPoints) != 2 {
		t.Fatalf("Expected 2 data points, got %d", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 9 {
		t.Errorf("Expected total 9 rows across categories, got %d", total)
	}
}

func TestOTelMetrics_MultipleRequests(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down provider: %v", err)
		}
	}()

	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.RecordHTTPRequest(ctx, "GET", "/api/v1/tenants", 200, 100*time.Millisecond)
	}

	byName := collectMetrics(t, reader)
	counter, ok := byName["http.server.requests"]
	if !ok {
		t.Fatal("HTTP request counter not recorded")
	}
	if sum, ok := counter.Data.(metricdata.Sum[int64]); ok {
		if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 5 {
			t.Errorf("Expected counter value 5, got %+v", sum.DataPoints)
		}
	}
}
