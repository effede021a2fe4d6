package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with name and version", config: Config{Enabled: true, ServiceName: "svc", ServiceVersion: "1.0.0"}},
		{name: "prometheus exporter", config: Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus}},
		{name: "unknown exporter", config: Config{Enabled: true, MetricsExporter: "statsd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("grant") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("grant") == nil {
				t.Error("Tracer() returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestInjectedProviders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	inst, err := New(Config{Enabled: true, MeterProvider: mp, TracerProvider: tp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	inst.Metrics().RecordTokenIssued(ctx, "client_credentials", "access_token")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !hasMetric(rm, "oauth.tokens.issued") {
		t.Error("oauth.tokens.issued not recorded on the injected provider")
	}

	_, span := inst.Tracer("grant").Start(ctx, "grant.test")
	span.End()
	if len(recorder.Ended()) != 1 {
		t.Errorf("ended spans = %d, want 1", len(recorder.Ended()))
	}

	// Injected providers are owned by the caller
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Errorf("injected provider was shut down: %v", err)
	}
}

func TestPrometheusHandler(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordGrant(context.Background(), "refresh_token", "issued", 1.5)

	srv := httptest.NewServer(inst.PrometheusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "oauth_grant_requests") {
		t.Errorf("metrics output missing oauth_grant_requests:\n%s", body)
	}
}

func TestPrometheusHandler_NotConfigured(t *testing.T) {
	inst, _ := New(Config{Enabled: false})

	w := httptest.NewRecorder()
	inst.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 1 },
		nil,
		nil,
		func() int64 { return 2 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got := gaugeValue(rm, "oauth.storage.nonces.count"); got != 3 {
		t.Errorf("nonces gauge = %d, want 3", got)
	}
	if got := gaugeValue(rm, "oauth.storage.clients.count"); got != 2 {
		t.Errorf("clients gauge = %d, want 2", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, _ := New(Config{Enabled: true})
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func gaugeValue(rm metricdata.ResourceMetrics, name string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value
			}
		}
	}
	return -1
}

func TestNilInstrumentationIsDisabled(t *testing.T) {
	var inst *Instrumentation

	if inst.Metrics() == nil {
		t.Fatal("Metrics() on nil instrumentation returned nil")
	}
	// must not panic
	inst.Metrics().RecordGrant(context.Background(), "client_credentials", "issued", 1)

	_, span := inst.Tracer("grant").Start(context.Background(), "grant.client_credentials")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("nil instrumentation should produce non-recording spans")
	}

	if Disabled() != Disabled() {
		t.Error("Disabled() should return a shared instance")
	}
}
