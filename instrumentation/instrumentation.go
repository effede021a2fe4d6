package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-engine"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// MetricsExporterPrometheus exports metrics through a Prometheus registry
	MetricsExporterPrometheus = "prometheus"

	// MetricsExporterNone keeps metrics in-process (or in the injected provider)
	MetricsExporterNone = ""

	scopePrefix = "github.com/giantswarm/oauth-engine/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects where metrics go when no MeterProvider is
	// injected: "prometheus" or "" (SDK provider without exporter).
	MetricsExporter string

	// PrometheusRegistry receives the exporter's collector. A fresh registry is
	// created when nil; PrometheusHandler serves whichever one is used.
	PrometheusRegistry *prometheus.Registry

	// MeterProvider and TracerProvider override the providers New would build.
	// The caller owns their lifecycle.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	metrics *Metrics

	// Shutdown functions, registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds SDK providers unless the caller injected its own.
func (i *Instrumentation) initializeProviders() error {
	if i.config.MeterProvider != nil {
		i.meterProvider = i.config.MeterProvider
	} else {
		opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

		switch i.config.MetricsExporter {
		case MetricsExporterPrometheus:
			i.registry = i.config.PrometheusRegistry
			if i.registry == nil {
				i.registry = prometheus.NewRegistry()
			}
			exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
			if err != nil {
				return fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			opts = append(opts, sdkmetric.WithReader(exporter))
		case MetricsExporterNone:
		default:
			return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
		}

		mp := sdkmetric.NewMeterProvider(opts...)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	}

	return nil
}

// Shutdown gracefully shuts down the providers New created.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

var (
	disabledOnce sync.Once
	disabled     *Instrumentation
)

// Disabled returns a shared instance backed by no-op providers. A nil
// *Instrumentation behaves like it, so components may leave the field unset.
func Disabled() *Instrumentation {
	disabledOnce.Do(func() {
		inst := &Instrumentation{
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
		}
		// no-op instruments cannot fail to register
		inst.metrics, _ = newMetrics(inst)
		disabled = inst
	})
	return disabled
}

// Meter returns a named meter for the given scope, e.g. "grant" or "storage".
// The full name is "github.com/giantswarm/oauth-engine/{scope}".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	if i == nil {
		return Disabled().Meter(scope)
	}
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return Disabled().Tracer(scope)
	}
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return Disabled().metrics
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// PrometheusHandler serves the metrics registry when the Prometheus exporter is
// active, and responds 404 otherwise.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for the storage size gauges.
// Storage implementations call this from SetInstrumentation. Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	noncesCount, signingKeysCount, refreshTokensCount, accessTokensCount, clientsCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	m := i.metrics
	observe := []struct {
		gauge metric.Int64ObservableGauge
		fn    StorageSizeCallback
	}{
		{m.StorageNoncesCount, noncesCount},
		{m.StorageSigningKeysCount, signingKeysCount},
		{m.StorageRefreshTokensCount, refreshTokensCount},
		{m.StorageAccessTokensCount, accessTokensCount},
		{m.StorageClientsCount, clientsCount},
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			for _, o := range observe {
				if o.fn != nil {
					observer.ObserveInt64(o.gauge, o.fn())
				}
			}
			return nil
		},
		m.StorageNoncesCount,
		m.StorageSigningKeysCount,
		m.StorageRefreshTokensCount,
		m.StorageAccessTokensCount,
		m.StorageClientsCount,
	)

	return err
}
